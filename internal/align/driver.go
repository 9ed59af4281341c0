package align

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trackalign/internal/geom"
	"github.com/banshee-data/trackalign/internal/track"
)

// Phase is the iteration state machine state.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseConverged
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseConverged:
		return "converged"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// InputTrack is one track's raw fit input. Tracks are refitted every
// iteration against the current geometry.
type InputTrack struct {
	SourceLinks []track.SourceLink
	Seed        track.SeedParameters
}

// Options configure one alignment run.
type Options struct {
	// GeoContext is the mutable geometry store for the run. A nil context
	// is replaced by a fresh one seeded from the elements' nominal
	// placements.
	GeoContext *geom.Context

	// Elements are the alignable sensors, in slot order. Slot assignment is
	// by position and stable for the whole run.
	Elements []*geom.Surface

	// Updater applies a proposed transform to an element. Defaults to
	// ContextUpdater.
	Updater TransformUpdater

	// AverageChi2ONdfCutOff is the absolute convergence cutoff.
	AverageChi2ONdfCutOff float64

	// DeltaChi2WindowSize and DeltaChi2Tolerance define the second
	// convergence test: once the FIFO window of recent averageChi2ONdf
	// values is full, the run converges when |oldest − current| is within
	// the tolerance.
	DeltaChi2WindowSize int
	DeltaChi2Tolerance  float64

	// MaxIterations bounds the iteration loop.
	MaxIterations int

	// IterationMasks overrides the free DOF per iteration index; iterations
	// without an entry run with all six DOF free.
	IterationMasks map[int]DOFMask

	// StrictSolve promotes a singular normal-equation matrix from a warning
	// to a run-fatal error.
	StrictSolve bool

	// Workers sets the number of parallel track-evaluation workers.
	// Values below 2 evaluate sequentially.
	Workers int
}

// IterationStats records one iteration of a run.
type IterationStats struct {
	Iteration       int
	Mask            DOFMask
	Chi2            float64
	MeasurementDim  int
	NumTracks       int
	SkippedTracks   int
	AverageChi2ONdf float64
	DeltaChi2       float64
}

// Result is the outcome of an alignment run.
type Result struct {
	// Converged reports whether either convergence test fired within the
	// iteration budget. Reason names the terminating condition.
	Converged bool
	Reason    string

	// DeltaAlignmentParameters and AlignmentCovariance are from the last
	// completed iteration (6N and 6N×6N).
	DeltaAlignmentParameters *mat.VecDense
	AlignmentCovariance      *mat.Dense

	Chi2            float64
	MeasurementDim  int
	AlignmentDof    int
	AverageChi2ONdf float64
	DeltaChi2       float64
	NumTracks       int

	// Iterations is the per-iteration history, oldest first.
	Iterations []IterationStats

	// AlignedParameters maps each element to its final placement.
	AlignedParameters map[*geom.Surface]geom.Transform
}

// Aligner drives iterative track-based alignment around an external track
// fitter.
type Aligner struct {
	fitter track.Fitter
}

// New creates an Aligner using the given fitter.
func New(fitter track.Fitter) *Aligner {
	return &Aligner{fitter: fitter}
}

// EvaluateTrackAlignmentState fits one track and extracts its alignment
// state. A failed fit propagates the fitter's error; a track touching no
// alignable surface returns ErrNoAlignmentDof. Both are per-track
// conditions the run skips over.
func (a *Aligner) EvaluateTrackAlignmentState(ctx *geom.Context, in InputTrack, registry map[*geom.Surface]int, mask DOFMask) (*TrackAlignmentState, error) {
	traj, err := a.fitter.Fit(ctx, in.SourceLinks, in.Seed)
	if err != nil {
		return nil, fmt.Errorf("fit failure: %w", err)
	}
	state, err := BuildTrackAlignmentState(traj, registry, mask)
	if err != nil {
		return nil, err
	}
	if state.AlignmentDof == 0 {
		return nil, ErrNoAlignmentDof
	}
	return state, nil
}

// Align runs the full iteration loop over the input tracks.
//
// The loop is an explicit state machine: it stays in PhaseRunning while
// iterations proceed, moves to PhaseConverged when a convergence test
// fires, and to PhaseFailed on a rejected transform update, a strict-mode
// singular solve, or an exhausted iteration budget. In the latter case the
// last computed parameters are still returned alongside ErrNotConverged.
func (a *Aligner) Align(tracks []InputTrack, opts Options) (*Result, error) {
	if len(opts.Elements) == 0 {
		return nil, errors.New("no alignable elements configured")
	}
	ctx := opts.GeoContext
	if ctx == nil {
		ctx = geom.NewContext()
	}
	updater := opts.Updater
	if updater == nil {
		updater = ContextUpdater
	}

	// Slot registry: rebuilt per run, by position in the element sequence.
	registry := make(map[*geom.Surface]int, len(opts.Elements))
	for slot, surf := range opts.Elements {
		registry[surf] = slot
	}

	result := &Result{
		AlignmentDof:      len(opts.Elements) * ParamsDim,
		AlignedParameters: make(map[*geom.Surface]geom.Transform, len(opts.Elements)),
	}

	monitor := newConvergenceMonitor(opts.AverageChi2ONdfCutOff, opts.DeltaChi2WindowSize, opts.DeltaChi2Tolerance)
	phase := PhaseRunning
	var runErr error

	log.Printf("[align] starting run: %d tracks, %d elements, max %d iterations",
		len(tracks), len(opts.Elements), opts.MaxIterations)

	for iter := 0; iter < opts.MaxIterations && phase == PhaseRunning; iter++ {
		mask := AllDOF
		if m, ok := opts.IterationMasks[iter]; ok {
			mask = m
		}

		acc, sol, skipped, err := a.runIteration(ctx, tracks, registry, opts.Elements, updater, mask, opts)
		if err != nil {
			phase = PhaseFailed
			result.Reason = err.Error()
			runErr = err
			break
		}

		result.Chi2 = acc.Chi2
		result.MeasurementDim = acc.MeasurementDim
		result.NumTracks = acc.NumTracks
		result.AverageChi2ONdf = acc.AverageChi2ONdf()
		result.DeltaChi2 = sol.DeltaChi2
		result.DeltaAlignmentParameters = sol.Delta
		result.AlignmentCovariance = sol.Covariance
		result.Iterations = append(result.Iterations, IterationStats{
			Iteration:       iter,
			Mask:            mask,
			Chi2:            acc.Chi2,
			MeasurementDim:  acc.MeasurementDim,
			NumTracks:       acc.NumTracks,
			SkippedTracks:   skipped,
			AverageChi2ONdf: acc.AverageChi2ONdf(),
			DeltaChi2:       sol.DeltaChi2,
		})

		log.Printf("[align] iteration %d: chi2=%.6g measurementDim=%d tracks=%d (skipped %d) avg chi2/ndf=%.6g deltaChi2=%.6g",
			iter, acc.Chi2, acc.MeasurementDim, acc.NumTracks, skipped, acc.AverageChi2ONdf(), sol.DeltaChi2)

		if converged, why := monitor.Observe(result.AverageChi2ONdf); converged {
			phase = PhaseConverged
			result.Reason = why
			log.Printf("[align] converged: %s", why)
		}
	}

	if phase == PhaseRunning {
		phase = PhaseFailed
		result.Reason = fmt.Sprintf("not converged after %d iterations", opts.MaxIterations)
		runErr = ErrNotConverged
		log.Printf("[align] %s", result.Reason)
	}
	result.Converged = phase == PhaseConverged

	for _, surf := range opts.Elements {
		result.AlignedParameters[surf] = surf.Transform(ctx)
	}

	return result, runErr
}

// runIteration performs one full pass: evaluate all tracks, accumulate,
// solve the normal equations, and apply the corrections.
func (a *Aligner) runIteration(ctx *geom.Context, tracks []InputTrack, registry map[*geom.Surface]int,
	elements []*geom.Surface, updater TransformUpdater, mask DOFMask, opts Options) (*Accumulator, *Solution, int, error) {

	dof := len(elements) * ParamsDim
	acc := NewAccumulator(dof)
	skipped := 0

	if opts.Workers > 1 {
		acc, skipped = a.evaluateParallel(ctx, tracks, registry, mask, dof, opts.Workers)
	} else {
		for i := range tracks {
			state, err := a.EvaluateTrackAlignmentState(ctx, tracks[i], registry, mask)
			if err != nil {
				if !errors.Is(err, ErrNoAlignmentDof) {
					log.Printf("[align] Warning: track %d skipped: %v", i, err)
				}
				skipped++
				continue
			}
			acc.Add(state)
		}
	}

	sol, err := solveNormalEquations(acc.SumChi2Derivative, acc.SumChi2SecondDerivative,
		mask.freeIndices(len(elements)), opts.StrictSolve)
	if err != nil {
		return acc, sol, skipped, err
	}

	if err := applyCorrections(ctx, elements, sol.Delta, updater); err != nil {
		return acc, sol, skipped, err
	}
	return acc, sol, skipped, nil
}

// evaluateParallel fans track evaluation out over workers, each with its
// own partial accumulator, and merges the partial sums afterward. The
// shared geometry context is read-only during evaluation.
func (a *Aligner) evaluateParallel(ctx *geom.Context, tracks []InputTrack, registry map[*geom.Surface]int,
	mask DOFMask, dof, workers int) (*Accumulator, int) {

	if workers > len(tracks) {
		workers = len(tracks)
	}
	partials := make([]*Accumulator, workers)
	skips := make([]int, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		partials[w] = NewAccumulator(dof)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(tracks); i += workers {
				state, err := a.EvaluateTrackAlignmentState(ctx, tracks[i], registry, mask)
				if err != nil {
					if !errors.Is(err, ErrNoAlignmentDof) {
						log.Printf("[align] Warning: track %d skipped: %v", i, err)
					}
					skips[w]++
					continue
				}
				partials[w].Add(state)
			}
		}(w)
	}
	wg.Wait()

	acc := NewAccumulator(dof)
	skipped := 0
	for w := 0; w < workers; w++ {
		acc.Merge(partials[w])
		skipped += skips[w]
	}
	return acc, skipped
}
