package align

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackalign/internal/geom"
	"github.com/banshee-data/trackalign/internal/sim"
	"github.com/banshee-data/trackalign/internal/track"
)

// generateTracks fires n tracks through the telescope's truth geometry.
func generateTracks(tel *sim.Telescope, n int, seed int64, smearing float64) []InputTrack {
	gun := &sim.TrackGun{
		Rng:         rand.New(rand.NewSource(seed)),
		SpreadXY:    2.0,
		SpreadSlope: 0.05,
		Resolution:  0.05,
		Smearing:    smearing,
	}
	tracks := make([]InputTrack, 0, n)
	for i := 0; i < n; i++ {
		links, seedParams := gun.Generate(tel)
		tracks = append(tracks, InputTrack{SourceLinks: links, Seed: seedParams})
	}
	return tracks
}

func defaultOptions(tel *sim.Telescope, elements []*geom.Surface) Options {
	return Options{
		GeoContext:            tel.Assumed,
		Elements:              elements,
		AverageChi2ONdfCutOff: 0.05,
		DeltaChi2WindowSize:   10,
		DeltaChi2Tolerance:    1e-5,
		MaxIterations:         5,
	}
}

func TestAlignRecoversTranslation(t *testing.T) {
	t.Parallel()

	const offset = 0.1
	tel := sim.NewTelescope(6, 10)
	tel.MisalignTruth(2, [6]float64{offset, 0, 0})
	tracks := generateTracks(tel, 150, 7, 0.002)

	aligner := New(&track.LineFitter{})
	result, err := aligner.Align(tracks, defaultOptions(tel, tel.Surfaces[2:3]))
	require.NoError(t, err)

	require.True(t, result.Converged)
	assert.NotEmpty(t, result.Reason)
	assert.Equal(t, 150, result.NumTracks)
	assert.Equal(t, ParamsDim, result.AlignmentDof)
	assert.Less(t, result.AverageChi2ONdf, 0.05)

	// The corrected placement of the misaligned layer matches the truth.
	final, ok := result.AlignedParameters[tel.Surfaces[2]]
	require.True(t, ok)
	assert.InDelta(t, offset, final.Translation()[0], 0.02)
	assert.InDelta(t, 0, final.Translation()[1], 0.02)

	// The first iteration solves nearly the full offset as a descent step.
	require.NotEmpty(t, result.Iterations)
	assert.Less(t, result.Iterations[0].DeltaChi2, 0.0)
	sigma := math.Sqrt(result.AlignmentCovariance.At(ParamCenterX, ParamCenterX))
	assert.Greater(t, sigma, 0.0)
}

func TestAlignPerfectGeometryConvergesImmediately(t *testing.T) {
	t.Parallel()

	tel := sim.NewTelescope(6, 10)
	tracks := generateTracks(tel, 50, 8, 0)

	aligner := New(&track.LineFitter{})
	result, err := aligner.Align(tracks, defaultOptions(tel, tel.Surfaces[2:3]))
	require.NoError(t, err)

	require.True(t, result.Converged)
	require.Len(t, result.Iterations, 1)

	// Zero residuals mean zero gradient: the solved step is numerically nil.
	for i := 0; i < result.DeltaAlignmentParameters.Len(); i++ {
		assert.InDelta(t, 0, result.DeltaAlignmentParameters.AtVec(i), 1e-6)
	}
	assert.InDelta(t, 0, result.AverageChi2ONdf, 1e-9)
}

func TestAlignUpdaterRejectionAborts(t *testing.T) {
	t.Parallel()

	tel := sim.NewTelescope(4, 10)
	tel.MisalignTruth(1, [6]float64{0.1, 0, 0})
	tracks := generateTracks(tel, 30, 9, 0.002)

	calls := 0
	rejectAll := func(s *geom.Surface, ctx *geom.Context, tr geom.Transform) bool {
		calls++
		return false
	}

	opts := defaultOptions(tel, tel.Surfaces)
	opts.Updater = rejectAll

	aligner := New(&track.LineFitter{})
	result, err := aligner.Align(tracks, opts)
	require.ErrorIs(t, err, ErrUpdateRejected)

	// The first rejection aborts: later elements are never attempted.
	assert.Equal(t, 1, calls)
	require.NotNil(t, result)
	assert.False(t, result.Converged)
	assert.Contains(t, result.Reason, tel.Surfaces[0].ID)
}

func TestAlignBudgetExhausted(t *testing.T) {
	t.Parallel()

	// Smearing at the assumed resolution keeps chi2/ndf of order one, far
	// above the cutoff, and the window never fills within the budget.
	tel := sim.NewTelescope(6, 10)
	tracks := generateTracks(tel, 60, 10, 0.05)

	opts := defaultOptions(tel, tel.Surfaces[2:3])
	opts.AverageChi2ONdfCutOff = 1e-6
	opts.MaxIterations = 3

	aligner := New(&track.LineFitter{})
	result, err := aligner.Align(tracks, opts)
	require.ErrorIs(t, err, ErrNotConverged)

	require.NotNil(t, result)
	assert.False(t, result.Converged)
	assert.Contains(t, result.Reason, "not converged after 3 iterations")
	assert.Len(t, result.Iterations, 3)
	// The last computed parameters are still returned.
	assert.NotNil(t, result.DeltaAlignmentParameters)
}

func TestAlignParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	const offset = 0.08
	run := func(workers int) *Result {
		tel := sim.NewTelescope(6, 10)
		tel.MisalignTruth(3, [6]float64{offset, -0.02, 0})
		tracks := generateTracks(tel, 80, 11, 0.002)

		opts := defaultOptions(tel, tel.Surfaces[3:4])
		opts.MaxIterations = 1
		opts.Workers = workers

		aligner := New(&track.LineFitter{})
		result, err := aligner.Align(tracks, opts)
		require.ErrorIs(t, err, ErrNotConverged)
		return result
	}

	seq := run(1)
	par := run(4)

	require.Equal(t, seq.NumTracks, par.NumTracks)
	assert.InDelta(t, seq.Chi2, par.Chi2, 1e-9)
	for i := 0; i < seq.DeltaAlignmentParameters.Len(); i++ {
		assert.InDelta(t, seq.DeltaAlignmentParameters.AtVec(i), par.DeltaAlignmentParameters.AtVec(i), 1e-9)
	}
}

func TestAlignIterationMaskFixesRotations(t *testing.T) {
	t.Parallel()

	tel := sim.NewTelescope(6, 10)
	tel.MisalignTruth(2, [6]float64{0.05, 0, 0})
	tracks := generateTracks(tel, 60, 12, 0.002)

	translationsOnly, err := ParseDOFMask("000111")
	require.NoError(t, err)

	opts := defaultOptions(tel, tel.Surfaces[2:3])
	opts.MaxIterations = 1
	opts.AverageChi2ONdfCutOff = 1e-9
	opts.IterationMasks = map[int]DOFMask{0: translationsOnly}

	aligner := New(&track.LineFitter{})
	result, runErr := aligner.Align(tracks, opts)
	require.ErrorIs(t, runErr, ErrNotConverged)

	// Fixed rotation parameters stay exactly zero.
	for k := ParamRotX; k <= ParamRotZ; k++ {
		assert.Equal(t, 0.0, result.DeltaAlignmentParameters.AtVec(k))
	}
	// The translation along x still absorbs the misalignment.
	assert.InDelta(t, 0.05, result.DeltaAlignmentParameters.AtVec(ParamCenterX), 0.02)
	assert.Equal(t, translationsOnly, result.Iterations[0].Mask)
}

func TestAlignNoElements(t *testing.T) {
	t.Parallel()

	aligner := New(&track.LineFitter{})
	_, err := aligner.Align(nil, Options{MaxIterations: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no alignable elements")
}

func TestEvaluateTrackAlignmentState(t *testing.T) {
	t.Parallel()

	tel := sim.NewTelescope(4, 10)
	tracks := generateTracks(tel, 1, 13, 0.002)
	registry := map[*geom.Surface]int{tel.Surfaces[0]: 0}
	aligner := New(&track.LineFitter{})

	t.Run("fit_failure", func(t *testing.T) {
		t.Parallel()
		short := InputTrack{SourceLinks: tracks[0].SourceLinks[:1], Seed: tracks[0].Seed}
		_, err := aligner.EvaluateTrackAlignmentState(tel.Assumed, short, registry, AllDOF)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fit failure")
	})

	t.Run("no_alignment_dof", func(t *testing.T) {
		t.Parallel()
		other := geom.NewSurface("elsewhere", geom.Identity())
		_, err := aligner.EvaluateTrackAlignmentState(tel.Assumed, tracks[0], map[*geom.Surface]int{other: 0}, AllDOF)
		assert.ErrorIs(t, err, ErrNoAlignmentDof)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		state, err := aligner.EvaluateTrackAlignmentState(tel.Assumed, tracks[0], registry, AllDOF)
		require.NoError(t, err)
		assert.Equal(t, ParamsDim, state.AlignmentDof)
		assert.Equal(t, 8, state.MeasurementDim)
	})
}
