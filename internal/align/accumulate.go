package align

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Accumulator sums per-track chi2 derivatives into the global gradient and
// approximate Hessian over all registered surfaces. One accumulator serves
// one iteration; per-worker accumulators may be merged when tracks are
// evaluated in parallel.
type Accumulator struct {
	dof int

	// SumChi2Derivative is the stacked gradient over 6N parameters.
	SumChi2Derivative *mat.VecDense
	// SumChi2SecondDerivative is the 6N×6N approximate Hessian.
	SumChi2SecondDerivative *mat.Dense

	// Chi2 and MeasurementDim sum over contributing tracks.
	Chi2           float64
	MeasurementDim int
	// NumTracks counts contributing tracks only; skipped tracks (failed
	// fits, zero alignment DOF) are excluded.
	NumTracks int

	sumChi2ONdf float64
}

// NewAccumulator creates an accumulator for dof = 6N global parameters.
func NewAccumulator(dof int) *Accumulator {
	return &Accumulator{
		dof:                     dof,
		SumChi2Derivative:       mat.NewVecDense(dof, nil),
		SumChi2SecondDerivative: mat.NewDense(dof, dof, nil),
	}
}

// Add folds one track's alignment state into the global sums. Tracks with
// zero alignment DOF contribute nothing.
func (a *Accumulator) Add(s *TrackAlignmentState) {
	if s == nil || s.AlignmentDof == 0 {
		return
	}

	// Scatter each (row surface, column surface) block pair from the
	// track-local derivative matrices into the global system.
	for _, rows := range s.AlignedSurfaces {
		dstRow := rows.Global * ParamsDim
		srcRow := rows.Local * ParamsDim
		for i := 0; i < ParamsDim; i++ {
			a.SumChi2Derivative.SetVec(dstRow+i,
				a.SumChi2Derivative.AtVec(dstRow+i)+s.AlignmentToChi2Derivative.AtVec(srcRow+i))
		}
		for _, cols := range s.AlignedSurfaces {
			dstCol := cols.Global * ParamsDim
			srcCol := cols.Local * ParamsDim
			for i := 0; i < ParamsDim; i++ {
				for j := 0; j < ParamsDim; j++ {
					a.SumChi2SecondDerivative.Set(dstRow+i, dstCol+j,
						a.SumChi2SecondDerivative.At(dstRow+i, dstCol+j)+
							s.AlignmentToChi2SecondDerivative.At(srcRow+i, srcCol+j))
				}
			}
		}
	}

	a.Chi2 += s.Chi2
	a.MeasurementDim += s.MeasurementDim
	a.NumTracks++
	a.sumChi2ONdf += s.Chi2 / float64(s.MeasurementDim)
}

// Merge folds another accumulator (e.g. a worker's partial sums) into a.
// Both must have the same parameter dimension.
func (a *Accumulator) Merge(b *Accumulator) {
	a.SumChi2Derivative.AddVec(a.SumChi2Derivative, b.SumChi2Derivative)
	a.SumChi2SecondDerivative.Add(a.SumChi2SecondDerivative, b.SumChi2SecondDerivative)
	a.Chi2 += b.Chi2
	a.MeasurementDim += b.MeasurementDim
	a.NumTracks += b.NumTracks
	a.sumChi2ONdf += b.sumChi2ONdf
}

// AverageChi2ONdf is the mean over contributing tracks of each track's own
// chi2 / measurement dimension — not the ratio of the global sums. With no
// contributing tracks it is +Inf, which never satisfies a cutoff.
func (a *Accumulator) AverageChi2ONdf() float64 {
	if a.NumTracks == 0 {
		return math.Inf(1)
	}
	return a.sumChi2ONdf / float64(a.NumTracks)
}
