// Package align implements track-based detector alignment: it extracts
// chi2 derivatives with respect to sensor rigid-body parameters from fitted
// trajectories, accumulates them into global normal equations, solves for a
// parameter update and iterates until the average chi2/ndf converges.
package align

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trackalign/internal/geom"
	"github.com/banshee-data/trackalign/internal/track"
)

// SlotPair locates an aligned surface both in the global surface pool and
// among the alignable surfaces of one track.
type SlotPair struct {
	// Global is the surface's slot in the run's registry.
	Global int
	// Local is the surface's index among this track's alignable surfaces.
	Local int
}

// TrackAlignmentState holds everything one track contributes to the global
// alignment system. It is transient: built per track, consumed by the
// accumulator within the same iteration, then discarded.
type TrackAlignmentState struct {
	// MeasurementCovariance is block-diagonal by state
	// (MeasurementDim × MeasurementDim).
	MeasurementCovariance *mat.Dense

	// TrackParametersCovariance is the joint smoothed covariance restricted
	// to measurement states (TrackParametersDim × TrackParametersDim).
	TrackParametersCovariance *mat.Dense

	// ProjectionMatrix maps the stacked bound parameters of all measurement
	// states to measurement space (MeasurementDim × TrackParametersDim).
	ProjectionMatrix *mat.Dense

	// Residual is measured minus projected smoothed parameters.
	Residual *mat.VecDense

	// ResidualCovariance = MeasurementCovariance − P·C·Pᵗ.
	ResidualCovariance *mat.Dense

	// Chi2 is rᵗ·M⁻¹·r for this track.
	Chi2 float64

	// AlignmentToResidualDerivative stacks the per-surface residual
	// Jacobians (MeasurementDim × AlignmentDof), fixed DOF zeroed.
	AlignmentToResidualDerivative *mat.Dense

	// AlignmentToChi2Derivative and AlignmentToChi2SecondDerivative are the
	// chain-ruled chi2 derivatives over this track's alignment parameters.
	AlignmentToChi2Derivative       *mat.VecDense
	AlignmentToChi2SecondDerivative *mat.Dense

	// AlignedSurfaces maps each alignable surface on the track to its
	// global and track-local slots.
	AlignedSurfaces map[*geom.Surface]SlotPair

	// MeasurementDim sums the calibrated dimensions of all measurement
	// states, alignable or not.
	MeasurementDim int

	// TrackParametersDim is BoundDim × (number of measurement states).
	TrackParametersDim int

	// AlignmentDof is ParamsDim × (number of distinct alignable surfaces).
	// Zero means the track contributes nothing and must be skipped.
	AlignmentDof int
}

// measRef remembers one measurement state seen during backward traversal.
type measRef struct {
	stateIndex int
	dim        int
	alignable  bool
}

// BuildTrackAlignmentState extracts the alignment state of one fitted
// trajectory. registry maps each alignable surface to its global slot; mask
// zeroes the derivative columns of fixed DOF. A track crossing no alignable
// surface yields a state with AlignmentDof == 0, not an error.
func BuildTrackAlignmentState(traj *track.Trajectory, registry map[*geom.Surface]int, mask DOFMask) (*TrackAlignmentState, error) {
	state := &TrackAlignmentState{
		AlignedSurfaces: make(map[*geom.Surface]SlotPair),
	}

	// Pass 1: walk backward from the entry point recording measurement
	// states and counting smoothed states. Non-measurement states only
	// matter for the joint covariance indexing.
	var refs []measRef
	nSmoothed := 0
	nAlignSurfaces := 0
	traj.VisitBackwards(func(s *track.State) bool {
		if s.HasSmoothed() {
			nSmoothed++
		}
		if !s.HasMeasurement() {
			return true
		}
		alignable := false
		if slot, ok := registry[s.Surface]; ok {
			alignable = true
			if _, seen := state.AlignedSurfaces[s.Surface]; !seen {
				state.AlignedSurfaces[s.Surface] = SlotPair{Global: slot}
				nAlignSurfaces++
			}
		}
		refs = append(refs, measRef{stateIndex: s.Index, dim: s.Measurement.Dim, alignable: alignable})
		state.MeasurementDim += s.Measurement.Dim
		return true
	})

	if nAlignSurfaces == 0 {
		return state, nil
	}

	state.AlignmentDof = ParamsDim * nAlignSurfaces
	state.TrackParametersDim = track.BoundDim * len(refs)

	measDim := state.MeasurementDim
	paramsDim := state.TrackParametersDim
	state.MeasurementCovariance = mat.NewDense(measDim, measDim, nil)
	state.ProjectionMatrix = mat.NewDense(measDim, paramsDim, nil)
	state.AlignmentToResidualDerivative = mat.NewDense(measDim, state.AlignmentDof, nil)
	state.TrackParametersCovariance = mat.NewDense(paramsDim, paramsDim, nil)
	state.Residual = mat.NewVecDense(measDim, nil)

	jointCov, rowOffset := traj.JointSmoothedCovariance()
	if r, c := jointCov.Dims(); r != c || r != track.BoundDim*nSmoothed {
		return nil, fmt.Errorf("joint covariance is %dx%d, want %d smoothed states", r, c, nSmoothed)
	}

	// Pass 2: fill blocks in reverse trajectory order (last state first),
	// walking the measurement/parameter offsets down from the end.
	iMeas := measDim
	iParams := paramsDim
	iSurface := nAlignSurfaces
	assigned := make(map[*geom.Surface]bool, nAlignSurfaces)
	for _, ref := range refs {
		s := traj.State(ref.stateIndex)
		m := s.Measurement
		iMeas -= ref.dim
		iParams -= track.BoundDim

		// (a) Measurement covariance, diagonal block.
		state.MeasurementCovariance.Slice(iMeas, iMeas+ref.dim, iMeas, iMeas+ref.dim).(*mat.Dense).
			Copy(m.Covariance)

		// (b) Bound-parameter projection block.
		state.ProjectionMatrix.Slice(iMeas, iMeas+ref.dim, iParams, iParams+track.BoundDim).(*mat.Dense).
			Copy(m.Projection)

		// (c) Residual: measured minus projected smoothed parameters.
		if !s.HasSmoothed() {
			return nil, fmt.Errorf("measurement state %d has no smoothed parameters", ref.stateIndex)
		}
		var projected mat.VecDense
		projected.MulVec(m.Projection, s.Smoothed)
		for r := 0; r < ref.dim; r++ {
			state.Residual.SetVec(iMeas+r, m.Values.AtVec(r)-projected.AtVec(r))
		}

		// (d) Residual-to-alignment derivative block, fixed DOF masked off.
		if ref.alignable {
			pair := state.AlignedSurfaces[s.Surface]
			if !assigned[s.Surface] {
				iSurface--
				pair.Local = iSurface
				state.AlignedSurfaces[s.Surface] = pair
				assigned[s.Surface] = true
			}
			if s.AlignmentJacobian == nil {
				return nil, fmt.Errorf("alignable state %d has no alignment Jacobian", ref.stateIndex)
			}
			col := pair.Local * ParamsDim
			for r := 0; r < ref.dim; r++ {
				for k := 0; k < ParamsDim; k++ {
					if mask.Has(k) {
						state.AlignmentToResidualDerivative.Set(iMeas+r, col+k, s.AlignmentJacobian.At(r, k))
					}
				}
			}
		}

		// (e) Joint smoothed covariance restricted to measurement states.
		rowOff, ok := rowOffset[ref.stateIndex]
		if !ok {
			return nil, fmt.Errorf("state %d missing from joint covariance index", ref.stateIndex)
		}
		for jCol, colRef := range refs {
			colOff, ok := rowOffset[colRef.stateIndex]
			if !ok {
				return nil, fmt.Errorf("state %d missing from joint covariance index", colRef.stateIndex)
			}
			jParams := paramsDim - (jCol+1)*track.BoundDim
			src := jointCov.Slice(rowOff, rowOff+track.BoundDim, colOff, colOff+track.BoundDim)
			state.TrackParametersCovariance.Slice(iParams, iParams+track.BoundDim, jParams, jParams+track.BoundDim).(*mat.Dense).
				Copy(src)
		}
	}

	// chi2 = rᵗ·M⁻¹·r.
	var measCovInv mat.Dense
	if err := measCovInv.Inverse(state.MeasurementCovariance); err != nil {
		return nil, fmt.Errorf("measurement covariance not invertible: %w", err)
	}
	var weighted mat.VecDense
	weighted.MulVec(&measCovInv, state.Residual)
	state.Chi2 = mat.Dot(state.Residual, &weighted)

	// Residual covariance accounts for the fit's pull on the residual:
	// R = M − P·C·Pᵗ.
	var pc, pcp mat.Dense
	pc.Mul(state.ProjectionMatrix, state.TrackParametersCovariance)
	pcp.Mul(&pc, state.ProjectionMatrix.T())
	state.ResidualCovariance = mat.NewDense(measDim, measDim, nil)
	state.ResidualCovariance.Sub(state.MeasurementCovariance, &pcp)

	// Chain rule through the residual derivative:
	//   dchi2/da   = 2·Aᵗ·M⁻¹·R·M⁻¹·r
	//   d²chi2/da² = 2·Aᵗ·M⁻¹·R·M⁻¹·A
	var core mat.Dense // M⁻¹·R·M⁻¹
	core.Mul(&measCovInv, state.ResidualCovariance)
	core.Mul(&core, &measCovInv)
	var at mat.Dense // Aᵗ·core
	at.Mul(state.AlignmentToResidualDerivative.T(), &core)

	state.AlignmentToChi2Derivative = mat.NewVecDense(state.AlignmentDof, nil)
	state.AlignmentToChi2Derivative.MulVec(&at, state.Residual)
	state.AlignmentToChi2Derivative.ScaleVec(2, state.AlignmentToChi2Derivative)

	state.AlignmentToChi2SecondDerivative = mat.NewDense(state.AlignmentDof, state.AlignmentDof, nil)
	state.AlignmentToChi2SecondDerivative.Mul(&at, state.AlignmentToResidualDerivative)
	state.AlignmentToChi2SecondDerivative.Scale(2, state.AlignmentToChi2SecondDerivative)

	return state, nil
}
