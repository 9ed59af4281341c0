// Package track models fitted trajectories as consumed by the alignment
// engine: source-link measurements, bound track states, and the joint
// smoothed-state covariance of a fit. It also carries the reference
// straight-line least-squares fitter used by the simulation harness and the
// engine tests; production callers plug in their own Fitter.
package track

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trackalign/internal/geom"
)

// BoundDim is the number of bound track parameters per state:
// (loc0, loc1, slope0, slope1, q/p, t). The curvature and time slots are
// carried for layout compatibility and are zero for straight-line fits.
const BoundDim = 6

// Bound parameter indices.
const (
	BoundLoc0 = iota
	BoundLoc1
	BoundSlope0
	BoundSlope1
	BoundQOverP
	BoundTime
)

// SourceLink is one uncalibrated measurement on a surface: local in-plane
// coordinates with independent per-axis uncertainties.
type SourceLink struct {
	Surface *geom.Surface
	Values  [2]float64
	Sigma   [2]float64
}

// SeedParameters seed a fit: a point on the candidate line and its
// direction of flight.
type SeedParameters struct {
	Position  geom.Vec3
	Direction geom.Vec3
}

// Measurement is a calibrated measurement attached to a track state.
type Measurement struct {
	// Dim is the measurement dimension (2 for pixel-style sensors).
	Dim int
	// Values holds the calibrated local coordinates (length Dim).
	Values *mat.VecDense
	// Covariance is the Dim×Dim measurement covariance.
	Covariance *mat.Dense
	// Projection maps bound track parameters to measurement space
	// (Dim×BoundDim).
	Projection *mat.Dense
}

// State is one point of a fitted trajectory.
type State struct {
	// Index is the state's position within the trajectory.
	Index int
	// Surface is the reference surface of this state.
	Surface *geom.Surface
	// Measurement is nil for passive (hole/material) states.
	Measurement *Measurement
	// Smoothed holds the smoothed bound parameters (length BoundDim),
	// nil if the state was not smoothed.
	Smoothed *mat.VecDense
	// AlignmentJacobian is the derivative of the measurement residual with
	// respect to the surface's six rigid-body alignment parameters
	// (Dim×6), supplied by the propagation layer. Nil for passive states.
	AlignmentJacobian *mat.Dense
}

// HasMeasurement reports whether the state carries a calibrated measurement.
func (s *State) HasMeasurement() bool { return s.Measurement != nil }

// HasSmoothed reports whether the state carries smoothed parameters.
func (s *State) HasSmoothed() bool { return s.Smoothed != nil }

// Trajectory is one fitted track: an ordered sequence of states plus the
// joint covariance of all smoothed bound parameters. States are ordered
// along the direction of flight; traversal for alignment runs backward from
// the entry (last) state.
type Trajectory struct {
	states []State
	entry  int

	// jointCov is the (BoundDim·nSmoothed)² covariance across all smoothed
	// states. rowOffset maps a state index to its first row/column.
	jointCov  *mat.Dense
	rowOffset map[int]int
}

// NewTrajectory assembles a trajectory. The entry index is the last state;
// rowOffset must index every smoothed state into jointCov.
func NewTrajectory(states []State, jointCov *mat.Dense, rowOffset map[int]int) *Trajectory {
	entry := len(states) - 1
	return &Trajectory{states: states, entry: entry, jointCov: jointCov, rowOffset: rowOffset}
}

// Len returns the number of states.
func (t *Trajectory) Len() int { return len(t.states) }

// State returns the state at index i.
func (t *Trajectory) State(i int) *State { return &t.states[i] }

// Entry returns the trajectory entry index (the outermost state).
func (t *Trajectory) Entry() int { return t.entry }

// VisitBackwards walks states from the entry point toward the first state,
// stopping early when fn returns false.
func (t *Trajectory) VisitBackwards(fn func(s *State) bool) {
	for i := t.entry; i >= 0; i-- {
		if !fn(&t.states[i]) {
			return
		}
	}
}

// JointSmoothedCovariance returns the joint covariance over all smoothed
// states and the per-state row offsets into it.
func (t *Trajectory) JointSmoothedCovariance() (*mat.Dense, map[int]int) {
	return t.jointCov, t.rowOffset
}

// Fitter produces a fitted trajectory from raw measurements. The alignment
// engine refits every track each iteration because the geometry in ctx
// changes between iterations.
type Fitter interface {
	Fit(ctx *geom.Context, links []SourceLink, seed SeedParameters) (*Trajectory, error)
}
