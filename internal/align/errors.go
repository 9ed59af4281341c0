package align

import "errors"

// Error taxonomy of an alignment run. Per-track failures (fit failures,
// tracks without alignable measurements) are logged and skipped; only a
// rejected transform update aborts a run, plus a singular normal-equation
// matrix when strict solving is enabled.
var (
	// ErrNoAlignmentDof marks a track that touches no alignable surface.
	// Not fatal: the track contributes nothing and is skipped.
	ErrNoAlignmentDof = errors.New("track has no alignment degrees of freedom")

	// ErrUpdateRejected is returned when the transform updater refuses a
	// proposed placement. Fatal: the iteration's remaining elements are not
	// attempted and the run stops.
	ErrUpdateRejected = errors.New("aligned transform update rejected")

	// ErrNotConverged marks a run that exhausted its iteration budget
	// without meeting either convergence criterion. The returned result
	// still carries the last computed parameters.
	ErrNotConverged = errors.New("alignment did not converge")

	// ErrSingularHessian is returned in strict-solve mode when the chi2
	// second-derivative matrix cannot be inverted. In the default
	// permissive mode the condition only logs a warning.
	ErrSingularHessian = errors.New("chi2 second derivative matrix is singular")
)
