package align

import (
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Solution is the outcome of one normal-equation solve.
type Solution struct {
	// Delta is the solved parameter change over all 6N parameters; fixed
	// DOF entries are zero.
	Delta *mat.VecDense
	// Covariance is 2·H⁻¹ scattered over the full parameter space. The
	// factor 2 compensates H approximating half the true chi2 Hessian.
	Covariance *mat.Dense
	// DeltaChi2 = 0.5·gᵗ·Δ, the predicted chi2 change; negative for a
	// valid descent step.
	DeltaChi2 float64
}

// solveNormalEquations solves H·Δ = −g restricted to the free parameter
// indices and scatters the solution back into the full space.
//
// An unsolvable (singular) reduced system or a NaN-bearing covariance is a
// warning in permissive mode — the run proceeds with the degenerate result,
// matching the legacy behavior — and ErrSingularHessian in strict mode.
func solveNormalEquations(g *mat.VecDense, h *mat.Dense, free []int, strict bool) (*Solution, error) {
	dof := g.Len()
	sol := &Solution{
		Delta:      mat.NewVecDense(dof, nil),
		Covariance: mat.NewDense(dof, dof, nil),
	}
	if len(free) == 0 {
		return sol, nil
	}

	// Reduce to the free DOF so masked-out parameters cannot make the
	// system structurally singular.
	n := len(free)
	hRed := mat.NewDense(n, n, nil)
	gRed := mat.NewVecDense(n, nil)
	for i, fi := range free {
		gRed.SetVec(i, -g.AtVec(fi))
		for j, fj := range free {
			hRed.Set(i, j, h.At(fi, fj))
		}
	}

	degenerate := false
	var deltaRed mat.VecDense
	if err := deltaRed.SolveVec(hRed, gRed); err != nil {
		log.Printf("[align] Warning: chi2 second derivative solve is ill-conditioned: %v", err)
		degenerate = true
	}

	var covRed mat.Dense
	if err := covRed.Inverse(hRed); err != nil {
		log.Printf("[align] Warning: chi2 second derivative inverse failed: %v", err)
		degenerate = true
	}

	if deltaRed.Len() == n {
		for i, fi := range free {
			sol.Delta.SetVec(fi, deltaRed.AtVec(i))
		}
	}
	if r, c := covRed.Dims(); r == n && c == n {
		for i, fi := range free {
			for j, fj := range free {
				sol.Covariance.Set(fi, fj, 2*covRed.At(i, j))
			}
		}
	}

	if hasNaN(sol.Covariance) || vecHasNaN(sol.Delta) {
		log.Printf("[align] Warning: chi2 second derivative inverse has NaN")
		degenerate = true
	}

	sol.DeltaChi2 = 0.5 * mat.Dot(g, sol.Delta)

	if degenerate && strict {
		return sol, ErrSingularHessian
	}
	return sol, nil
}

func hasNaN(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.IsNaN(m.At(i, j)) {
				return true
			}
		}
	}
	return false
}

func vecHasNaN(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) {
			return true
		}
	}
	return false
}
