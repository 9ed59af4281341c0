package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSolveNormalEquationsDiagonal(t *testing.T) {
	t.Parallel()

	// H = 2·I, g = (2, 4, -6): the solution of H·Δ = -g is Δ = -g/2.
	g := mat.NewVecDense(3, []float64{2, 4, -6})
	h := mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 2, 0,
		0, 0, 2,
	})

	sol, err := solveNormalEquations(g, h, []int{0, 1, 2}, false)
	require.NoError(t, err)

	assert.InDelta(t, -1, sol.Delta.AtVec(0), 1e-12)
	assert.InDelta(t, -2, sol.Delta.AtVec(1), 1e-12)
	assert.InDelta(t, 3, sol.Delta.AtVec(2), 1e-12)

	// Covariance is 2·H⁻¹ = I.
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, sol.Covariance.At(i, i), 1e-12)
	}

	// deltaChi2 = 0.5·gᵗΔ is negative for a descent step.
	assert.InDelta(t, 0.5*(2*-1+4*-2+-6*3), sol.DeltaChi2, 1e-12)
	assert.Less(t, sol.DeltaChi2, 0.0)
}

func TestSolveNormalEquationsReducedSystem(t *testing.T) {
	t.Parallel()

	// Index 1 is fixed; its row and column in H are all zero, which would be
	// structurally singular without the reduction to free indices.
	g := mat.NewVecDense(3, []float64{4, 0, 8})
	h := mat.NewDense(3, 3, []float64{
		4, 0, 0,
		0, 0, 0,
		0, 0, 4,
	})

	sol, err := solveNormalEquations(g, h, []int{0, 2}, false)
	require.NoError(t, err)

	assert.InDelta(t, -1, sol.Delta.AtVec(0), 1e-12)
	assert.Equal(t, 0.0, sol.Delta.AtVec(1))
	assert.InDelta(t, -2, sol.Delta.AtVec(2), 1e-12)
	assert.Equal(t, 0.0, sol.Covariance.At(1, 1))
}

func TestSolveNormalEquationsNoFreeParameters(t *testing.T) {
	t.Parallel()

	g := mat.NewVecDense(2, []float64{1, 2})
	h := mat.NewDense(2, 2, []float64{1, 0, 0, 1})

	sol, err := solveNormalEquations(g, h, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sol.Delta.AtVec(0))
	assert.Equal(t, 0.0, sol.Delta.AtVec(1))
	assert.Equal(t, 0.0, sol.DeltaChi2)
}

func TestSolveNormalEquationsSingular(t *testing.T) {
	t.Parallel()

	g := mat.NewVecDense(2, []float64{1, 1})
	h := mat.NewDense(2, 2, nil) // all zero

	// Permissive mode proceeds with a degenerate result.
	_, err := solveNormalEquations(g, h, []int{0, 1}, false)
	assert.NoError(t, err)

	// Strict mode promotes the condition to an error.
	_, err = solveNormalEquations(g, h, []int{0, 1}, true)
	assert.ErrorIs(t, err, ErrSingularHessian)
}
