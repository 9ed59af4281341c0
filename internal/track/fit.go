package track

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trackalign/internal/geom"
)

// lineParamDim is the straight-line parameter count: (x0, y0, tx, ty) with
// the line parameterized as (x0 + tx·z, y0 + ty·z, z).
const lineParamDim = 4

// jacobianStep is the finite-difference step for alignment derivatives.
const jacobianStep = 1e-7

// LineFitter is the reference fitter: a global weighted least-squares fit
// of a straight line to pixel measurements on planar surfaces. It produces
// smoothed states with the exact joint parameter covariance of the fit,
// which makes it a faithful stand-in for a Kalman smoother on zero-field
// telescope geometries.
type LineFitter struct {
	// PassiveSurfaces are crossed but non-measuring surfaces (e.g. material
	// layers). They contribute smoothed states without measurements, so the
	// joint covariance indexing covers them like a full smoother would.
	PassiveSurfaces []*geom.Surface
}

// Fit implements Fitter.
func (f *LineFitter) Fit(ctx *geom.Context, links []SourceLink, seed SeedParameters) (*Trajectory, error) {
	if len(links) < 2 {
		return nil, fmt.Errorf("line fit needs at least 2 measurements, got %d", len(links))
	}
	if seed.Direction[2] <= 0 {
		return nil, fmt.Errorf("line fit expects forward (+z) seed direction, got dz=%g", seed.Direction[2])
	}

	// Accumulate the normal equations N·θ = v with N = Σ AᵀWA.
	normal := mat.NewDense(lineParamDim, lineParamDim, nil)
	rhs := mat.NewVecDense(lineParamDim, nil)
	for _, l := range links {
		a, b := designRow(l.Surface.Transform(ctx))
		for r := 0; r < 2; r++ {
			w := 1.0 / (l.Sigma[r] * l.Sigma[r])
			d := l.Values[r] - b[r]
			for i := 0; i < lineParamDim; i++ {
				rhs.SetVec(i, rhs.AtVec(i)+a[r][i]*w*d)
				for j := 0; j < lineParamDim; j++ {
					normal.Set(i, j, normal.At(i, j)+a[r][i]*w*a[r][j])
				}
			}
		}
	}

	var paramCov mat.Dense
	if err := paramCov.Inverse(normal); err != nil {
		return nil, fmt.Errorf("line fit normal equations are singular: %w", err)
	}
	var theta mat.VecDense
	theta.MulVec(&paramCov, rhs)

	point := geom.Vec3{theta.AtVec(0), theta.AtVec(1), 0}
	dir := geom.Vec3{theta.AtVec(2), theta.AtVec(3), 1}

	// Assemble states ordered along +z, interleaving passive surfaces.
	type stateSeed struct {
		surface *geom.Surface
		link    *SourceLink
		z       float64
	}
	seeds := make([]stateSeed, 0, len(links)+len(f.PassiveSurfaces))
	for i := range links {
		l := &links[i]
		seeds = append(seeds, stateSeed{surface: l.Surface, link: l, z: l.Surface.Center(ctx)[2]})
	}
	for _, s := range f.PassiveSurfaces {
		seeds = append(seeds, stateSeed{surface: s, z: s.Center(ctx)[2]})
	}
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].z < seeds[j].z })

	states := make([]State, len(seeds))
	boundMaps := make([]*mat.Dense, len(seeds))
	rowOffset := make(map[int]int, len(seeds))
	for i, sd := range seeds {
		tr := sd.surface.Transform(ctx)
		loc, ok := predictLocal(tr, point, dir)
		if !ok {
			return nil, fmt.Errorf("fitted line is parallel to surface %s", sd.surface.ID)
		}
		smoothed := mat.NewVecDense(BoundDim, nil)
		smoothed.SetVec(BoundLoc0, loc[0])
		smoothed.SetVec(BoundLoc1, loc[1])
		smoothed.SetVec(BoundSlope0, theta.AtVec(2))
		smoothed.SetVec(BoundSlope1, theta.AtVec(3))

		states[i] = State{Index: i, Surface: sd.surface, Smoothed: smoothed}
		boundMaps[i] = boundMap(tr)
		rowOffset[i] = i * BoundDim

		if sd.link != nil {
			m := mat.NewVecDense(2, nil)
			m.SetVec(0, sd.link.Values[0])
			m.SetVec(1, sd.link.Values[1])
			cov := mat.NewDense(2, 2, nil)
			cov.Set(0, 0, sd.link.Sigma[0]*sd.link.Sigma[0])
			cov.Set(1, 1, sd.link.Sigma[1]*sd.link.Sigma[1])
			proj := mat.NewDense(2, BoundDim, nil)
			proj.Set(0, BoundLoc0, 1)
			proj.Set(1, BoundLoc1, 1)
			states[i].Measurement = &Measurement{Dim: 2, Values: m, Covariance: cov, Projection: proj}
			states[i].AlignmentJacobian = alignmentJacobian(tr, point, dir)
		}
	}

	// Joint smoothed covariance: block(i,j) = B_i·Cθ·B_jᵀ where B maps line
	// parameters to the state's bound parameters.
	n := len(states) * BoundDim
	jointCov := mat.NewDense(n, n, nil)
	var tmp, block mat.Dense
	for i := range states {
		for j := range states {
			tmp.Reset()
			block.Reset()
			tmp.Mul(boundMaps[i], &paramCov)
			block.Mul(&tmp, boundMaps[j].T())
			jointCov.Slice(i*BoundDim, (i+1)*BoundDim, j*BoundDim, (j+1)*BoundDim).(*mat.Dense).Copy(&block)
		}
	}

	return NewTrajectory(states, jointCov, rowOffset), nil
}

// designRow linearizes the predicted local coordinates on a surface as
// u = A·θ + b, evaluated at the surface's center z. Valid for planes close
// to normal incidence, which is the regime the reference fitter serves.
func designRow(tr geom.Transform) (a [2][lineParamDim]float64, b [2]float64) {
	rot := tr.Rotation()
	z := tr.Translation()[2]
	for r := 0; r < 2; r++ {
		// Row r of Rᵀ is column r of R.
		rx := rot.At(0, r)
		ry := rot.At(1, r)
		a[r][0] = rx
		a[r][1] = ry
		a[r][2] = rx * z
		a[r][3] = ry * z
	}
	origin := tr.ToLocal(geom.Vec3{0, 0, z})
	b[0] = origin[0]
	b[1] = origin[1]
	return a, b
}

// boundMap is the 6×4 Jacobian of a state's bound parameters with respect
// to the line parameters.
func boundMap(tr geom.Transform) *mat.Dense {
	a, _ := designRow(tr)
	m := mat.NewDense(BoundDim, lineParamDim, nil)
	for j := 0; j < lineParamDim; j++ {
		m.Set(BoundLoc0, j, a[0][j])
		m.Set(BoundLoc1, j, a[1][j])
	}
	m.Set(BoundSlope0, 2, 1)
	m.Set(BoundSlope1, 3, 1)
	return m
}

// predictLocal returns the in-plane coordinates where the line crosses the
// given placement.
func predictLocal(tr geom.Transform, point, dir geom.Vec3) ([2]float64, bool) {
	n := tr.Normal()
	denom := n.Dot(dir)
	if denom == 0 {
		return [2]float64{}, false
	}
	t := n.Dot(tr.Translation().Sub(point)) / denom
	loc := tr.ToLocal(point.Add(dir.Scale(t)))
	return [2]float64{loc[0], loc[1]}, true
}

// alignmentJacobian is the derivative of the measurement residual with
// respect to the surface's six rigid-body parameters, by forward finite
// differences of the track prediction. The residual is (measured −
// predicted), so each column carries the negated prediction derivative.
func alignmentJacobian(tr geom.Transform, point, dir geom.Vec3) *mat.Dense {
	jac := mat.NewDense(2, 6, nil)
	base, ok := predictLocal(tr, point, dir)
	if !ok {
		return jac
	}
	for k := 0; k < 6; k++ {
		var delta [6]float64
		delta[k] = jacobianStep
		shifted, ok := predictLocal(tr.ApplyDelta(delta), point, dir)
		if !ok {
			continue
		}
		jac.Set(0, k, -(shifted[0]-base[0])/jacobianStep)
		jac.Set(1, k, -(shifted[1]-base[1])/jacobianStep)
	}
	return jac
}
