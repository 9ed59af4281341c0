// Package sim provides the telescope test-bench: a stack of planar pixel
// sensors along the beam axis, a truth geometry with injectable
// misalignments, and a straight-line track gun. It exists so the alignment
// engine can be exercised end to end without detector data.
package sim

import (
	"fmt"
	"math/rand"

	"github.com/banshee-data/trackalign/internal/geom"
	"github.com/banshee-data/trackalign/internal/track"
)

// Telescope is a stack of parallel sensor planes perpendicular to z.
//
// Truth holds the physical placements (where hits are actually produced);
// Assumed holds the placements the reconstruction believes in, which is
// what alignment corrects. Both start at the nominal geometry.
type Telescope struct {
	Surfaces []*geom.Surface
	Truth    *geom.Context
	Assumed  *geom.Context
}

// NewTelescope builds layers planes at z = spacing, 2·spacing, ... with
// identity rotations.
func NewTelescope(layers int, spacing float64) *Telescope {
	t := &Telescope{
		Truth:   geom.NewContext(),
		Assumed: geom.NewContext(),
	}
	for i := 0; i < layers; i++ {
		z := spacing * float64(i+1)
		s := geom.NewSurface(fmt.Sprintf("layer-%d", i), geom.FromEulerZYX(geom.Vec3{}, geom.Vec3{0, 0, z}))
		t.Surfaces = append(t.Surfaces, s)
	}
	return t
}

// MisalignTruth shifts one layer's physical placement by the given
// rigid-body delta (x, y, z, rotX, rotY, rotZ) while the assumed geometry
// stays nominal.
func (t *Telescope) MisalignTruth(layer int, delta [6]float64) {
	s := t.Surfaces[layer]
	t.Truth.SetTransform(s.ID, s.Transform(t.Truth).ApplyDelta(delta))
}

// TrackGun generates straight-line tracks through a telescope's truth
// geometry and reads them out with the assumed measurement resolution.
type TrackGun struct {
	Rng *rand.Rand

	// SpreadXY and SpreadSlope bound the uniform sampling of the track
	// origin (at z=0) and slopes.
	SpreadXY    float64
	SpreadSlope float64

	// Resolution is the per-axis measurement sigma the reconstruction
	// assumes (goes into the source-link covariance).
	Resolution float64

	// Smearing is the actual noise applied to the truth hit. Keeping it
	// below Resolution makes residuals dominated by misalignment, which is
	// the regime alignment validation wants.
	Smearing float64
}

// Generate produces one track: source links from truth-geometry crossings
// and the seed parameters of the generated line.
func (g *TrackGun) Generate(t *Telescope) ([]track.SourceLink, track.SeedParameters) {
	x0 := g.uniform(g.SpreadXY)
	y0 := g.uniform(g.SpreadXY)
	tx := g.uniform(g.SpreadSlope)
	ty := g.uniform(g.SpreadSlope)

	point := geom.Vec3{x0, y0, 0}
	dir := geom.Vec3{tx, ty, 1}

	links := make([]track.SourceLink, 0, len(t.Surfaces))
	for _, s := range t.Surfaces {
		loc, ok := s.LocalIntersection(t.Truth, point, dir)
		if !ok {
			continue
		}
		links = append(links, track.SourceLink{
			Surface: s,
			Values: [2]float64{
				loc[0] + g.Smearing*g.Rng.NormFloat64(),
				loc[1] + g.Smearing*g.Rng.NormFloat64(),
			},
			Sigma: [2]float64{g.Resolution, g.Resolution},
		})
	}
	return links, track.SeedParameters{Position: point, Direction: dir}
}

func (g *TrackGun) uniform(spread float64) float64 {
	return (2*g.Rng.Float64() - 1) * spread
}
