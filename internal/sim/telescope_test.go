package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackalign/internal/geom"
)

func TestNewTelescopeLayout(t *testing.T) {
	t.Parallel()

	tel := NewTelescope(4, 25)
	require.Len(t, tel.Surfaces, 4)
	for i, s := range tel.Surfaces {
		assert.Equal(t, geom.Vec3{0, 0, 25 * float64(i+1)}, s.Center(tel.Assumed))
		assert.Equal(t, geom.Vec3{0, 0, 1}, s.Transform(tel.Assumed).Normal())
	}
}

func TestMisalignTruthLeavesAssumedNominal(t *testing.T) {
	t.Parallel()

	tel := NewTelescope(3, 10)
	tel.MisalignTruth(1, [6]float64{0.2, -0.1, 0, 0, 0, 0})

	assert.Equal(t, geom.Vec3{0.2, -0.1, 20}, tel.Surfaces[1].Center(tel.Truth))
	assert.Equal(t, geom.Vec3{0, 0, 20}, tel.Surfaces[1].Center(tel.Assumed))
	// Other layers keep their nominal truth placement.
	assert.Equal(t, geom.Vec3{0, 0, 10}, tel.Surfaces[0].Center(tel.Truth))
}

func TestTrackGunGenerate(t *testing.T) {
	t.Parallel()

	tel := NewTelescope(5, 10)
	gun := &TrackGun{
		Rng:         rand.New(rand.NewSource(1)),
		SpreadXY:    2.0,
		SpreadSlope: 0.05,
		Resolution:  0.05,
		Smearing:    0,
	}

	links, seed := gun.Generate(tel)
	require.Len(t, links, 5)
	assert.Equal(t, 0.0, seed.Position[2])
	assert.Equal(t, 1.0, seed.Direction[2])

	// Without smearing or misalignment the measured values equal the line's
	// in-plane crossings in the assumed geometry.
	for _, l := range links {
		assert.Equal(t, [2]float64{0.05, 0.05}, l.Sigma)
		loc, ok := l.Surface.LocalIntersection(tel.Assumed, seed.Position, seed.Direction)
		require.True(t, ok)
		assert.InDelta(t, loc[0], l.Values[0], 1e-12)
		assert.InDelta(t, loc[1], l.Values[1], 1e-12)
	}

	// Origins and slopes stay within their configured spread.
	for i := 0; i < 50; i++ {
		_, s := gun.Generate(tel)
		assert.LessOrEqual(t, abs(s.Position[0]), 2.0)
		assert.LessOrEqual(t, abs(s.Position[1]), 2.0)
		assert.LessOrEqual(t, abs(s.Direction[0]), 0.05)
		assert.LessOrEqual(t, abs(s.Direction[1]), 0.05)
	}
}

func TestTrackGunSmearing(t *testing.T) {
	t.Parallel()

	tel := NewTelescope(2, 10)
	gun := &TrackGun{
		Rng:         rand.New(rand.NewSource(2)),
		SpreadXY:    0,
		SpreadSlope: 0,
		Resolution:  0.05,
		Smearing:    0.5,
	}

	// Zero spread means the true crossing is at the origin; with heavy
	// smearing at least one measured value must move off it.
	links, _ := gun.Generate(tel)
	moved := false
	for _, l := range links {
		if l.Values[0] != 0 || l.Values[1] != 0 {
			moved = true
		}
	}
	assert.True(t, moved)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
