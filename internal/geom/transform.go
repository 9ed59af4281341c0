// Package geom provides the rigid-body transform model shared by the
// alignment engine, the track model and the simulation harness.
//
// A transform places a sensor in the global frame: x_global = R·x_local + c.
// Rotations are composed and decomposed as Z-Y-X Euler angles about the
// global axes, matching the convention used when alignment corrections are
// applied (rotate about Z, then Y, then X).
package geom

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Vec3 is a 3D vector in the global frame.
type Vec3 [3]float64

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v[0] - w[0], v[1] - w[1], v[2] - w[2]}
}

// Dot returns the scalar product v·w.
func (v Vec3) Dot(w Vec3) float64 {
	return v[0]*w[0] + v[1]*w[1] + v[2]*w[2]
}

// Scale returns s·v.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{s * v[0], s * v[1], s * v[2]}
}

// Transform is a rigid placement (rotation + translation).
// The zero value is not usable; construct via Identity, NewTransform or
// FromEulerZYX.
type Transform struct {
	rot   *mat.Dense // 3x3 rotation
	trans Vec3
}

// Identity returns the identity placement.
func Identity() Transform {
	return Transform{rot: identityRotation(), trans: Vec3{}}
}

// NewTransform builds a transform from a 3x3 rotation matrix and a
// translation. The rotation is copied.
func NewTransform(rot *mat.Dense, trans Vec3) Transform {
	r := mat.NewDense(3, 3, nil)
	r.Copy(rot)
	return Transform{rot: r, trans: trans}
}

// FromEulerZYX builds a transform whose rotation is
// Rz(angles[0])·Ry(angles[1])·Rx(angles[2]) and whose translation is center.
// The angle order matches EulerZYX.
func FromEulerZYX(angles Vec3, center Vec3) Transform {
	return Transform{rot: rotZYX(angles[0], angles[1], angles[2]), trans: center}
}

// Rotation returns a copy of the 3x3 rotation matrix.
func (t Transform) Rotation() *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	r.Copy(t.rot)
	return r
}

// Translation returns the placement center in the global frame.
func (t Transform) Translation() Vec3 {
	return t.trans
}

// EulerZYX decomposes the rotation into (rotZ, rotY, rotX) such that
// R = Rz(rotZ)·Ry(rotY)·Rx(rotX). The Y angle is returned in
// [-π/2, π/2]; gimbal lock at |rotY| = π/2 resolves with rotX = 0.
func (t Transform) EulerZYX() Vec3 {
	r := t.rot
	sy := -r.At(2, 0)
	cy := math.Hypot(r.At(0, 0), r.At(1, 0))
	rotY := math.Atan2(sy, cy)
	var rotZ, rotX float64
	if cy > 1e-12 {
		rotZ = math.Atan2(r.At(1, 0), r.At(0, 0))
		rotX = math.Atan2(r.At(2, 1), r.At(2, 2))
	} else {
		// Degenerate: Z and X rotations are no longer independent.
		rotZ = math.Atan2(-r.At(0, 1), r.At(1, 1))
		rotX = 0
	}
	return Vec3{rotZ, rotY, rotX}
}

// ToGlobal maps a point from the local (sensor) frame to the global frame.
func (t Transform) ToGlobal(p Vec3) Vec3 {
	return t.rotate(p).Add(t.trans)
}

// ToLocal maps a global point into the local (sensor) frame.
func (t Transform) ToLocal(p Vec3) Vec3 {
	d := p.Sub(t.trans)
	// Rᵀ·d
	return Vec3{
		t.rot.At(0, 0)*d[0] + t.rot.At(1, 0)*d[1] + t.rot.At(2, 0)*d[2],
		t.rot.At(0, 1)*d[0] + t.rot.At(1, 1)*d[1] + t.rot.At(2, 1)*d[2],
		t.rot.At(0, 2)*d[0] + t.rot.At(1, 2)*d[1] + t.rot.At(2, 2)*d[2],
	}
}

// RotateToGlobal rotates a direction (no translation) into the global frame.
func (t Transform) RotateToGlobal(d Vec3) Vec3 {
	return t.rotate(d)
}

// Normal returns the sensor plane normal (local Z axis) in the global frame.
func (t Transform) Normal() Vec3 {
	return Vec3{t.rot.At(0, 2), t.rot.At(1, 2), t.rot.At(2, 2)}
}

// ApplyDelta applies a rigid-body correction to the placement: the
// translation gains delta[0:3] and the Z-Y-X Euler angles gain the rotation
// components, rebuilding the rotation as
// Rz(θz+delta[RotZ])·Ry(θy+delta[RotY])·Rx(θx+delta[RotX]).
// Delta component order is (x, y, z, rotX, rotY, rotZ).
func (t Transform) ApplyDelta(delta [6]float64) Transform {
	angles := t.EulerZYX()
	newCenter := t.trans.Add(Vec3{delta[0], delta[1], delta[2]})
	newRot := rotZYX(angles[0]+delta[5], angles[1]+delta[4], angles[2]+delta[3])
	return Transform{rot: newRot, trans: newCenter}
}

func (t Transform) rotate(p Vec3) Vec3 {
	return Vec3{
		t.rot.At(0, 0)*p[0] + t.rot.At(0, 1)*p[1] + t.rot.At(0, 2)*p[2],
		t.rot.At(1, 0)*p[0] + t.rot.At(1, 1)*p[1] + t.rot.At(1, 2)*p[2],
		t.rot.At(2, 0)*p[0] + t.rot.At(2, 1)*p[1] + t.rot.At(2, 2)*p[2],
	}
}

func identityRotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// rotZYX builds Rz(z)·Ry(y)·Rx(x).
func rotZYX(z, y, x float64) *mat.Dense {
	cz, sz := math.Cos(z), math.Sin(z)
	cy, sy := math.Cos(y), math.Sin(y)
	cx, sx := math.Cos(x), math.Sin(x)
	return mat.NewDense(3, 3, []float64{
		cz * cy, cz*sy*sx - sz*cx, cz*sy*cx + sz*sx,
		sz * cy, sz*sy*sx + cz*cx, sz*sy*cx - cz*sx,
		-sy, cy * sx, cy * cx,
	})
}
