package registration

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transform is a 4x4 rigid transformation (rotation + translation) stored
// row-major. Transforms compose by left-multiplication: the product of two
// stages is stage2 * stage1, with stage1 applied first.
type Transform [16]float64

// Identity returns the neutral transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation by v.
func Translation(v r3.Vector) Transform {
	return Transform{
		1, 0, 0, v.X,
		0, 1, 0, v.Y,
		0, 0, 1, v.Z,
		0, 0, 0, 1,
	}
}

// RotationAxisAngle returns a rotation of angle radians about the given
// axis. The axis need not be normalized; a zero axis yields the identity.
func RotationAxisAngle(axis r3.Vector, angle float64) Transform {
	n := axis.Norm()
	if n == 0 {
		return Identity()
	}
	x, y, z := axis.X/n, axis.Y/n, axis.Z/n
	c := math.Cos(angle)
	s := math.Sin(angle)
	k := 1 - c
	return Transform{
		c + x*x*k, x*y*k - z*s, x*z*k + y*s, 0,
		y*x*k + z*s, c + y*y*k, y*z*k - x*s, 0,
		z*x*k - y*s, z*y*k + x*s, c + z*z*k, 0,
		0, 0, 0, 1,
	}
}

// Mul returns t * o. Applying the result is equivalent to applying o first,
// then t.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			sum := 0.0
			for k := 0; k < 4; k++ {
				sum += t[i*4+k] * o[k*4+j]
			}
			out[i*4+j] = sum
		}
	}
	return out
}

// Apply transforms the point p.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Origin returns the image of the origin under t, which for a camera pose
// is the camera position.
func (t Transform) Origin() r3.Vector {
	return r3.Vector{X: t[3], Y: t[7], Z: t[11]}
}

// Inverse returns the inverse of a rigid transform: the rotation block is
// transposed and the translation negated through it. Results are undefined
// for non-rigid matrices.
func (t Transform) Inverse() Transform {
	tr := r3.Vector{X: t[3], Y: t[7], Z: t[11]}
	inv := Transform{
		t[0], t[4], t[8], 0,
		t[1], t[5], t[9], 0,
		t[2], t[6], t[10], 0,
		0, 0, 0, 1,
	}
	it := inv.Apply(tr)
	inv[3] = -it.X
	inv[7] = -it.Y
	inv[11] = -it.Z
	return inv
}

// Fraction returns the transform that applies fraction s of t: the
// translation is scaled linearly and the rotation angle is scaled along its
// axis. Fraction(0) is the identity and Fraction(1) equals t up to
// numerical error.
func (t Transform) Fraction(s float64) Transform {
	axis, angle := t.rotationAxisAngle()
	rot := RotationAxisAngle(axis, angle*s)
	tr := r3.Vector{X: t[3] * s, Y: t[7] * s, Z: t[11] * s}
	rot[3] = tr.X
	rot[7] = tr.Y
	rot[11] = tr.Z
	return rot
}

// rotationAxisAngle extracts the axis-angle form of the rotation block.
// Near-identity rotations return a zero angle; the half-turn case picks the
// axis from the dominant diagonal element.
func (t Transform) rotationAxisAngle() (r3.Vector, float64) {
	trace := t[0] + t[5] + t[10]
	c := (trace - 1) / 2
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	angle := math.Acos(c)

	const eps = 1e-9
	if angle < eps {
		return r3.Vector{Z: 1}, 0
	}
	if math.Pi-angle < 1e-6 {
		// sin(angle) ~ 0: recover the axis from R = 2aa^T - I.
		ax := math.Sqrt(math.Max(0, (t[0]+1)/2))
		ay := math.Sqrt(math.Max(0, (t[5]+1)/2))
		az := math.Sqrt(math.Max(0, (t[10]+1)/2))
		if ax >= ay && ax >= az {
			if t[1] < 0 {
				ay = -ay
			}
			if t[2] < 0 {
				az = -az
			}
		} else if ay >= ax && ay >= az {
			if t[1] < 0 {
				ax = -ax
			}
			if t[6] < 0 {
				az = -az
			}
		} else {
			if t[2] < 0 {
				ax = -ax
			}
			if t[6] < 0 {
				ay = -ay
			}
		}
		return r3.Vector{X: ax, Y: ay, Z: az}, angle
	}

	d := 2 * math.Sin(angle)
	return r3.Vector{
		X: (t[9] - t[6]) / d,
		Y: (t[2] - t[8]) / d,
		Z: (t[4] - t[1]) / d,
	}, angle
}

// EstimateRigidTransform computes the rigid transform that best maps src
// onto dst in the least-squares sense (Kabsch). Both slices must hold the
// same number of corresponding points, at least three.
func EstimateRigidTransform(src, dst []r3.Vector) (Transform, error) {
	if len(src) != len(dst) {
		return Identity(), fmt.Errorf("correspondence count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return Identity(), fmt.Errorf("%w: need at least 3 correspondences, have %d", ErrTooFewPoints, len(src))
	}

	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	n := float64(len(src))
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	// Cross-covariance of the centered point sets.
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(), ErrDegenerateGeometry
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		// Reflection: flip the axis of least variance.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	out := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*4+c] = rot.At(r, c)
		}
	}
	rc := out.Apply(cs)
	out[3] = cd.X - rc.X
	out[7] = cd.Y - rc.Y
	out[11] = cd.Z - rc.Z
	return out, nil
}
