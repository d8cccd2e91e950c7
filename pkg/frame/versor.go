// Package frame provides rigid-frame algebra for moving points and images
// between the original, eye-fixed and mid-sagittal-plane aligned spaces.
//
// Image transforms and landmark transforms are mutual inverses about the
// same centre: resampling an image through T pulls intensities from T(p),
// so a landmark located at q in the input appears at T⁻¹(q) in the output.
package frame

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingularTransform is returned when a transform has no exact inverse,
// e.g. because its rotation part is not orthogonal.
var ErrSingularTransform = errors.New("singular transform")

// orthogonalityTolerance bounds |RᵀR - I| and |det R - 1| for a matrix to
// be accepted as a proper rotation.
const orthogonalityTolerance = 1e-6

// VersorRigid is a rotation about Center followed by a translation:
//
//	T(p) = R·(p - Center) + Center + Translation
//
// where R is encoded by the unit quaternion Versor.
type VersorRigid struct {
	Versor      quat.Number
	Translation r3.Vec
	Center      r3.Vec
}

// Identity returns the identity transform about center
func Identity(center r3.Vec) VersorRigid {
	return VersorRigid{Versor: quat.Number{Real: 1}, Center: center}
}

// TransformPoint applies the transform to p
func (t VersorRigid) TransformPoint(p r3.Vec) r3.Vec {
	rotated := rotate(t.Versor, r3.Sub(p, t.Center))
	return r3.Add(r3.Add(rotated, t.Center), t.Translation)
}

// TransformVector applies only the rotation part to v
func (t VersorRigid) TransformVector(v r3.Vec) r3.Vec {
	return rotate(t.Versor, v)
}

// Matrix returns the 3x3 rotation matrix encoded by the versor
func (t VersorRigid) Matrix() *mat.Dense {
	return MatrixFromVersor(t.Versor)
}

// Offset returns the constant term of the equivalent affine map p -> R·p + offset
func (t VersorRigid) Offset() r3.Vec {
	return r3.Sub(r3.Add(t.Center, t.Translation), rotate(t.Versor, t.Center))
}

// Inverse returns the exact inverse about the same centre.
// It fails with ErrSingularTransform when the versor is not of unit length.
func (t VersorRigid) Inverse() (VersorRigid, error) {
	n := quat.Abs(t.Versor)
	if math.Abs(n-1) > orthogonalityTolerance {
		return VersorRigid{}, fmt.Errorf("%w: versor norm %.9f", ErrSingularTransform, n)
	}
	inv := quat.Conj(t.Versor)
	// p = Rᵀ(p' - c - t) + c, so the inverse translation is -Rᵀt.
	return VersorRigid{
		Versor:      inv,
		Translation: r3.Scale(-1, rotate(inv, t.Translation)),
		Center:      t.Center,
	}, nil
}

// Translate returns a copy of t shifted by offset after the rotation
func (t VersorRigid) Translate(offset r3.Vec) VersorRigid {
	t.Translation = r3.Add(t.Translation, offset)
	return t
}

// Compose returns the transform applying t first and then next
func (t VersorRigid) Compose(next VersorRigid) VersorRigid {
	q := quat.Mul(next.Versor, t.Versor)
	// Keep t's centre; recover the translation from the composed offset.
	offset := r3.Add(next.TransformVector(t.Offset()), next.Offset())
	out := VersorRigid{Versor: q, Center: t.Center}
	out.Translation = r3.Sub(r3.Add(offset, rotate(q, t.Center)), t.Center)
	return out
}

// Invert returns the algebraic inverse of t about the same centre
func Invert(t VersorRigid) (VersorRigid, error) {
	return t.Inverse()
}

// ImageToLandmark converts an image-space transform into the transform
// that moves point sets consistently with the resampled image.
// Pulling an image through T is the same as pushing landmarks through T⁻¹.
func ImageToLandmark(img VersorRigid) (VersorRigid, error) {
	lmk, err := img.Inverse()
	if err != nil {
		return VersorRigid{}, fmt.Errorf("landmark transform from image transform: %w", err)
	}
	return lmk, nil
}

// ApproxEqual reports whether a and b map points identically within tol.
// q and -q encode the same rotation, so matrices are compared.
func ApproxEqual(a, b VersorRigid, tol float64) bool {
	if !mat.EqualApprox(a.Matrix(), b.Matrix(), tol) {
		return false
	}
	return r3.Norm(r3.Sub(a.Offset(), b.Offset())) <= tol
}

func rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// MatrixFromVersor expands a unit quaternion into a rotation matrix
func MatrixFromVersor(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// VersorFromMatrix encodes a proper rotation matrix as a unit quaternion
// with non-negative real part. The matrix must already be orthogonal; use
// OrthogonalizeRotation on estimated matrices first.
func VersorFromMatrix(m mat.Matrix) quat.Number {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// VersorFromAxisAngle returns the versor rotating by angle radians about axis
func VersorFromAxisAngle(axis r3.Vec, angle float64) quat.Number {
	u := r3.Unit(axis)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: u.X * s, Jmag: u.Y * s, Kmag: u.Z * s}
}
