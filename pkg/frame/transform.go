package frame

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNotRigid is returned when a single rigid component cannot be
// extracted from a transform.
var ErrNotRigid = errors.New("transform has no single rigid component")

// Kind tags the variant held by a Transform
type Kind int

const (
	// KindRigid is a rotation matrix (possibly noisy) plus translation
	KindRigid Kind = iota
	// KindVersor is a versor-encoded rigid transform
	KindVersor
	// KindAffine is a general linear map plus translation
	KindAffine
	// KindComposite is an ordered list of transforms
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindRigid:
		return "Rigid"
	case KindVersor:
		return "Versor"
	case KindAffine:
		return "Affine"
	case KindComposite:
		return "Composite"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Transform is a tagged variant over the transform types produced by
// estimation and registration. Only the fields matching Kind are used.
type Transform struct {
	Kind Kind

	// Versor holds the KindVersor payload
	Versor VersorRigid

	// Matrix, Translation and Center hold the KindRigid and KindAffine
	// payload: T(p) = Matrix·(p - Center) + Center + Translation
	Matrix      *mat.Dense
	Translation r3.Vec
	Center      r3.Vec

	// Components holds the KindComposite payload, applied first to last
	Components []Transform
}

// NewVersorTransform wraps a versor rigid transform
func NewVersorTransform(v VersorRigid) Transform {
	return Transform{Kind: KindVersor, Versor: v}
}

// NewRigidTransform wraps a matrix-encoded rigid transform
func NewRigidTransform(m mat.Matrix, translation, center r3.Vec) Transform {
	return Transform{Kind: KindRigid, Matrix: mat.DenseCopyOf(m), Translation: translation, Center: center}
}

// NewAffineTransform wraps a general affine transform
func NewAffineTransform(m mat.Matrix, translation, center r3.Vec) Transform {
	return Transform{Kind: KindAffine, Matrix: mat.DenseCopyOf(m), Translation: translation, Center: center}
}

// NewCompositeTransform groups transforms applied in the given order
func NewCompositeTransform(components ...Transform) Transform {
	return Transform{Kind: KindComposite, Components: components}
}

// TransformPoint applies t to p
func (t Transform) TransformPoint(p r3.Vec) r3.Vec {
	switch t.Kind {
	case KindVersor:
		return t.Versor.TransformPoint(p)
	case KindRigid, KindAffine:
		d := r3.Sub(p, t.Center)
		var out r3.Vec
		out.X = t.Matrix.At(0, 0)*d.X + t.Matrix.At(0, 1)*d.Y + t.Matrix.At(0, 2)*d.Z
		out.Y = t.Matrix.At(1, 0)*d.X + t.Matrix.At(1, 1)*d.Y + t.Matrix.At(1, 2)*d.Z
		out.Z = t.Matrix.At(2, 0)*d.X + t.Matrix.At(2, 1)*d.Y + t.Matrix.At(2, 2)*d.Z
		return r3.Add(r3.Add(out, t.Center), t.Translation)
	case KindComposite:
		for _, c := range t.Components {
			p = c.TransformPoint(p)
		}
		return p
	default:
		return p
	}
}

// Inverse returns the algebraic inverse of t.
// Rigid inputs must be orthogonal within tolerance; affine inputs must be
// invertible.
func (t Transform) Inverse() (Transform, error) {
	switch t.Kind {
	case KindVersor:
		inv, err := t.Versor.Inverse()
		if err != nil {
			return Transform{}, err
		}
		return NewVersorTransform(inv), nil
	case KindRigid:
		if err := checkOrthogonal(t.Matrix); err != nil {
			return Transform{}, err
		}
		rt := mat.DenseCopyOf(t.Matrix.T())
		return Transform{
			Kind:        KindRigid,
			Matrix:      rt,
			Translation: r3.Scale(-1, mulVec(rt, t.Translation)),
			Center:      t.Center,
		}, nil
	case KindAffine:
		var inv mat.Dense
		if err := inv.Inverse(t.Matrix); err != nil {
			return Transform{}, fmt.Errorf("%w: %v", ErrSingularTransform, err)
		}
		return Transform{
			Kind:        KindAffine,
			Matrix:      &inv,
			Translation: r3.Scale(-1, mulVec(&inv, t.Translation)),
			Center:      t.Center,
		}, nil
	case KindComposite:
		out := make([]Transform, len(t.Components))
		for i, c := range t.Components {
			inv, err := c.Inverse()
			if err != nil {
				return Transform{}, err
			}
			out[len(out)-1-i] = inv
		}
		return NewCompositeTransform(out...), nil
	default:
		return Transform{}, fmt.Errorf("%w: unknown kind %v", ErrSingularTransform, t.Kind)
	}
}

// ExtractRigid returns the single rigid component of t as a versor
// transform. Matrix-encoded rigid and affine transforms are projected onto
// the nearest proper rotation; a composite must hold exactly one inner
// transform.
func ExtractRigid(t Transform) (VersorRigid, error) {
	switch t.Kind {
	case KindVersor:
		return t.Versor, nil
	case KindRigid, KindAffine:
		if t.Matrix == nil {
			return VersorRigid{}, fmt.Errorf("%w: %v transform without matrix", ErrNotRigid, t.Kind)
		}
		rot, err := OrthogonalizeRotation(t.Matrix)
		if err != nil {
			return VersorRigid{}, err
		}
		return VersorRigid{
			Versor:      VersorFromMatrix(rot),
			Translation: t.Translation,
			Center:      t.Center,
		}, nil
	case KindComposite:
		if len(t.Components) != 1 {
			return VersorRigid{}, fmt.Errorf("%w: composite holds %d transforms", ErrNotRigid, len(t.Components))
		}
		return ExtractRigid(t.Components[0])
	default:
		return VersorRigid{}, fmt.Errorf("%w: unknown kind %v", ErrNotRigid, t.Kind)
	}
}

func checkOrthogonal(m *mat.Dense) error {
	if m == nil {
		return fmt.Errorf("%w: missing rotation matrix", ErrSingularTransform)
	}
	var rtr mat.Dense
	rtr.Mul(m.T(), m)
	if !mat.EqualApprox(&rtr, eye3(), orthogonalityTolerance) {
		return fmt.Errorf("%w: rotation matrix is not orthogonal", ErrSingularTransform)
	}
	if det := mat.Det(m); math.Abs(det-1) > orthogonalityTolerance {
		return fmt.Errorf("%w: rotation determinant %.6f", ErrSingularTransform, det)
	}
	return nil
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func mulVec(m mat.Matrix, v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
