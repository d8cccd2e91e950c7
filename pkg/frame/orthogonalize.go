package frame

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// OrthogonalizeRotation projects a near-orthogonal 3x3 matrix onto the
// nearest proper rotation (det = +1) in the Frobenius sense.
//
// With M = U·S·Vᵀ the result is U·Vᵀ; when that product is a reflection the
// column of U paired with the smallest singular value is negated.
// Applying it to an exact rotation returns the same rotation.
func OrthogonalizeRotation(m mat.Matrix) (*mat.Dense, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return nil, fmt.Errorf("orthogonalize: expected 3x3 matrix, got %dx%d", r, c)
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrSingularTransform)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}
	return &rot, nil
}

// ComposeFromPoints estimates the image transform that aligns the head
// with the canonical ACPC frame defined by three ordered landmarks
// (nominally RP, AC and PC), rotating about center.
//
// The landmark counterpart of the returned transform maps AC to the origin,
// PC onto the positive Y axis and the plane through all three points onto
// X = 0. The rotation is cleaned with OrthogonalizeRotation before being
// encoded as a versor.
func ComposeFromPoints(rp, ac, pc, center r3.Vec) (VersorRigid, error) {
	acpc := r3.Sub(pc, ac)
	acrp := r3.Sub(rp, ac)
	normal := r3.Cross(acpc, acrp)
	if r3.Norm(acpc) < 1e-9 || r3.Norm(normal) < 1e-9 {
		return VersorRigid{}, fmt.Errorf("%w: degenerate landmark triple RP=%v AC=%v PC=%v",
			ErrSingularTransform, rp, ac, pc)
	}

	ex := r3.Unit(normal)
	if ex.X < 0 {
		ex = r3.Scale(-1, ex)
	}
	ey := r3.Unit(r3.Sub(acpc, r3.Scale(r3.Dot(acpc, ex), ex)))
	ez := r3.Cross(ex, ey)

	estimate := mat.NewDense(3, 3, []float64{
		ex.X, ex.Y, ex.Z,
		ey.X, ey.Y, ey.Z,
		ez.X, ez.Y, ez.Z,
	})
	rot, err := OrthogonalizeRotation(estimate)
	if err != nil {
		return VersorRigid{}, err
	}

	lmk := VersorRigid{Versor: VersorFromMatrix(rot), Center: center}
	// Choose the translation so that AC lands on the origin.
	lmk.Translation = r3.Scale(-1, r3.Add(lmk.TransformVector(r3.Sub(ac, center)), center))

	img, err := lmk.Inverse()
	if err != nil {
		return VersorRigid{}, err
	}
	return img, nil
}

// AlignToOrigin returns a copy of the image transform img whose landmark
// counterpart maps point exactly to the origin.
func AlignToOrigin(img VersorRigid, point r3.Vec) (VersorRigid, error) {
	lmk, err := ImageToLandmark(img)
	if err != nil {
		return VersorRigid{}, err
	}
	shift := lmk.TransformPoint(point)
	lmk = lmk.Translate(r3.Scale(-1, shift))
	return lmk.Inverse()
}
