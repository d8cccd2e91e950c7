// Package geometry derives search directions for landmarks that keep a
// trained angular relation to a known direction on the mid-sagittal plane.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrNoRealSolution is returned when the constraint quadratic has a
	// negative discriminant
	ErrNoRealSolution = errors.New("no real solution for constrained direction")

	// ErrInvalidSign is returned for a root selector other than +1 or -1
	ErrInvalidSign = errors.New("sign must be +1 or -1")
)

// Root selectors
const (
	Superior = 1
	Inferior = -1
)

const degenerateTolerance = 1e-12

// SolveConstrainedDirection returns the vector BC lying in the
// mid-sagittal plane (X = 0) that forms the same angle with known (BA) as
// meanB (BC mean) forms with meanA (BA mean), and whose length equals
// |meanB|.
//
// With K = |BA| |BC| cos(theta), the unknowns satisfy
//
//	BA.y*y + BA.z*z = K
//	y*y + z*z       = |BC|^2
//
// which reduces to a quadratic in z. sign selects the root: +1 gives the
// larger z (superior), -1 the smaller.
func SolveConstrainedDirection(known, meanA, meanB r3.Vec, sign int) (r3.Vec, error) {
	if sign != Superior && sign != Inferior {
		return r3.Vec{}, fmt.Errorf("%w: got %d", ErrInvalidSign, sign)
	}

	normA, normB := r3.Norm(meanA), r3.Norm(meanB)
	if normA < degenerateTolerance || normB < degenerateTolerance {
		return r3.Vec{}, fmt.Errorf("%w: zero-length trained mean", ErrNoRealSolution)
	}
	cosTheta := r3.Dot(meanA, meanB) / (normA * normB)

	ky, kz := known.Y, known.Z
	if math.Abs(ky) < degenerateTolerance {
		return r3.Vec{}, fmt.Errorf("%w: known vector has no anterior-posterior component", ErrNoRealSolution)
	}

	k := r3.Norm(known) * normB * cosTheta
	a := ky*ky + kz*kz
	b := -2 * k * kz
	c := k*k - normB*normB*ky*ky

	delta := b*b - 4*a*c
	if delta < 0 {
		return r3.Vec{}, fmt.Errorf("%w: discriminant %.6g for known vector %v", ErrNoRealSolution, delta, known)
	}

	z := (-b + float64(sign)*math.Sqrt(delta)) / (2 * a)
	y := (k - kz*z) / ky
	return r3.Vec{X: 0, Y: y, Z: z}, nil
}
