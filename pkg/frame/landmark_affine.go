package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// ErrMismatchedLandmarkSets is returned when a fixed landmark has no
// moving counterpart.
var ErrMismatchedLandmarkSets = errors.New("mismatched fixed and moving landmarks")

// DefaultLandmarkWeight is used for landmarks missing from a weight table
const DefaultLandmarkWeight = 0.5

// LandmarkPairs holds corresponding fixed/moving points in matching order
type LandmarkPairs struct {
	Names   []string
	Fixed   []r3.Vec
	Moving  []r3.Vec
	Weights []float64

	// Defaulted lists names that received DefaultLandmarkWeight
	Defaulted []string
}

// PairLandmarks matches every fixed landmark with the moving landmark of
// the same name. A nil weight table gives every pair weight 1.
func PairLandmarks(fixed, moving models.LandmarkMap, weights map[string]float64) (LandmarkPairs, error) {
	var pairs LandmarkPairs
	for _, name := range fixed.Names() {
		m, ok := moving[name]
		if !ok {
			return LandmarkPairs{}, fmt.Errorf("%w: could not find %s in moving landmarks", ErrMismatchedLandmarkSets, name)
		}
		w := 1.0
		if weights != nil {
			if ww, ok := weights[name]; ok {
				w = ww
			} else {
				w = DefaultLandmarkWeight
				pairs.Defaulted = append(pairs.Defaulted, name)
			}
		}
		pairs.Names = append(pairs.Names, name)
		pairs.Fixed = append(pairs.Fixed, fixed[name])
		pairs.Moving = append(pairs.Moving, m)
		pairs.Weights = append(pairs.Weights, w)
	}
	sort.Strings(pairs.Defaulted)
	return pairs, nil
}

// LandmarkAffine computes the weighted least-squares affine transform
// mapping the fixed points onto the moving points. At least four
// non-coplanar pairs are required.
func LandmarkAffine(pairs LandmarkPairs) (Transform, error) {
	n := len(pairs.Fixed)
	if n < 4 || len(pairs.Moving) != n || len(pairs.Weights) != n {
		return Transform{}, fmt.Errorf("%w: need at least 4 weighted landmark pairs, got %d", ErrSingularTransform, n)
	}

	// Rows of x are [p 1], scaled by sqrt(w) so that the ordinary least
	// squares solution minimises the weighted residual.
	x := mat.NewDense(n, 4, nil)
	y := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(pairs.Weights[i])
		f, m := pairs.Fixed[i], pairs.Moving[i]
		x.SetRow(i, []float64{sw * f.X, sw * f.Y, sw * f.Z, sw})
		y.SetRow(i, []float64{sw * m.X, sw * m.Y, sw * m.Z})
	}

	var b mat.Dense
	if err := b.Solve(x, y); err != nil {
		return Transform{}, fmt.Errorf("%w: landmark affine: %v", ErrSingularTransform, err)
	}

	linear := mat.NewDense(3, 3, nil)
	linear.Copy(b.Slice(0, 3, 0, 3).T())
	translation := r3.Vec{X: b.At(3, 0), Y: b.At(3, 1), Z: b.At(3, 2)}
	return NewAffineTransform(linear, translation, r3.Vec{}), nil
}

// LandmarkRegistrar is a registration collaborator that performs no
// intensity-based optimisation and returns the landmark initialiser as the
// refined transform.
type LandmarkRegistrar struct{}

// Register returns initial unchanged
func (LandmarkRegistrar) Register(moving, fixed *models.Volume, initial Transform) (Transform, error) {
	return initial, nil
}
