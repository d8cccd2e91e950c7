// Package estimation predicts landmark positions from previously located
// landmarks using trained linear regression models.
package estimation

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// Dim is the dimension of landmark coordinates
const Dim = 3

var (
	// ErrNoMatchingModel is returned when no model consumes the current
	// number of known landmarks
	ErrNoMatchingModel = errors.New("no linear model matches the number of known landmarks")

	// ErrMissingLandmark is returned when an input landmark is unknown
	ErrMissingLandmark = errors.New("input landmark not located")

	// ErrInvalidModel is returned for inconsistent model dimensions
	ErrInvalidModel = errors.New("invalid linear model")
)

// Model predicts one landmark from the landmarks that precede it in the
// processing order.
type Model struct {
	// Landmark is the predicted landmark
	Landmark string

	// Coefficients is a Dim x Dim*k matrix, where k is the number of
	// input landmarks (the reference landmark excluded)
	Coefficients *mat.Dense

	// Mean holds the trained mean offsets subtracted from the inputs. It
	// is either Dim*k long or Dim long, in which case it applies to every
	// input landmark.
	Mean []float64
}

// InputCount returns the number of input landmarks the model consumes
func (m *Model) InputCount() int {
	_, c := m.Coefficients.Dims()
	return c / Dim
}

func (m *Model) validate() error {
	if m.Coefficients == nil {
		return fmt.Errorf("%w: %s has no coefficients", ErrInvalidModel, m.Landmark)
	}
	r, c := m.Coefficients.Dims()
	if r != Dim || c == 0 || c%Dim != 0 {
		return fmt.Errorf("%w: %s coefficient matrix is %dx%d", ErrInvalidModel, m.Landmark, r, c)
	}
	if len(m.Mean) != Dim && len(m.Mean) != c {
		return fmt.Errorf("%w: %s mean has length %d, expected %d or %d", ErrInvalidModel, m.Landmark, len(m.Mean), Dim, c)
	}
	return nil
}

func (m *Model) mean(i int) float64 {
	if len(m.Mean) == Dim {
		return m.Mean[i%Dim]
	}
	return m.Mean[i]
}

// ModelSet indexes models by the number of input landmarks they consume
type ModelSet struct {
	byInputCount map[int]*Model
}

// NewModelSet validates and indexes models. Two models consuming the same
// number of inputs are rejected since the processing order would be
// ambiguous.
func NewModelSet(list []Model) (*ModelSet, error) {
	set := &ModelSet{byInputCount: make(map[int]*Model, len(list))}
	for i := range list {
		m := &list[i]
		if err := m.validate(); err != nil {
			return nil, err
		}
		n := m.InputCount()
		if prev, ok := set.byInputCount[n]; ok {
			return nil, fmt.Errorf("%w: %s and %s both consume %d landmarks", ErrInvalidModel, prev.Landmark, m.Landmark, n)
		}
		set.byInputCount[n] = m
	}
	return set, nil
}

// Len returns the number of models
func (s *ModelSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byInputCount)
}

// ForInputCount returns the model consuming n input landmarks
func (s *ModelSet) ForInputCount(n int) (*Model, error) {
	if s != nil {
		if m, ok := s.byInputCount[n]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %d input landmarks (%d features)", ErrNoMatchingModel, n, n*Dim)
}

// Ordered returns the models sorted by input count, i.e. in processing order
func (s *ModelSet) Ordered() []*Model {
	if s == nil {
		return nil
	}
	counts := make([]int, 0, len(s.byInputCount))
	for n := range s.byInputCount {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	out := make([]*Model, len(counts))
	for i, n := range counts {
		out[i] = s.byInputCount[n]
	}
	return out
}

// Estimator applies a model set to a growing processing order
type Estimator struct {
	Models *ModelSet
}

// NewEstimator creates an estimator over models
func NewEstimator(models *ModelSet) *Estimator {
	return &Estimator{Models: models}
}

// PredictNext predicts the last landmark of order from the others and
// stores it in known.
//
// order[0] is the reference landmark; order[1:len-1] are the inputs. The
// feature vector holds each input's offset from the reference minus the
// trained mean, and the prediction is reference + Coefficients*features.
// When order has no more than baseCount entries there is nothing to
// predict and ok is false.
func (e *Estimator) PredictNext(known models.LandmarkMap, order []string, baseCount int) (p r3.Vec, ok bool, err error) {
	if len(order) <= baseCount || len(order) < 2 {
		return r3.Vec{}, false, nil
	}
	target := order[len(order)-1]
	inputs := order[1 : len(order)-1]

	m, err := e.Models.ForInputCount(len(inputs))
	if err != nil {
		return r3.Vec{}, false, fmt.Errorf("predicting %s: %w", target, err)
	}
	if m.Landmark != target {
		return r3.Vec{}, false, fmt.Errorf("%w: model for %d inputs predicts %s, not %s", ErrNoMatchingModel, len(inputs), m.Landmark, target)
	}

	ref, found := known[order[0]]
	if !found {
		return r3.Vec{}, false, fmt.Errorf("%w: reference %s", ErrMissingLandmark, order[0])
	}

	features := mat.NewVecDense(Dim*len(inputs), nil)
	for k, name := range inputs {
		q, found := known[name]
		if !found {
			return r3.Vec{}, false, fmt.Errorf("%w: %s", ErrMissingLandmark, name)
		}
		off := r3.Sub(q, ref)
		for d, v := range []float64{off.X, off.Y, off.Z} {
			i := k*Dim + d
			features.SetVec(i, v-m.mean(i))
		}
	}

	var delta mat.VecDense
	delta.MulVec(m.Coefficients, features)
	p = r3.Add(ref, r3.Vec{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)})
	known[target] = p
	return p, true, nil
}
