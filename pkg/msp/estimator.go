// Package msp estimates the mid-sagittal plane of a head volume by
// searching for the plane of maximum left-right reflective symmetry.
package msp

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/frame"
	"acpcdetect/pkg/interpolation"
)

var (
	// ErrEmptyVolume is returned when a volume has no foreground
	ErrEmptyVolume = errors.New("volume has no foreground voxels")

	// ErrTooFewSamples is returned when too few voxels have a mirror
	// partner inside the volume to score a plane
	ErrTooFewSamples = errors.New("too few symmetric samples to score plane")
)

const minSamples = 16

// Params controls the plane search
type Params struct {
	// MaxAngleDeg bounds the yaw and roll of candidate planes
	MaxAngleDeg float64

	// AngleStepDeg is the yaw and roll step
	AngleStepDeg float64

	// MaxOffset bounds the left-right shift of candidate planes in mm
	MaxOffset float64

	// OffsetStep is the left-right shift step in mm
	OffsetStep float64

	// SampleStride keeps every n-th voxel along each axis when scoring
	SampleStride int

	// IsotropicSpacing is the spacing of the returned MSP volume in mm
	IsotropicSpacing float64

	// Workers bounds the number of planes scored concurrently
	Workers int

	Verbose bool
	Out     io.Writer
}

// DefaultParams returns the plane search defaults
func DefaultParams() Params {
	return Params{
		MaxAngleDeg:      8,
		AngleStepDeg:     2,
		MaxOffset:        6,
		OffsetStep:       1,
		SampleStride:     3,
		IsotropicSpacing: 1,
		Workers:          runtime.NumCPU(),
		Out:              io.Discard,
	}
}

// Result is an MSP estimate
type Result struct {
	// ImageTransform maps MSP-space points to input-space points. The
	// estimated plane is X = 0 in MSP space.
	ImageTransform frame.VersorRigid

	// Volume is the input resampled into MSP space
	Volume *models.Volume

	// ReflectiveCorrelation is -corr(I(p), I(mirror(p))); more negative
	// means more symmetric
	ReflectiveCorrelation float64

	// YawDeg, RollDeg and Offset describe the winning plane
	YawDeg  float64
	RollDeg float64
	Offset  float64
}

// Estimator is the default reflective-correlation MSP estimator
type Estimator struct {
	params Params
}

// NewEstimator creates an estimator
func NewEstimator(params Params) *Estimator {
	if params.Out == nil {
		params.Out = io.Discard
	}
	return &Estimator{params: params}
}

type plane struct {
	yaw, roll, offset float64
}

// versor rotates the X axis onto the plane normal
func (pl plane) versor() quat.Number {
	yaw := frame.VersorFromAxisAngle(r3.Vec{Z: 1}, pl.yaw*math.Pi/180)
	roll := frame.VersorFromAxisAngle(r3.Vec{Y: 1}, pl.roll*math.Pi/180)
	return quat.Mul(yaw, roll)
}

func (pl plane) normal() r3.Vec {
	return frame.VersorRigid{Versor: pl.versor()}.TransformVector(r3.Vec{X: 1})
}

// EstimateMSP searches planes around the centre of head mass cm and
// returns the most symmetric one together with the resampled volume.
func (e *Estimator) EstimateMSP(vol *models.Volume, cm r3.Vec) (Result, error) {
	p := e.params
	candidates := grid(p)
	threshold := foregroundThreshold(vol)

	scores := make([]float64, len(candidates))
	errs := make([]error, len(candidates))
	var g errgroup.Group
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for i, pl := range candidates {
		g.Go(func() error {
			n := pl.normal()
			scores[i], errs[i] = ReflectiveCorrelation(vol, r3.Add(cm, r3.Scale(pl.offset, n)), n, threshold, p.SampleStride)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i := range candidates {
		if errs[i] != nil {
			continue
		}
		if best < 0 || scores[i] < scores[best] {
			best = i
		}
	}
	if best < 0 {
		return Result{}, fmt.Errorf("MSP estimation: %w", errs[0])
	}

	pl := candidates[best]
	n := pl.normal()
	q := r3.Add(cm, r3.Scale(pl.offset, n))
	img := frame.VersorRigid{
		Versor: pl.versor(),
		Center: q,
		// Shift so that the plane lands on X = 0
		Translation: r3.Scale(q.X, n),
	}

	ref := interpolation.IsotropicReference(vol, p.IsotropicSpacing)
	ref.Origin.X -= ref.Center().X
	minVal, _ := vol.MinMax()
	msp := interpolation.Resample(vol, img, interpolation.Linear, minVal, ref)

	if p.Verbose {
		fmt.Fprintf(p.Out, "MSP plane: yaw %.1f deg, roll %.1f deg, offset %.1f mm, c_c %.4f\n",
			pl.yaw, pl.roll, pl.offset, scores[best])
	}
	return Result{
		ImageTransform:        img,
		Volume:                msp,
		ReflectiveCorrelation: scores[best],
		YawDeg:                pl.yaw,
		RollDeg:               pl.roll,
		Offset:                pl.offset,
	}, nil
}

// grid enumerates candidate planes, starting from the unrotated one
func grid(p Params) []plane {
	angles := steps(p.MaxAngleDeg, p.AngleStepDeg)
	offsets := steps(p.MaxOffset, p.OffsetStep)
	out := make([]plane, 0, len(angles)*len(angles)*len(offsets))
	for _, yaw := range angles {
		for _, roll := range angles {
			for _, off := range offsets {
				out = append(out, plane{yaw: yaw, roll: roll, offset: off})
			}
		}
	}
	return out
}

// steps returns 0, then ±step, ±2·step, ... up to limit
func steps(limit, step float64) []float64 {
	out := []float64{0}
	if step <= 0 || limit <= 0 {
		return out
	}
	for v := step; v <= limit+1e-9; v += step {
		out = append(out, v, -v)
	}
	return out
}

// ReflectiveCorrelation scores the plane through point with unit normal n.
// Foreground voxels (above threshold) are paired with their mirror images
// and the negated Pearson correlation of the pairs is returned.
func ReflectiveCorrelation(vol *models.Volume, point, n r3.Vec, threshold float64, stride int) (float64, error) {
	if stride < 1 {
		stride = 1
	}
	interp := interpolation.New(interpolation.Linear, vol)
	var a, b []float64
	for z := 0; z < vol.Depth; z += stride {
		for y := 0; y < vol.Height; y += stride {
			for x := 0; x < vol.Width; x += stride {
				v := vol.At(x, y, z)
				if v <= threshold {
					continue
				}
				p := vol.PhysicalPoint(x, y, z)
				d := r3.Dot(r3.Sub(p, point), n)
				m := r3.Sub(p, r3.Scale(2*d, n))
				if !interp.IsInsideBuffer(m) {
					continue
				}
				a = append(a, v)
				b = append(b, interp.Evaluate(m))
			}
		}
	}
	if len(a) < minSamples {
		return 0, fmt.Errorf("%w: %d", ErrTooFewSamples, len(a))
	}
	corr := stat.Correlation(a, b, nil)
	if math.IsNaN(corr) {
		// constant intensities are perfectly symmetric
		corr = 1
	}
	return -corr, nil
}

// foregroundThreshold separates head from background: the mean intensity
func foregroundThreshold(vol *models.Volume) float64 {
	return stat.Mean(vol.Data, nil)
}

// CenterOfHeadMass returns the intensity weighted centroid of the
// foreground voxels
func CenterOfHeadMass(vol *models.Volume) (r3.Vec, error) {
	threshold := foregroundThreshold(vol)
	var sum r3.Vec
	var total float64
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				v := vol.At(x, y, z)
				if v <= threshold {
					continue
				}
				sum = r3.Add(sum, r3.Scale(v, vol.PhysicalPoint(x, y, z)))
				total += v
			}
		}
	}
	if total == 0 {
		return r3.Vec{}, ErrEmptyVolume
	}
	return r3.Scale(1/total, sum), nil
}
