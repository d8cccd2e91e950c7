package interpolation

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// PointTransform maps an output-space point to the input-space location
// that should be sampled for it
type PointTransform interface {
	TransformPoint(p r3.Vec) r3.Vec
}

// Resample pulls input through transform onto the grid of reference.
// Each output voxel at physical point p receives input(transform(p)), or
// defaultValue when that location falls outside the input buffer.
// A nil reference resamples onto the input grid.
func Resample(input *models.Volume, transform PointTransform, kind Kind, defaultValue float64, reference *models.Volume) *models.Volume {
	if reference == nil {
		reference = input
	}
	out := models.NewVolumeLike(reference)
	interp := New(kind, input)

	// Slabs along z are independent; process them in parallel
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for z := 0; z < out.Depth; z++ {
		g.Go(func() error {
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					q := transform.TransformPoint(out.PhysicalPoint(x, y, z))
					val := defaultValue
					if interp.IsInsideBuffer(q) {
						val = interp.Evaluate(q)
					}
					out.Data[out.Index(x, y, z)] = val
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// IsotropicReference returns an empty grid covering the same physical
// extent as vol, centred on the same point, with the given isotropic spacing
func IsotropicReference(vol *models.Volume, spacing float64) *models.Volume {
	extent := vol.Extent()
	w := int(math.Ceil(extent.X / spacing))
	h := int(math.Ceil(extent.Y / spacing))
	d := int(math.Ceil(extent.Z / spacing))
	center := vol.Center()
	origin := r3.Vec{
		X: center.X - float64(w-1)*spacing/2,
		Y: center.Y - float64(h-1)*spacing/2,
		Z: center.Z - float64(d-1)*spacing/2,
	}
	return &models.Volume{
		Width:   w,
		Height:  h,
		Depth:   d,
		Spacing: r3.Vec{X: spacing, Y: spacing, Z: spacing},
		Origin:  origin,
	}
}
