package search

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/interpolation"
)

// roi is the normalized region of interest of one search
type roi struct {
	values *models.Volume
	mask   *models.Volume
}

// buildRegion samples the search box, expanded by the template footprint,
// into a region image. Only voxels inside the foreground mask and inside
// the rounded inclusion test are kept. The kept voxels are normalized to
// zero mean and unit norm.
func buildRegion(vol, mask *models.Volume, c r3.Vec, b Bounds, radius, height float64) (*roi, error) {
	begin := r3.Vec{
		X: c.X - b.LR - height/2,
		Y: c.Y - b.AP - radius,
		Z: c.Z - b.SI - radius,
	}
	end := r3.Vec{
		X: c.X + b.LR + height/2,
		Y: c.Y + b.AP + radius,
		Z: c.Z + b.SI + radius,
	}
	sp := vol.Spacing
	w := int((end.X-begin.X)/sp.X) + 1
	h := int((end.Y-begin.Y)/sp.Y) + 1
	d := int((end.Z-begin.Z)/sp.Z) + 1

	region := &roi{
		values: models.NewVolume(w, h, d, sp, begin),
		mask:   models.NewVolume(w, h, d, sp, begin),
	}

	imInterp := interpolation.New(interpolation.Linear, vol)
	maskInterp := interpolation.New(interpolation.Linear, mask)

	var kept []float64
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := region.values.PhysicalPoint(x, y, z)
				if !maskInterp.IsInsideBuffer(p) || maskInterp.Evaluate(p) <= 0.5 {
					continue
				}
				off := r3.Sub(p, c)
				if r3.Norm(off) >= b.SI+radius || math.Abs(off.Y) >= b.AP+radius {
					continue
				}
				val := imInterp.Evaluate(p)
				idx := region.values.Index(x, y, z)
				region.values.Data[idx] = val
				region.mask.Data[idx] = 1
				kept = append(kept, val)
			}
		}
	}

	if countComponents(region.mask) != 1 {
		return nil, ErrAmbiguousSearchRegion
	}

	mean, variance := stat.MeanVariance(kept, nil)
	norm := math.Sqrt(float64(len(kept)) * variance)
	if math.IsNaN(norm) || norm < epsilon {
		return nil, ErrDegenerateNormalization
	}
	for i, m := range region.mask.Data {
		if m > 0 {
			region.values.Data[i] = (region.values.Data[i] - mean) / norm
		}
	}
	return region, nil
}

// epsilon is the float64 machine epsilon
const epsilon = 2.220446049250313e-16

// countComponents counts the face-connected foreground components of mask
func countComponents(mask *models.Volume) int {
	visited := make([]bool, len(mask.Data))
	var stack [][3]int
	components := 0

	for z := 0; z < mask.Depth; z++ {
		for y := 0; y < mask.Height; y++ {
			for x := 0; x < mask.Width; x++ {
				idx := mask.Index(x, y, z)
				if mask.Data[idx] == 0 || visited[idx] {
					continue
				}
				components++
				visited[idx] = true
				stack = append(stack[:0], [3]int{x, y, z})
				for len(stack) > 0 {
					v := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					for _, n := range faceNeighbours {
						nx, ny, nz := v[0]+n[0], v[1]+n[1], v[2]+n[2]
						if !mask.Contains(nx, ny, nz) {
							continue
						}
						ni := mask.Index(nx, ny, nz)
						if mask.Data[ni] == 0 || visited[ni] {
							continue
						}
						visited[ni] = true
						stack = append(stack, [3]int{nx, ny, nz})
					}
				}
			}
		}
	}
	return components
}

var faceNeighbours = [6][3]int{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}
