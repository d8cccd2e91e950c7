package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point3 is a location in physical (millimetre) space.
// Axes follow the LPS convention: X grows to the left, Y grows posterior
// and Z grows superior.
type Point3 = r3.Vec

// Volume represents a 3D scalar image on a regular grid
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (x varies fastest, then y, then z)
	Data []float64

	// Width is the number of voxels along X (left-right)
	Width int

	// Height is the number of voxels along Y (anterior-posterior)
	Height int

	// Depth is the number of voxels along Z (inferior-superior)
	Depth int

	// Spacing is the physical size of each voxel in mm
	Spacing r3.Vec

	// Origin is the physical location of voxel (0,0,0)
	Origin r3.Vec
}

// NewVolume allocates a zero-filled volume with the given geometry
func NewVolume(width, height, depth int, spacing, origin r3.Vec) *Volume {
	return &Volume{
		Data:    make([]float64, width*height*depth),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Spacing: spacing,
		Origin:  origin,
	}
}

// NewVolumeLike allocates a zero-filled volume sharing the geometry of ref
func NewVolumeLike(ref *Volume) *Volume {
	return NewVolume(ref.Width, ref.Height, ref.Depth, ref.Spacing, ref.Origin)
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x,y,z) into Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Contains reports whether (x,y,z) is a valid voxel index
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At returns the voxel value at (x,y,z), or 0 outside the grid
func (v *Volume) At(x, y, z int) float64 {
	if !v.Contains(x, y, z) {
		return 0
	}
	return v.Data[v.Index(x, y, z)]
}

// Set stores val at voxel (x,y,z); writes outside the grid are ignored
func (v *Volume) Set(x, y, z int, val float64) {
	if !v.Contains(x, y, z) {
		return
	}
	v.Data[v.Index(x, y, z)] = val
}

// Fill sets every voxel to val
func (v *Volume) Fill(val float64) {
	for i := range v.Data {
		v.Data[i] = val
	}
}

// PhysicalPoint returns the physical location of voxel (x,y,z)
func (v *Volume) PhysicalPoint(x, y, z int) r3.Vec {
	return r3.Vec{
		X: v.Origin.X + float64(x)*v.Spacing.X,
		Y: v.Origin.Y + float64(y)*v.Spacing.Y,
		Z: v.Origin.Z + float64(z)*v.Spacing.Z,
	}
}

// ContinuousIndex maps a physical point to fractional voxel coordinates
func (v *Volume) ContinuousIndex(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: (p.X - v.Origin.X) / v.Spacing.X,
		Y: (p.Y - v.Origin.Y) / v.Spacing.Y,
		Z: (p.Z - v.Origin.Z) / v.Spacing.Z,
	}
}

// NearestIndex maps a physical point to the closest voxel index.
// The result may lie outside the grid.
func (v *Volume) NearestIndex(p r3.Vec) (int, int, int) {
	ci := v.ContinuousIndex(p)
	return int(math.Round(ci.X)), int(math.Round(ci.Y)), int(math.Round(ci.Z))
}

// Extent returns the physical size of the grid
func (v *Volume) Extent() r3.Vec {
	return r3.Vec{
		X: float64(v.Width) * v.Spacing.X,
		Y: float64(v.Height) * v.Spacing.Y,
		Z: float64(v.Depth) * v.Spacing.Z,
	}
}

// Center returns the physical location of the centre of the grid
func (v *Volume) Center() r3.Vec {
	return r3.Vec{
		X: v.Origin.X + float64(v.Width-1)*v.Spacing.X/2,
		Y: v.Origin.Y + float64(v.Height-1)*v.Spacing.Y/2,
		Z: v.Origin.Z + float64(v.Depth-1)*v.Spacing.Z/2,
	}
}

// MinMax returns the smallest and largest voxel values
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, val := range v.Data[1:] {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}
