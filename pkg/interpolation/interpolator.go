package interpolation

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// Kind selects an interpolation scheme
type Kind int

const (
	NearestNeighbor Kind = iota
	Linear
)

func (k Kind) String() string {
	switch k {
	case NearestNeighbor:
		return "NearestNeighbor"
	case Linear:
		return "Linear"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFromString parses an interpolation mode name
func KindFromString(mode string) (Kind, error) {
	switch strings.ToLower(mode) {
	case "nearestneighbor", "nearest":
		return NearestNeighbor, nil
	case "linear":
		return Linear, nil
	default:
		return 0, fmt.Errorf("invalid interpolation mode %q (valid modes: NearestNeighbor, Linear)", mode)
	}
}

// Interpolator samples a volume at arbitrary physical points
type Interpolator interface {
	// Evaluate returns the interpolated intensity at p. Callers should
	// check IsInsideBuffer first; points outside are clamped to the border.
	Evaluate(p r3.Vec) float64

	// IsInsideBuffer reports whether p lies within the sampled grid,
	// i.e. within half a voxel of the outermost voxel centres.
	IsInsideBuffer(p r3.Vec) bool
}

// New returns an interpolator of the requested kind over vol
func New(kind Kind, vol *models.Volume) Interpolator {
	if kind == NearestNeighbor {
		return &nearestInterpolator{vol: vol}
	}
	return &linearInterpolator{vol: vol}
}

func insideBuffer(vol *models.Volume, p r3.Vec) bool {
	ci := vol.ContinuousIndex(p)
	return ci.X >= -0.5 && ci.X < float64(vol.Width)-0.5 &&
		ci.Y >= -0.5 && ci.Y < float64(vol.Height)-0.5 &&
		ci.Z >= -0.5 && ci.Z < float64(vol.Depth)-0.5
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

type nearestInterpolator struct {
	vol *models.Volume
}

func (n *nearestInterpolator) IsInsideBuffer(p r3.Vec) bool { return insideBuffer(n.vol, p) }

func (n *nearestInterpolator) Evaluate(p r3.Vec) float64 {
	x, y, z := n.vol.NearestIndex(p)
	return n.vol.At(clamp(x, n.vol.Width), clamp(y, n.vol.Height), clamp(z, n.vol.Depth))
}

type linearInterpolator struct {
	vol *models.Volume
}

func (l *linearInterpolator) IsInsideBuffer(p r3.Vec) bool { return insideBuffer(l.vol, p) }

// Evaluate performs trilinear interpolation between the eight surrounding
// voxel centres
func (l *linearInterpolator) Evaluate(p r3.Vec) float64 {
	v := l.vol
	ci := v.ContinuousIndex(p)

	x0 := int(math.Floor(ci.X))
	y0 := int(math.Floor(ci.Y))
	z0 := int(math.Floor(ci.Z))
	fx := ci.X - float64(x0)
	fy := ci.Y - float64(y0)
	fz := ci.Z - float64(z0)

	xa, xb := clamp(x0, v.Width), clamp(x0+1, v.Width)
	ya, yb := clamp(y0, v.Height), clamp(y0+1, v.Height)
	za, zb := clamp(z0, v.Depth), clamp(z0+1, v.Depth)

	c00 := v.At(xa, ya, za)*(1-fx) + v.At(xb, ya, za)*fx
	c10 := v.At(xa, yb, za)*(1-fx) + v.At(xb, yb, za)*fx
	c01 := v.At(xa, ya, zb)*(1-fx) + v.At(xb, ya, zb)*fx
	c11 := v.At(xa, yb, zb)*(1-fx) + v.At(xb, yb, zb)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}
