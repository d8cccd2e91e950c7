package visualization

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// MarkStyle selects how a mark is drawn
type MarkStyle int

const (
	// Cross marks a detected landmark
	Cross MarkStyle = iota
	// Box marks a search centre
	Box
)

// Mark is a point drawn on a branded image
type Mark struct {
	Point r3.Vec
	Color color.RGBA
	Style MarkStyle
}

// Colours used for the base landmarks
var (
	RPColor  = color.RGBA{R: 255, A: 255}
	ACColor  = color.RGBA{G: 255, A: 255}
	PCColor  = color.RGBA{B: 255, A: 255}
	VN4Color = color.RGBA{R: 255, G: 255, A: 255}
)

// BrandedImage renders the mid-sagittal slice of vol, upscaled by scale,
// with the given marks projected onto it
func BrandedImage(vol *models.Volume, marks []Mark, scale int) (*image.RGBA, error) {
	if scale < 1 {
		scale = 1
	}
	slice, err := NewViewer(vol).ExtractSlice("x", MidSagittalIndex(vol))
	if err != nil {
		return nil, err
	}

	b := slice.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.CatmullRom.Scale(out, out.Bounds(), slice, b, draw.Src, nil)

	for _, m := range marks {
		ci := vol.ContinuousIndex(m.Point)
		// Slice column is y, row is flipped z; centre of the scaled voxel
		px := int((ci.Y + 0.5) * float64(scale))
		py := int((float64(vol.Depth-1) - ci.Z + 0.5) * float64(scale))
		size := 2 * scale
		switch m.Style {
		case Box:
			drawBox(out, px, py, size, m.Color)
		default:
			drawCross(out, px, py, size, m.Color)
		}
	}
	return out, nil
}

func drawCross(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	for d := -size; d <= size; d++ {
		setIfInside(img, cx+d, cy, c)
		setIfInside(img, cx, cy+d, c)
	}
}

func drawBox(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	for d := -size; d <= size; d++ {
		setIfInside(img, cx+d, cy-size, c)
		setIfInside(img, cx+d, cy+size, c)
		setIfInside(img, cx-size, cy+d, c)
		setIfInside(img, cx+size, cy+d, c)
	}
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// LabelVolume returns a volume on the grid of ref in which voxels within
// radius mm of points[i] are labelled i+1
func LabelVolume(ref *models.Volume, points []r3.Vec, radius float64) *models.Volume {
	out := models.NewVolumeLike(ref)
	for i, p := range points {
		label := float64(i + 1)
		lo := ref.ContinuousIndex(r3.Sub(p, r3.Vec{X: radius, Y: radius, Z: radius}))
		hi := ref.ContinuousIndex(r3.Add(p, r3.Vec{X: radius, Y: radius, Z: radius}))
		for z := int(lo.Z) - 1; z <= int(hi.Z)+1; z++ {
			for y := int(lo.Y) - 1; y <= int(hi.Y)+1; y++ {
				for x := int(lo.X) - 1; x <= int(hi.X)+1; x++ {
					if !out.Contains(x, y, z) {
						continue
					}
					if r3.Norm(r3.Sub(out.PhysicalPoint(x, y, z), p)) <= radius {
						out.Set(x, y, z, label)
					}
				}
			}
		}
	}
	return out
}
