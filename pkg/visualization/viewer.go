package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"acpcdetect/internal/models"
)

// Viewer renders 2D slices of a volume for debugging and manual review
type Viewer struct {
	// volume holds the intensities being rendered
	volume *models.Volume

	// display window; values are mapped linearly from [low, high] to
	// the full grey range
	low  float64
	high float64
}

// NewViewer creates a viewer whose display window spans the volume's
// intensity range
func NewViewer(vol *models.Volume) *Viewer {
	low, high := vol.MinMax()
	return &Viewer{volume: vol, low: low, high: high}
}

// SetWindow overrides the display window
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// grey maps an intensity to a 16 bit grey level
func (v *Viewer) grey(val float64) uint16 {
	span := v.high - v.low
	if span <= 0 {
		return 0
	}
	return uint16(math.Max(0, math.Min(65535, (val-v.low)/span*65535)))
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Sagittal (x) and coronal (y) slices are drawn with superior at the top.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// Sagittal: AP across, SI down
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Height, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				img.SetGray16(y, vol.Depth-1-z, color.Gray16{Y: v.grey(vol.At(position, y, z))})
			}
		}

	case "y", "Y":
		// Coronal: LR across, SI down
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, vol.Depth-1-z, color.Gray16{Y: v.grey(vol.At(x, position, z))})
			}
		}

	case "z", "Z":
		// Axial
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: v.grey(vol.At(x, y, position))})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an image as PNG or JPEG depending on the file extension
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(file, img)
	}
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// MidSagittalIndex returns the x index closest to the physical plane X = 0,
// clamped to the volume
func MidSagittalIndex(vol *models.Volume) int {
	x := int(math.Round(-vol.Origin.X / vol.Spacing.X))
	if x < 0 {
		return 0
	}
	if x >= vol.Width {
		return vol.Width - 1
	}
	return x
}
