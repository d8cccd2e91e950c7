// Package volumeio reads and writes volumes stored as a directory of
// numbered axial slice images, with an optional geometry sidecar.
package volumeio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"acpcdetect/internal/models"
)

// GeometryFile is the name of the sidecar describing the slice stack
const GeometryFile = "geometry.yaml"

// ErrNoSlices is returned when a directory holds no slice images
var ErrNoSlices = errors.New("no slice images found")

// Geometry describes the physical layout and intensity scaling of a stack
type Geometry struct {
	Spacing [3]float64 `yaml:"spacing"`
	Origin  [3]float64 `yaml:"origin"`

	// Slices store grey levels in [0,1]; they map to [Min,Max]
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads every PNG/JPEG slice in dir, ordered by the number in the
// file name, into a volume. Geometry comes from the sidecar when present;
// otherwise spacing is used and the volume is centred on the origin with
// intensities in [0,1].
func Load(dir string, spacing r3.Vec) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var imageFiles []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" || ext == ".png" {
			imageFiles = append(imageFiles, e.Name())
		}
	}
	if len(imageFiles) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSlices, dir)
	}

	// Slice order follows the number embedded in each file name
	sort.SliceStable(imageFiles, func(i, j int) bool {
		return extractNumber(imageFiles[i]) < extractNumber(imageFiles[j])
	})

	var vol *models.Volume
	for z, name := range imageFiles {
		img, err := loadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", name, err)
		}
		b := img.Bounds()
		if vol == nil {
			vol = models.NewVolume(b.Dx(), b.Dy(), len(imageFiles), spacing, r3.Vec{})
		} else if b.Dx() != vol.Width || b.Dy() != vol.Height {
			return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), vol.Width, vol.Height)
		}
		copy(vol.Data[z*vol.Width*vol.Height:], imageToFloat(img))
	}

	geom, err := readGeometry(dir)
	switch {
	case err == nil:
		vol.Spacing = r3.Vec{X: geom.Spacing[0], Y: geom.Spacing[1], Z: geom.Spacing[2]}
		vol.Origin = r3.Vec{X: geom.Origin[0], Y: geom.Origin[1], Z: geom.Origin[2]}
		span := geom.Max - geom.Min
		for i, v := range vol.Data {
			vol.Data[i] = geom.Min + v*span
		}
	case errors.Is(err, os.ErrNotExist):
		c := vol.Center()
		vol.Origin = r3.Scale(-1, c)
	default:
		return nil, err
	}

	fmt.Printf("Loaded %d slices with dimensions %dx%d\n", vol.Depth, vol.Width, vol.Height)
	return vol, nil
}

// Save writes vol to dir as 16 bit PNG slices plus a geometry sidecar
func Save(dir string, vol *models.Volume) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}
	lo, hi := vol.MinMax()
	span := hi - lo

	for z := 0; z < vol.Depth; z++ {
		img := image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				var g float64
				if span > 0 {
					g = (vol.At(x, y, z) - lo) / span
				}
				img.SetGray16(x, y, color.Gray16{Y: uint16(g*65535 + 0.5)})
			}
		}
		if err := writePNG(filepath.Join(dir, fmt.Sprintf("slice_%03d.png", z)), img); err != nil {
			return err
		}
	}

	geom := Geometry{
		Spacing: [3]float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z},
		Origin:  [3]float64{vol.Origin.X, vol.Origin.Y, vol.Origin.Z},
		Min:     lo,
		Max:     hi,
	}
	data, err := yaml.Marshal(&geom)
	if err != nil {
		return fmt.Errorf("failed to marshal geometry: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, GeometryFile), data, 0644)
}

func readGeometry(dir string) (*Geometry, error) {
	data, err := os.ReadFile(filepath.Join(dir, GeometryFile))
	if err != nil {
		return nil, err
	}
	var geom Geometry
	if err := yaml.Unmarshal(data, &geom); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", GeometryFile, err)
	}
	for _, s := range geom.Spacing {
		if s <= 0 {
			return nil, fmt.Errorf("invalid spacing %v in %s", geom.Spacing, GeometryFile)
		}
	}
	return &geom, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// loadImage decodes a PNG or JPEG file
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Decode(file)
	default:
		return jpeg.Decode(file)
	}
}

// imageToFloat converts a single image to a float array in [0,1]
func imageToFloat(img image.Image) []float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	result := make([]float64, width*height)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			result[y*width+x] = float64(r) / 65535.0
		}
	}

	return result
}
