package visualization

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

// createTestVolume creates a volume whose value along Z identifies the slice
func createTestVolume(width, height, depth int) *models.Volume {
	vol := models.NewVolume(width, height, depth, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: -float64(width-1) / 2})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, float64(z))
			}
		}
	}
	return vol
}

// TestExtractSlice verifies slice sizes and orientation
func TestExtractSlice(t *testing.T) {
	vol := createTestVolume(6, 8, 5)
	viewer := NewViewer(vol)

	tests := []struct {
		axis   string
		pos    int
		width  int
		height int
	}{
		{"x", 2, 8, 5},
		{"y", 7, 6, 5},
		{"z", 4, 6, 8},
	}
	for _, tt := range tests {
		img, err := viewer.ExtractSlice(tt.axis, tt.pos)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
		}
		b := img.Bounds()
		if b.Dx() != tt.width || b.Dy() != tt.height {
			t.Errorf("%s slice: expected %dx%d, got %dx%d", tt.axis, tt.width, tt.height, b.Dx(), b.Dy())
		}
	}

	// Superior (largest z) is drawn at the top of a sagittal slice
	img, _ := viewer.ExtractSlice("x", 0)
	if top := img.Gray16At(0, 0).Y; top != 65535 {
		t.Errorf("Expected top row to be white, got %d", top)
	}
	if bottom := img.Gray16At(0, 4).Y; bottom != 0 {
		t.Errorf("Expected bottom row to be black, got %d", bottom)
	}
}

// TestExtractSliceErrors checks invalid axes and positions
func TestExtractSliceErrors(t *testing.T) {
	viewer := NewViewer(createTestVolume(4, 4, 4))
	for _, tc := range []struct {
		axis string
		pos  int
	}{
		{"x", 4}, {"y", -1}, {"z", 9}, {"w", 0},
	} {
		if _, err := viewer.ExtractSlice(tc.axis, tc.pos); err == nil {
			t.Errorf("Expected error for axis %s position %d", tc.axis, tc.pos)
		}
	}
}

// TestSaveSliceSequence verifies one PNG per slice is written
func TestSaveSliceSequence(t *testing.T) {
	dir := t.TempDir()
	viewer := NewViewer(createTestVolume(4, 4, 3))
	if err := viewer.SaveSliceSequence("z", dir, "roi"); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	for pos := 0; pos < 3; pos++ {
		name := filepath.Join(dir, fmt.Sprintf("roi_z_%03d.png", pos))
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
		}
	}
	if err := viewer.SaveSliceSequence("q", dir, "roi"); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestBrandedImage verifies the upscaled image and mark placement
func TestBrandedImage(t *testing.T) {
	vol := createTestVolume(5, 10, 10)
	mark := Mark{Point: vol.PhysicalPoint(2, 3, 6), Color: ACColor}
	img, err := BrandedImage(vol, []Mark{mark}, 4)
	if err != nil {
		t.Fatalf("BrandedImage failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 40 {
		t.Fatalf("Expected 40x40 image, got %v", b)
	}
	// Centre of voxel y=3, z=6 after flipping and scaling
	px, py := 3*4+2, (9-6)*4+2
	if got := img.RGBAAt(px, py); got != ACColor {
		t.Errorf("Expected mark colour at (%d,%d), got %v", px, py, got)
	}

	path := filepath.Join(t.TempDir(), "BrandedImage.png")
	if err := SaveSlice(img, path); err != nil {
		t.Fatalf("SaveSlice failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("Saved image is not a PNG: %v", err)
	}
}

func TestMidSagittalIndex(t *testing.T) {
	vol := createTestVolume(9, 2, 2)
	if got := MidSagittalIndex(vol); got != 4 {
		t.Errorf("Expected index 4, got %d", got)
	}
	vol.Origin.X = 100
	if got := MidSagittalIndex(vol); got != 0 {
		t.Errorf("Expected clamped index 0, got %d", got)
	}
}

func TestLabelVolume(t *testing.T) {
	ref := createTestVolume(10, 10, 10)
	labels := LabelVolume(ref, []r3.Vec{ref.PhysicalPoint(2, 2, 2), ref.PhysicalPoint(7, 7, 7)}, 1)
	if got := labels.At(2, 2, 2); got != 1 {
		t.Errorf("Expected label 1, got %v", got)
	}
	if got := labels.At(7, 8, 7); got != 2 {
		t.Errorf("Expected label 2, got %v", got)
	}
	if got := labels.At(5, 5, 5); got != 0 {
		t.Errorf("Expected background, got %v", got)
	}
}
