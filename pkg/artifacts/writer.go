// Package artifacts writes the intermediate and final products of a
// detection run into a results directory: landmark files, volumes, branded
// review images, correlation plots and the run summary.
package artifacts

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/landmarkio"
	"acpcdetect/pkg/visualization"
	"acpcdetect/pkg/volumeio"
)

// BrandedScale is the upscaling factor of branded review images
const BrandedScale = 4

// Writer stores artifacts under Dir. File names passed to its methods are
// relative to Dir.
type Writer struct {
	Dir string
	Out io.Writer
}

// NewWriter creates dir if needed and returns a writer over it
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &Writer{Dir: dir, Out: io.Discard}, nil
}

func (w *Writer) path(name string) string {
	return filepath.Join(w.Dir, name)
}

func (w *Writer) logf(format string, args ...interface{}) {
	if w.Out != nil {
		fmt.Fprintf(w.Out, format, args...)
	}
}

// WriteLandmarks writes lmks as a Slicer fiducial file
func (w *Writer) WriteLandmarks(name string, lmks models.LandmarkMap) error {
	if err := landmarkio.WriteFCSV(w.path(name), lmks); err != nil {
		return fmt.Errorf("failed to write landmarks %s: %w", name, err)
	}
	w.logf("Wrote landmarks to %s\n", w.path(name))
	return nil
}

// WriteVolume writes vol as a slice stack in the directory name
func (w *Writer) WriteVolume(name string, vol *models.Volume) error {
	if err := volumeio.Save(w.path(name), vol); err != nil {
		return fmt.Errorf("failed to write volume %s: %w", name, err)
	}
	w.logf("Wrote volume to %s\n", w.path(name))
	return nil
}

// WriteSlices writes every slice of vol along axis into the directory name
func (w *Writer) WriteSlices(name string, vol *models.Volume, axis string) error {
	viewer := visualization.NewViewer(vol)
	if err := viewer.SaveSliceSequence(axis, w.path(name), name); err != nil {
		return fmt.Errorf("failed to write %s slices of %s: %w", axis, name, err)
	}
	return nil
}

// WriteBrandedImage renders the mid-sagittal slice of vol with marks
func (w *Writer) WriteBrandedImage(name string, vol *models.Volume, marks []visualization.Mark) error {
	img, err := visualization.BrandedImage(vol, marks, BrandedScale)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	if err := visualization.SaveSlice(img, w.path(name)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	w.logf("Wrote branded image to %s\n", w.path(name))
	return nil
}

// WriteCorrelationProfile plots the best correlation of every template
// rotation tried for landmark
func (w *Writer) WriteCorrelationProfile(name, landmark string, maxima []float64) error {
	if len(maxima) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Correlation per Template Rotation", landmark)
	p.X.Label.Text = "Rotation"
	p.Y.Label.Text = "Max NCC"
	p.Y.Min = -1
	p.Y.Max = 1

	pts := make(plotter.XYs, len(maxima))
	for i, cc := range maxima {
		pts[i] = plotter.XY{X: float64(i), Y: cc}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{B: 200, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.Color = color.RGBA{R: 200, A: 255}
	p.Add(scatter)
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 4*vg.Inch, w.path(name)); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", name, err)
	}
	return nil
}
