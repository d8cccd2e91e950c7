// Package search locates a single landmark inside a bounded region of a
// mid-sagittal aligned volume by correlating the region against a bank of
// trained, rotated intensity templates.
package search

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/interpolation"
)

var (
	// ErrAmbiguousSearchRegion is returned when the masked search region
	// is not a single connected component.
	ErrAmbiguousSearchRegion = errors.New("search region is not a single connected component")

	// ErrDegenerateNormalization is returned when the search region has
	// (numerically) zero variance.
	ErrDegenerateNormalization = errors.New("zero norm for search region")

	// ErrInvalidTemplate is returned for an empty or inconsistent template bank
	ErrInvalidTemplate = errors.New("invalid landmark template")
)

// MaxBaseTemplateRadius caps the radius used to grow the search box for the
// base landmarks. The template geometry itself is not affected.
const MaxBaseTemplateRadius = 5.0

// clippedLandmarks are the landmarks whose radius is capped
var clippedLandmarks = map[string]bool{
	models.RP:  true,
	models.AC:  true,
	models.PC:  true,
	models.VN4: true,
}

// Offset is a voxel offset from the template centre
type Offset struct {
	X, Y, Z int
}

// Template is the trained appearance model of one landmark
type Template struct {
	// Radius is the trained template radius in mm (AP/SI extent)
	Radius float64

	// Height is the trained template height in mm (LR extent)
	Height float64

	// Offsets lists the voxels covered by the template
	Offsets []Offset

	// Means holds one mean-intensity vector per trained rotation. Each
	// vector is aligned with Offsets.
	Means [][]float64
}

// Validate checks that the template bank is usable
func (t *Template) Validate() error {
	if len(t.Offsets) == 0 {
		return fmt.Errorf("%w: no voxel offsets", ErrInvalidTemplate)
	}
	if len(t.Means) == 0 {
		return fmt.Errorf("%w: no rotation means", ErrInvalidTemplate)
	}
	for i, m := range t.Means {
		if len(m) != len(t.Offsets) {
			return fmt.Errorf("%w: rotation %d has %d means for %d offsets", ErrInvalidTemplate, i, len(m), len(t.Offsets))
		}
	}
	return nil
}

// Bounds are the half-extents of a search box in mm
type Bounds struct {
	LR float64 // left-right
	AP float64 // anterior-posterior
	SI float64 // superior-inferior
}

// Request describes one landmark search
type Request struct {
	Landmark string
	Center   r3.Vec
	Bounds   Bounds
	Template *Template
}

// Candidate is the outcome of a landmark search
type Candidate struct {
	// Point is the best matching physical location
	Point r3.Vec

	// Correlation is the winning normalized cross-correlation value
	Correlation float64

	// Rotation is the index of the winning template rotation, or -1 when
	// no rotation produced a positive correlation
	Rotation int

	// LowConfidence is set when the box left the image and the search
	// centre was returned unchanged
	LowConfidence bool

	// RotationMaxima holds the best correlation of every rotation
	RotationMaxima []float64

	// Region is the normalized region of interest (nil on a soft fail)
	Region *models.Volume

	// RegionMask marks the voxels of Region that took part in the search
	RegionMask *models.Volume
}

// Searcher runs template correlation searches over one volume
type Searcher struct {
	// Volume is the MSP-aligned intensity volume
	Volume *models.Volume

	// Mask restricts the search to foreground voxels (value > 0.5).
	// When nil, Volume is used as its own mask.
	Mask *models.Volume

	// Workers bounds the number of rotations correlated concurrently.
	// Zero means runtime.NumCPU().
	Workers int

	// MaxTemplateRadius overrides MaxBaseTemplateRadius when positive
	MaxTemplateRadius float64

	// Verbose enables per-search diagnostics on Out
	Verbose bool
	Out     io.Writer
}

// NewSearcher creates a searcher over vol, using vol as its own mask
func NewSearcher(vol *models.Volume) *Searcher {
	return &Searcher{Volume: vol, Workers: runtime.NumCPU(), Out: io.Discard}
}

// EffectiveRadius returns the radius used to grow the search box for a
// landmark
func EffectiveRadius(landmark string, trained float64) float64 {
	if clippedLandmarks[landmark] && trained > MaxBaseTemplateRadius {
		return MaxBaseTemplateRadius
	}
	return trained
}

// FindCandidate returns the location inside the search box that best
// matches the landmark template.
//
// If the box reaches outside the mask buffer the search centre is returned
// unchanged with LowConfidence set; this is not an error.
func (s *Searcher) FindCandidate(req Request) (Candidate, error) {
	if req.Template == nil {
		return Candidate{}, fmt.Errorf("%w: no template for %s", ErrInvalidTemplate, req.Landmark)
	}
	if err := req.Template.Validate(); err != nil {
		return Candidate{}, fmt.Errorf("landmark %s: %w", req.Landmark, err)
	}

	mask := s.Mask
	if mask == nil {
		mask = s.Volume
	}
	out := s.Out
	if out == nil {
		out = io.Discard
	}

	fail := Candidate{Point: req.Center, Correlation: -1, Rotation: -1, LowConfidence: true}
	if !boxInside(mask, req.Center, req.Bounds) {
		fmt.Fprintf(out, "WARNING: search region for %s outside of the image region.\n", req.Landmark)
		fmt.Fprintln(out, "The detection has probably large error!")
		return fail, nil
	}

	radius := EffectiveRadius(req.Landmark, req.Template.Radius)
	if s.MaxTemplateRadius > 0 && clippedLandmarks[req.Landmark] {
		radius = min(req.Template.Radius, s.MaxTemplateRadius)
	}
	region, err := buildRegion(s.Volume, mask, req.Center, req.Bounds, radius, req.Template.Height)
	if err != nil {
		return Candidate{}, fmt.Errorf("landmark %s at %v: %w", req.Landmark, req.Center, err)
	}

	maxima, positions, err := s.correlateRotations(region, req.Template)
	if err != nil {
		return Candidate{}, fmt.Errorf("landmark %s: %w", req.Landmark, err)
	}

	result := Candidate{
		Point:          req.Center,
		Rotation:       -1,
		RotationMaxima: maxima,
		Region:         region.values,
		RegionMask:     region.mask,
	}
	// The first rotation attaining the maximum wins; it must beat zero
	if best := floats.MaxIdx(maxima); maxima[best] > 0 {
		result.Rotation = best
		result.Correlation = maxima[best]
		result.Point = positions[best]
	}

	if s.Verbose {
		fmt.Fprintf(out, "cc max: %.4f\n", result.Correlation)
		fmt.Fprintf(out, "guessed point in physical space: [%.3f, %.3f, %.3f]\n", result.Point.X, result.Point.Y, result.Point.Z)
	}
	return result, nil
}

// correlateRotations correlates every rotation of the template against the
// region. Rotations are independent and are processed concurrently.
func (s *Searcher) correlateRotations(region *roi, tmpl *Template) ([]float64, []r3.Vec, error) {
	n := len(tmpl.Means)
	maxima := make([]float64, n)
	positions := make([]r3.Vec, n)

	var g errgroup.Group
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			cc, x, y, z := maskedNCC(region, tmpl.Offsets, tmpl.Means[i])
			maxima[i] = cc
			if x >= 0 {
				positions[i] = region.values.PhysicalPoint(x, y, z)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return maxima, positions, nil
}

// boxInside checks the six face centres of the search box
func boxInside(mask *models.Volume, c r3.Vec, b Bounds) bool {
	interp := interpolation.New(interpolation.Linear, mask)
	for _, p := range []r3.Vec{
		{X: c.X + b.LR, Y: c.Y, Z: c.Z},
		{X: c.X - b.LR, Y: c.Y, Z: c.Z},
		{X: c.X, Y: c.Y + b.AP, Z: c.Z},
		{X: c.X, Y: c.Y - b.AP, Z: c.Z},
		{X: c.X, Y: c.Y, Z: c.Z + b.SI},
		{X: c.X, Y: c.Y, Z: c.Z - b.SI},
	} {
		if !interp.IsInsideBuffer(p) {
			return false
		}
	}
	return true
}
