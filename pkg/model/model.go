// Package model loads and saves the trained constellation model: per
// landmark intensity templates, mean relative vectors and the linear
// models used to predict landmarks beyond the base set.
package model

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/estimation"
	"acpcdetect/pkg/search"
)

// ErrInvalidModel is returned when a model file is inconsistent
var ErrInvalidModel = errors.New("invalid constellation model")

// Landmarks that must be present in every model
var requiredTemplates = []string{models.RP, models.AC, models.PC, models.VN4}

// Vec3 is a YAML friendly 3-vector
type Vec3 [3]float64

func (v Vec3) r3() r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

func fromR3(p r3.Vec) Vec3 { return Vec3{p.X, p.Y, p.Z} }

// File is the on-disk representation of a model
type File struct {
	Version     int             `yaml:"version"`
	CMtoRPMean  Vec3            `yaml:"cmToRPMean"`
	RPtoCECMean Vec3            `yaml:"rpToCECMean"`
	Landmarks   []LandmarkEntry `yaml:"landmarks"`
	Linear      []LinearEntry   `yaml:"linearModels,omitempty"`
}

// LandmarkEntry holds the trained data of one landmark
type LandmarkEntry struct {
	Name         string      `yaml:"name"`
	Radius       float64     `yaml:"radius"`
	Height       float64     `yaml:"height"`
	SearchRadius float64     `yaml:"searchRadius,omitempty"`
	Midline      bool        `yaml:"midline,omitempty"`
	RPtoMean     *Vec3       `yaml:"rpToMean,omitempty"`
	Offsets      [][3]int    `yaml:"offsets,flow"`
	Rotations    [][]float64 `yaml:"rotations"`
}

// LinearEntry is one linear regression model
type LinearEntry struct {
	Landmark     string      `yaml:"landmark"`
	Coefficients [][]float64 `yaml:"coefficients"`
	Mean         []float64   `yaml:"mean,flow"`
}

// Model is a loaded, validated constellation model. It is read-only once
// loaded.
type Model struct {
	// CMtoRPMean is the mean vector from the centre of head mass to RP
	CMtoRPMean r3.Vec

	// RPtoCECMean is the mean vector from RP to the centre of eye centres
	RPtoCECMean r3.Vec

	// RPtoXMean holds the mean vector from RP to other landmarks
	RPtoXMean map[string]r3.Vec

	// Templates holds the intensity template of every landmark
	Templates map[string]*search.Template

	// SearchRadii is the local search radius of extended landmarks
	SearchRadii map[string]float64

	// Midline marks landmarks that lie on the mid-sagittal plane
	Midline map[string]bool

	// Linear predicts landmarks beyond the base set
	Linear *estimation.ModelSet
}

// Load reads a model from a YAML file
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a model
func Parse(data []byte) (*Model, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return FromFile(&f)
}

// FromFile converts and validates the on-disk representation
func FromFile(f *File) (*Model, error) {
	m := &Model{
		CMtoRPMean:  f.CMtoRPMean.r3(),
		RPtoCECMean: f.RPtoCECMean.r3(),
		RPtoXMean:   make(map[string]r3.Vec),
		Templates:   make(map[string]*search.Template),
		SearchRadii: make(map[string]float64),
		Midline:     make(map[string]bool),
	}

	for _, e := range f.Landmarks {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: landmark without a name", ErrInvalidModel)
		}
		if _, dup := m.Templates[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate landmark %s", ErrInvalidModel, e.Name)
		}
		tmpl := &search.Template{Radius: e.Radius, Height: e.Height, Means: e.Rotations}
		for _, o := range e.Offsets {
			tmpl.Offsets = append(tmpl.Offsets, search.Offset{X: o[0], Y: o[1], Z: o[2]})
		}
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("%w: landmark %s: %v", ErrInvalidModel, e.Name, err)
		}
		m.Templates[e.Name] = tmpl
		if e.RPtoMean != nil {
			m.RPtoXMean[e.Name] = e.RPtoMean.r3()
		}
		m.SearchRadii[e.Name] = e.SearchRadius
		if e.Midline {
			m.Midline[e.Name] = true
		}
	}

	for _, name := range requiredTemplates {
		if _, ok := m.Templates[name]; !ok {
			return nil, fmt.Errorf("%w: missing template for %s", ErrInvalidModel, name)
		}
	}
	for _, name := range []string{models.AC, models.PC, models.VN4} {
		if _, ok := m.RPtoXMean[name]; !ok {
			return nil, fmt.Errorf("%w: missing RP to %s mean", ErrInvalidModel, name)
		}
	}
	if r3.Norm(m.RPtoCECMean) == 0 {
		return nil, fmt.Errorf("%w: zero RP to CEC mean", ErrInvalidModel)
	}

	linear := make([]estimation.Model, 0, len(f.Linear))
	for _, e := range f.Linear {
		if _, ok := m.Templates[e.Landmark]; !ok {
			return nil, fmt.Errorf("%w: linear model for %s has no template", ErrInvalidModel, e.Landmark)
		}
		coef, err := denseFromRows(e.Coefficients)
		if err != nil {
			return nil, fmt.Errorf("%w: linear model for %s: %v", ErrInvalidModel, e.Landmark, err)
		}
		linear = append(linear, estimation.Model{Landmark: e.Landmark, Coefficients: coef, Mean: e.Mean})
	}
	set, err := estimation.NewModelSet(linear)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	m.Linear = set
	return m, nil
}

// ToFile converts the model back into its on-disk representation
func (m *Model) ToFile() *File {
	f := &File{
		Version:     1,
		CMtoRPMean:  fromR3(m.CMtoRPMean),
		RPtoCECMean: fromR3(m.RPtoCECMean),
	}

	names := make([]string, 0, len(m.Templates))
	for name := range m.Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tmpl := m.Templates[name]
		e := LandmarkEntry{
			Name:         name,
			Radius:       tmpl.Radius,
			Height:       tmpl.Height,
			SearchRadius: m.SearchRadii[name],
			Midline:      m.Midline[name],
			Rotations:    tmpl.Means,
		}
		if v, ok := m.RPtoXMean[name]; ok {
			vv := fromR3(v)
			e.RPtoMean = &vv
		}
		for _, o := range tmpl.Offsets {
			e.Offsets = append(e.Offsets, [3]int{o.X, o.Y, o.Z})
		}
		f.Landmarks = append(f.Landmarks, e)
	}

	for _, lm := range m.Linear.Ordered() {
		r, _ := lm.Coefficients.Dims()
		rows := make([][]float64, r)
		for i := range rows {
			rows[i] = mat.Row(nil, i, lm.Coefficients)
		}
		f.Linear = append(f.Linear, LinearEntry{Landmark: lm.Landmark, Coefficients: rows, Mean: lm.Mean})
	}
	return f
}

// Save writes the model to a YAML file
func Save(path string, m *Model) error {
	data, err := yaml.Marshal(m.ToFile())
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	return nil
}

// Template returns the template of a landmark
func (m *Model) Template(name string) (*search.Template, error) {
	t, ok := m.Templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: no template for %s", ErrInvalidModel, name)
	}
	return t, nil
}

// TemplateRadius returns the trained template radius of a landmark
func (m *Model) TemplateRadius(name string) float64 {
	if t, ok := m.Templates[name]; ok {
		return t.Radius
	}
	return 0
}

// IsMidline reports whether a landmark lies on the mid-sagittal plane
func (m *Model) IsMidline(name string) bool {
	return m.Midline[name]
}

func denseFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("empty coefficient matrix")
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}
