package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

func entry(name string, radius float64, rp *Vec3) LandmarkEntry {
	return LandmarkEntry{
		Name:      name,
		Radius:    radius,
		Height:    2,
		RPtoMean:  rp,
		Offsets:   [][3]int{{0, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Rotations: [][]float64{{1, 2, 3}, {3, 2, 1}},
	}
}

func validFile() *File {
	return &File{
		Version:     1,
		CMtoRPMean:  Vec3{0, 10, -30},
		RPtoCECMean: Vec3{0, -60, 25},
		Landmarks: []LandmarkEntry{
			entry(models.RP, 8, nil),
			entry(models.AC, 4, &Vec3{0, -22, 18}),
			entry(models.PC, 4, &Vec3{0, 2, 17}),
			entry(models.VN4, 6, &Vec3{0, 12, -18}),
			{
				Name: "genu", Radius: 3, Height: 2, SearchRadius: 4, Midline: true,
				Offsets: [][3]int{{0, 0, 0}, {1, 0, 0}}, Rotations: [][]float64{{4, 5}},
			},
		},
		Linear: []LinearEntry{{
			Landmark:     "genu",
			Coefficients: [][]float64{make([]float64, 15), make([]float64, 15), make([]float64, 15)},
			Mean:         []float64{0, 0, 0},
		}},
	}
}

func TestFromFile(t *testing.T) {
	m, err := FromFile(validFile())
	require.NoError(t, err)

	assert.Equal(t, r3.Vec{X: 0, Y: 10, Z: -30}, m.CMtoRPMean)
	assert.Equal(t, r3.Vec{X: 0, Y: 2, Z: 17}, m.RPtoXMean[models.PC])
	assert.True(t, m.IsMidline("genu"))
	assert.False(t, m.IsMidline(models.AC))
	assert.Equal(t, 4.0, m.SearchRadii["genu"])
	assert.Equal(t, 8.0, m.TemplateRadius(models.RP))
	assert.Equal(t, 1, m.Linear.Len())

	tmpl, err := m.Template(models.AC)
	require.NoError(t, err)
	assert.Len(t, tmpl.Offsets, 3)
	assert.Len(t, tmpl.Means, 2)

	_, err = m.Template("splenium")
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestFromFileValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(f *File)
	}{
		{"missing base template", func(f *File) { f.Landmarks = f.Landmarks[1:] }},
		{"missing RP to AC mean", func(f *File) { f.Landmarks[1].RPtoMean = nil }},
		{"duplicate landmark", func(f *File) { f.Landmarks = append(f.Landmarks, f.Landmarks[0]) }},
		{"ragged rotations", func(f *File) { f.Landmarks[2].Rotations[1] = []float64{1} }},
		{"zero CEC mean", func(f *File) { f.RPtoCECMean = Vec3{} }},
		{"linear model without template", func(f *File) { f.Linear[0].Landmark = "rostrum" }},
		{"ragged coefficients", func(f *File) { f.Linear[0].Coefficients[1] = []float64{1} }},
		{"wrong coefficient rows", func(f *File) { f.Linear[0].Coefficients = f.Linear[0].Coefficients[:2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFile()
			tt.modify(f)
			_, err := FromFile(f)
			assert.ErrorIs(t, err, ErrInvalidModel)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	m, err := FromFile(validFile())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, Save(path, m))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.CMtoRPMean, loaded.CMtoRPMean)
	assert.Equal(t, m.RPtoXMean, loaded.RPtoXMean)
	assert.Equal(t, m.Templates, loaded.Templates)
	assert.Equal(t, m.Midline, loaded.Midline)
	assert.Equal(t, m.Linear.Len(), loaded.Linear.Len())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("landmarks: [this is: not valid"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}
