package constellation

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/config"
	"acpcdetect/pkg/estimation"
	"acpcdetect/pkg/frame"
	"acpcdetect/pkg/model"
	"acpcdetect/pkg/msp"
	"acpcdetect/pkg/search"
	"acpcdetect/pkg/visualization"
)

// fakeMSP returns an identity MSP transform with a fixed reflective
// correlation
type fakeMSP struct {
	cc float64
}

func (f *fakeMSP) EstimateMSP(vol *models.Volume, cm r3.Vec) (msp.Result, error) {
	return msp.Result{
		ImageTransform:        frame.Identity(r3.Vec{}),
		Volume:                vol,
		ReflectiveCorrelation: f.cc,
	}, nil
}

// fakeSearcher returns a fixed location per landmark and records requests
type fakeSearcher struct {
	points   models.LandmarkMap
	requests map[string]search.Request
}

func (f *fakeSearcher) FindCandidate(req search.Request) (search.Candidate, error) {
	f.requests[req.Landmark] = req
	p, ok := f.points[req.Landmark]
	if !ok {
		return search.Candidate{Point: req.Center, Correlation: -1, Rotation: -1, LowConfidence: true}, nil
	}
	return search.Candidate{Point: p, Correlation: 0.9, Rotation: 1, RotationMaxima: []float64{0.4, 0.9}}, nil
}

// recordingWriter remembers which artifacts were requested
type recordingWriter struct {
	landmarks map[string]models.LandmarkMap
	volumes   []string
	slices    []string
	branded   []string
	profiles  []string
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{landmarks: make(map[string]models.LandmarkMap)}
}

func (w *recordingWriter) WriteLandmarks(name string, lmks models.LandmarkMap) error {
	w.landmarks[name] = lmks.Clone()
	return nil
}

func (w *recordingWriter) WriteVolume(name string, vol *models.Volume) error {
	w.volumes = append(w.volumes, name)
	return nil
}

func (w *recordingWriter) WriteSlices(name string, vol *models.Volume, axis string) error {
	w.slices = append(w.slices, name)
	return nil
}

func (w *recordingWriter) WriteBrandedImage(name string, vol *models.Volume, marks []visualization.Mark) error {
	w.branded = append(w.branded, name)
	return nil
}

func (w *recordingWriter) WriteCorrelationProfile(name, landmark string, maxima []float64) error {
	w.profiles = append(w.profiles, name)
	return nil
}

// subjectPoints are consistent base landmarks in MSP space
func subjectPoints(rpX float64) models.LandmarkMap {
	return models.LandmarkMap{
		models.RP:  {X: rpX, Y: 10, Z: -20},
		models.AC:  {X: 0, Y: -12, Z: -2},
		models.PC:  {X: 0, Y: 14, Z: -3},
		models.VN4: {X: 0, Y: 22, Z: -38},
		"genu":     {X: 0, Y: -5, Z: 10},
	}
}

func landmarkEntry(name string, radius float64, rp *model.Vec3) model.LandmarkEntry {
	return model.LandmarkEntry{
		Name:      name,
		Radius:    radius,
		Height:    2,
		RPtoMean:  rp,
		Offsets:   [][3]int{{0, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Rotations: [][]float64{{1, 2, 3}, {3, 2, 1}},
	}
}

// testModel builds a model whose only extended landmark, genu, is
// predicted from inputs linear inputs
func testModel(t *testing.T, inputs int) *model.Model {
	t.Helper()
	coef := make([][]float64, estimation.Dim)
	for i := range coef {
		coef[i] = make([]float64, estimation.Dim*inputs)
	}
	f := &model.File{
		Version:     1,
		CMtoRPMean:  model.Vec3{0, 10, -20},
		RPtoCECMean: model.Vec3{0, -60, 25},
		Landmarks: []model.LandmarkEntry{
			landmarkEntry(models.RP, 8, nil),
			landmarkEntry(models.AC, 4, &model.Vec3{0, -22, 18}),
			landmarkEntry(models.PC, 4, &model.Vec3{0, 4, 17}),
			landmarkEntry(models.VN4, 6, &model.Vec3{0, 12, -18}),
			{
				Name: "genu", Radius: 3, Height: 2, SearchRadius: 4, Midline: true,
				Offsets: [][3]int{{0, 0, 0}, {1, 0, 0}}, Rotations: [][]float64{{4, 5}},
			},
		},
		Linear: []model.LinearEntry{{Landmark: "genu", Coefficients: coef, Mean: []float64{0, 0, 0}}},
	}
	m, err := model.FromFile(f)
	require.NoError(t, err)
	return m
}

type fixture struct {
	cfg      *config.Config
	model    *model.Model
	msp      *fakeMSP
	searcher *fakeSearcher
	writer   *recordingWriter
	input    Input
}

func newFixture(t *testing.T, cc, rpX float64) *fixture {
	vol := models.NewVolume(8, 8, 8, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: -3.5, Y: -3.5, Z: -3.5})
	cm := r3.Vec{}
	return &fixture{
		cfg:      config.DefaultConfig(),
		model:    testModel(t, 5),
		msp:      &fakeMSP{cc: cc},
		searcher: &fakeSearcher{points: subjectPoints(rpX), requests: make(map[string]search.Request)},
		writer:   newRecordingWriter(),
		input: Input{
			Volume:           vol,
			OrigLE:           r3.Vec{X: -30, Y: -50, Z: 5},
			OrigRE:           r3.Vec{X: 30, Y: -50, Z: 5},
			CenterOfHeadMass: &cm,
		},
	}
}

func (f *fixture) run(t *testing.T) (*Result, error) {
	t.Helper()
	d, err := NewDetector(Params{
		Config:      f.cfg,
		Model:       f.model,
		MSP:         f.msp,
		NewSearcher: func(*models.Volume) LandmarkSearcher { return f.searcher },
		Artifacts:   f.writer,
		Out:         io.Discard,
	})
	require.NoError(t, err)
	return d.Run(f.input)
}

func requireStage(t *testing.T, err error, state State, landmark string) {
	t.Helper()
	var se *StageError
	require.True(t, errors.As(err, &se), "expected *StageError, got %v", err)
	assert.Equal(t, state, se.State)
	assert.Equal(t, landmark, se.Landmark)
}

var approx = cmpopts.EquateApprox(0, 1e-6)

func TestRunPlacesACAtOrigin(t *testing.T) {
	f := newFixture(t, -0.70, 0.5)
	res, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, Done, res.State)
	assert.NotEqual(t, uuid.Nil, res.RunID)
	assert.Empty(t, res.Warnings)

	ac := res.ACPCLandmarks[models.AC]
	if diff := cmp.Diff(r3.Vec{}, ac, approx); diff != "" {
		t.Errorf("AC in ACPC space (-want +got):\n%s", diff)
	}
	// PC lies on the positive anterior-posterior axis
	pc := res.ACPCLandmarks[models.PC]
	acpcLen := r3.Norm(r3.Sub(subjectPoints(0.5)[models.PC], subjectPoints(0.5)[models.AC]))
	if diff := cmp.Diff(r3.Vec{Y: acpcLen}, pc, approx); diff != "" {
		t.Errorf("PC in ACPC space (-want +got):\n%s", diff)
	}

	// The MSP transform is the identity, so original equals MSP space
	if diff := cmp.Diff(subjectPoints(0.5)[models.RP], res.OriginalLandmarks[models.RP], approx); diff != "" {
		t.Errorf("RP in original space (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.9, res.Correlations[models.AC], 1e-12)

	// ACPC transform and landmarks agree
	back := res.OrigToACPC.TransformPoint(res.ACPCLandmarks[models.VN4])
	if diff := cmp.Diff(res.OriginalLandmarks[models.VN4], back, approx); diff != "" {
		t.Errorf("VN4 round trip (-want +got):\n%s", diff)
	}
}

func TestRunAdaptsSearchRadius(t *testing.T) {
	tests := []struct {
		rpX    float64
		radius float64
	}{
		{0.5, 1},
		{-1.5, 2},
		{3, 4},
		{6, 4},
	}
	for _, tt := range tests {
		f := newFixture(t, -0.8, tt.rpX)
		res, err := f.run(t)
		require.NoError(t, err, "rpX %v", tt.rpX)

		assert.InDelta(t, math.Abs(tt.rpX), res.ErrMSP, 1e-12)
		assert.Equal(t, tt.radius, res.SearchRadiusLR, "rpX %v", tt.rpX)
		for _, name := range []string{models.VN4, models.AC, models.PC, "genu"} {
			assert.Equal(t, tt.radius, f.searcher.requests[name].Bounds.LR, "%s LR radius for rpX %v", name, tt.rpX)
		}
		// RP itself is searched with the initial radius
		assert.Equal(t, f.cfg.Search.InitialRadiusLR, f.searcher.requests[models.RP].Bounds.LR)
	}
}

func TestRunBadMPJEstimate(t *testing.T) {
	f := newFixture(t, -0.8, 7)
	res, err := f.run(t)
	require.ErrorIs(t, err, ErrBadMPJEstimate)
	requireStage(t, err, SearchingBaseLandmarks, models.RP)
	assert.Equal(t, Failed, res.State)
	assert.InDelta(t, 7, res.ErrMSP, 1e-12)
	assert.NotContains(t, f.searcher.requests, models.AC)
}

func TestRunReflectiveCorrelationThresholds(t *testing.T) {
	tests := []struct {
		cc       float64
		fail     bool
		warnings int
	}{
		{-0.70, false, 0},
		{-0.50, false, 1},
		{-0.30, true, 0},
	}
	for _, tt := range tests {
		f := newFixture(t, tt.cc, 0.5)
		res, err := f.run(t)
		if tt.fail {
			require.ErrorIs(t, err, ErrUnreliableMSPEstimate, "c_c %v", tt.cc)
			requireStage(t, err, EstimatingMSP, "")
			assert.Empty(t, f.searcher.requests)
			continue
		}
		require.NoError(t, err, "c_c %v", tt.cc)
		assert.Len(t, res.Warnings, tt.warnings, "c_c %v", tt.cc)
		assert.Equal(t, tt.cc, res.ReflectiveCorrelation)
	}
}

func TestRunLandmarkPriority(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	filePC := r3.Vec{X: 0.2, Y: 15, Z: -4}
	forcedAC := r3.Vec{X: 0.1, Y: -11, Z: -1}
	f.input.MSPLandmarks = models.LandmarkMap{models.PC: filePC}
	f.input.ForcedLandmarks = models.LandmarkMap{models.AC: forcedAC, models.PC: {X: 9, Y: 9, Z: 9}}

	res, err := f.run(t)
	require.NoError(t, err)

	assert.NotContains(t, f.searcher.requests, models.AC)
	assert.NotContains(t, f.searcher.requests, models.PC)
	assert.Contains(t, f.searcher.requests, models.VN4)

	// File landmarks win over forced ones in MSP space
	assert.Equal(t, filePC, res.MSPLandmarks[models.PC])
	// Forced landmarks are copied verbatim to the output
	assert.Equal(t, forcedAC, res.OriginalLandmarks[models.AC])
	if diff := cmp.Diff(r3.Vec{}, res.ACPCLandmarks[models.AC], approx); diff != "" {
		t.Errorf("forced AC in ACPC space (-want +got):\n%s", diff)
	}
}

func TestRunExtendedLandmarks(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	res, err := f.run(t)
	require.NoError(t, err)

	req, ok := f.searcher.requests["genu"]
	require.True(t, ok, "genu was not searched")
	assert.Equal(t, search.Bounds{LR: 1, AP: 4, SI: 4}, req.Bounds)
	assert.Equal(t, subjectPoints(0.5)["genu"], res.MSPLandmarks["genu"])
	assert.Contains(t, res.ACPCLandmarks, "genu")
	assert.Contains(t, res.OriginalLandmarks, "genu")
}

func TestRunExtendedLandmarkFromFile(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	genu := r3.Vec{X: 0, Y: -6, Z: 11}
	f.input.MSPLandmarks = models.LandmarkMap{"genu": genu}

	res, err := f.run(t)
	require.NoError(t, err)
	assert.NotContains(t, f.searcher.requests, "genu")
	assert.Equal(t, genu, res.MSPLandmarks["genu"])
}

func TestRunModelSequenceExhausted(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	f.model = testModel(t, 6)

	res, err := f.run(t)
	require.ErrorIs(t, err, ErrModelSequenceExhausted)
	require.ErrorIs(t, err, estimation.ErrNoMatchingModel)
	requireStage(t, err, SearchingExtendedLandmarks, "")
	assert.Equal(t, Failed, res.State)
	// Base landmarks were resolved before the failure
	assert.Contains(t, res.ACPCLandmarks, models.VN4)
}

func TestRunAtlasRefinement(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	ac := subjectPoints(0.5)[models.AC]
	atlas := make(models.LandmarkMap)
	for name, p := range subjectPoints(0.5) {
		if name != "genu" {
			atlas[name] = r3.Sub(p, ac)
		}
	}
	atlas[models.LE] = r3.Sub(f.input.OrigLE, ac)
	atlas[models.RE] = r3.Sub(f.input.OrigRE, ac)
	f.input.Atlas = &Atlas{Landmarks: atlas, Weights: map[string]float64{models.AC: 2}}

	res, err := f.run(t)
	require.NoError(t, err)

	// The atlas differs from the subject by a translation only
	for _, name := range []string{models.RP, models.PC, models.VN4} {
		if diff := cmp.Diff(atlas[name], res.ACPCLandmarks[name], approx); diff != "" {
			t.Errorf("%s in ACPC space (-want +got):\n%s", name, diff)
		}
	}
	if diff := cmp.Diff(r3.Vec{}, res.ACPCLandmarks[models.AC], approx); diff != "" {
		t.Errorf("AC in ACPC space (-want +got):\n%s", diff)
	}
}

func TestRunAtlasMismatchedLandmarks(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	f.input.Atlas = &Atlas{Landmarks: models.LandmarkMap{
		models.RP: {}, models.AC: {}, models.PC: {}, "splenium": {},
	}}

	res, err := f.run(t)
	require.ErrorIs(t, err, frame.ErrMismatchedLandmarkSets)
	requireStage(t, err, RefiningTransform, "")
	assert.Equal(t, Failed, res.State)
}

func TestRunEyeDetectionFailure(t *testing.T) {
	for _, abort := range []bool{true, false} {
		f := newFixture(t, -0.8, 0.5)
		f.cfg.Eyes.AbortOnFailure = abort
		f.input.EyeDetectionFailed = true

		res, err := f.run(t)
		emsp, ok := f.writer.landmarks["EMSP.fcsv"]
		require.True(t, ok, "EMSP landmarks not written (abort %v)", abort)
		assert.Equal(t, r3.Vec{}, emsp[models.LE])
		assert.Contains(t, f.writer.volumes, "EMSP")

		if abort {
			require.ErrorIs(t, err, ErrEyeDetectionFailed)
			requireStage(t, err, EstimatingMSP, "")
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, Done, res.State)
		assert.NotEmpty(t, res.Warnings)
	}
}

func TestRunDebugArtifacts(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	f.cfg.Output.DebugLevel = 9

	_, err := f.run(t)
	require.NoError(t, err)
	assert.Contains(t, f.writer.landmarks, "EMSP.fcsv")
	assert.Contains(t, f.writer.landmarks, "EyeFixed_CM.fcsv")
	assert.Contains(t, f.writer.branded, "BrandedImage.png")
	assert.Contains(t, f.writer.volumes, "LandmarkLabels")
	assert.Contains(t, f.writer.slices, "MSP_sagittal")
	assert.Contains(t, f.writer.profiles, "AC_correlation.png")
	assert.Contains(t, f.writer.profiles, "genu_correlation.png")
}

func TestRunLowConfidenceSearch(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	delete(f.searcher.points, models.VN4)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, []string{models.VN4}, res.LowConfidence)
	assert.Equal(t, f.searcher.requests[models.VN4].Center, res.MSPLandmarks[models.VN4])
	assert.Equal(t, -1.0, res.Correlations[models.VN4])
}

func TestNewDetectorRequiresModel(t *testing.T) {
	_, err := NewDetector(Params{})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestRunRequiresVolume(t *testing.T) {
	d, err := NewDetector(Params{Model: testModel(t, 5), Out: io.Discard})
	require.NoError(t, err)
	_, err = d.Run(Input{})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, -0.8, 0.5)
	res, err := f.run(t)
	require.NoError(t, err)

	s := res.Summary(nil)
	assert.Equal(t, res.RunID.String(), s.RunID)
	assert.Equal(t, "Done", s.State)
	assert.Empty(t, s.Error)
	require.NotNil(t, s.Transform)
	assert.InDelta(t, res.ACPCLandmarks[models.PC].Y, s.ACPCLandmarks[models.PC][1], 1e-12)

	failed := &Result{RunID: uuid.New(), State: Failed}
	s = failed.Summary(&StageError{State: EstimatingMSP, Err: ErrUnreliableMSPEstimate})
	assert.Equal(t, "Failed", s.State)
	assert.Contains(t, s.Error, "EstimatingMSP")
	assert.Nil(t, s.Transform)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RefiningTransform", RefiningTransform.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, Done, Finalizing.next())
	assert.Equal(t, SearchingBaseLandmarks, EstimatingMSP.next())
}
