// Package constellation implements the landmark detection pipeline. It
// estimates the mid-sagittal plane, finds the base landmarks RP, AC, PC and
// VN4 by template correlation, derives the ACPC aligned frame from them and
// then locates the extended landmarks predicted by the trained linear
// models.
package constellation

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
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

// MSPEstimator estimates the mid-sagittal plane of an eye-fixed volume
// around its centre of head mass cm
type MSPEstimator interface {
	EstimateMSP(vol *models.Volume, cm r3.Vec) (msp.Result, error)
}

// Registrar refines a landmark-initialised transform between a moving
// volume and a fixed atlas volume
type Registrar interface {
	Register(moving, fixed *models.Volume, initial frame.Transform) (frame.Transform, error)
}

// LandmarkSearcher finds one landmark inside a search box
type LandmarkSearcher interface {
	FindCandidate(req search.Request) (search.Candidate, error)
}

// ArtifactWriter stores the intermediate products of a run. Which of them
// are written depends on the configured debug level.
type ArtifactWriter interface {
	WriteLandmarks(name string, lmks models.LandmarkMap) error
	WriteVolume(name string, vol *models.Volume) error
	WriteSlices(name string, vol *models.Volume, axis string) error
	WriteBrandedImage(name string, vol *models.Volume, marks []visualization.Mark) error
	WriteCorrelationProfile(name, landmark string, maxima []float64) error
}

// Params holds the collaborators and settings of a Detector
type Params struct {
	// Config holds thresholds, search scales and output settings.
	// Nil means config.DefaultConfig().
	Config *config.Config

	// Model is the trained constellation model (required)
	Model *model.Model

	// MSP estimates the mid-sagittal plane. Nil means msp.NewEstimator
	// with the configured plane search.
	MSP MSPEstimator

	// Registrar refines the atlas initialiser. Nil means
	// frame.LandmarkRegistrar.
	Registrar Registrar

	// NewSearcher creates the landmark searcher over the MSP volume. Nil
	// means a search.Searcher configured from Config.
	NewSearcher func(vol *models.Volume) LandmarkSearcher

	// Artifacts receives debug artifacts. Nil disables them.
	Artifacts ArtifactWriter

	// Out receives progress messages. Nil means os.Stdout.
	Out io.Writer
}

// Atlas is a reference volume with landmarks in ACPC space
type Atlas struct {
	Volume    *models.Volume
	Landmarks models.LandmarkMap

	// Weights is optional; landmarks missing from a non-nil table get
	// frame.DefaultLandmarkWeight
	Weights map[string]float64
}

// Input is the subject data of one run
type Input struct {
	// Volume is the eye-fixed subject volume (required)
	Volume *models.Volume

	// OriginalVolume is the subject volume in original space, used as the
	// moving image of atlas registration. Nil means Volume.
	OriginalVolume *models.Volume

	// OrigToEyeFixed is the landmark transform from original to eye-fixed
	// space. Nil means the two spaces coincide.
	OrigToEyeFixed *frame.VersorRigid

	// OrigLE and OrigRE are the eye centres in original space
	OrigLE, OrigRE r3.Vec

	// EyeDetectionFailed marks OrigLE and OrigRE as unreliable
	EyeDetectionFailed bool

	// CenterOfHeadMass in eye-fixed space. Nil means it is computed from
	// Volume.
	CenterOfHeadMass *r3.Vec

	// MSPLandmarks are landmarks already known in MSP space, typically
	// loaded from a corrected EMSP file. They take priority over every
	// other source.
	MSPLandmarks models.LandmarkMap

	// ForcedLandmarks are original-space landmarks that replace the search.
	// They are copied verbatim to the output.
	ForcedLandmarks models.LandmarkMap

	// Atlas enables atlas refinement of the ACPC transform
	Atlas *Atlas
}

// Result is the outcome of a run. On failure it holds whatever was
// resolved before the failing state.
type Result struct {
	RunID uuid.UUID
	State State

	// Landmarks in original, MSP and ACPC aligned space
	OriginalLandmarks models.LandmarkMap
	MSPLandmarks      models.LandmarkMap
	ACPCLandmarks     models.LandmarkMap

	// OrigToMSP maps MSP-space points to original-space points
	OrigToMSP frame.VersorRigid

	// OrigToACPC maps ACPC-space points to original-space points; it is
	// the transform used to resample the input into ACPC alignment
	OrigToACPC frame.VersorRigid

	// MSPVolume is the subject resampled into MSP space
	MSPVolume *models.Volume

	ReflectiveCorrelation float64
	ErrMSP                float64
	SearchRadiusLR        float64

	// Correlations holds the winning correlation of every searched landmark
	Correlations map[string]float64

	// LowConfidence lists landmarks whose search box left the image
	LowConfidence []string

	Warnings []string
}

// Detector runs the landmark detection pipeline. It holds no per-run
// state and may be reused.
type Detector struct {
	cfg         *config.Config
	model       *model.Model
	msp         MSPEstimator
	registrar   Registrar
	newSearcher func(vol *models.Volume) LandmarkSearcher
	artifacts   ArtifactWriter
	estimator   *estimation.Estimator
	out         io.Writer
}

// NewDetector validates params and fills in default collaborators
func NewDetector(params Params) (*Detector, error) {
	if params.Model == nil {
		return nil, fmt.Errorf("%w: no constellation model", ErrMissingInput)
	}
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Detector{
		cfg:         cfg,
		model:       params.Model,
		msp:         params.MSP,
		registrar:   params.Registrar,
		newSearcher: params.NewSearcher,
		artifacts:   params.Artifacts,
		estimator:   estimation.NewEstimator(params.Model.Linear),
		out:         params.Out,
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	if d.msp == nil {
		mp := cfg.MSPParams()
		mp.Out = d.out
		d.msp = msp.NewEstimator(mp)
	}
	if d.registrar == nil {
		d.registrar = frame.LandmarkRegistrar{}
	}
	if d.newSearcher == nil {
		d.newSearcher = d.defaultSearcher
	}
	return d, nil
}

func (d *Detector) defaultSearcher(vol *models.Volume) LandmarkSearcher {
	s := search.NewSearcher(vol)
	s.Workers = d.cfg.Search.Workers
	s.MaxTemplateRadius = d.cfg.Search.MaxBaseTemplateRadius
	s.Verbose = d.cfg.Output.Verbose
	s.Out = d.out
	return s
}

// Run executes the state machine on one subject.
//
// Parameters:
//   - in: the eye-fixed subject volume together with known or forced
//     landmarks and the optional atlas
//
// Returns:
//   - The result; on failure its State is Failed and it holds the
//     landmarks resolved so far
//   - A *StageError wrapping the cause on failure
func (d *Detector) Run(in Input) (*Result, error) {
	if in.Volume == nil {
		return nil, fmt.Errorf("%w: no input volume", ErrMissingInput)
	}

	r := newRun(d, in)
	fmt.Fprintf(d.out, "Starting landmark detection (run %s)\n", r.result.RunID)

	for r.state != Done {
		var err error
		r.landmark = ""
		r.result.State = r.state
		switch r.state {
		case EstimatingMSP:
			err = r.estimateMSP()
		case SearchingBaseLandmarks:
			err = r.searchBaseLandmarks()
		case RefiningTransform:
			err = r.refineTransform()
		case SearchingExtendedLandmarks:
			err = r.searchExtendedLandmarks()
		case Finalizing:
			err = r.finalize()
		}
		if err != nil {
			return r.fail(err)
		}
		r.state = r.state.next()
	}

	r.result.State = Done
	fmt.Fprintln(d.out, "Landmark detection completed")
	return r.result, nil
}
