package constellation

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/frame"
	"acpcdetect/pkg/geometry"
	"acpcdetect/pkg/msp"
	"acpcdetect/pkg/search"
	"acpcdetect/pkg/visualization"
)

// labelRadius is the radius in mm of each landmark in the label volume
const labelRadius = 2.0

// run holds the mutable state of one Detector.Run call
type run struct {
	d      *Detector
	in     Input
	state  State
	result *Result

	// landmark currently being resolved, reported on failure
	landmark string

	// Landmark transforms between the three spaces
	orig2msp  frame.VersorRigid
	msp2orig  frame.VersorRigid
	orig2acpc frame.VersorRigid

	// acpcImg maps ACPC points to original points
	acpcImg frame.VersorRigid

	mspCM    r3.Vec
	radiusLR float64
	searcher LandmarkSearcher

	mspLmks  models.LandmarkMap
	origLmks models.LandmarkMap
	acpcLmks models.LandmarkMap

	// rawACPC keeps the predicted, unrefined ACPC positions that feed the
	// linear models so local search errors do not accumulate
	rawACPC models.LandmarkMap
}

func newRun(d *Detector, in Input) *run {
	return &run{
		d:        d,
		in:       in,
		state:    EstimatingMSP,
		radiusLR: d.cfg.Search.InitialRadiusLR,
		result: &Result{
			RunID:          uuid.New(),
			State:          EstimatingMSP,
			Correlations:   make(map[string]float64),
			SearchRadiusLR: d.cfg.Search.InitialRadiusLR,
		},
		mspLmks:  in.MSPLandmarks.Clone(),
		origLmks: make(models.LandmarkMap),
		acpcLmks: make(models.LandmarkMap),
	}
}

func (r *run) fail(err error) (*Result, error) {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{State: r.state, Landmark: r.landmark, Err: err}
	}
	r.syncResult()
	r.result.State = Failed
	fmt.Fprintf(r.d.out, "ERROR: %v\n", se)
	return r.result, se
}

func (r *run) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.result.Warnings = append(r.result.Warnings, msg)
	fmt.Fprintf(r.d.out, "WARNING: %s\n", msg)
}

func (r *run) verbosef(format string, args ...interface{}) {
	if r.d.cfg.Output.Verbose {
		fmt.Fprintf(r.d.out, format, args...)
	}
}

// debugAbove reports whether artifacts of the given level are wanted
func (r *run) debugAbove(level int) bool {
	return r.d.artifacts != nil && r.d.cfg.Output.DebugLevel > level
}

// artifact reports a failed artifact write without stopping the run
func (r *run) artifact(err error) {
	if err != nil {
		r.warn("%v", err)
	}
}

func (r *run) syncResult() {
	r.result.MSPLandmarks = r.mspLmks
	r.result.OriginalLandmarks = r.origLmks
	r.result.ACPCLandmarks = r.acpcLmks
	r.result.SearchRadiusLR = r.radiusLR
}

// estimateMSP aligns the eye-fixed volume with its mid-sagittal plane and
// places CM and the eye centres in MSP space
func (r *run) estimateMSP() error {
	out := r.d.out
	cfg := r.d.cfg
	vol := r.in.Volume

	orig2eye := frame.Identity(r3.Vec{})
	if r.in.OrigToEyeFixed != nil {
		orig2eye = *r.in.OrigToEyeFixed
	}

	var cm r3.Vec
	if r.in.CenterOfHeadMass != nil {
		cm = *r.in.CenterOfHeadMass
	} else {
		c, err := msp.CenterOfHeadMass(vol)
		if err != nil {
			return fmt.Errorf("center of head mass: %w", err)
		}
		cm = c
	}

	fmt.Fprintln(out, "Estimating MSP...")
	est, err := r.d.msp.EstimateMSP(vol, cm)
	if err != nil {
		return err
	}
	cc := est.ReflectiveCorrelation
	r.result.ReflectiveCorrelation = cc
	r.result.MSPVolume = est.Volume
	fmt.Fprintf(out, "Reflective correlation c_c = %.4f\n", cc)

	if cc > cfg.MSP.FailThreshold {
		return fmt.Errorf("%w: c_c = %.4f is above %.2f", ErrUnreliableMSPEstimate, cc, cfg.MSP.FailThreshold)
	}
	if cc > cfg.MSP.WarnThreshold {
		r.warn("low reflective correlation c_c = %.4f (threshold %.2f), the MSP estimate may be unreliable",
			cc, cfg.MSP.WarnThreshold)
	}

	eye2msp, err := frame.ImageToLandmark(est.ImageTransform)
	if err != nil {
		return err
	}
	r.orig2msp = orig2eye.Compose(eye2msp)
	if r.msp2orig, err = frame.Invert(r.orig2msp); err != nil {
		return err
	}
	// Pulling MSP space from the original image uses the inverse of the
	// landmark transform
	r.result.OrigToMSP = r.msp2orig

	r.mspCM = eye2msp.TransformPoint(cm)
	r.mspCM.X = 0
	if !r.mspLmks.Has(models.CM) {
		r.mspLmks[models.CM] = r.mspCM
	}
	if !r.mspLmks.Has(models.LE) {
		r.mspLmks[models.LE] = r.orig2msp.TransformPoint(r.in.OrigLE)
	}
	if !r.mspLmks.Has(models.RE) {
		r.mspLmks[models.RE] = r.orig2msp.TransformPoint(r.in.OrigRE)
	}

	if r.in.EyeDetectionFailed || r.debugAbove(1) {
		r.writeManualFixFiles(est.Volume, r.in.EyeDetectionFailed)
	}
	if r.in.EyeDetectionFailed {
		r.warn("eye centre detection failed, EMSP files were written for manual correction")
		if cfg.Eyes.AbortOnFailure {
			return ErrEyeDetectionFailed
		}
	}
	if r.debugAbove(2) {
		r.artifact(r.d.artifacts.WriteLandmarks("EyeFixed_CM.fcsv", models.LandmarkMap{models.CM: cm}))
		if est.Volume != nil {
			r.artifact(r.d.artifacts.WriteSlices("MSP_sagittal", est.Volume, "x"))
		}
	}

	r.searcher = r.d.newSearcher(est.Volume)
	return nil
}

// writeManualFixFiles writes the MSP volume and its landmarks so that a
// user can correct them. Eye centres are zeroed when their detection failed.
func (r *run) writeManualFixFiles(vol *models.Volume, eyesFailed bool) {
	aw := r.d.artifacts
	if aw == nil {
		return
	}
	lmks := r.mspLmks.Clone()
	if eyesFailed {
		lmks[models.LE] = r3.Vec{}
		lmks[models.RE] = r3.Vec{}
	}
	if vol != nil {
		r.artifact(aw.WriteVolume("EMSP", vol))
	}
	r.artifact(aw.WriteLandmarks("EMSP.fcsv", lmks))
}

// baseLandmark describes how a derived base landmark is searched
type baseLandmark struct {
	name  string
	sign  int
	scale float64
}

// searchBaseLandmarks resolves RP, adapts the left-right search radius to
// the distance between RP and the MSP, then resolves VN4, AC and PC
func (r *run) searchBaseLandmarks() error {
	cfg := r.d.cfg.Search
	m := r.d.model

	rpRadius := m.TemplateRadius(models.RP)
	err := r.resolveBase(models.RP, func() (r3.Vec, search.Bounds, error) {
		center := r3.Add(r.mspCM, m.CMtoRPMean)
		return center, search.Bounds{
			LR: cfg.InitialRadiusLR,
			AP: cfg.RPAPScale * rpRadius,
			SI: cfg.RPSIScale * rpRadius,
		}, nil
	})
	if err != nil {
		return err
	}

	rp := r.mspLmks[models.RP]
	errMSP := math.Abs(rp.X - r.mspCM.X)
	r.result.ErrMSP = errMSP
	fmt.Fprintf(r.d.out, "The distance from RP to the MSP is %.2f mm\n", errMSP)
	switch {
	case errMSP < 1:
		r.radiusLR = 1
	case errMSP < 2:
		r.radiusLR = 2
	case errMSP > 6:
		return fmt.Errorf("%w: RP at [%.3f, %.3f, %.3f] is %.2f mm from the MSP",
			ErrBadMPJEstimate, rp.X, rp.Y, rp.Z, errMSP)
	default:
		r.radiusLR = 4
	}
	r.result.SearchRadiusLR = r.radiusLR

	cec := r3.Scale(0.5, r3.Add(r.mspLmks[models.LE], r.mspLmks[models.RE]))
	cec.X = 0
	rpToCEC := r3.Sub(cec, rp)

	for _, b := range []baseLandmark{
		{models.VN4, geometry.Inferior, cfg.VN4Scale},
		{models.AC, geometry.Superior, cfg.ACScale},
		{models.PC, geometry.Superior, cfg.PCScale},
	} {
		radius := m.TemplateRadius(b.name)
		err := r.resolveBase(b.name, func() (r3.Vec, search.Bounds, error) {
			dir, err := geometry.SolveConstrainedDirection(rpToCEC, m.RPtoCECMean, m.RPtoXMean[b.name], b.sign)
			if err != nil {
				return r3.Vec{}, search.Bounds{}, err
			}
			return r3.Add(rp, dir), search.Bounds{
				LR: r.radiusLR,
				AP: b.scale * radius,
				SI: b.scale * radius,
			}, nil
		})
		if err != nil {
			return err
		}
	}

	for _, name := range r.mspLmks.Names() {
		r.updateOriginal(name)
	}

	if r.debugAbove(1) && r.result.MSPVolume != nil {
		marks := []visualization.Mark{
			{Point: r.mspLmks[models.RP], Color: visualization.RPColor},
			{Point: r.mspLmks[models.AC], Color: visualization.ACColor},
			{Point: r.mspLmks[models.PC], Color: visualization.PCColor},
			{Point: r.mspLmks[models.VN4], Color: visualization.VN4Color},
			{Point: r.mspCM, Color: visualization.RPColor, Style: visualization.Box},
		}
		r.artifact(r.d.artifacts.WriteBrandedImage("BrandedImage.png", r.result.MSPVolume, marks))
	}
	return nil
}

// resolveBase places one base landmark in MSP space. A landmark loaded
// from file wins over a forced original-space landmark, which wins over
// the template search in the box returned by box.
func (r *run) resolveBase(name string, box func() (r3.Vec, search.Bounds, error)) error {
	r.landmark = name
	fmt.Fprintf(r.d.out, "Processing %s...\n", name)

	if r.in.MSPLandmarks.Has(name) {
		fmt.Fprintln(r.d.out, "Skip estimation, directly load from file.")
		return nil
	}
	if p, ok := r.in.ForcedLandmarks[name]; ok {
		fmt.Fprintln(r.d.out, "Skip estimation, use the forced landmark.")
		r.mspLmks[name] = r.orig2msp.TransformPoint(p)
		return nil
	}

	center, bounds, err := box()
	if err != nil {
		return err
	}
	return r.searchLandmark(name, center, bounds)
}

// searchLandmark runs the template search for name and stores the result
// in MSP space
func (r *run) searchLandmark(name string, center r3.Vec, bounds search.Bounds) error {
	tmpl, err := r.d.model.Template(name)
	if err != nil {
		return err
	}
	r.verbosef("Search centre of %s: [%.3f, %.3f, %.3f], box LR %.1f AP %.1f SI %.1f\n",
		name, center.X, center.Y, center.Z, bounds.LR, bounds.AP, bounds.SI)

	cand, err := r.searcher.FindCandidate(search.Request{
		Landmark: name,
		Center:   center,
		Bounds:   bounds,
		Template: tmpl,
	})
	if err != nil {
		return err
	}
	if cand.LowConfidence {
		r.result.LowConfidence = append(r.result.LowConfidence, name)
		r.warn("search box of %s left the image, keeping the search centre", name)
	}

	r.mspLmks[name] = cand.Point
	r.result.Correlations[name] = cand.Correlation
	r.verbosef("%s: cc max %.4f at [%.3f, %.3f, %.3f]\n",
		name, cand.Correlation, cand.Point.X, cand.Point.Y, cand.Point.Z)

	if r.debugAbove(8) {
		r.artifact(r.d.artifacts.WriteCorrelationProfile(name+"_correlation.png", name, cand.RotationMaxima))
		if cand.Region != nil {
			r.artifact(r.d.artifacts.WriteSlices("ROI_"+name, cand.Region, "x"))
		}
	}
	return nil
}

// updateOriginal derives the original-space position of name. Forced
// landmarks are kept verbatim.
func (r *run) updateOriginal(name string) {
	if p, ok := r.in.ForcedLandmarks[name]; ok {
		r.origLmks[name] = p
		return
	}
	r.origLmks[name] = r.msp2orig.TransformPoint(r.mspLmks[name])
}

// refineTransform computes the ACPC aligned transform from RP, AC and PC,
// optionally refines it against the atlas, and shifts it so that AC maps
// to the origin
func (r *run) refineTransform() error {
	o := r.origLmks
	fmt.Fprintln(r.d.out, "Computing the ACPC aligned transform...")
	img, err := frame.ComposeFromPoints(o[models.RP], o[models.AC], o[models.PC], r3.Vec{})
	if err != nil {
		return err
	}

	if r.in.Atlas != nil {
		if img, err = r.refineWithAtlas(r.in.Atlas); err != nil {
			return err
		}
	}

	if img, err = frame.AlignToOrigin(img, o[models.AC]); err != nil {
		return err
	}
	r.acpcImg = img
	if r.orig2acpc, err = frame.ImageToLandmark(img); err != nil {
		return err
	}
	r.result.OrigToACPC = img

	for name, p := range r.origLmks {
		r.acpcLmks[name] = r.orig2acpc.TransformPoint(p)
	}
	r.rawACPC = r.acpcLmks.Clone()
	return nil
}

// refineWithAtlas pairs the atlas landmarks with the subject's original
// landmarks, initialises an affine transform from them and lets the
// registrar refine it. The single rigid component is returned.
func (r *run) refineWithAtlas(atlas *Atlas) (frame.VersorRigid, error) {
	out := r.d.out
	fmt.Fprintln(out, "Refining the ACPC transform against the atlas...")

	pairs, err := frame.PairLandmarks(atlas.Landmarks, r.origLmks, atlas.Weights)
	if err != nil {
		return frame.VersorRigid{}, err
	}
	for _, name := range pairs.Defaulted {
		fmt.Fprintf(out, "Landmark for %s does not exist. Set the weight to %.1f\n", name, frame.DefaultLandmarkWeight)
	}

	initial, err := frame.LandmarkAffine(pairs)
	if err != nil {
		return frame.VersorRigid{}, err
	}
	moving := r.in.OriginalVolume
	if moving == nil {
		moving = r.in.Volume
	}
	refined, err := r.d.registrar.Register(moving, atlas.Volume, initial)
	if err != nil {
		return frame.VersorRigid{}, fmt.Errorf("atlas registration: %w", err)
	}
	return frame.ExtractRigid(refined)
}

// searchExtendedLandmarks predicts and searches every landmark of the
// linear model sequence
func (r *run) searchExtendedLandmarks() error {
	m := r.d.model
	out := r.d.out

	n := m.Linear.Len()
	if n == 0 {
		fmt.Fprintln(out, "No EPCA landmarks to be estimated.")
		return nil
	}

	order := append([]string(nil), models.BaseProcessingOrder...)
	base := len(order)
	for ii := 1; ii <= n; ii++ {
		inputs := base + ii - 2
		lm, err := m.Linear.ForInputCount(inputs)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrModelSequenceExhausted, err)
		}
		name := lm.Landmark
		r.landmark = name
		fmt.Fprintf(out, "Processing %s...\n", name)
		order = append(order, name)

		if r.in.MSPLandmarks.Has(name) || r.in.ForcedLandmarks.Has(name) {
			fmt.Fprintln(out, "Skip estimation, directly load from file.")
			if p, ok := r.in.ForcedLandmarks[name]; ok && !r.in.MSPLandmarks.Has(name) {
				r.mspLmks[name] = r.orig2msp.TransformPoint(p)
			}
			r.updateOriginal(name)
			r.acpcLmks[name] = r.orig2acpc.TransformPoint(r.origLmks[name])
			r.rawACPC[name] = r.acpcLmks[name]
			continue
		}

		pred, _, err := r.d.estimator.PredictNext(r.rawACPC, order, base)
		if err != nil {
			return err
		}

		radiusLR := m.SearchRadii[name]
		if m.IsMidline(name) {
			radiusLR = r.radiusLR
			pred.X = 0
			r.rawACPC[name] = pred
		}
		center := r.orig2msp.TransformPoint(r.acpcImg.TransformPoint(pred))
		sr := m.SearchRadii[name]
		if err := r.searchLandmark(name, center, search.Bounds{LR: radiusLR, AP: sr, SI: sr}); err != nil {
			return err
		}
		r.updateOriginal(name)
		r.acpcLmks[name] = r.orig2acpc.TransformPoint(r.origLmks[name])
	}
	return nil
}

// finalize re-derives every landmark in original and ACPC space and
// writes the final debug artifacts
func (r *run) finalize() error {
	for _, name := range r.mspLmks.Names() {
		r.updateOriginal(name)
	}
	for name, p := range r.in.ForcedLandmarks {
		r.origLmks[name] = p
	}
	for name, p := range r.origLmks {
		r.acpcLmks[name] = r.orig2acpc.TransformPoint(p)
	}
	r.syncResult()

	if r.debugAbove(1) {
		r.artifact(r.d.artifacts.WriteLandmarks("EMSP.fcsv", r.mspLmks))
	}
	if r.debugAbove(3) && r.result.MSPVolume != nil {
		names := r.mspLmks.Names()
		points := make([]r3.Vec, len(names))
		for i, name := range names {
			points[i] = r.mspLmks[name]
		}
		labels := visualization.LabelVolume(r.result.MSPVolume, points, labelRadius)
		r.artifact(r.d.artifacts.WriteVolume("LandmarkLabels", labels))
	}
	return nil
}
