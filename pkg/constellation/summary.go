package constellation

import (
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
	"acpcdetect/pkg/artifacts"
	"acpcdetect/pkg/frame"
)

// Summary converts the result into the run summary written next to the
// artifacts. runErr is the error returned by Run, if any.
func (res *Result) Summary(runErr error) *artifacts.Summary {
	s := &artifacts.Summary{
		RunID:                 res.RunID.String(),
		State:                 res.State.String(),
		ReflectiveCorrelation: res.ReflectiveCorrelation,
		ErrMSP:                res.ErrMSP,
		SearchRadiusLR:        res.SearchRadiusLR,
		Correlations:          res.Correlations,
		LowConfidence:         res.LowConfidence,
		Warnings:              res.Warnings,
		OriginalLandmarks:     toArrays(res.OriginalLandmarks),
		ACPCLandmarks:         toArrays(res.ACPCLandmarks),
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	if res.State == Done {
		s.Transform = transformSummary(res.OrigToACPC)
	}
	if len(s.Correlations) == 0 {
		s.Correlations = nil
	}
	sort.Strings(s.LowConfidence)
	return s
}

func toArrays(lmks models.LandmarkMap) map[string][3]float64 {
	if len(lmks) == 0 {
		return nil
	}
	out := make(map[string][3]float64, len(lmks))
	for name, p := range lmks {
		out[name] = vec3(p)
	}
	return out
}

func vec3(p r3.Vec) [3]float64 {
	return [3]float64{p.X, p.Y, p.Z}
}

func transformSummary(t frame.VersorRigid) *artifacts.TransformSummary {
	return &artifacts.TransformSummary{
		Versor:      [4]float64{t.Versor.Imag, t.Versor.Jmag, t.Versor.Kmag, t.Versor.Real},
		Translation: vec3(t.Translation),
		Center:      vec3(t.Center),
	}
}
