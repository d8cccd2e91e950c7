package frame

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"acpcdetect/internal/models"
)

const tol = 1e-9

func randomRigid(rng *rand.Rand) VersorRigid {
	axis := r3.Vec{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() - 0.5}
	return VersorRigid{
		Versor:      VersorFromAxisAngle(axis, (rng.Float64()-0.5)*math.Pi),
		Translation: r3.Vec{X: rng.Float64() * 20, Y: rng.Float64() * -15, Z: rng.Float64() * 5},
		Center:      r3.Vec{X: rng.Float64() * 3, Y: rng.Float64() * 7, Z: rng.Float64() * -2},
	}
}

func vecNear(t *testing.T, want, got r3.Vec, eps float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, eps, "x")
	assert.InDelta(t, want.Y, got.Y, eps, "y")
	assert.InDelta(t, want.Z, got.Z, eps, "z")
}

func TestInverseRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		tf := randomRigid(rng)

		inv, err := Invert(tf)
		require.NoError(t, err)
		back, err := Invert(inv)
		require.NoError(t, err)
		assert.True(t, ApproxEqual(tf, back, 1e-9), "invert(invert(T)) != T")

		p := r3.Vec{X: rng.Float64() * 50, Y: rng.Float64() * 50, Z: rng.Float64() * 50}
		vecNear(t, p, inv.TransformPoint(tf.TransformPoint(p)), 1e-9)
		assert.Equal(t, tf.Center, inv.Center, "inverse must keep the centre")
	}
}

func TestImageToLandmarkRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 10; i++ {
		img := randomRigid(rng)
		lmk, err := ImageToLandmark(img)
		require.NoError(t, err)
		img2, err := ImageToLandmark(lmk)
		require.NoError(t, err)
		assert.True(t, ApproxEqual(img, img2, 1e-9))

		// A landmark pushed by lmk sits where the pulled image samples it.
		q := r3.Vec{X: 10, Y: -4, Z: 33}
		vecNear(t, q, img.TransformPoint(lmk.TransformPoint(q)), 1e-9)
	}
}

func TestInvertRejectsNonUnitVersor(t *testing.T) {
	tf := Identity(r3.Vec{})
	tf.Versor.Real = 1.5
	_, err := Invert(tf)
	assert.True(t, errors.Is(err, ErrSingularTransform))
}

func TestRigidInverseRejectsNonOrthogonal(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{1.2, 0, 0, 0, 1, 0, 0, 0, 1})
	_, err := NewRigidTransform(m, r3.Vec{}, r3.Vec{}).Inverse()
	assert.ErrorIs(t, err, ErrSingularTransform)
}

func TestOrthogonalizeRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rot := MatrixFromVersor(randomRigid(rng).Versor)

	noisy := mat.DenseCopyOf(rot)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			noisy.Set(i, j, noisy.At(i, j)+(rng.Float64()-0.5)*0.02)
		}
	}

	once, err := OrthogonalizeRotation(noisy)
	require.NoError(t, err)
	twice, err := OrthogonalizeRotation(once)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(once, twice, 1e-12), "orthogonalization must be idempotent")
	assert.InDelta(t, 1, mat.Det(once), 1e-12)
	assert.True(t, mat.EqualApprox(once, rot, 0.05), "projection should stay near the clean rotation")

	var rtr mat.Dense
	rtr.Mul(once.T(), once)
	assert.True(t, mat.EqualApprox(&rtr, eye3(), 1e-12))
}

func TestOrthogonalizeFixesReflection(t *testing.T) {
	reflect := mat.NewDense(3, 3, []float64{-1, 0, 0, 0, 1, 0, 0, 0, 1})
	rot, err := OrthogonalizeRotation(reflect)
	require.NoError(t, err)
	assert.InDelta(t, 1, mat.Det(rot), 1e-12)
}

func TestVersorMatrixRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 20; i++ {
		m := MatrixFromVersor(randomRigid(rng).Versor)
		assert.True(t, mat.EqualApprox(m, MatrixFromVersor(VersorFromMatrix(m)), 1e-12))
	}
}

func TestComposeFromPoints(t *testing.T) {
	// A head tilted by a known rotation and shifted away from the origin.
	truth := VersorRigid{
		Versor:      VersorFromAxisAngle(r3.Vec{X: 0.3, Y: 1, Z: 0.2}, 0.25),
		Translation: r3.Vec{X: 4, Y: -12, Z: 30},
	}
	acpc := map[string]r3.Vec{
		models.AC: {},
		models.PC: {X: 0, Y: 25, Z: 0},
		models.RP: {X: 0, Y: 20, Z: -25},
	}
	orig := map[string]r3.Vec{}
	for k, p := range acpc {
		orig[k] = truth.TransformPoint(p)
	}

	img, err := ComposeFromPoints(orig[models.RP], orig[models.AC], orig[models.PC], r3.Vec{})
	require.NoError(t, err)
	lmk, err := ImageToLandmark(img)
	require.NoError(t, err)

	for name, want := range acpc {
		got := lmk.TransformPoint(orig[name])
		assert.InDelta(t, want.X, got.X, 1e-9, name)
		assert.InDelta(t, want.Y, got.Y, 1e-9, name)
		assert.InDelta(t, want.Z, got.Z, 1e-9, name)
	}
}

func TestComposeFromPointsDegenerate(t *testing.T) {
	p := r3.Vec{X: 1, Y: 2, Z: 3}
	_, err := ComposeFromPoints(p, p, r3.Vec{X: 1, Y: 5, Z: 3}, r3.Vec{})
	assert.ErrorIs(t, err, ErrSingularTransform)
}

func TestAlignToOrigin(t *testing.T) {
	img := randomRigid(rand.New(rand.NewSource(13)))
	ac := r3.Vec{X: 3, Y: 9, Z: -1}
	aligned, err := AlignToOrigin(img, ac)
	require.NoError(t, err)
	lmk, err := ImageToLandmark(aligned)
	require.NoError(t, err)
	vecNear(t, r3.Vec{}, lmk.TransformPoint(ac), 1e-9)
}

func TestCompose(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	a, b := randomRigid(rng), randomRigid(rng)
	ab := a.Compose(b)
	p := r3.Vec{X: 1, Y: 2, Z: 3}
	vecNear(t, b.TransformPoint(a.TransformPoint(p)), ab.TransformPoint(p), 1e-9)
	assert.Equal(t, a.Center, ab.Center)
}

func TestExtractRigid(t *testing.T) {
	v := randomRigid(rand.New(rand.NewSource(19)))

	tests := []struct {
		name    string
		in      Transform
		wantErr error
	}{
		{"versor", NewVersorTransform(v), nil},
		{"rigid", NewRigidTransform(v.Matrix(), v.Translation, v.Center), nil},
		{"affine", NewAffineTransform(v.Matrix(), v.Translation, v.Center), nil},
		{"single composite", NewCompositeTransform(NewVersorTransform(v)), nil},
		{"empty composite", NewCompositeTransform(), ErrNotRigid},
		{"double composite", NewCompositeTransform(NewVersorTransform(v), NewVersorTransform(v)), ErrNotRigid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractRigid(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, ApproxEqual(v, got, 1e-9))
		})
	}
}

func TestTransformInverseVariants(t *testing.T) {
	v := randomRigid(rand.New(rand.NewSource(23)))
	scaled := mat.DenseCopyOf(v.Matrix())
	scaled.Scale(1.3, scaled)

	for _, tf := range []Transform{
		NewVersorTransform(v),
		NewRigidTransform(v.Matrix(), v.Translation, v.Center),
		NewAffineTransform(scaled, v.Translation, v.Center),
		NewCompositeTransform(NewVersorTransform(v), NewAffineTransform(scaled, r3.Vec{X: 1}, r3.Vec{})),
	} {
		inv, err := tf.Inverse()
		require.NoError(t, err, tf.Kind.String())
		p := r3.Vec{X: -7, Y: 2, Z: 40}
		vecNear(t, p, inv.TransformPoint(tf.TransformPoint(p)), 1e-9)
	}
}

func TestLandmarkAffine(t *testing.T) {
	truth := VersorRigid{
		Versor:      VersorFromAxisAngle(r3.Vec{Z: 1}, 0.1),
		Translation: r3.Vec{X: 2, Y: -3, Z: 5},
	}
	fixed := models.LandmarkMap{
		"AC":  {X: 0, Y: 0, Z: 0},
		"PC":  {X: 0, Y: 25, Z: 0},
		"RP":  {X: 0, Y: 20, Z: -25},
		"LE":  {X: 30, Y: -60, Z: -30},
		"VN4": {X: 0, Y: 45, Z: -35},
	}
	moving := models.LandmarkMap{}
	for k, p := range fixed {
		moving[k] = truth.TransformPoint(p)
	}
	moving["extra"] = r3.Vec{}

	pairs, err := PairLandmarks(fixed, moving, map[string]float64{"AC": 1, "PC": 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"LE", "RP", "VN4"}, pairs.Defaulted)

	affine, err := LandmarkAffine(pairs)
	require.NoError(t, err)
	assert.Equal(t, KindAffine, affine.Kind)
	for k, p := range fixed {
		vecNear(t, moving[k], affine.TransformPoint(p), 1e-6)
	}

	rigid, err := ExtractRigid(affine)
	require.NoError(t, err)
	assert.True(t, ApproxEqual(truth, rigid, 1e-6))
}

func TestPairLandmarksMismatch(t *testing.T) {
	_, err := PairLandmarks(models.LandmarkMap{"AC": {}, "XX": {}}, models.LandmarkMap{"AC": {}}, nil)
	assert.ErrorIs(t, err, ErrMismatchedLandmarkSets)
}
