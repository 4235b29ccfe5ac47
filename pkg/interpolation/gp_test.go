package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"drase/internal/models"
	"drase/pkg/kernels"
)

// ringData creates training points on a ring at fixed radius with a smooth
// azimuthal signal.
func ringData(n int) (*mat.Dense, []float64) {
	x := mat.NewDense(n, 3, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		phi := -math.Pi + 2*math.Pi*float64(i)/float64(n)
		x.Set(i, 0, 100)
		x.Set(i, 1, math.Pi/2)
		x.Set(i, 2, phi)
		y[i] = 0.3 * math.Cos(phi)
	}
	return x, y
}

func testKernel(t *testing.T) kernels.Kernel {
	t.Helper()
	sph, err := kernels.NewSpherical([]float64{6}, kernels.Bounds{Lo: 4, Hi: 200}, 3)
	require.NoError(t, err)
	return kernels.NewProduct(kernels.NewConstant(0.1, kernels.Bounds{Lo: 1e-4, Hi: 1e2}), sph)
}

func constantAlpha(n int, v float64) []float64 {
	a := make([]float64, n)
	for i := range a {
		a[i] = v
	}
	return a
}

// TestFitInterpolatesTrainingPoints verifies that a low-noise process
// reproduces its training targets.
func TestFitInterpolatesTrainingPoints(t *testing.T) {
	x, y := ringData(12)
	gp := &GaussianProcess{
		Kernel:    testKernel(t),
		Alpha:     constantAlpha(12, 1e-6),
		NRestarts: 2,
		Seed:      7,
	}
	outcome, err := gp.Fit(x, y)
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Runs)
	assert.False(t, math.IsInf(outcome.LogMarginalLikelihood, 0))

	pred, err := gp.Predict(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y, pred, 1e-2)

	_, std, err := gp.PredictStd(x)
	require.NoError(t, err)
	for _, s := range std {
		assert.Less(t, s, 0.05)
	}
}

// TestPredictBeforeFit verifies the not-fitted error
func TestPredictBeforeFit(t *testing.T) {
	gp := &GaussianProcess{Kernel: testKernel(t)}
	_, err := gp.Predict(mat.NewDense(1, 3, []float64{1, 1, 1}))
	assert.ErrorIs(t, err, ErrNotFitted)
}

// TestFitInputValidation verifies malformed training sets are rejected
func TestFitInputValidation(t *testing.T) {
	x, y := ringData(4)
	gp := &GaussianProcess{Kernel: testKernel(t), Alpha: constantAlpha(3, 1)}
	_, err := gp.Fit(x, y)
	assert.Error(t, err)

	gp.Alpha = constantAlpha(4, 1)
	_, err = gp.Fit(x, y[:2])
	assert.Error(t, err)
}

// TestLogMarginalLikelihoodGradient compares the analytic gradient with
// central differences
func TestLogMarginalLikelihoodGradient(t *testing.T) {
	x, y := ringData(8)
	alpha := constantAlpha(8, 1e-3)
	k := testKernel(t)

	_, grad, ok := logMarginalLikelihood(k, x, y, alpha, true)
	require.True(t, ok)

	const h = 1e-6
	theta := k.Theta()
	for p := range theta {
		up := append([]float64(nil), theta...)
		up[p] += h
		down := append([]float64(nil), theta...)
		down[p] -= h
		ku, err := k.WithTheta(up)
		require.NoError(t, err)
		kd, err := k.WithTheta(down)
		require.NoError(t, err)
		fu, _, _ := logMarginalLikelihood(ku, x, y, alpha, false)
		fd, _, _ := logMarginalLikelihood(kd, x, y, alpha, false)
		assert.InDelta(t, (fu-fd)/(2*h), grad[p], 1e-4*math.Max(1, math.Abs(grad[p])))
	}
}

// TestStateRoundTrip verifies a restored process predicts identically
func TestStateRoundTrip(t *testing.T) {
	x, y := ringData(10)
	gp := &GaussianProcess{Kernel: testKernel(t), Alpha: constantAlpha(10, 1e-4), Seed: 1}
	_, err := gp.Fit(x, y)
	require.NoError(t, err)

	state, err := gp.State(y)
	require.NoError(t, err)
	back, err := FromState(state)
	require.NoError(t, err)

	q := mat.NewDense(2, 3, []float64{100, math.Pi / 2, 0.05, 150, 1.2, -2})
	want, err := gp.Predict(q)
	require.NoError(t, err)
	got, err := back.Predict(q)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-9)
}

// TestBoxMapRoundTrip verifies the bounded reparametrization
func TestBoxMapRoundTrip(t *testing.T) {
	box := boxMap{bounds: [][2]float64{{-2, 3}, {0, 10}}}
	theta := []float64{0.5, 9}
	assert.InDeltaSlice(t, theta, box.theta(box.unconstrained(theta)), 1e-9)

	for _, v := range box.theta([]float64{-1e3, 1e3}) {
		assert.False(t, math.IsNaN(v))
	}
}

// TestPositionIndexExact verifies exact-match lookups
func TestPositionIndexExact(t *testing.T) {
	positions := []models.Point3D{{X: 0, Y: 100, Z: 0}, {X: 50, Y: 50, Z: 0}, {X: -30, Y: 10, Z: 5}}
	idx := NewPositionIndex(positions)
	require.Equal(t, 3, idx.Len())

	i, ok := idx.Exact(models.Point3D{X: 50, Y: 50, Z: 0}, 1e-6)
	require.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = idx.Exact(models.Point3D{X: 50, Y: 50.1, Z: 0}, 1e-6)
	assert.False(t, ok)

	_, ok = NewPositionIndex(nil).Exact(models.Point3D{}, 1)
	assert.False(t, ok)
}
