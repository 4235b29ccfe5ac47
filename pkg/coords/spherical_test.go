package coords

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drase/internal/models"
)

func TestToSphericalAxes(t *testing.T) {
	cases := []struct {
		p    models.Point3D
		want Spherical
	}{
		{models.Point3D{Z: 2}, Spherical{R: 2, Theta: 0, Phi: 0}},
		{models.Point3D{X: 3}, Spherical{R: 3, Theta: math.Pi / 2, Phi: 0}},
		{models.Point3D{Y: 100}, Spherical{R: 100, Theta: math.Pi / 2, Phi: math.Pi / 2}},
		{models.Point3D{Z: -1}, Spherical{R: 1, Theta: math.Pi, Phi: 0}},
		{models.Point3D{}, Spherical{}},
	}
	for _, tc := range cases {
		got := ToSpherical(tc.p)
		assert.InDelta(t, tc.want.R, got.R, 1e-12)
		assert.InDelta(t, tc.want.Theta, got.Theta, 1e-12)
		assert.InDelta(t, tc.want.Phi, got.Phi, 1e-12)
	}
}

func TestRoundTrip(t *testing.T) {
	points := []models.Point3D{
		{X: 1, Y: 2, Z: 3},
		{X: -40, Y: 10, Z: -5},
		{X: 0.5, Y: -0.25, Z: 100},
	}
	var tr Transformer
	sph := tr.Transform(points)
	rows, cols := sph.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, 3, cols)

	back := tr.InverseTransform(sph)
	for i, p := range points {
		assert.InDelta(t, p.X, back[i].X, 1e-9)
		assert.InDelta(t, p.Y, back[i].Y, 1e-9)
		assert.InDelta(t, p.Z, back[i].Z, 1e-9)
	}
	assert.InDelta(t, math.Sqrt(14), Radii(sph)[0], 1e-12)
}
