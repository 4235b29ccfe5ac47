// Package coords converts detector positions between Cartesian and
// spherical coordinates centred on the source.
package coords

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"drase/internal/models"
)

// Spherical is a point in (radius, polar angle, azimuth) form.
// Theta lies in [0, pi] and Phi in (-pi, pi].
type Spherical struct {
	R, Theta, Phi float64
}

// ToSpherical converts a Cartesian point. The origin maps to (0, 0, 0).
func ToSpherical(p models.Point3D) Spherical {
	r := math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
	if r == 0 {
		return Spherical{}
	}
	cosTheta := math.Max(-1, math.Min(1, p.Z/r))
	return Spherical{
		R:     r,
		Theta: math.Acos(cosTheta),
		Phi:   math.Atan2(p.Y, p.X),
	}
}

// ToCartesian is the inverse of ToSpherical.
func ToCartesian(s Spherical) models.Point3D {
	sinTheta := math.Sin(s.Theta)
	return models.Point3D{
		X: s.R * sinTheta * math.Cos(s.Phi),
		Y: s.R * sinTheta * math.Sin(s.Phi),
		Z: s.R * math.Cos(s.Theta),
	}
}

// Transformer converts batches of points into the row layout the kernels
// consume: one row per point, columns (r, theta, phi).
type Transformer struct{}

// Transform returns an n x 3 matrix of spherical coordinates.
func (Transformer) Transform(points []models.Point3D) *mat.Dense {
	if len(points) == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(len(points), 3, nil)
	for i, p := range points {
		s := ToSpherical(p)
		out.Set(i, 0, s.R)
		out.Set(i, 1, s.Theta)
		out.Set(i, 2, s.Phi)
	}
	return out
}

// InverseTransform converts an n x 3 spherical matrix back to points.
func (Transformer) InverseTransform(x mat.Matrix) []models.Point3D {
	n, _ := x.Dims()
	out := make([]models.Point3D, n)
	for i := 0; i < n; i++ {
		out[i] = ToCartesian(Spherical{R: x.At(i, 0), Theta: x.At(i, 1), Phi: x.At(i, 2)})
	}
	return out
}

// Radii extracts the radius column.
func Radii(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	r := make([]float64, n)
	for i := range r {
		r[i] = x.At(i, 0)
	}
	return r
}
