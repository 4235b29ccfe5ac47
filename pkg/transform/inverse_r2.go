// Package transform removes the 1/r^2 intensity fall-off from GP regression
// targets and restores it afterwards.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"drase/pkg/coords"
)

var (
	// ErrZeroRadius is returned when a training point sits on the source
	ErrZeroRadius = errors.New("zero radius is incompatible with the polar parametrization")

	// ErrNonPositiveCoefficient is returned when the fitted 1/r^2 scale is not > 0
	ErrNonPositiveCoefficient = errors.New("fitted inverse square coefficient is not positive")

	// ErrNotFitted is returned when the transform is used before Fit
	ErrNotFitted = errors.New("transform is not fitted")
)

// InverseR2 maps rates y to the fractional deviation from a fitted
// coeff / r^2 law: yt = y / (coeff r^-2) - 1.
type InverseR2 struct {
	coeff float64
}

// NewFitted restores a transform from a stored coefficient.
func NewFitted(coeff float64) (*InverseR2, error) {
	if !(coeff > 0) {
		return nil, fmt.Errorf("%w: %g", ErrNonPositiveCoefficient, coeff)
	}
	return &InverseR2{coeff: coeff}, nil
}

// Coefficient returns the fitted scale, zero before Fit.
func (t *InverseR2) Coefficient() float64 {
	return t.coeff
}

func inverseSquares(xs mat.Matrix) ([]float64, error) {
	r := coords.Radii(xs)
	for i, v := range r {
		if v == 0 {
			return nil, fmt.Errorf("%w: point %d", ErrZeroRadius, i)
		}
		r[i] = 1 / (v * v)
	}
	return r, nil
}

// Fit regresses y on r^-2 without an intercept, weighting each point by
// sqrt(max(y, 1) / weight).
func (t *InverseR2) Fit(xs mat.Matrix, y, weights []float64) error {
	if len(y) != len(weights) {
		return fmt.Errorf("got %d targets and %d weights", len(y), len(weights))
	}
	invR2, err := inverseSquares(xs)
	if err != nil {
		return err
	}
	if len(invR2) != len(y) {
		return fmt.Errorf("got %d points and %d targets", len(invR2), len(y))
	}

	sw := make([]float64, len(y))
	for i := range y {
		sw[i] = math.Sqrt(math.Max(y[i], 1) / weights[i])
	}

	// Through-origin weighted least squares: coeff = sum(w x y) / sum(w x x).
	xy := make([]float64, len(y))
	floats.MulTo(xy, invR2, y)
	xx := make([]float64, len(y))
	floats.MulTo(xx, invR2, invR2)
	coeff := stat.Mean(xy, sw) / stat.Mean(xx, sw)

	if !(coeff > 0) {
		return fmt.Errorf("%w: %g", ErrNonPositiveCoefficient, coeff)
	}
	t.coeff = coeff
	return nil
}

// Transform returns y / (coeff r^-2) - 1.
func (t *InverseR2) Transform(xs mat.Matrix, y []float64) ([]float64, error) {
	if t.coeff == 0 {
		return nil, ErrNotFitted
	}
	invR2, err := inverseSquares(xs)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i]/(invR2[i]*t.coeff) - 1
	}
	return out, nil
}

// InverseTransform returns (yt + 1) coeff r^-2.
func (t *InverseR2) InverseTransform(xs mat.Matrix, yt []float64) ([]float64, error) {
	if t.coeff == 0 {
		return nil, ErrNotFitted
	}
	invR2, err := inverseSquares(xs)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(yt))
	for i := range yt {
		out[i] = (yt[i] + 1) * invR2[i] * t.coeff
	}
	return out, nil
}

// PointVariances returns the Poisson noise variance of each target in
// transformed space. Counts are recovered as y * weight and floored at one,
// so an empty measurement still carries one count of uncertainty.
func (t *InverseR2) PointVariances(xs mat.Matrix, y, weights []float64) ([]float64, error) {
	if t.coeff == 0 {
		return nil, ErrNotFitted
	}
	invR2, err := inverseSquares(xs)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(y))
	for i := range y {
		counts := math.Max(y[i]*weights[i], 1)
		rateVar := counts / (weights[i] * weights[i])
		scale := invR2[i] * t.coeff
		out[i] = rateVar / (scale * scale)
	}
	return out, nil
}
