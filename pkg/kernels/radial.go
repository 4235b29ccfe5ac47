package kernels

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// radialStep is the forward-difference step for the radial gradients.
const radialStep = 1e-5

// NSRadial is a squared-exponential kernel on the radius whose length scale
// grows with distance from the source: l(r) = lengthScale * r^scaleExponent.
// It uses the Gibbs normalization so the diagonal is 1.
type NSRadial struct {
	lengthScale   float64
	lsBounds      Bounds
	scaleExponent float64
	expBounds     Bounds
}

// NewNSRadial creates a non-stationary radial kernel
func NewNSRadial(lengthScale float64, lsBounds Bounds, scaleExponent float64, expBounds Bounds) *NSRadial {
	return &NSRadial{
		lengthScale:   lengthScale,
		lsBounds:      lsBounds,
		scaleExponent: scaleExponent,
		expBounds:     expBounds,
	}
}

// LengthScale returns the base length scale and exponent
func (k *NSRadial) LengthScale() (float64, float64) {
	return k.lengthScale, k.scaleExponent
}

// scales evaluates l(r) for each row. A zero scale would make the kernel
// singular, so it is replaced by the smallest non-zero scale in the batch.
func (k *NSRadial) scales(x mat.Matrix, minNonZero float64) []float64 {
	n, _ := x.Dims()
	ls := make([]float64, n)
	for i := range ls {
		ls[i] = k.lengthScale * math.Pow(x.At(i, 0), k.scaleExponent)
	}
	for i := range ls {
		if ls[i] == 0 {
			ls[i] = minNonZero
		}
	}
	return ls
}

func (k *NSRadial) minNonZeroScale(xs ...mat.Matrix) float64 {
	m := math.Inf(1)
	for _, x := range xs {
		n, _ := x.Dims()
		for i := 0; i < n; i++ {
			l := k.lengthScale * math.Pow(x.At(i, 0), k.scaleExponent)
			if l > 0 && l < m {
				m = l
			}
		}
	}
	if math.IsInf(m, 1) {
		return k.lengthScale
	}
	return m
}

func (k *NSRadial) Eval(x, y mat.Matrix) *mat.Dense {
	if y == nil {
		y = x
	}
	floor := k.minNonZeroScale(x, y)
	lx := k.scales(x, floor)
	ly := k.scales(y, floor)
	return pairwise(x, y, func(i, j int) float64 {
		denom := lx[i]*lx[i] + ly[j]*ly[j]
		dr := x.At(i, 0) - y.At(j, 0)
		return math.Sqrt(2*lx[i]*ly[j]/denom) * math.Exp(-dr*dr/denom)
	})
}

func (k *NSRadial) Diag(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return d
}

func (k *NSRadial) Theta() []float64 {
	var theta []float64
	if !k.lsBounds.Fixed {
		theta = append(theta, math.Log(k.lengthScale))
	}
	if !k.expBounds.Fixed {
		theta = append(theta, math.Log(k.scaleExponent))
	}
	return theta
}

func (k *NSRadial) WithTheta(theta []float64) (Kernel, error) {
	want := len(k.Theta())
	if len(theta) != want {
		return nil, fmt.Errorf("%w: radial kernel takes %d parameters, got %d", ErrInvalidParameter, want, len(theta))
	}
	c := *k
	i := 0
	if !k.lsBounds.Fixed {
		c.lengthScale = math.Exp(theta[i])
		i++
	}
	if !k.expBounds.Fixed {
		c.scaleExponent = math.Exp(theta[i])
	}
	return &c, nil
}

func (k *NSRadial) Bounds() [][2]float64 {
	var b [][2]float64
	if !k.lsBounds.Fixed {
		b = append(b, k.lsBounds.log())
	}
	if !k.expBounds.Fixed {
		b = append(b, k.expBounds.log())
	}
	return b
}

// Gradient uses forward differences in log space for both parameters.
func (k *NSRadial) Gradient(x mat.Matrix) []*mat.Dense {
	theta := k.Theta()
	if len(theta) == 0 {
		return nil
	}
	base := k.Eval(x, nil)
	grads := make([]*mat.Dense, len(theta))
	for p := range theta {
		shifted := append([]float64(nil), theta...)
		shifted[p] += radialStep
		kk, _ := k.WithTheta(shifted)
		g := kk.Eval(x, nil)
		g.Sub(g, base)
		g.Scale(1/radialStep, g)
		grads[p] = g
	}
	return grads
}

func (k *NSRadial) Spec() Spec {
	return Spec{
		Kind:   KindNSRadial,
		Values: []float64{k.lengthScale, k.scaleExponent},
		Bounds: []Bounds{k.lsBounds, k.expBounds},
	}
}
