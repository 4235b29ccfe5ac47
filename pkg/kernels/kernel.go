// Package kernels implements positive semi-definite covariance functions over
// source-centred spherical coordinates. Input rows are (r, theta[, phi]).
//
// All kernels expose their free hyperparameters in log space, the way the
// GP optimizer consumes them, together with the gradient of the kernel matrix
// with respect to each of them.
package kernels

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidAngleDim is returned when the angular dimensionality is not 1 or 2
	ErrInvalidAngleDim = errors.New("angle dimension must be 1 or 2")

	// ErrInvalidParameter is returned for malformed hyperparameter vectors
	ErrInvalidParameter = errors.New("invalid kernel parameter")
)

// Kernel is a covariance function with tunable hyperparameters.
type Kernel interface {
	// Eval returns K(x, y). A nil y means y = x.
	Eval(x, y mat.Matrix) *mat.Dense

	// Diag returns the diagonal of K(x, x)
	Diag(x mat.Matrix) []float64

	// Theta returns the log-transformed free hyperparameters
	Theta() []float64

	// WithTheta returns a copy of the kernel with new log hyperparameters
	WithTheta(theta []float64) (Kernel, error)

	// Bounds returns the log-transformed bounds of the free hyperparameters
	Bounds() [][2]float64

	// Gradient returns dK(x, x)/dTheta, one matrix per free hyperparameter
	Gradient(x mat.Matrix) []*mat.Dense

	// Spec describes the kernel for serialization
	Spec() Spec
}

// Bounds limits a hyperparameter in natural units. A fixed hyperparameter
// does not take part in optimization.
type Bounds struct {
	Lo    float64 `json:"lo"`
	Hi    float64 `json:"hi"`
	Fixed bool    `json:"fixed,omitempty"`
}

// Fixed marks a hyperparameter as not optimized.
var Fixed = Bounds{Fixed: true}

func (b Bounds) log() [2]float64 {
	return [2]float64{math.Log(b.Lo), math.Log(b.Hi)}
}

// Spec is the serializable description of a kernel.
type Spec struct {
	Kind       string    `json:"kind"`
	InputDim   int       `json:"inputDim,omitempty"`
	Values     []float64 `json:"values,omitempty"`
	Reflection []float64 `json:"reflection,omitempty"`
	Bounds     []Bounds  `json:"bounds,omitempty"`
	Children   []Spec    `json:"children,omitempty"`
}

// Kernel kinds as recorded in Spec.Kind
const (
	KindConstant       = "constant"
	KindProduct        = "product"
	KindSpherical      = "spherical"
	KindSphericalChord = "spherical_chordal"
	KindSymmetricAngle = "symmetric_angle"
	KindNSRadial       = "ns_radial"
)

// FromSpec rebuilds a kernel from its description.
func FromSpec(s Spec) (Kernel, error) {
	switch s.Kind {
	case KindConstant:
		if len(s.Values) != 1 || len(s.Bounds) != 1 {
			return nil, fmt.Errorf("%w: constant kernel spec", ErrInvalidParameter)
		}
		return NewConstant(s.Values[0], s.Bounds[0]), nil
	case KindProduct:
		if len(s.Children) != 2 {
			return nil, fmt.Errorf("%w: product kernel needs two factors", ErrInvalidParameter)
		}
		k1, err := FromSpec(s.Children[0])
		if err != nil {
			return nil, err
		}
		k2, err := FromSpec(s.Children[1])
		if err != nil {
			return nil, err
		}
		return NewProduct(k1, k2), nil
	case KindSpherical, KindSphericalChord:
		if len(s.Bounds) != 1 {
			return nil, fmt.Errorf("%w: spherical kernel spec", ErrInvalidParameter)
		}
		if s.Kind == KindSphericalChord {
			return NewSphericalChordal(s.Values, s.Bounds[0], s.InputDim)
		}
		return NewSpherical(s.Values, s.Bounds[0], s.InputDim)
	case KindSymmetricAngle:
		if len(s.Bounds) != 2 {
			return nil, fmt.Errorf("%w: symmetric kernel spec", ErrInvalidParameter)
		}
		return NewSymmetricAngle(s.Values, s.Bounds[0], s.InputDim, s.Reflection, s.Bounds[1])
	case KindNSRadial:
		if len(s.Values) != 2 || len(s.Bounds) != 2 {
			return nil, fmt.Errorf("%w: radial kernel spec", ErrInvalidParameter)
		}
		return NewNSRadial(s.Values[0], s.Bounds[0], s.Values[1], s.Bounds[1]), nil
	default:
		return nil, fmt.Errorf("%w: unknown kernel kind %q", ErrInvalidParameter, s.Kind)
	}
}

// Constant is a constant amplitude kernel, K = c.
type Constant struct {
	value  float64
	bounds Bounds
}

// NewConstant creates a constant kernel
func NewConstant(value float64, bounds Bounds) *Constant {
	return &Constant{value: value, bounds: bounds}
}

// Value returns the amplitude
func (k *Constant) Value() float64 { return k.value }

func (k *Constant) Eval(x, y mat.Matrix) *mat.Dense {
	if y == nil {
		y = x
	}
	return pairwise(x, y, func(_, _ int) float64 { return k.value })
}

func (k *Constant) Diag(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = k.value
	}
	return d
}

func (k *Constant) Theta() []float64 {
	if k.bounds.Fixed {
		return nil
	}
	return []float64{math.Log(k.value)}
}

func (k *Constant) WithTheta(theta []float64) (Kernel, error) {
	if k.bounds.Fixed {
		if len(theta) != 0 {
			return nil, fmt.Errorf("%w: constant kernel is fixed", ErrInvalidParameter)
		}
		return k, nil
	}
	if len(theta) != 1 {
		return nil, fmt.Errorf("%w: constant kernel takes 1 parameter, got %d", ErrInvalidParameter, len(theta))
	}
	return &Constant{value: math.Exp(theta[0]), bounds: k.bounds}, nil
}

func (k *Constant) Bounds() [][2]float64 {
	if k.bounds.Fixed {
		return nil
	}
	return [][2]float64{k.bounds.log()}
}

func (k *Constant) Gradient(x mat.Matrix) []*mat.Dense {
	if k.bounds.Fixed {
		return nil
	}
	return []*mat.Dense{k.Eval(x, nil)}
}

func (k *Constant) Spec() Spec {
	return Spec{Kind: KindConstant, Values: []float64{k.value}, Bounds: []Bounds{k.bounds}}
}

// Product multiplies two kernels elementwise.
type Product struct {
	k1, k2 Kernel
}

// NewProduct creates k1 * k2
func NewProduct(k1, k2 Kernel) *Product {
	return &Product{k1: k1, k2: k2}
}

// Factors returns the two multiplied kernels
func (k *Product) Factors() (Kernel, Kernel) { return k.k1, k.k2 }

func (k *Product) Eval(x, y mat.Matrix) *mat.Dense {
	a := k.k1.Eval(x, y)
	a.MulElem(a, k.k2.Eval(x, y))
	return a
}

func (k *Product) Diag(x mat.Matrix) []float64 {
	d1 := k.k1.Diag(x)
	d2 := k.k2.Diag(x)
	for i := range d1 {
		d1[i] *= d2[i]
	}
	return d1
}

func (k *Product) Theta() []float64 {
	return append(k.k1.Theta(), k.k2.Theta()...)
}

func (k *Product) WithTheta(theta []float64) (Kernel, error) {
	n1 := len(k.k1.Theta())
	if len(theta) != n1+len(k.k2.Theta()) {
		return nil, fmt.Errorf("%w: product kernel takes %d parameters, got %d",
			ErrInvalidParameter, n1+len(k.k2.Theta()), len(theta))
	}
	k1, err := k.k1.WithTheta(theta[:n1])
	if err != nil {
		return nil, err
	}
	k2, err := k.k2.WithTheta(theta[n1:])
	if err != nil {
		return nil, err
	}
	return &Product{k1: k1, k2: k2}, nil
}

func (k *Product) Bounds() [][2]float64 {
	return append(k.k1.Bounds(), k.k2.Bounds()...)
}

func (k *Product) Gradient(x mat.Matrix) []*mat.Dense {
	K1 := k.k1.Eval(x, nil)
	K2 := k.k2.Eval(x, nil)
	var grads []*mat.Dense
	for _, g := range k.k1.Gradient(x) {
		g.MulElem(g, K2)
		grads = append(grads, g)
	}
	for _, g := range k.k2.Gradient(x) {
		g.MulElem(K1, g)
		grads = append(grads, g)
	}
	return grads
}

func (k *Product) Spec() Spec {
	return Spec{Kind: KindProduct, Children: []Spec{k.k1.Spec(), k.k2.Spec()}}
}

// pairwise fills an n x m matrix with f(i, j).
func pairwise(x, y mat.Matrix, f func(i, j int) float64) *mat.Dense {
	n, _ := x.Dims()
	m, _ := y.Dims()
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			out.Set(i, j, f(i, j))
		}
	}
	return out
}
