package kernels

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// reflectionStep is the central-difference step for the reflection gradient.
const reflectionStep = 1e-8

// SymmetricAngle is a spherical kernel evaluated on the angular distance of
// each coordinate from a reflection axis, which makes it symmetric about
// that axis. It is not stationary.
//
// The axis angles are held as exp(logReflection) so they stay positive; the
// log values are what the optimizer sees.
type SymmetricAngle struct {
	tau           []float64
	tauBounds     Bounds
	angleDim      int
	logReflection []float64
	reflBounds    Bounds
}

// NewSymmetricAngle creates a symmetric kernel. logReflection holds one log
// axis angle per angular dimension (theta, then phi). Pass Fixed as
// reflBounds to keep the axis constant.
func NewSymmetricAngle(tau []float64, tauBounds Bounds, inputDim int, logReflection []float64, reflBounds Bounds) (*SymmetricAngle, error) {
	angleDim := inputDim - 1
	if angleDim != 1 && angleDim != 2 {
		return nil, fmt.Errorf("%w: got input dimension %d", ErrInvalidAngleDim, inputDim)
	}
	if len(tau) == 0 || (len(tau) > 1 && len(tau) != angleDim) {
		return nil, fmt.Errorf("%w: tau has %d entries for %d angles", ErrInvalidParameter, len(tau), angleDim)
	}
	if len(logReflection) != angleDim {
		return nil, fmt.Errorf("%w: %d reflection angles for %d dimensions", ErrInvalidParameter, len(logReflection), angleDim)
	}
	return &SymmetricAngle{
		tau:           append([]float64(nil), tau...),
		tauBounds:     tauBounds,
		angleDim:      angleDim,
		logReflection: append([]float64(nil), logReflection...),
		reflBounds:    reflBounds,
	}, nil
}

// Reflection returns the axis angles in radians
func (k *SymmetricAngle) Reflection() []float64 {
	out := make([]float64, len(k.logReflection))
	for i, l := range k.logReflection {
		out[i] = math.Exp(l)
	}
	return out
}

func (k *SymmetricAngle) tauFor(dim int) float64 {
	if len(k.tau) > 1 {
		return k.tau[dim]
	}
	return k.tau[0]
}

// reflected replaces each angle with its distance from the axis, in [0, pi].
func (k *SymmetricAngle) reflected(x mat.Matrix) *mat.Dense {
	n, c := x.Dims()
	out := mat.DenseCopyOf(x)
	axis := k.Reflection()
	for i := 0; i < n; i++ {
		for a := 0; a < k.angleDim && a+1 < c; a++ {
			v := math.Max(-1, math.Min(1, math.Cos(x.At(i, a+1)-axis[a])))
			out.Set(i, a+1, math.Acos(v))
		}
	}
	return out
}

func (k *SymmetricAngle) dists(x, y mat.Matrix) []*mat.Dense {
	return angleDistances(k.reflected(x), k.reflected(y), k.angleDim, arcDistance)
}

func (k *SymmetricAngle) Eval(x, y mat.Matrix) *mat.Dense {
	if y == nil {
		y = x
	}
	return evalWeights(k.dists(x, y), k.tauFor)
}

func (k *SymmetricAngle) Diag(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return d
}

func (k *SymmetricAngle) Theta() []float64 {
	var theta []float64
	if !k.tauBounds.Fixed {
		for _, t := range k.tau {
			theta = append(theta, math.Log(t))
		}
	}
	if !k.reflBounds.Fixed {
		theta = append(theta, k.logReflection...)
	}
	return theta
}

func (k *SymmetricAngle) WithTheta(theta []float64) (Kernel, error) {
	want := len(k.Theta())
	if len(theta) != want {
		return nil, fmt.Errorf("%w: symmetric kernel takes %d parameters, got %d", ErrInvalidParameter, want, len(theta))
	}
	c := *k
	c.tau = append([]float64(nil), k.tau...)
	c.logReflection = append([]float64(nil), k.logReflection...)
	i := 0
	if !k.tauBounds.Fixed {
		for t := range c.tau {
			c.tau[t] = math.Exp(theta[i])
			i++
		}
	}
	if !k.reflBounds.Fixed {
		copy(c.logReflection, theta[i:])
	}
	return &c, nil
}

func (k *SymmetricAngle) Bounds() [][2]float64 {
	var b [][2]float64
	if !k.tauBounds.Fixed {
		for range k.tau {
			b = append(b, k.tauBounds.log())
		}
	}
	if !k.reflBounds.Fixed {
		for range k.logReflection {
			b = append(b, k.reflBounds.log())
		}
	}
	return b
}

// Gradient is analytic in tau and a central difference in the reflection
// angles, for which no closed form is derived.
func (k *SymmetricAngle) Gradient(x mat.Matrix) []*mat.Dense {
	var grads []*mat.Dense
	if !k.tauBounds.Fixed {
		grads = append(grads, tauGradient(k.dists(x, x), k.tau)...)
	}
	if k.reflBounds.Fixed {
		return grads
	}
	for a := range k.logReflection {
		plus := *k
		plus.logReflection = append([]float64(nil), k.logReflection...)
		plus.logReflection[a] += reflectionStep
		minus := *k
		minus.logReflection = append([]float64(nil), k.logReflection...)
		minus.logReflection[a] -= reflectionStep

		g := plus.Eval(x, nil)
		g.Sub(g, minus.Eval(x, nil))
		g.Scale(1/(2*reflectionStep), g)
		grads = append(grads, g)
	}
	return grads
}

func (k *SymmetricAngle) Spec() Spec {
	return Spec{
		Kind:       KindSymmetricAngle,
		InputDim:   k.angleDim + 1,
		Values:     append([]float64(nil), k.tau...),
		Reflection: append([]float64(nil), k.logReflection...),
		Bounds:     []Bounds{k.tauBounds, k.reflBounds},
	}
}
