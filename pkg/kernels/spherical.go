package kernels

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// distClip keeps 1-d away from zero where log(1-d) appears in gradients.
const distClip = 1e-12

// arcDistance is the geodesic angular separation normalized to [0, 1].
func arcDistance(a, b float64) float64 {
	c := math.Max(-1, math.Min(1, math.Cos(a-b)))
	return math.Acos(c) / math.Pi
}

// chordDistance is the chordal angular separation, in [0, 1].
func chordDistance(a, b float64) float64 {
	return math.Abs(math.Sin((a - b) / 2))
}

// weight is the small-tau-scale correlation (1 + tau d)(1 - d)^tau.
// It is positive definite on the sphere for tau >= 4.
func weight(d, tau float64) float64 {
	return (1 + tau*d) * math.Pow(1-d, tau)
}

// weightDTau is dW/dtau with d clipped away from 1.
func weightDTau(d, tau float64) float64 {
	d = math.Min(d, 1-distClip)
	base := math.Pow(1-d, tau)
	return d*base + (1+tau*d)*base*math.Log(1-d)
}

// Spherical correlates points by their angular separation. The radius
// column is ignored; theta and phi weights multiply.
type Spherical struct {
	tau      []float64
	bounds   Bounds
	angleDim int
	kind     string
	distance func(a, b float64) float64
}

// NewSpherical creates a geodesic-distance spherical kernel. inputDim counts
// the radius column, so it is 2 for (r, theta) and 3 for (r, theta, phi).
// A tau of length one is isotropic, otherwise it needs one entry per angle.
// Bounds should keep tau >= 4.
func NewSpherical(tau []float64, bounds Bounds, inputDim int) (*Spherical, error) {
	return newSpherical(KindSpherical, arcDistance, tau, bounds, inputDim)
}

// NewSphericalChordal is NewSpherical with chordal instead of arc distance.
func NewSphericalChordal(tau []float64, bounds Bounds, inputDim int) (*Spherical, error) {
	return newSpherical(KindSphericalChord, chordDistance, tau, bounds, inputDim)
}

func newSpherical(kind string, dist func(a, b float64) float64, tau []float64, bounds Bounds, inputDim int) (*Spherical, error) {
	angleDim := inputDim - 1
	if angleDim != 1 && angleDim != 2 {
		return nil, fmt.Errorf("%w: got input dimension %d", ErrInvalidAngleDim, inputDim)
	}
	if len(tau) == 0 || (len(tau) > 1 && len(tau) != angleDim) {
		return nil, fmt.Errorf("%w: tau has %d entries for %d angles", ErrInvalidParameter, len(tau), angleDim)
	}
	return &Spherical{
		tau:      append([]float64(nil), tau...),
		bounds:   bounds,
		angleDim: angleDim,
		kind:     kind,
		distance: dist,
	}, nil
}

// Anisotropic reports whether each angle has its own tau
func (k *Spherical) Anisotropic() bool { return len(k.tau) > 1 }

// Tau returns a copy of the tau values
func (k *Spherical) Tau() []float64 { return append([]float64(nil), k.tau...) }

func (k *Spherical) tauFor(dim int) float64 {
	if k.Anisotropic() {
		return k.tau[dim]
	}
	return k.tau[0]
}

// dists returns the per-angle normalized distances of every pair.
func (k *Spherical) dists(x, y mat.Matrix) []*mat.Dense {
	return angleDistances(x, y, k.angleDim, k.distance)
}

func angleDistances(x, y mat.Matrix, angleDim int, dist func(a, b float64) float64) []*mat.Dense {
	out := make([]*mat.Dense, angleDim)
	for a := range out {
		col := a + 1
		out[a] = pairwise(x, y, func(i, j int) float64 {
			return dist(x.At(i, col), y.At(j, col))
		})
	}
	return out
}

func (k *Spherical) Eval(x, y mat.Matrix) *mat.Dense {
	if y == nil {
		y = x
	}
	return evalWeights(k.dists(x, y), k.tauFor)
}

// evalWeights multiplies the per-angle weights of each pair.
func evalWeights(d []*mat.Dense, tauFor func(int) float64) *mat.Dense {
	n, m := d[0].Dims()
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			w := 1.0
			for a := range d {
				w *= weight(d[a].At(i, j), tauFor(a))
			}
			out.Set(i, j, w)
		}
	}
	return out
}

func (k *Spherical) Diag(x mat.Matrix) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n)
	for i := range d {
		d[i] = 1
	}
	return d
}

func (k *Spherical) Theta() []float64 {
	if k.bounds.Fixed {
		return nil
	}
	theta := make([]float64, len(k.tau))
	for i, t := range k.tau {
		theta[i] = math.Log(t)
	}
	return theta
}

func (k *Spherical) WithTheta(theta []float64) (Kernel, error) {
	if k.bounds.Fixed {
		if len(theta) != 0 {
			return nil, fmt.Errorf("%w: spherical kernel is fixed", ErrInvalidParameter)
		}
		return k, nil
	}
	if len(theta) != len(k.tau) {
		return nil, fmt.Errorf("%w: spherical kernel takes %d parameters, got %d", ErrInvalidParameter, len(k.tau), len(theta))
	}
	c := *k
	c.tau = make([]float64, len(theta))
	for i, t := range theta {
		c.tau[i] = math.Exp(t)
	}
	return &c, nil
}

func (k *Spherical) Bounds() [][2]float64 {
	if k.bounds.Fixed {
		return nil
	}
	b := make([][2]float64, len(k.tau))
	for i := range b {
		b[i] = k.bounds.log()
	}
	return b
}

// Gradient is analytic in both the isotropic and anisotropic cases.
func (k *Spherical) Gradient(x mat.Matrix) []*mat.Dense {
	if k.bounds.Fixed {
		return nil
	}
	return tauGradient(k.dists(x, x), k.tau)
}

// tauGradient returns dK/dlog(tau). With one shared tau the product rule
// sums over angles; otherwise each tau only touches its own angle.
func tauGradient(d []*mat.Dense, tau []float64) []*mat.Dense {
	n, m := d[0].Dims()
	anisotropic := len(tau) > 1
	tauFor := func(a int) float64 {
		if anisotropic {
			return tau[a]
		}
		return tau[0]
	}

	grads := make([]*mat.Dense, len(tau))
	for g := range grads {
		grads[g] = mat.NewDense(n, m, nil)
	}
	w := make([]float64, len(d))
	dw := make([]float64, len(d))
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			for a := range d {
				dist := d[a].At(i, j)
				w[a] = weight(dist, tauFor(a))
				dw[a] = weightDTau(dist, tauFor(a)) * tauFor(a)
			}
			for a := range d {
				term := dw[a]
				for b := range d {
					if b != a {
						term *= w[b]
					}
				}
				g := 0
				if anisotropic {
					g = a
				}
				grads[g].Set(i, j, grads[g].At(i, j)+term)
			}
		}
	}
	return grads
}

func (k *Spherical) Spec() Spec {
	return Spec{
		Kind:     k.kind,
		InputDim: k.angleDim + 1,
		Values:   k.Tau(),
		Bounds:   []Bounds{k.bounds},
	}
}
