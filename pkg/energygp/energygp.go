// Package energygp fits one Gaussian process per energy bin over detector
// position, on 1/r^2-detrended count rates.
package energygp

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"drase/internal/models"
	"drase/pkg/coords"
	"drase/pkg/interpolation"
	"drase/pkg/kernels"
	"drase/pkg/logging"
	"drase/pkg/transform"
)

// lowStatisticsCounts is the largest training count at which a failed
// optimization is expected and the bin is treated as empty.
const lowStatisticsCounts = 10

// DefaultRestarts is the number of extra optimizer starts per bin
const DefaultRestarts = 4

// ErrNotFitted is returned when predicting before Fit
var ErrNotFitted = errors.New("energy bin GP is not fitted")

// Variant selects the angular kernel of a bin.
type Variant int

const (
	// Default uses a spherical kernel
	Default Variant = iota

	// FitSymmetric learns a reflection axis per bin
	FitSymmetric

	// FixedSymmetric uses a reflection axis supplied by the caller
	FixedSymmetric
)

func (v Variant) String() string {
	switch v {
	case Default:
		return "default"
	case FitSymmetric:
		return "fit_symmetric"
	case FixedSymmetric:
		return "fixed_symmetric"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Options configures kernel construction and optimization for one bin.
type Options struct {
	Variant Variant

	// Chordal measures angular separation by chord instead of arc length
	Chordal bool

	// Anisotropic gives theta and phi separate tau values
	Anisotropic bool

	// Reflection is the (theta, phi) symmetry axis in radians. It is the
	// starting point for FitSymmetric and the fixed axis for FixedSymmetric.
	Reflection [2]float64

	// NRestarts defaults to DefaultRestarts when zero; use a negative value
	// for no restarts
	NRestarts int

	// MaxIterations bounds each optimizer run; 0 selects the GP default
	MaxIterations int

	Seed    uint64
	Workers int
}

func (o Options) restarts() int {
	switch {
	case o.NRestarts == 0:
		return DefaultRestarts
	case o.NRestarts < 0:
		return 0
	default:
		return o.NRestarts
	}
}

// FitReport describes how a bin fit ended.
type FitReport struct {
	Bin int

	// ZeroBin is set when the bin always predicts zero
	ZeroBin bool

	// Degraded is set when a failed optimization at low statistics was
	// turned into a zero bin
	Degraded bool

	// Retried is set when a failed optimization at usable statistics was
	// refit once; Warning carries the optimizer's reason
	Retried bool
	Warning string

	Outcome interpolation.FitOutcome
}

// SingleEnergyGP models the count rate of one energy bin over position.
// It is unbuilt until Fit and immutable afterwards.
type SingleEnergyGP struct {
	Bin  int
	opts Options

	fitted    bool
	zeroBin   bool
	transform *transform.InverseR2
	gp        *interpolation.GaussianProcess
	targets   []float64

	log *logrus.Entry
}

// New creates an unfitted bin model
func New(bin int, opts Options) *SingleEnergyGP {
	return &SingleEnergyGP{
		Bin:  bin,
		opts: opts,
		log:  logging.NamedLogger("energygp").WithField("bin", bin),
	}
}

// ZeroBin reports whether the bin short-circuits to zero
func (s *SingleEnergyGP) ZeroBin() bool { return s.zeroBin }

// Fitted reports whether Fit has completed
func (s *SingleEnergyGP) Fitted() bool { return s.fitted }

// Kernel returns the fitted kernel, nil for zero bins
func (s *SingleEnergyGP) Kernel() kernels.Kernel {
	if s.gp == nil {
		return nil
	}
	return s.gp.Kernel
}

// Fit trains the bin on rates y (counts per second per unit dose) measured
// at points, where weights convert rates back to counts.
func (s *SingleEnergyGP) Fit(points []models.Point3D, y, weights []float64) (FitReport, error) {
	report := FitReport{Bin: s.Bin}
	if len(points) != len(y) || len(y) != len(weights) {
		return report, fmt.Errorf("bin %d: got %d points, %d targets, %d weights", s.Bin, len(points), len(y), len(weights))
	}
	if len(y) == 0 {
		return report, fmt.Errorf("bin %d: no training points", s.Bin)
	}

	if allZero(y) {
		s.markZero()
		report.ZeroBin = true
		return report, nil
	}

	var tr coords.Transformer
	xs := tr.Transform(points)

	t := &transform.InverseR2{}
	if err := t.Fit(xs, y, weights); err != nil {
		return report, fmt.Errorf("bin %d: %w", s.Bin, err)
	}
	yt, err := t.Transform(xs, y)
	if err != nil {
		return report, fmt.Errorf("bin %d: %w", s.Bin, err)
	}
	alpha, err := t.PointVariances(xs, y, weights)
	if err != nil {
		return report, fmt.Errorf("bin %d: %w", s.Bin, err)
	}

	kernel, err := s.buildKernel()
	if err != nil {
		return report, fmt.Errorf("bin %d: %w", s.Bin, err)
	}
	gp := &interpolation.GaussianProcess{
		Kernel:        kernel,
		Alpha:         alpha,
		NRestarts:     s.opts.restarts(),
		Seed:          s.opts.Seed,
		NumWorkers:    s.opts.Workers,
		MaxIterations: s.opts.MaxIterations,
	}
	outcome, err := gp.Fit(xs, yt)
	if err != nil {
		return report, fmt.Errorf("bin %d: %w", s.Bin, err)
	}
	report.Outcome = outcome

	if !outcome.Converged {
		counts := make([]float64, len(y))
		floats.MulTo(counts, y, weights)
		if floats.Max(counts) < lowStatisticsCounts {
			s.markZero()
			report.ZeroBin = true
			report.Degraded = true
			s.log.Debugf("optimizer did not converge at low statistics, treating as empty: %s", outcome.Reason)
			return report, nil
		}

		report.Warning = outcome.Reason
		report.Retried = true
		s.log.Warnf("optimizer did not converge with %.0f max counts, refitting once: %s", floats.Max(counts), outcome.Reason)

		kernel, err = s.buildKernel()
		if err != nil {
			return report, fmt.Errorf("bin %d: %w", s.Bin, err)
		}
		gp = &interpolation.GaussianProcess{
			Kernel:        kernel,
			Alpha:         alpha,
			NRestarts:     s.opts.restarts(),
			Seed:          s.opts.Seed + 1,
			NumWorkers:    s.opts.Workers,
			MaxIterations: s.opts.MaxIterations,
		}
		if report.Outcome, err = gp.Fit(xs, yt); err != nil {
			return report, fmt.Errorf("bin %d refit: %w", s.Bin, err)
		}
	}

	s.transform = t
	s.gp = gp
	s.targets = yt
	s.fitted = true
	return report, nil
}

func (s *SingleEnergyGP) markZero() {
	s.zeroBin = true
	s.fitted = true
	s.gp = nil
	s.transform = nil
}

// Predict returns the rate at each point. A zero bin returns zeros without
// touching the regressor. With returnModel the raw transformed GP output is
// returned instead of physical rates.
func (s *SingleEnergyGP) Predict(points []models.Point3D, returnModel bool) ([]float64, error) {
	if !s.fitted {
		return nil, ErrNotFitted
	}
	if s.zeroBin {
		return make([]float64, len(points)), nil
	}
	if len(points) == 0 {
		return []float64{}, nil
	}
	var tr coords.Transformer
	xs := tr.Transform(points)
	yt, err := s.gp.Predict(xs)
	if err != nil {
		return nil, err
	}
	if returnModel {
		return yt, nil
	}
	return s.transform.InverseTransform(xs, yt)
}

// buildKernel assembles amplitude * angular * radial for the configured
// variant.
func (s *SingleEnergyGP) buildKernel() (kernels.Kernel, error) {
	const inputDim = 3
	tauBounds := kernels.Bounds{Lo: 4, Hi: 1e3}
	tau := []float64{8}
	if s.opts.Anisotropic {
		tau = []float64{8, 8}
	}

	var angular kernels.Kernel
	var err error
	switch s.opts.Variant {
	case Default:
		if s.opts.Chordal {
			angular, err = kernels.NewSphericalChordal(tau, tauBounds, inputDim)
		} else {
			angular, err = kernels.NewSpherical(tau, tauBounds, inputDim)
		}
	case FitSymmetric, FixedSymmetric:
		refl := s.opts.Reflection
		if refl == [2]float64{} {
			refl = [2]float64{math.Pi / 2, math.Pi / 2}
		}
		logRefl := []float64{math.Log(refl[0]), math.Log(refl[1])}
		reflBounds := kernels.Bounds{Lo: 1e-3, Hi: 2 * math.Pi}
		if s.opts.Variant == FixedSymmetric {
			reflBounds = kernels.Fixed
		}
		angular, err = kernels.NewSymmetricAngle(tau, tauBounds, inputDim, logRefl, reflBounds)
	default:
		return nil, fmt.Errorf("unknown variant %v", s.opts.Variant)
	}
	if err != nil {
		return nil, err
	}

	amplitude := kernels.NewConstant(0.1, kernels.Bounds{Lo: 1e-6, Hi: 1e2})
	radial := kernels.NewNSRadial(100, kernels.Bounds{Lo: 1, Hi: 1e5}, 1, kernels.Bounds{Lo: 1e-2, Hi: 2})
	return kernels.NewProduct(kernels.NewProduct(amplitude, angular), radial), nil
}

func allZero(y []float64) bool {
	for _, v := range y {
		if v != 0 {
			return false
		}
	}
	return true
}

// State is the serializable form of a fitted bin.
type State struct {
	Bin         int                  `json:"bin"`
	Variant     Variant              `json:"variant"`
	ZeroBin     bool                 `json:"zeroBin"`
	Coefficient float64              `json:"coefficient,omitempty"`
	GP          *interpolation.State `json:"gp,omitempty"`
}

// State captures a fitted bin
func (s *SingleEnergyGP) State() (State, error) {
	if !s.fitted {
		return State{}, ErrNotFitted
	}
	st := State{Bin: s.Bin, Variant: s.opts.Variant, ZeroBin: s.zeroBin}
	if s.zeroBin {
		return st, nil
	}
	gs, err := s.gp.State(s.targets)
	if err != nil {
		return State{}, err
	}
	st.Coefficient = s.transform.Coefficient()
	st.GP = &gs
	return st, nil
}

// FromState restores a fitted bin without refitting
func FromState(st State) (*SingleEnergyGP, error) {
	s := New(st.Bin, Options{Variant: st.Variant})
	if st.ZeroBin {
		s.markZero()
		return s, nil
	}
	if st.GP == nil {
		return nil, fmt.Errorf("bin %d: missing GP state", st.Bin)
	}
	t, err := transform.NewFitted(st.Coefficient)
	if err != nil {
		return nil, fmt.Errorf("bin %d: %w", st.Bin, err)
	}
	gp, err := interpolation.FromState(*st.GP)
	if err != nil {
		return nil, fmt.Errorf("bin %d: %w", st.Bin, err)
	}
	s.transform = t
	s.gp = gp
	s.targets = st.GP.Targets
	s.fitted = true
	return s, nil
}
