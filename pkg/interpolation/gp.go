package interpolation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"drase/pkg/kernels"
)

// ErrNotFitted is returned when predicting with an unfitted process
var ErrNotFitted = errors.New("gaussian process is not fitted")

// jitterSteps are the diagonal regularizations tried, in order, when the
// final covariance matrix is not numerically positive definite.
var jitterSteps = []float64{0, 1e-10, 1e-8, 1e-6}

// GaussianProcess is a zero-mean GP regressor with per-point noise.
//
// The noise variances in Alpha are added to the kernel diagonal, so each
// training target can carry its own measurement uncertainty. Hyperparameters
// are chosen by maximizing the log marginal likelihood from the kernel's
// initial values plus NRestarts random starts inside the kernel bounds.
type GaussianProcess struct {
	// Kernel is the prior covariance; replaced by the optimized kernel on Fit
	Kernel kernels.Kernel

	// Alpha holds the noise variance of each training point
	Alpha []float64

	// NRestarts is the number of extra optimizer runs from random starts
	NRestarts int

	// Seed makes restart starting points reproducible
	Seed uint64

	// MaxIterations bounds each optimizer run; 0 selects a default
	MaxIterations int

	// NumWorkers bounds concurrent optimizer runs; 0 runs them all at once
	NumWorkers int

	xTrain   *mat.Dense
	dualCoef *mat.VecDense
	chol     *mat.Cholesky
	lml      float64
}

// FitOutcome reports how hyperparameter optimization ended. A process that
// did not converge is still usable; the caller decides what that means.
type FitOutcome struct {
	Converged bool
	Reason    string

	// LogMarginalLikelihood at the selected hyperparameters
	LogMarginalLikelihood float64

	// Runs and FailedRuns count optimizer runs in total and without convergence
	Runs       int
	FailedRuns int
}

// Fit optimizes the kernel hyperparameters and conditions on (x, y).
// Errors are reserved for malformed input; optimizer trouble is reported in
// the returned outcome.
func (g *GaussianProcess) Fit(x *mat.Dense, y []float64) (FitOutcome, error) {
	n, _ := x.Dims()
	if n == 0 {
		return FitOutcome{}, errors.New("no training points")
	}
	if len(y) != n {
		return FitOutcome{}, fmt.Errorf("got %d points and %d targets", n, len(y))
	}
	if len(g.Alpha) != n {
		return FitOutcome{}, fmt.Errorf("got %d points and %d noise variances", n, len(g.Alpha))
	}
	if g.Kernel == nil {
		return FitOutcome{}, errors.New("kernel is required")
	}

	outcome := FitOutcome{Converged: true}
	if len(g.Kernel.Theta()) > 0 {
		best, opt := g.optimize(x, y)
		outcome = opt
		k, err := g.Kernel.WithTheta(best)
		if err != nil {
			return outcome, err
		}
		g.Kernel = k
	}

	if err := g.condition(x, y); err != nil {
		return outcome, err
	}
	outcome.LogMarginalLikelihood = g.lml
	return outcome, nil
}

// condition factorizes K + diag(Alpha) and solves for the dual coefficients.
// Jitter is only added if the plain factorization fails.
func (g *GaussianProcess) condition(x *mat.Dense, y []float64) error {
	n, _ := x.Dims()
	K := g.Kernel.Eval(x, nil)
	yv := mat.NewVecDense(n, append([]float64(nil), y...))

	for _, jitter := range jitterSteps {
		sym := covariance(K, g.Alpha, jitter)
		var chol mat.Cholesky
		if !chol.Factorize(sym) {
			continue
		}
		var coef mat.VecDense
		if err := chol.SolveVecTo(&coef, yv); err != nil {
			continue
		}
		g.xTrain = mat.DenseCopyOf(x)
		g.dualCoef = &coef
		g.chol = &chol
		g.lml = -0.5*mat.Dot(yv, &coef) - 0.5*chol.LogDet() - float64(n)/2*math.Log(2*math.Pi)
		return nil
	}
	return errors.New("covariance matrix is not positive definite")
}

// covariance returns K + diag(alpha + jitter) as a symmetric matrix.
func covariance(K *mat.Dense, alpha []float64, jitter float64) *mat.SymDense {
	n, _ := K.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := K.At(i, j)
			if i == j {
				v += alpha[i] + jitter
			}
			sym.SetSym(i, j, v)
		}
	}
	return sym
}

// Fitted reports whether Fit or FromState has completed
func (g *GaussianProcess) Fitted() bool {
	return g.dualCoef != nil
}

// LogMarginalLikelihood of the conditioned process
func (g *GaussianProcess) LogMarginalLikelihood() float64 {
	return g.lml
}

// Predict returns the posterior mean at each row of xq.
func (g *GaussianProcess) Predict(xq mat.Matrix) ([]float64, error) {
	if !g.Fitted() {
		return nil, ErrNotFitted
	}
	nq, _ := xq.Dims()
	if nq == 0 {
		return []float64{}, nil
	}
	Kq := g.Kernel.Eval(xq, g.xTrain)
	var mean mat.VecDense
	mean.MulVec(Kq, g.dualCoef)
	return append([]float64(nil), mean.RawVector().Data...), nil
}

// PredictStd returns the posterior mean and standard deviation, without
// the training noise.
func (g *GaussianProcess) PredictStd(xq mat.Matrix) ([]float64, []float64, error) {
	mean, err := g.Predict(xq)
	if err != nil || len(mean) == 0 {
		return mean, []float64{}, err
	}
	Kq := g.Kernel.Eval(xq, g.xTrain)
	prior := g.Kernel.Diag(xq)
	std := make([]float64, len(mean))
	n, _ := g.xTrain.Dims()
	for i := range std {
		kstar := mat.NewVecDense(n, mat.Row(nil, i, Kq))
		var v mat.VecDense
		if err := g.chol.SolveVecTo(&v, kstar); err != nil {
			return nil, nil, err
		}
		variance := prior[i] - mat.Dot(kstar, &v)
		std[i] = math.Sqrt(math.Max(variance, 0))
	}
	return mean, std, nil
}

// State is the serializable fitted state of a process.
type State struct {
	Kernel   kernels.Spec `json:"kernel"`
	Rows     int          `json:"rows"`
	Cols     int          `json:"cols"`
	XTrain   []float64    `json:"xTrain"`
	Targets  []float64    `json:"targets"`
	Alpha    []float64    `json:"alpha"`
	LML      float64      `json:"lml"`
	Restarts int          `json:"restarts"`
}

// State captures the fitted process. Targets are stored rather than dual
// coefficients so FromState can refactorize and support PredictStd.
func (g *GaussianProcess) State(y []float64) (State, error) {
	if !g.Fitted() {
		return State{}, ErrNotFitted
	}
	r, c := g.xTrain.Dims()
	return State{
		Kernel:   g.Kernel.Spec(),
		Rows:     r,
		Cols:     c,
		XTrain:   append([]float64(nil), g.xTrain.RawMatrix().Data...),
		Targets:  append([]float64(nil), y...),
		Alpha:    append([]float64(nil), g.Alpha...),
		LML:      g.lml,
		Restarts: g.NRestarts,
	}, nil
}

// FromState rebuilds a fitted process without re-optimizing.
func FromState(s State) (*GaussianProcess, error) {
	k, err := kernels.FromSpec(s.Kernel)
	if err != nil {
		return nil, err
	}
	if s.Rows == 0 || len(s.XTrain) != s.Rows*s.Cols {
		return nil, fmt.Errorf("malformed training matrix %dx%d with %d values", s.Rows, s.Cols, len(s.XTrain))
	}
	g := &GaussianProcess{Kernel: k, Alpha: s.Alpha, NRestarts: s.Restarts}
	if err := g.condition(mat.NewDense(s.Rows, s.Cols, s.XTrain), s.Targets); err != nil {
		return nil, err
	}
	return g, nil
}
