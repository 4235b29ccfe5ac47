package interpolation

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"drase/pkg/kernels"
)

const (
	defaultMaxIterations = 500

	// failedObjective replaces -LML where the covariance is not factorizable
	failedObjective = 1e25
)

// logMarginalLikelihood returns the LML of (x, y) under k and its gradient
// with respect to the kernel's log hyperparameters. ok is false when the
// covariance cannot be factorized.
func logMarginalLikelihood(k kernels.Kernel, x *mat.Dense, y, alpha []float64, withGrad bool) (float64, []float64, bool) {
	n, _ := x.Dims()
	K := k.Eval(x, nil)
	var chol mat.Cholesky
	if !chol.Factorize(covariance(K, alpha, 0)) {
		return math.Inf(-1), nil, false
	}
	yv := mat.NewVecDense(n, append([]float64(nil), y...))
	var a mat.VecDense
	if err := chol.SolveVecTo(&a, yv); err != nil {
		return math.Inf(-1), nil, false
	}
	lml := -0.5*mat.Dot(yv, &a) - 0.5*chol.LogDet() - float64(n)/2*math.Log(2*math.Pi)
	if !withGrad {
		return lml, nil, true
	}

	// dLML/dtheta = 0.5 tr((a a^T - K^-1) dK/dtheta)
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return math.Inf(-1), nil, false
	}
	grads := k.Gradient(x)
	out := make([]float64, len(grads))
	for p, dK := range grads {
		s := 0.0
		for i := 0; i < n; i++ {
			ai := a.AtVec(i)
			for j := 0; j < n; j++ {
				s += (ai*a.AtVec(j) - inv.At(i, j)) * dK.At(j, i)
			}
		}
		out[p] = 0.5 * s
	}
	return lml, out, true
}

// boxMap maps an unconstrained optimizer variable onto a bounded log
// hyperparameter through a logistic function.
type boxMap struct {
	bounds [][2]float64
}

func sigmoid(u float64) float64 { return 1 / (1 + math.Exp(-u)) }

func (b boxMap) theta(u []float64) []float64 {
	t := make([]float64, len(u))
	for i, ui := range u {
		lo, hi := b.bounds[i][0], b.bounds[i][1]
		t[i] = lo + (hi-lo)*sigmoid(ui)
	}
	return t
}

func (b boxMap) unconstrained(theta []float64) []float64 {
	u := make([]float64, len(theta))
	for i, ti := range theta {
		lo, hi := b.bounds[i][0], b.bounds[i][1]
		p := (ti - lo) / (hi - lo)
		p = math.Min(math.Max(p, 1e-6), 1-1e-6)
		u[i] = math.Log(p / (1 - p))
	}
	return u
}

// chain converts dF/dtheta into dF/du in place.
func (b boxMap) chain(grad, u []float64) {
	for i := range grad {
		s := sigmoid(u[i])
		grad[i] *= (b.bounds[i][1] - b.bounds[i][0]) * s * (1 - s)
	}
}

type runResult struct {
	index     int
	theta     []float64
	lml       float64
	converged bool
	reason    string
}

// optimize runs L-BFGS from the kernel's current hyperparameters and from
// NRestarts uniform random starts inside the bounds, concurrently, and
// returns the best hyperparameters found.
func (g *GaussianProcess) optimize(x *mat.Dense, y []float64) ([]float64, FitOutcome) {
	bounds := g.Kernel.Bounds()
	box := boxMap{bounds: bounds}

	starts := [][]float64{g.Kernel.Theta()}
	rng := rand.New(rand.NewSource(g.Seed))
	for r := 0; r < g.NRestarts; r++ {
		t := make([]float64, len(bounds))
		for i, b := range bounds {
			t[i] = b[0] + (b[1]-b[0])*rng.Float64()
		}
		starts = append(starts, t)
	}

	workers := g.NumWorkers
	if workers <= 0 || workers > len(starts) {
		workers = len(starts)
	}
	sem := make(chan struct{}, workers)
	resultChan := make(chan runResult, len(starts))
	var wg sync.WaitGroup
	for i, start := range starts {
		wg.Add(1)
		go func(index int, start []float64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res := g.run(x, y, box, start)
			res.index = index
			resultChan <- res
		}(i, start)
	}
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var results []runResult
	for res := range resultChan {
		results = append(results, res)
	}
	// Collection order depends on scheduling; sort for a deterministic pick.
	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	outcome := FitOutcome{Converged: true, Runs: len(results)}
	best := -1
	for i, res := range results {
		if !res.converged {
			outcome.Converged = false
			outcome.FailedRuns++
			if outcome.Reason == "" {
				outcome.Reason = res.reason
			}
		}
		if math.IsInf(res.lml, -1) {
			continue
		}
		if best < 0 || res.lml > results[best].lml {
			best = i
		}
	}
	if best < 0 {
		outcome.Converged = false
		outcome.Reason = "no optimizer run reached a factorizable covariance"
		return g.Kernel.Theta(), outcome
	}
	if !outcome.Converged {
		outcome.Reason = fmt.Sprintf("%d of %d optimizer runs failed to converge: %s",
			outcome.FailedRuns, outcome.Runs, outcome.Reason)
	}
	return results[best].theta, outcome
}

// run performs one bounded L-BFGS minimization of -LML.
func (g *GaussianProcess) run(x *mat.Dense, y []float64, box boxMap, start []float64) runResult {
	objective := func(u []float64) (float64, []float64) {
		theta := box.theta(u)
		k, err := g.Kernel.WithTheta(theta)
		if err != nil {
			return failedObjective, make([]float64, len(u))
		}
		lml, grad, ok := logMarginalLikelihood(k, x, y, g.Alpha, true)
		if !ok {
			return failedObjective, make([]float64, len(u))
		}
		for i := range grad {
			grad[i] = -grad[i]
		}
		box.chain(grad, u)
		return -lml, grad
	}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			f, _ := objective(u)
			return f
		},
		Grad: func(grad, u []float64) {
			_, gr := objective(u)
			copy(grad, gr)
		},
	}

	maxIter := g.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-5,
		MajorIterations:   maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, box.unconstrained(start), settings, &optimize.LBFGS{})
	if result == nil {
		return runResult{theta: start, lml: math.Inf(-1), reason: fmt.Sprintf("optimizer error: %v", err)}
	}

	theta := box.theta(result.X)
	res := runResult{theta: theta, lml: -result.F, converged: true}
	if result.F >= failedObjective {
		res.lml = math.Inf(-1)
	}
	switch {
	case err != nil:
		res.converged = false
		res.reason = fmt.Sprintf("optimizer error: %v", err)
	case !convergedStatus(result.Status):
		res.converged = false
		res.reason = fmt.Sprintf("optimizer stopped with status %v", result.Status)
	}
	return res
}

func convergedStatus(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence,
		optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}
