package dynamic

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"drase/internal/models"
	"drase/pkg/energygp"
	"drase/pkg/interpolation"
	"drase/pkg/metrics"
)

// positionTolerance is how close (cm) a requested position must be to a
// measured one to count as the same point.
const positionTolerance = 1e-6

// FitSummary counts how the bins of a model ended up
type FitSummary struct {
	Bins     int `json:"bins"`
	ZeroBins int `json:"zeroBins"`
	Degraded int `json:"degraded"`
	Retried  int `json:"retried"`
}

// ManyGPsModel fits one SingleEnergyGP per energy bin. The same type serves
// ManyGPsROIModel, which only models the bins in its ROI, and
// SymmetricMGRModel, which forces a shared fixed reflection axis.
type ManyGPsModel struct {
	base

	roi     [2]int
	opts    energygp.Options
	bins    []*energygp.SingleEnergyGP
	summary FitSummary
}

func newManyGPs(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) (Model, error) {
	m := &ManyGPsModel{
		base: newBase(kind, detector, material, def, deps),
		roi:  [2]int{0, detector.ChanCount},
		opts: binOptions(kind, def),
	}
	if def.ROI != nil {
		m.roi = *def.ROI
	}
	return m, nil
}

// binOptions maps a model definition onto per-bin GP options
func binOptions(kind Kind, def ModelDef) energygp.Options {
	opts := energygp.Options{Anisotropic: def.Anisotropic, Workers: 1}
	if def.Reflection != nil {
		opts.Reflection = *def.Reflection
	}
	switch {
	case kind == SymmetricMGR:
		opts.Variant = energygp.FixedSymmetric
	case def.Kernel == KernelFitSymmetric:
		opts.Variant = energygp.FitSymmetric
	case def.Kernel == KernelChordal:
		opts.Chordal = true
	}
	return opts
}

// ROI returns the modeled half-open bin range
func (m *ManyGPsModel) ROI() [2]int { return m.roi }

// Summary reports bin outcomes of the last build
func (m *ManyGPsModel) Summary() FitSummary { return m.summary }

// Build fits every bin in the ROI on the selected training spectra.
func (m *ManyGPsModel) Build(ctx context.Context) error {
	if m.built {
		return nil
	}
	spectra, err := m.trainingSpectra(ctx)
	if err != nil {
		return err
	}
	train, err := selectPoints(spectra, m.def.Points)
	if err != nil {
		return err
	}

	start := time.Now()
	m.log.Infof("Fitting %d energy bins on %d spectra", m.roi[1]-m.roi[0], len(train))
	if err := m.fitBins(ctx, train); err != nil {
		m.bins = nil
		return err
	}
	m.built = true
	m.log.Infof("Fitted %d bins (%d zero, %d degraded, %d retried) in %.2f seconds",
		m.summary.Bins, m.summary.ZeroBins, m.summary.Degraded, m.summary.Retried, time.Since(start).Seconds())
	return nil
}

// selectPoints returns the spectra measured at the requested points, or all
// of them when none are requested.
func selectPoints(spectra []models.BaseSpectrumXYZ, points []models.Point3D) ([]models.BaseSpectrumXYZ, error) {
	if len(points) == 0 {
		return spectra, nil
	}
	positions := make([]models.Point3D, len(spectra))
	for i, s := range spectra {
		positions[i] = s.Position
	}
	idx := interpolation.NewPositionIndex(positions)

	out := make([]models.BaseSpectrumXYZ, 0, len(points))
	for _, p := range points {
		i, ok := idx.Exact(p, positionTolerance)
		if !ok {
			return nil, fmt.Errorf("training point %+v: %w", p, ErrPointNotFound)
		}
		out = append(out, spectra[i])
	}
	return out, nil
}

// fitBins fits the ROI bins on a pool of workers, each taking a contiguous
// range of bins.
func (m *ManyGPsModel) fitBins(ctx context.Context, train []models.BaseSpectrumXYZ) error {
	lo, hi := m.roi[0], m.roi[1]
	total := hi - lo

	points := make([]models.Point3D, len(train))
	weights := make([]float64, len(train))
	for i, s := range train {
		points[i] = s.Position
		weights[i] = s.Weight()
	}

	numWorkers := m.deps.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > total {
		numWorkers = total
	}

	bins := make([]*energygp.SingleEnergyGP, total)
	reports := make([]energygp.FitReport, total)

	var progressMutex sync.Mutex
	completed := 0
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				progressMutex.Lock()
				current := completed
				progressMutex.Unlock()
				m.reportProgress(current, total, "fitting energy bins")
			case <-done:
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var errOnce sync.Once
	var firstErr error

	binsPerWorker := (total + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startIdx := w * binsPerWorker
		endIdx := startIdx + binsPerWorker
		if endIdx > total {
			endIdx = total
		}
		if startIdx >= endIdx {
			continue
		}

		wg.Add(1)
		go func(startIdx, endIdx int) {
			defer wg.Done()
			y := make([]float64, len(train))
			for i := startIdx; i < endIdx; i++ {
				if ctx.Err() != nil {
					return
				}
				bin := lo + i
				for j, s := range train {
					y[j] = s.Counts[bin] / weights[j]
				}

				opts := m.opts
				opts.Seed = m.deps.Seed + uint64(bin)<<8
				g := energygp.New(bin, opts)
				fitStart := time.Now()
				report, err := g.Fit(points, y, weights)
				if err != nil {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("%s %s/%s: %w", m.kind, m.detector.Name, m.material, err)
						cancel()
					})
					return
				}
				m.deps.Metrics.ObserveFit(string(m.kind), outcomeLabel(report), time.Since(fitStart))
				m.log.Debugf("bin %d fitted: zero=%v retried=%v lml=%.3f",
					bin, report.ZeroBin, report.Retried, report.Outcome.LogMarginalLikelihood)

				bins[i] = g
				reports[i] = report

				progressMutex.Lock()
				completed++
				progressMutex.Unlock()
			}
		}(startIdx, endIdx)
	}
	wg.Wait()
	close(done)
	<-stopped

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.bins = bins
	m.summary = FitSummary{Bins: total}
	for _, r := range reports {
		if r.ZeroBin {
			m.summary.ZeroBins++
		}
		if r.Degraded {
			m.summary.Degraded++
		}
		if r.Retried {
			m.summary.Retried++
		}
	}
	m.reportProgress(total, total, "energy bins fitted")
	return nil
}

func (m *ManyGPsModel) reportProgress(completed, total int, message string) {
	if m.deps.Progress != nil {
		m.deps.Progress(completed, total, message)
	}
}

func outcomeLabel(r energygp.FitReport) string {
	switch {
	case r.Degraded:
		return metrics.FitDegraded
	case r.ZeroBin:
		return metrics.FitZeroBin
	case r.Retried:
		return metrics.FitRetried
	default:
		return metrics.FitConverged
	}
}

// Query predicts the rate of every requested bin at every position. Bins
// outside the ROI are zero.
func (m *ManyGPsModel) Query(xyz []models.Point3D, energies []int) ([][]float64, error) {
	if !m.built {
		return nil, ErrNotBuilt
	}
	bins, err := m.energyBins(energies)
	if err != nil {
		return nil, err
	}
	out := newRateMatrix(len(xyz), len(bins))
	if len(xyz) == 0 {
		return out, nil
	}
	for j, e := range bins {
		if e < m.roi[0] || e >= m.roi[1] {
			continue
		}
		pred, err := m.bins[e-m.roi[0]].Predict(xyz, false)
		if err != nil {
			return nil, fmt.Errorf("bin %d: %w", e, err)
		}
		for i, v := range pred {
			out[i][j] = v
		}
	}
	return out, nil
}
