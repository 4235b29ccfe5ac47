// Package idset turns a detector, a scenario and a model definition into
// Poisson sampled spectra, one pipeline stage at a time.
package idset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"drase/internal/models"
	"drase/pkg/dynamic"
	"drase/pkg/logging"
	"drase/pkg/metrics"
	"drase/pkg/scenario"
	"drase/pkg/store"
)

// ErrStageOrder is returned when a stage runs before the one it depends on
var ErrStageOrder = errors.New("pipeline stage run out of order")

// ErrNonFiniteRate is returned when an expected count is NaN or infinite
var ErrNonFiniteRate = errors.New("non-finite expected count")

// Pipeline stage names, also used as metric labels
const (
	StageModels    = "models"
	StageGenerate  = "generate"
	StageIntegrate = "integrate"
	StageSample    = "sample"
	StageSum       = "sum"
)

// Params holds the configuration of one test run.
type Params struct {
	// Detector is the name of the detector in the store. Its channel count
	// fixes the width of every spectrum the set produces.
	Detector string

	// Scenario supplies the path, the sampling clock, the source strengths
	// and the number of replications.
	Scenario *scenario.DynamicScenario

	// Model and ModelDef select the model built for every source material.
	Model    dynamic.Kind
	ModelDef dynamic.ModelDef

	// Seed drives every Poisson draw of the set. Two sets with the same
	// seed and inputs sample identical spectra.
	Seed uint64
}

// Spectra is the output of a completed pipeline. Arrays are indexed
// [replication][period][channel].
type Spectra struct {
	RunID string `json:"runId"`

	// Foreground holds sources plus backgrounds, as a detector would see them
	Foreground [][][]float64 `json:"foreground"`

	// Background holds the sampled backgrounds alone. It carries the same
	// replication axis as Foreground rather than a single [period][channel]
	// array, so each replication pairs with its own background draw.
	Background [][][]float64 `json:"background"`

	// Secondary is an independent background sample per replication,
	// scaled to the shortest background live time
	Secondary [][]float64 `json:"secondary,omitempty"`

	// Dose is the integrated quantity * r^-2 per period for each source
	Dose map[string][]float64 `json:"dose"`
}

// DynamicIDSet is the per-test workspace. Its stages must run in order:
// MakeModels, GenerateSpectra, IntegrateSpectra, SampleSpectra, SumSpectra.
// Clear drops every intermediate result.
type DynamicIDSet struct {
	RunID string

	params   Params
	store    store.Store
	provider dynamic.Provider
	metrics  *metrics.Collector
	src      rand.Source

	detector    models.Detector
	backgrounds []models.ScaledBackground
	models      map[string]dynamic.Model

	generated  map[string][][]float64
	integrated map[string][][]float64
	dose       map[string][]float64
	sampled    map[string][][][]float64
	bgSampled  [][][][]float64
	secondary  [][]float64
	result     *Spectra

	log *logrus.Entry
}

// New creates an empty set. Nothing is loaded until MakeModels.
func New(params Params, s store.Store, provider dynamic.Provider, collector *metrics.Collector) (*DynamicIDSet, error) {
	if params.Scenario == nil {
		return nil, errors.New("scenario is required")
	}
	if err := params.Model.Validate(params.ModelDef); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &DynamicIDSet{
		RunID:    runID,
		params:   params,
		store:    s,
		provider: provider,
		metrics:  collector,
		src:      rand.NewSource(params.Seed),
		log: logging.NamedLogger("idset").WithFields(logrus.Fields{
			"run":      runID,
			"detector": params.Detector,
			"scenario": params.Scenario.Name,
		}),
	}, nil
}

func (d *DynamicIDSet) observe(stage string, start time.Time) {
	d.metrics.ObserveStage(stage, time.Since(start))
}

// MakeModels looks up, builds or, with force, rebuilds the model of every
// source material, and loads the scenario backgrounds.
func (d *DynamicIDSet) MakeModels(ctx context.Context, force bool) error {
	defer d.observe(StageModels, time.Now())
	d.log.Info("Step 1: Making models...")
	d.dropAfter(StageModels)

	det, err := d.store.GetDetector(ctx, d.params.Detector)
	if err != nil {
		return err
	}
	bgs, err := d.store.GetBackgroundSpectra(ctx, d.params.Detector, d.params.Scenario.Name)
	if err != nil {
		return err
	}

	built := make(map[string]dynamic.Model)
	for _, source := range d.params.Scenario.SourceNames() {
		m, err := d.provider.GetOrBuild(ctx, d.params.Detector, source, d.params.Model, d.params.ModelDef, force)
		if err != nil {
			return fmt.Errorf("model for %s: %w", source, err)
		}
		built[source] = m
	}
	d.detector = det
	d.backgrounds = bgs
	d.models = built
	return nil
}

// GenerateSpectra queries each source model at every sample position.
func (d *DynamicIDSet) GenerateSpectra() error {
	if d.models == nil {
		return fmt.Errorf("%w: generate before models are made", ErrStageOrder)
	}
	defer d.observe(StageGenerate, time.Now())
	d.log.Info("Step 2: Generating spectra...")
	d.dropAfter(StageGenerate)

	xyz := d.params.Scenario.XYZ()
	generated := make(map[string][][]float64, len(d.models))
	for source, m := range d.models {
		rates, err := m.Query(xyz, nil)
		if err != nil {
			return fmt.Errorf("query %s: %w", source, err)
		}
		generated[source] = rates
	}
	d.generated = generated
	return nil
}

// IntegrateSpectra collapses sample-time rates into per-period expected
// counts per unit dose.
func (d *DynamicIDSet) IntegrateSpectra() error {
	if d.generated == nil {
		return fmt.Errorf("%w: integrate before spectra are generated", ErrStageOrder)
	}
	defer d.observe(StageIntegrate, time.Now())
	d.log.Info("Step 3: Integrating spectra...")
	d.dropAfter(StageIntegrate)

	sc := d.params.Scenario
	integrated := make(map[string][][]float64, len(d.generated))
	dose := make(map[string][]float64, len(d.generated))
	for source, rates := range d.generated {
		periods, err := sc.SumToPeriod(rates)
		if err != nil {
			return fmt.Errorf("integrate %s: %w", source, err)
		}
		integrated[source] = periods

		if dose[source], err = sc.Dose(sc.Def.Sources[source].Quantity); err != nil {
			return fmt.Errorf("dose %s: %w", source, err)
		}
	}
	d.integrated = integrated
	d.dose = dose
	return nil
}

// SampleSpectra draws Poisson counts for every replication, source and
// background. Negative expectations are clipped to zero first.
func (d *DynamicIDSet) SampleSpectra() error {
	if d.integrated == nil {
		return fmt.Errorf("%w: sample before spectra are integrated", ErrStageOrder)
	}
	defer d.observe(StageSample, time.Now())
	d.log.Info("Step 4: Sampling spectra...")
	d.dropAfter(StageSample)

	sc := d.params.Scenario
	reps := sc.Def.Replications
	periods := sc.NumPeriods()
	chans := d.detector.ChanCount

	sampled := make(map[string][][][]float64, len(d.integrated))
	for _, source := range sc.SourceNames() {
		quantity := sc.Def.Sources[source].Quantity
		expected := d.integrated[source]
		out := newCube(reps, periods, chans)
		for r := 0; r < reps; r++ {
			for p := 0; p < periods; p++ {
				for c := 0; c < chans; c++ {
					v, err := d.poisson(expected[p][c] * quantity)
					if err != nil {
						return fmt.Errorf("sample %s channel %d: %w", source, c, err)
					}
					out[r][p][c] = v
				}
			}
		}
		sampled[source] = out
	}

	bgSampled := make([][][][]float64, len(d.backgrounds))
	for i, bg := range d.backgrounds {
		factor := sc.Def.OutputPeriod / bg.Spectrum.RealTime * bg.Scale
		out := newCube(reps, periods, chans)
		for r := 0; r < reps; r++ {
			for p := 0; p < periods; p++ {
				for c := 0; c < chans; c++ {
					v, err := d.poisson(bg.Spectrum.Counts[c] * factor)
					if err != nil {
						return fmt.Errorf("sample background %s channel %d: %w", bg.Spectrum.Material, c, err)
					}
					out[r][p][c] = v
				}
			}
		}
		bgSampled[i] = out
	}

	secondary, err := d.sampleSecondary(reps, chans)
	if err != nil {
		return err
	}
	d.sampled = sampled
	d.bgSampled = bgSampled
	d.secondary = secondary
	return nil
}

// sampleSecondary draws one overall background per replication, every
// background scaled to the shortest background live time.
func (d *DynamicIDSet) sampleSecondary(reps, chans int) ([][]float64, error) {
	if len(d.backgrounds) == 0 {
		return nil, nil
	}
	minLive := math.Inf(1)
	for _, bg := range d.backgrounds {
		minLive = math.Min(minLive, bg.Spectrum.LiveTime)
	}
	expected := make([]float64, chans)
	for _, bg := range d.backgrounds {
		factor := minLive / bg.Spectrum.LiveTime * bg.Scale
		for c := range expected {
			expected[c] += bg.Spectrum.Counts[c] * factor
		}
	}
	out := make([][]float64, reps)
	for r := range out {
		out[r] = make([]float64, chans)
		for c, lambda := range expected {
			v, err := d.poisson(lambda)
			if err != nil {
				return nil, fmt.Errorf("sample secondary channel %d: %w", c, err)
			}
			out[r][c] = v
		}
	}
	return out, nil
}

// poisson draws one count. Negative expectations clip to zero.
func (d *DynamicIDSet) poisson(lambda float64) (float64, error) {
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteRate, lambda)
	}
	if lambda <= 0 {
		return 0, nil
	}
	return distuv.Poisson{Lambda: lambda, Src: d.src}.Rand(), nil
}

// SumSpectra adds the sampled sources and backgrounds.
func (d *DynamicIDSet) SumSpectra() error {
	if d.sampled == nil {
		return fmt.Errorf("%w: sum before spectra are sampled", ErrStageOrder)
	}
	defer d.observe(StageSum, time.Now())
	d.log.Info("Step 5: Summing spectra...")

	sc := d.params.Scenario
	reps, periods, chans := sc.Def.Replications, sc.NumPeriods(), d.detector.ChanCount
	foreground := newCube(reps, periods, chans)
	background := newCube(reps, periods, chans)
	for _, cube := range d.sampled {
		addCube(foreground, cube)
	}
	for _, cube := range d.bgSampled {
		addCube(foreground, cube)
		addCube(background, cube)
	}

	d.result = &Spectra{
		RunID:      d.RunID,
		Foreground: foreground,
		Background: background,
		Secondary:  d.secondary,
		Dose:       d.dose,
	}
	return nil
}

// DoAll runs every stage in order
func (d *DynamicIDSet) DoAll(ctx context.Context, force bool) error {
	if err := d.MakeModels(ctx, force); err != nil {
		return err
	}
	if err := d.GenerateSpectra(); err != nil {
		return err
	}
	if err := d.IntegrateSpectra(); err != nil {
		return err
	}
	if err := d.SampleSpectra(); err != nil {
		return err
	}
	return d.SumSpectra()
}

// GetSpectra runs whatever stages are still missing and returns the
// summed spectra. Calling it again returns the same result.
func (d *DynamicIDSet) GetSpectra(ctx context.Context) (*Spectra, error) {
	if d.result != nil {
		return d.result, nil
	}
	if d.models == nil {
		if err := d.MakeModels(ctx, false); err != nil {
			return nil, err
		}
	}
	if d.generated == nil {
		if err := d.GenerateSpectra(); err != nil {
			return nil, err
		}
	}
	if d.integrated == nil {
		if err := d.IntegrateSpectra(); err != nil {
			return nil, err
		}
	}
	if d.sampled == nil {
		if err := d.SampleSpectra(); err != nil {
			return nil, err
		}
	}
	if err := d.SumSpectra(); err != nil {
		return nil, err
	}
	return d.result, nil
}

// Expected returns the integrated expected counts of a source, scaled by
// its quantity, before sampling.
func (d *DynamicIDSet) Expected(source string) ([][]float64, error) {
	periods, ok := d.integrated[source]
	if !ok {
		return nil, fmt.Errorf("%w: no integrated spectra for %s", ErrStageOrder, source)
	}
	q := d.params.Scenario.Def.Sources[source].Quantity
	out := make([][]float64, len(periods))
	for p, row := range periods {
		out[p] = make([]float64, len(row))
		for c, v := range row {
			out[p][c] = math.Max(v*q, 0)
		}
	}
	return out, nil
}

// Generated returns the per-sample rates of a source
func (d *DynamicIDSet) Generated(source string) ([][]float64, bool) {
	rates, ok := d.generated[source]
	return rates, ok
}

// Sampled returns the per-source sampled counts
func (d *DynamicIDSet) Sampled(source string) ([][][]float64, bool) {
	cube, ok := d.sampled[source]
	return cube, ok
}

// SampledBackgrounds returns the sampled counts of each scenario
// background, in store order
func (d *DynamicIDSet) SampledBackgrounds() [][][][]float64 {
	return d.bgSampled
}

// Clear releases every intermediate array and model reference.
func (d *DynamicIDSet) Clear() {
	d.models = nil
	d.backgrounds = nil
	d.dropAfter(StageModels)
}

// dropAfter discards the results of every stage downstream of stage, so a
// rerun never leaves stale arrays behind.
func (d *DynamicIDSet) dropAfter(stage string) {
	switch stage {
	case StageModels:
		d.generated = nil
		fallthrough
	case StageGenerate:
		d.integrated = nil
		d.dose = nil
		fallthrough
	case StageIntegrate:
		d.sampled = nil
		d.bgSampled = nil
		d.secondary = nil
		fallthrough
	case StageSample:
		d.result = nil
	}
}

func newCube(reps, periods, chans int) [][][]float64 {
	out := make([][][]float64, reps)
	for r := range out {
		out[r] = make([][]float64, periods)
		for p := range out[r] {
			out[r][p] = make([]float64, chans)
		}
	}
	return out
}

func addCube(dst, src [][][]float64) {
	for r := range dst {
		for p := range dst[r] {
			for c := range dst[r][p] {
				dst[r][p][c] += src[r][p][c]
			}
		}
	}
}
