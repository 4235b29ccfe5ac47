package idset

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drase/internal/models"
	"drase/pkg/dynamic"
	"drase/pkg/metrics"
	"drase/pkg/scenario"
	"drase/pkg/store"
)

var here = models.Point3D{X: 0, Y: 100, Z: 0}

type fixture struct {
	store   *store.MemoryStore
	manager *dynamic.Manager
	metrics *metrics.Collector
}

func newFixture(t *testing.T, chans int, withBackground bool) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.PutDetector(ctx, models.Detector{Name: "det", ChanCount: chans}))

	counts := make([]float64, chans)
	counts[chans/2] = 1000
	require.NoError(t, s.PutSpectraXYZ(ctx, "det", "Cs137", []models.BaseSpectrumXYZ{{
		Position: here, Counts: counts, LiveTime: 10, RealTime: 10, Sensitivity: 1,
	}}))

	if withBackground {
		bg := make([]float64, chans)
		for i := range bg {
			bg[i] = 50
		}
		require.NoError(t, s.PutBackground(ctx, "det", models.BackgroundSpectrum{
			Material: "Bgnd", Counts: bg, LiveTime: 100, RealTime: 100, Sensitivity: 1,
		}))
		require.NoError(t, s.PutBackground(ctx, "det", models.BackgroundSpectrum{
			Material: "Radon", Counts: bg, LiveTime: 50, RealTime: 50, Sensitivity: 1,
		}))
		require.NoError(t, s.SetScenarioBackgrounds(ctx, "still", map[string]float64{"Bgnd": 1, "Radon": 0.5}))
	}

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return &fixture{
		store:   s,
		manager: dynamic.NewManager(s, dynamic.ManagerOptions{Metrics: collector, Seed: 1}),
		metrics: collector,
	}
}

func stillScenario(t *testing.T, acquisition, period float64, reps int) *scenario.DynamicScenario {
	t.Helper()
	sc, err := scenario.NewDynamicScenario("still", scenario.Def{
		AcquisitionTime: acquisition,
		OutputPeriod:    period,
		SampleHz:        1,
		Replications:    reps,
		Sources:         map[string]scenario.SourceDef{"Cs137": {Quantity: 1}},
		Path:            scenario.PathDef{Type: scenario.PathStayPut, Positions: []models.Point3D{here}},
	})
	require.NoError(t, err)
	return sc
}

// TestEndToEndStayPut verifies that a detector parked on its single
// training point sees the measured rate and about the measured counts.
func TestEndToEndStayPut(t *testing.T) {
	f := newFixture(t, 1024, false)
	set, err := New(Params{
		Detector: "det",
		Scenario: stillScenario(t, 10, 10, 1),
		Model:    dynamic.ManyGPs,
		Seed:     42,
	}, f.store, f.manager, f.metrics)
	require.NoError(t, err)

	require.NoError(t, set.MakeModels(context.Background(), false))
	require.NoError(t, set.GenerateSpectra())
	rates, ok := set.Generated("Cs137")
	require.True(t, ok)
	require.Len(t, rates, 10)
	assert.InEpsilon(t, 100, rates[0][512], 1e-3)
	assert.Equal(t, 0.0, rates[0][0])

	require.NoError(t, set.IntegrateSpectra())
	expected, err := set.Expected("Cs137")
	require.NoError(t, err)
	require.Len(t, expected, 1)
	assert.InEpsilon(t, 1000, expected[0][512], 1e-3)

	require.NoError(t, set.SampleSpectra())
	sampled, ok := set.Sampled("Cs137")
	require.True(t, ok)
	require.Len(t, sampled, 1)
	require.Len(t, sampled[0], 1)
	require.Len(t, sampled[0][0], 1024)
	assert.InDelta(t, 1000, sampled[0][0][512], 150)
	assert.Equal(t, 0.0, sampled[0][0][3])

	require.NoError(t, set.SumSpectra())
	out, err := set.GetSpectra(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampled[0][0][512], out.Foreground[0][0][512])
	assert.Nil(t, out.Secondary)
	// ten seconds at 100 cm
	assert.InDelta(t, 1e-3, out.Dose["Cs137"][0], 1e-12)
}

// TestStageOrder verifies no stage can run ahead of its predecessor
func TestStageOrder(t *testing.T) {
	f := newFixture(t, 8, false)
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 1), Model: dynamic.Recreate}, f.store, f.manager, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, set.IntegrateSpectra(), ErrStageOrder)
	assert.ErrorIs(t, set.GenerateSpectra(), ErrStageOrder)
	assert.ErrorIs(t, set.SampleSpectra(), ErrStageOrder)
	assert.ErrorIs(t, set.SumSpectra(), ErrStageOrder)
	_, err = set.Expected("Cs137")
	assert.ErrorIs(t, err, ErrStageOrder)
}

// TestShapesAndBackgrounds verifies output shapes for several
// replications and periods, with backgrounds.
func TestShapesAndBackgrounds(t *testing.T) {
	const chans = 8
	f := newFixture(t, chans, true)
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 6, 3, 3), Model: dynamic.Recreate, Seed: 7}, f.store, f.manager, f.metrics)
	require.NoError(t, err)
	require.NoError(t, set.DoAll(context.Background(), false))

	sampled, ok := set.Sampled("Cs137")
	require.True(t, ok)
	assertCube(t, sampled, 3, 2, chans)

	bgs := set.SampledBackgrounds()
	require.Len(t, bgs, 2)
	for _, cube := range bgs {
		assertCube(t, cube, 3, 2, chans)
	}

	out, err := set.GetSpectra(context.Background())
	require.NoError(t, err)
	assertCube(t, out.Foreground, 3, 2, chans)
	assertCube(t, out.Background, 3, 2, chans)
	require.Len(t, out.Secondary, 3)
	for r := range out.Foreground {
		require.Len(t, out.Secondary[r], chans)
		for p := range out.Foreground[r] {
			for c := range out.Foreground[r][p] {
				assert.GreaterOrEqual(t, out.Foreground[r][p][c], out.Background[r][p][c])
				assert.Equal(t, sampled[r][p][c]+out.Background[r][p][c], out.Foreground[r][p][c])
			}
		}
	}
	assert.Equal(t, 5, testutil.CollectAndCount(f.metrics.StageDuration, "drase_pipeline_stage_duration_seconds"))
}

// TestGetSpectraIdempotent verifies repeated calls reuse the first result
// and Clear forces recomputation.
func TestGetSpectraIdempotent(t *testing.T) {
	f := newFixture(t, 8, false)
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 2), Model: dynamic.Recreate, Seed: 3}, f.store, f.manager, nil)
	require.NoError(t, err)

	first, err := set.GetSpectra(context.Background())
	require.NoError(t, err)
	second, err := set.GetSpectra(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)

	set.Clear()
	_, ok := set.Generated("Cs137")
	assert.False(t, ok)
	assert.ErrorIs(t, set.IntegrateSpectra(), ErrStageOrder)

	third, err := set.GetSpectra(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assertCube(t, third.Foreground, 2, 2, 8)
}

func TestPoissonClipsNegative(t *testing.T) {
	f := newFixture(t, 8, false)
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 1), Model: dynamic.Recreate}, f.store, f.manager, nil)
	require.NoError(t, err)

	for _, lambda := range []float64{-3, 0} {
		v, err := set.poisson(lambda)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v)
	}
	v, err := set.poisson(5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 0.0)

	for _, lambda := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := set.poisson(lambda)
		assert.ErrorIs(t, err, ErrNonFiniteRate)
	}
}

// untimedBackgroundStore serves a background with no real time, as a
// store that skipped validation would.
type untimedBackgroundStore struct {
	*store.MemoryStore
}

func (s untimedBackgroundStore) GetBackgroundSpectra(context.Context, string, string) ([]models.ScaledBackground, error) {
	return []models.ScaledBackground{{
		Spectrum: models.BackgroundSpectrum{Material: "Bgnd", Counts: make([]float64, 8), LiveTime: 100},
		Scale:    1,
	}}, nil
}

// TestSampleRejectsNonFiniteBackground verifies a background without timing
// fails sampling instead of producing Inf or NaN counts.
func TestSampleRejectsNonFiniteBackground(t *testing.T) {
	f := newFixture(t, 8, false)
	s := untimedBackgroundStore{MemoryStore: f.store}
	manager := dynamic.NewManager(s, dynamic.ManagerOptions{Seed: 1})
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 1), Model: dynamic.Recreate}, s, manager, nil)
	require.NoError(t, err)

	err = set.DoAll(context.Background(), false)
	assert.ErrorIs(t, err, ErrNonFiniteRate)
	_, ok := set.Sampled("Cs137")
	assert.False(t, ok)
}

// TestRerunDropsDownstreamStages verifies regenerating discards the older
// integrated, sampled and summed results.
func TestRerunDropsDownstreamStages(t *testing.T) {
	f := newFixture(t, 8, false)
	set, err := New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 1), Model: dynamic.Recreate, Seed: 5}, f.store, f.manager, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := set.GetSpectra(ctx)
	require.NoError(t, err)

	require.NoError(t, set.GenerateSpectra())
	_, err = set.Expected("Cs137")
	assert.ErrorIs(t, err, ErrStageOrder)
	_, ok := set.Sampled("Cs137")
	assert.False(t, ok)
	assert.ErrorIs(t, set.SumSpectra(), ErrStageOrder)

	second, err := set.GetSpectra(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	require.NoError(t, set.SampleSpectra())
	third, err := set.GetSpectra(ctx)
	require.NoError(t, err)
	assert.NotSame(t, second, third)
}

func TestNewValidatesParams(t *testing.T) {
	f := newFixture(t, 8, false)
	_, err := New(Params{Detector: "det", Model: dynamic.Recreate}, f.store, f.manager, nil)
	assert.Error(t, err)
	_, err = New(Params{Detector: "det", Scenario: stillScenario(t, 4, 2, 1), Model: "Bogus"}, f.store, f.manager, nil)
	assert.ErrorIs(t, err, dynamic.ErrUnknownModelKind)
}

func assertCube(t *testing.T, cube [][][]float64, reps, periods, chans int) {
	t.Helper()
	require.Len(t, cube, reps)
	for _, r := range cube {
		require.Len(t, r, periods)
		for _, p := range r {
			require.Len(t, p, chans)
		}
	}
}
