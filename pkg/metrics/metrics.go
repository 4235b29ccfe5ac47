// Package metrics exposes Prometheus instrumentation for model fitting, the
// model cache and the sampling pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fit outcome labels
const (
	FitConverged = "converged"
	FitRetried   = "retried"
	FitZeroBin   = "zerobin"
	FitDegraded  = "degraded"
)

// Cache result labels
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheRebuild = "rebuild"
)

// Collector bundles the drase metrics. All methods are safe on a nil
// receiver so callers never need to check whether metrics are enabled.
type Collector struct {
	gatherer prometheus.Gatherer

	GPFits        *prometheus.CounterVec
	GPFitDuration *prometheus.HistogramVec
	CacheRequests *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fits, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drase_gp_fits_total",
		Help: "Energy bin GP fits, labeled by outcome.",
	}, []string{"outcome"}), "drase_gp_fits_total")
	if err != nil {
		return nil, err
	}

	fitDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drase_gp_fit_duration_seconds",
		Help:    "Wall time of one energy bin GP fit.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"model"}), "drase_gp_fit_duration_seconds")
	if err != nil {
		return nil, err
	}

	cache, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drase_model_cache_requests_total",
		Help: "Model cache lookups, labeled by hit, miss or forced rebuild.",
	}, []string{"result"}), "drase_model_cache_requests_total")
	if err != nil {
		return nil, err
	}

	stages, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drase_pipeline_stage_duration_seconds",
		Help:    "Wall time of each scenario sampling stage.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"stage"}), "drase_pipeline_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:      gatherer,
		GPFits:        fits,
		GPFitDuration: fitDuration,
		CacheRequests: cache,
		StageDuration: stages,
	}, nil
}

// ObserveFit records one bin fit of the given model kind
func (c *Collector) ObserveFit(model, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.GPFits.WithLabelValues(outcome).Inc()
	c.GPFitDuration.WithLabelValues(model).Observe(d.Seconds())
}

// CacheRequest records one model cache lookup
func (c *Collector) CacheRequest(result string) {
	if c == nil {
		return
	}
	c.CacheRequests.WithLabelValues(result).Inc()
}

// ObserveStage records the duration of a pipeline stage
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
