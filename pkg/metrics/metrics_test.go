package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveFit("ManyGPsModel", FitConverged, 20*time.Millisecond)
	c.ObserveFit("ManyGPsModel", FitZeroBin, time.Millisecond)
	c.ObserveFit("ManyGPsModel", FitZeroBin, time.Millisecond)
	c.CacheRequest(CacheMiss)
	c.ObserveStage("generate", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.GPFits.WithLabelValues(FitConverged)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.GPFits.WithLabelValues(FitZeroBin)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheRequests.WithLabelValues(CacheMiss)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.StageDuration, "drase_pipeline_stage_duration_seconds"))
}

func TestCollectorReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	second.CacheRequest(CacheHit)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.CacheRequests.WithLabelValues(CacheHit)))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveFit("x", FitRetried, time.Second)
		c.CacheRequest(CacheHit)
		c.ObserveStage("sum", time.Second)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	c.CacheRequest(CacheRebuild)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `drase_model_cache_requests_total{result="rebuild"} 1`))
}
