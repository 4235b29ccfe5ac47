package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drase/internal/models"
	"drase/pkg/dynamic"
	"drase/pkg/scenario"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, ExampleConfig().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Empty(t, cfg.Tests)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "drase.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	want := ExampleConfig()
	assert.Equal(t, want.Scenarios, cfg.Scenarios)
	assert.Equal(t, want.Tests, cfg.Tests)
	assert.Equal(t, want.Store, cfg.Store)
}

func TestLoadParsesModelDef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drase.yaml")
	data := `
detectors:
  det:
    chan_count: 16
    spectra:
      sources:
        Cs137: cs.yaml
        Co60: /abs/co.yaml
scenarios:
  still:
    acquisition_time: 10
    output_period: 5
    sample_hz: 2
    replications: 3
    sources:
      Cs137: {quantity: 2}
    path:
      type: stay_put
      positions: [{x: 0, y: 100, z: 0}]
tests:
  proxy:
    detector: det
    scenario: still
    model: ProxyModel
    model_def:
      roi: [2, 8]
      proxies:
        - {material: Co60, weight: 0.5}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	test := cfg.Tests["proxy"]
	require.NotNil(t, test.ModelDef.ROI)
	assert.Equal(t, [2]int{2, 8}, *test.ModelDef.ROI)
	assert.Equal(t, []dynamic.ProxyDef{{Material: "Co60", Weight: 0.5}}, test.ModelDef.Proxies)

	sc, err := cfg.Scenario("still")
	require.NoError(t, err)
	assert.Equal(t, 2, sc.NumPeriods())
	assert.Len(t, sc.XYZ(), 20)

	seeds := cfg.DetectorSeeds()
	require.Len(t, seeds, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "cs.yaml"), seeds[0].Sources["Cs137"])
	assert.Equal(t, "/abs/co.yaml", seeds[0].Sources["Co60"])
}

func TestLoadSnakeCaseKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drase.yaml")
	data := `
detectors:
  det:
    chan_count: 8
    spectra:
      sources:
        Cs137: cs.yaml
scenarios:
  still:
    acquisition_time: 4
    output_period: 2
    sample_hz: 1
    replications: 1
    sources:
      Cs137: {quantity: 1}
    path:
      type: stay_put
      positions: [{x: 0, y: 100, z: 0}]
tests:
  subset:
    detector: det
    scenario: still
    model: ManyGPsModel
    model_def:
      points: [{x: 0, y: 100, z: 0}]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Detectors["det"].ChanCount)
	assert.Equal(t, []models.Point3D{{X: 0, Y: 100, Z: 0}}, cfg.Tests["subset"].ModelDef.Points)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drase.yaml")
	data := `
detectors:
  det:
    chanCount: 8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "chanCount")
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drase.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Kind)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		is     error
	}{
		{"unknown model kind", func(c *Config) {
			tc := c.Tests["walk_by_example"]
			tc.Model = "GaussianBlobModel"
			c.Tests["walk_by_example"] = tc
		}, dynamic.ErrUnknownModelKind},
		{"unknown detector", func(c *Config) {
			tc := c.Tests["walk_by_example"]
			tc.Detector = "nope"
			c.Tests["walk_by_example"] = tc
		}, nil},
		{"unknown scenario", func(c *Config) {
			tc := c.Tests["walk_by_example"]
			tc.Scenario = "nope"
			c.Tests["walk_by_example"] = tc
		}, nil},
		{"roi on many gps", func(c *Config) {
			tc := c.Tests["walk_by_example"]
			tc.ModelDef.ROI = &[2]int{0, 10}
			c.Tests["walk_by_example"] = tc
		}, nil},
		{"roi beyond detector", func(c *Config) {
			tc := c.Tests["walk_by_example"]
			tc.Model = string(dynamic.ManyGPsROI)
			tc.ModelDef.ROI = &[2]int{0, 2048}
			c.Tests["walk_by_example"] = tc
		}, nil},
		{"bad path type", func(c *Config) {
			sc := c.Scenarios["walk_by"]
			sc.Path.Type = "teleport"
			c.Scenarios["walk_by"] = sc
		}, nil},
		{"missing source spectra", func(c *Config) {
			sc := c.Scenarios["walk_by"]
			sc.Sources = map[string]scenario.SourceDef{"Am241": {Quantity: 1}}
			c.Scenarios["walk_by"] = sc
		}, nil},
		{"missing background", func(c *Config) {
			sc := c.Scenarios["walk_by"]
			sc.Backgrounds = map[string]float64{"Radon": 1}
			c.Scenarios["walk_by"] = sc
		}, nil},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, nil},
		{"bad store", func(c *Config) { c.Store.Kind = "mongo" }, nil},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, nil},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ExampleConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestScenarioBackgrounds(t *testing.T) {
	cfg := ExampleConfig()
	assert.Equal(t, map[string]map[string]float64{"walk_by": {"Bgnd": 1}}, cfg.ScenarioBackgrounds())
	assert.Equal(t, []string{"walk_by_example"}, cfg.TestNames())

	_, err := cfg.Scenario("nope")
	assert.Error(t, err)
}
