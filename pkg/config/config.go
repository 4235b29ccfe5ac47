// Package config provides configuration loading and management for drase.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"drase/internal/models"
	"drase/pkg/dynamic"
	"drase/pkg/scenario"
	"drase/pkg/store"
)

// Detector declares a detector and where its measured spectra live
type Detector struct {
	// ChanCount is the number of energy channels per spectrum
	ChanCount int `yaml:"chan_count"`

	// Spectra maps material names to YAML spectra files. Relative paths
	// are resolved against the directory of the config file.
	Spectra struct {
		Sources     map[string]string `yaml:"sources"`
		Backgrounds map[string]string `yaml:"backgrounds,omitempty"`
	} `yaml:"spectra"`
}

// Test pairs a detector, a scenario and a model into one sampling run
type Test struct {
	Detector string           `yaml:"detector"`
	Scenario string           `yaml:"scenario"`
	Model    string           `yaml:"model"`
	ModelDef dynamic.ModelDef `yaml:"model_def,omitempty"`

	// Seed overrides Processing.Seed when non-zero
	Seed uint64 `yaml:"seed,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for per-bin fitting
		NumCores int `yaml:"numCores"`

		// Seed is the default seed of optimizer restarts and Poisson draws
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Store selects the persistence backend: memory or sqlite
	Store struct {
		Kind string `yaml:"kind"`
		Path string `yaml:"path,omitempty"`
	} `yaml:"store"`

	Metrics struct {
		// Addr serves /metrics when set, e.g. ":9090"
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"metrics"`

	Detectors map[string]Detector     `yaml:"detectors"`
	Scenarios map[string]scenario.Def `yaml:"scenarios"`
	Tests     map[string]Test         `yaml:"tests"`

	dir string
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Seed = 1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Store.Kind = "memory"

	cfg.Detectors = map[string]Detector{}
	cfg.Scenarios = map[string]scenario.Def{}
	cfg.Tests = map[string]Test{}
	return cfg
}

// ExampleConfig returns the defaults plus one detector, scenario and test
// showing every section
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Store.Kind = "sqlite"
	cfg.Store.Path = "drase.db"

	var det Detector
	det.ChanCount = 1024
	det.Spectra.Sources = map[string]string{"Cs137": "spectra/Cs137.yaml"}
	det.Spectra.Backgrounds = map[string]string{"Bgnd": "spectra/background.yaml"}
	cfg.Detectors["example"] = det

	cfg.Scenarios["walk_by"] = scenario.Def{
		AcquisitionTime: 60,
		OutputPeriod:    1,
		SampleHz:        10,
		Replications:    10,
		Sources:         map[string]scenario.SourceDef{"Cs137": {Quantity: 1}},
		Backgrounds:     map[string]float64{"Bgnd": 1},
		Path: scenario.PathDef{
			Type: scenario.PathInMotion,
			Positions: []models.Point3D{
				{X: -500, Y: 100},
				{X: 500, Y: 100},
			},
			Times: []float64{60},
		},
	}

	cfg.Tests["walk_by_example"] = Test{
		Detector: "example",
		Scenario: "walk_by",
		Model:    string(dynamic.ManyGPs),
	}
	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.dir = filepath.Dir(configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Unknown keys are rejected so a misspelled section is never dropped.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile writes the example configuration to the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(ExampleConfig(), configPath)
}

// Validate checks every section and the references between tests,
// detectors and scenarios
func (c *Config) Validate() error {
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("processing.numCores must not be negative, got %d", c.Processing.NumCores)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Store.Kind {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unsupported store kind %q", c.Store.Kind)
	}

	for name, det := range c.Detectors {
		if det.ChanCount <= 0 {
			return fmt.Errorf("detector %s: chan_count must be positive", name)
		}
	}
	for name, def := range c.Scenarios {
		if _, err := scenario.NewDynamicScenario(name, def); err != nil {
			return err
		}
	}

	for _, name := range sortedNames(c.Tests) {
		if err := c.validateTest(c.Tests[name]); err != nil {
			return fmt.Errorf("test %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validateTest(t Test) error {
	det, ok := c.Detectors[t.Detector]
	if !ok {
		return fmt.Errorf("unknown detector %q", t.Detector)
	}
	sc, ok := c.Scenarios[t.Scenario]
	if !ok {
		return fmt.Errorf("unknown scenario %q", t.Scenario)
	}
	kind, err := dynamic.ParseKind(t.Model)
	if err != nil {
		return err
	}
	if err := kind.Validate(t.ModelDef); err != nil {
		return err
	}
	if t.ModelDef.ROI != nil && t.ModelDef.ROI[1] > det.ChanCount {
		return fmt.Errorf("roi %v exceeds %d channels of detector %s", *t.ModelDef.ROI, det.ChanCount, t.Detector)
	}

	for source := range sc.Sources {
		if _, ok := det.Spectra.Sources[source]; !ok {
			return fmt.Errorf("detector %s has no spectra for source %s", t.Detector, source)
		}
	}
	for _, p := range t.ModelDef.Proxies {
		if _, ok := det.Spectra.Sources[p.Material]; !ok {
			return fmt.Errorf("detector %s has no spectra for proxy %s", t.Detector, p.Material)
		}
	}
	for bg := range sc.Backgrounds {
		if _, ok := det.Spectra.Backgrounds[bg]; !ok {
			return fmt.Errorf("detector %s has no background %s", t.Detector, bg)
		}
	}
	return nil
}

// DetectorSeeds lists the detectors for store.Import in name order, with
// spectra paths resolved
func (c *Config) DetectorSeeds() []store.DetectorSeed {
	seeds := make([]store.DetectorSeed, 0, len(c.Detectors))
	for _, name := range sortedNames(c.Detectors) {
		det := c.Detectors[name]
		seeds = append(seeds, store.DetectorSeed{
			Name:        name,
			ChanCount:   det.ChanCount,
			Sources:     c.resolve(det.Spectra.Sources),
			Backgrounds: c.resolve(det.Spectra.Backgrounds),
		})
	}
	return seeds
}

// ScenarioBackgrounds returns the background scales of every scenario
func (c *Config) ScenarioBackgrounds() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(c.Scenarios))
	for name, def := range c.Scenarios {
		if len(def.Backgrounds) > 0 {
			out[name] = def.Backgrounds
		}
	}
	return out
}

// Scenario builds the named scenario
func (c *Config) Scenario(name string) (*scenario.DynamicScenario, error) {
	def, ok := c.Scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	return scenario.NewDynamicScenario(name, def)
}

// TestNames returns the configured tests in name order
func (c *Config) TestNames() []string {
	return sortedNames(c.Tests)
}

func (c *Config) resolve(paths map[string]string) map[string]string {
	out := make(map[string]string, len(paths))
	for material, p := range paths {
		if !filepath.IsAbs(p) && c.dir != "" {
			p = filepath.Join(c.dir, p)
		}
		out[material] = p
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
