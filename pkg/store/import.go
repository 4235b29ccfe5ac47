package store

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"drase/internal/models"
)

// DetectorSeed declares a detector and the YAML files holding its measured
// spectra, keyed by material name.
type DetectorSeed struct {
	Name        string
	ChanCount   int
	Sources     map[string]string
	Backgrounds map[string]string
}

// spectraFile is the on-disk layout of a source spectra file
type spectraFile struct {
	Spectra []models.BaseSpectrumXYZ `yaml:"spectra"`
}

// LoadSpectraFile reads the measured spectra of one material.
func LoadSpectraFile(path string) ([]models.BaseSpectrumXYZ, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f spectraFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Spectra) == 0 {
		return nil, fmt.Errorf("%s holds no spectra", path)
	}
	return f.Spectra, nil
}

// LoadBackgroundFile reads one background spectrum.
func LoadBackgroundFile(path string) (models.BackgroundSpectrum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.BackgroundSpectrum{}, err
	}
	var bg models.BackgroundSpectrum
	if err := yaml.Unmarshal(data, &bg); err != nil {
		return models.BackgroundSpectrum{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return bg, nil
}

// Import seeds the store with detectors, their spectra files and the
// per-scenario background scales.
func Import(ctx context.Context, s Store, detectors []DetectorSeed, scenarioBackgrounds map[string]map[string]float64) error {
	for _, seed := range detectors {
		if err := s.PutDetector(ctx, models.Detector{Name: seed.Name, ChanCount: seed.ChanCount}); err != nil {
			return err
		}
		for _, material := range sortedKeys(seed.Sources) {
			spectra, err := LoadSpectraFile(seed.Sources[material])
			if err != nil {
				return fmt.Errorf("detector %s material %s: %w", seed.Name, material, err)
			}
			if err := s.PutSpectraXYZ(ctx, seed.Name, material, spectra); err != nil {
				return err
			}
		}
		for _, material := range sortedKeys(seed.Backgrounds) {
			bg, err := LoadBackgroundFile(seed.Backgrounds[material])
			if err != nil {
				return fmt.Errorf("detector %s background %s: %w", seed.Name, material, err)
			}
			bg.Material = material
			if err := s.PutMaterial(ctx, models.Material{Name: material}); err != nil {
				return err
			}
			if err := s.PutBackground(ctx, seed.Name, bg); err != nil {
				return err
			}
		}
	}
	for scenario, scales := range scenarioBackgrounds {
		if err := s.SetScenarioBackgrounds(ctx, scenario, scales); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
