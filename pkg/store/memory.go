package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"drase/internal/models"
)

// MemoryStore keeps everything in maps. It is the default backend and the
// one used by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	detectors   map[string]models.Detector
	materials   map[string]models.Material
	spectra     map[string][]models.BaseSpectrumXYZ
	backgrounds map[string]models.BackgroundSpectrum
	scenarioBg  map[string]map[string]float64
	models      map[string]models.StoredModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.detectors = make(map[string]models.Detector)
	s.materials = make(map[string]models.Material)
	s.spectra = make(map[string][]models.BaseSpectrumXYZ)
	s.backgrounds = make(map[string]models.BackgroundSpectrum)
	s.scenarioBg = make(map[string]map[string]float64)
	s.models = make(map[string]models.StoredModel)
	return nil
}

func (s *MemoryStore) GetDetector(_ context.Context, name string) (models.Detector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.detectors[name]
	if !ok {
		return models.Detector{}, fmt.Errorf("detector %q: %w", name, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) GetMaterial(_ context.Context, name string) (models.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.materials[name]
	if !ok {
		return models.Material{}, fmt.Errorf("material %q: %w", name, ErrNotFound)
	}
	return m, nil
}

func (s *MemoryStore) GetSpectraXYZ(_ context.Context, detector, material string) ([]models.BaseSpectrumXYZ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spectra, ok := s.spectra[bgKey(detector, material)]
	if !ok {
		return nil, fmt.Errorf("spectra for %s/%s: %w", detector, material, ErrNotFound)
	}
	return append([]models.BaseSpectrumXYZ(nil), spectra...), nil
}

func (s *MemoryStore) GetBackgroundSpectra(_ context.Context, detector, scenario string) ([]models.ScaledBackground, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scales := s.scenarioBg[scenario]
	names := make([]string, 0, len(scales))
	for name := range scales {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.ScaledBackground, 0, len(names))
	for _, name := range names {
		bg, ok := s.backgrounds[bgKey(detector, name)]
		if !ok {
			return nil, fmt.Errorf("background %s/%s: %w", detector, name, ErrNotFound)
		}
		out = append(out, models.ScaledBackground{Spectrum: bg, Scale: scales[name]})
	}
	return out, nil
}

func (s *MemoryStore) GetModel(_ context.Context, key models.ModelKey) (models.StoredModel, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[modelKeyString(key)]
	return m, ok, nil
}

func (s *MemoryStore) StoreModel(_ context.Context, model models.StoredModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.models[modelKeyString(model.Key)] = model
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, key models.ModelKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.models, modelKeyString(key))
	return nil
}

func (s *MemoryStore) PutDetector(_ context.Context, detector models.Detector) error {
	if detector.Name == "" || detector.ChanCount <= 0 {
		return fmt.Errorf("detector needs a name and a positive channel count: %+v", detector)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detectors[detector.Name] = detector
	return nil
}

func (s *MemoryStore) PutMaterial(_ context.Context, material models.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.materials[material.Name] = material
	return nil
}

func (s *MemoryStore) PutSpectraXYZ(_ context.Context, detector, material string, spectra []models.BaseSpectrumXYZ) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detectors[detector]
	if !ok {
		return fmt.Errorf("detector %q: %w", detector, ErrNotFound)
	}
	if err := checkSpectra(d, material, spectra); err != nil {
		return err
	}
	if _, ok := s.materials[material]; !ok {
		s.materials[material] = models.Material{Name: material}
	}
	s.spectra[bgKey(detector, material)] = append([]models.BaseSpectrumXYZ(nil), spectra...)
	return nil
}

func (s *MemoryStore) PutBackground(_ context.Context, detector string, background models.BackgroundSpectrum) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detectors[detector]
	if !ok {
		return fmt.Errorf("detector %q: %w", detector, ErrNotFound)
	}
	if err := checkBackground(d, background); err != nil {
		return err
	}
	s.backgrounds[bgKey(detector, background.Material)] = background
	return nil
}

func (s *MemoryStore) SetScenarioBackgrounds(_ context.Context, scenario string, scales map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]float64, len(scales))
	for k, v := range scales {
		copied[k] = v
	}
	s.scenarioBg[scenario] = copied
	return nil
}
