// Package store persists detectors, measured spectra, backgrounds and built
// dynamic models.
package store

import (
	"context"
	"errors"

	"drase/internal/models"
)

// ErrNotFound is returned when a detector, material or spectrum set is
// missing. Missing models are reported through the ok result instead.
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator of the dynamic core.
type Store interface {
	Init(ctx context.Context) error

	GetDetector(ctx context.Context, name string) (models.Detector, error)
	GetMaterial(ctx context.Context, name string) (models.Material, error)
	GetSpectraXYZ(ctx context.Context, detector, material string) ([]models.BaseSpectrumXYZ, error)
	GetBackgroundSpectra(ctx context.Context, detector, scenario string) ([]models.ScaledBackground, error)

	GetModel(ctx context.Context, key models.ModelKey) (models.StoredModel, bool, error)
	StoreModel(ctx context.Context, model models.StoredModel) error
	DeleteModel(ctx context.Context, key models.ModelKey) error

	PutDetector(ctx context.Context, detector models.Detector) error
	PutMaterial(ctx context.Context, material models.Material) error
	PutSpectraXYZ(ctx context.Context, detector, material string, spectra []models.BaseSpectrumXYZ) error
	PutBackground(ctx context.Context, detector string, background models.BackgroundSpectrum) error
	SetScenarioBackgrounds(ctx context.Context, scenario string, scales map[string]float64) error
}

// CloseIfSupported closes stores that hold external resources
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
