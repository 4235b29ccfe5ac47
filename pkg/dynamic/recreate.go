package dynamic

import (
	"context"
	"fmt"

	"drase/internal/models"
	"drase/pkg/interpolation"
)

// RecreateModel replays the measured spectra as rates at exactly the
// measured positions. It never interpolates.
type RecreateModel struct {
	base

	replayed []models.BaseSpectrumXYZ
	index    *interpolation.PositionIndex
	rates    [][]float64
}

func newRecreate(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) (Model, error) {
	return &RecreateModel{base: newBase(kind, detector, material, def, deps)}, nil
}

func (m *RecreateModel) Build(ctx context.Context) error {
	if m.built {
		return nil
	}
	spectra, err := m.trainingSpectra(ctx)
	if err != nil {
		return err
	}
	spectra, err = selectPoints(spectra, m.def.Points)
	if err != nil {
		return err
	}
	m.replayed = spectra
	m.index, m.rates = replayTable(spectra)
	m.built = true
	m.log.Infof("Indexed %d measured positions", len(spectra))
	return nil
}

// replayTable normalizes each spectrum to counts per second per unit dose
func replayTable(spectra []models.BaseSpectrumXYZ) (*interpolation.PositionIndex, [][]float64) {
	positions := make([]models.Point3D, len(spectra))
	rates := make([][]float64, len(spectra))
	for i, s := range spectra {
		positions[i] = s.Position
		w := s.Weight()
		rates[i] = make([]float64, len(s.Counts))
		for j, c := range s.Counts {
			rates[i][j] = c / w
		}
	}
	return interpolation.NewPositionIndex(positions), rates
}

// Query fails with ErrPointNotFound for any position that was not measured.
func (m *RecreateModel) Query(xyz []models.Point3D, energies []int) ([][]float64, error) {
	if !m.built {
		return nil, ErrNotBuilt
	}
	bins, err := m.energyBins(energies)
	if err != nil {
		return nil, err
	}
	out := newRateMatrix(len(xyz), len(bins))
	for i, p := range xyz {
		k, ok := m.index.Exact(p, positionTolerance)
		if !ok {
			return nil, fmt.Errorf("query at %+v: %w", p, ErrPointNotFound)
		}
		for j, e := range bins {
			out[i][j] = m.rates[k][e]
		}
	}
	return out, nil
}
