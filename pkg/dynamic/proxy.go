package dynamic

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"drase/internal/models"
)

// ProxyModel stands in for a sparsely measured material with a weighted
// sum of ManyGPsROIModels of better covered materials. The sum is rescaled
// so that it matches the material's own anchor spectrum, the measurement
// with the most counts, at the anchor position.
type ProxyModel struct {
	base

	roi        [2]int
	components []proxyComponent
	scale      float64
}

type proxyComponent struct {
	weight float64
	model  Model
}

func newProxy(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) (Model, error) {
	return &ProxyModel{
		base: newBase(kind, detector, material, def, deps),
		roi:  *def.ROI,
	}, nil
}

// ROI returns the modeled half-open bin range
func (m *ProxyModel) ROI() [2]int { return m.roi }

// Scale returns the anchor rescale factor
func (m *ProxyModel) Scale() float64 { return m.scale }

// componentDef is the definition every proxy component is built with
func (m *ProxyModel) componentDef() ModelDef {
	roi := m.roi
	return ModelDef{ROI: &roi, Anisotropic: m.def.Anisotropic, Kernel: m.def.Kernel}
}

func (m *ProxyModel) Build(ctx context.Context) error {
	if m.built {
		return nil
	}
	if m.deps.Provider == nil {
		return errors.New("proxy model needs a model provider")
	}

	spectra, err := m.trainingSpectra(ctx)
	if err != nil {
		return err
	}
	anchor := spectra[0]
	for _, s := range spectra[1:] {
		if s.TotalCounts() > anchor.TotalCounts() {
			anchor = s
		}
	}

	components := make([]proxyComponent, 0, len(m.def.Proxies))
	for _, p := range m.def.Proxies {
		model, err := m.deps.Provider.GetOrBuild(ctx, m.detector.Name, p.Material, ManyGPsROI, m.componentDef(), false)
		if err != nil {
			return fmt.Errorf("proxy %s: %w", p.Material, err)
		}
		if err := m.checkROI(p.Material, model); err != nil {
			return err
		}
		components = append(components, proxyComponent{weight: p.Weight, model: model})
	}
	m.components = components

	roiBins := m.roiBins()
	composite, err := m.composite([]models.Point3D{anchor.Position}, roiBins)
	if err != nil {
		return err
	}
	measured := make([]float64, len(roiBins))
	w := anchor.Weight()
	for j, e := range roiBins {
		measured[j] = anchor.Counts[e] / w
	}
	predicted := floats.Sum(composite[0])
	if predicted <= 0 {
		return fmt.Errorf("proxy composite predicts %g counts at anchor %+v", predicted, anchor.Position)
	}
	m.scale = floats.Sum(measured) / predicted
	m.built = true
	m.log.Infof("Composed %d proxies, anchor at %+v, scale %.4g", len(components), anchor.Position, m.scale)
	return nil
}

func (m *ProxyModel) checkROI(material string, model Model) error {
	r, ok := model.(interface{ ROI() [2]int })
	if !ok || r.ROI() != m.roi {
		return fmt.Errorf("proxy %s: %w", material, ErrROIMismatch)
	}
	return nil
}

func (m *ProxyModel) roiBins() []int {
	bins := make([]int, 0, m.roi[1]-m.roi[0])
	for e := m.roi[0]; e < m.roi[1]; e++ {
		bins = append(bins, e)
	}
	return bins
}

// composite is the unscaled weighted sum of the component predictions
func (m *ProxyModel) composite(xyz []models.Point3D, bins []int) ([][]float64, error) {
	out := newRateMatrix(len(xyz), len(bins))
	for _, c := range m.components {
		rates, err := c.model.Query(xyz, bins)
		if err != nil {
			return nil, err
		}
		for i := range rates {
			floats.AddScaled(out[i], c.weight, rates[i])
		}
	}
	return out, nil
}

func (m *ProxyModel) Query(xyz []models.Point3D, energies []int) ([][]float64, error) {
	if !m.built {
		return nil, ErrNotBuilt
	}
	bins, err := m.energyBins(energies)
	if err != nil {
		return nil, err
	}
	out, err := m.composite(xyz, bins)
	if err != nil {
		return nil, err
	}
	for i := range out {
		floats.Scale(m.scale, out[i])
	}
	return out, nil
}
