package dynamic

import (
	"encoding/json"
	"errors"
	"fmt"

	"drase/internal/models"
	"drase/pkg/energygp"
)

// CurrentCodecVersion is bumped whenever the payload layout changes
const CurrentCodecVersion = 1

// ErrVersionMismatch is returned for payloads written by another codec version
var ErrVersionMismatch = errors.New("model payload version mismatch")

type payload struct {
	CodecVersion int             `json:"codecVersion"`
	Kind         Kind            `json:"kind"`
	Def          ModelDef        `json:"def"`
	Detector     models.Detector `json:"detector"`
	Material     string          `json:"material"`

	ROI     [2]int           `json:"roi"`
	Bins    []energygp.State `json:"bins,omitempty"`
	Summary *FitSummary      `json:"summary,omitempty"`

	Spectra []models.BaseSpectrumXYZ `json:"spectra,omitempty"`

	Scale      float64            `json:"scale,omitempty"`
	Components []componentPayload `json:"components,omitempty"`
}

type componentPayload struct {
	Weight float64  `json:"weight"`
	Model  *payload `json:"model"`
}

// Encode serializes a built model
func Encode(m Model) ([]byte, error) {
	p, err := toPayload(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func toPayload(m Model) (*payload, error) {
	if !m.Built() {
		return nil, ErrNotBuilt
	}
	p := &payload{
		CodecVersion: CurrentCodecVersion,
		Kind:         m.Kind(),
		Def:          m.Def(),
		Detector:     m.Detector(),
		Material:     m.Material(),
	}
	switch model := m.(type) {
	case *ManyGPsModel:
		p.ROI = model.roi
		summary := model.summary
		p.Summary = &summary
		p.Bins = make([]energygp.State, len(model.bins))
		for i, b := range model.bins {
			st, err := b.State()
			if err != nil {
				return nil, err
			}
			p.Bins[i] = st
		}
	case *RecreateModel:
		p.Spectra = model.replayed
	case *ProxyModel:
		p.ROI = model.roi
		p.Scale = model.scale
		for _, c := range model.components {
			cp, err := toPayload(c.model)
			if err != nil {
				return nil, err
			}
			p.Components = append(p.Components, componentPayload{Weight: c.weight, Model: cp})
		}
	default:
		return nil, fmt.Errorf("cannot encode model type %T", m)
	}
	return p, nil
}

// Decode restores a built model without refitting
func Decode(data []byte, deps Deps) (Model, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return fromPayload(&p, deps)
}

func fromPayload(p *payload, deps Deps) (Model, error) {
	if p.CodecVersion != CurrentCodecVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, p.CodecVersion, CurrentCodecVersion)
	}
	m, err := New(p.Kind, p.Detector, p.Material, p.Def, deps)
	if err != nil {
		return nil, err
	}

	switch model := m.(type) {
	case *ManyGPsModel:
		if len(p.Bins) != p.ROI[1]-p.ROI[0] {
			return nil, fmt.Errorf("payload has %d bins for roi %v", len(p.Bins), p.ROI)
		}
		model.roi = p.ROI
		model.bins = make([]*energygp.SingleEnergyGP, len(p.Bins))
		for i, st := range p.Bins {
			if model.bins[i], err = energygp.FromState(st); err != nil {
				return nil, err
			}
		}
		if p.Summary != nil {
			model.summary = *p.Summary
		}
	case *RecreateModel:
		model.replayed = p.Spectra
		model.index, model.rates = replayTable(p.Spectra)
	case *ProxyModel:
		model.roi = p.ROI
		model.scale = p.Scale
		for _, cp := range p.Components {
			if cp.Model == nil {
				return nil, errors.New("proxy component payload is empty")
			}
			c, err := fromPayload(cp.Model, deps)
			if err != nil {
				return nil, err
			}
			if err := model.checkROI(cp.Model.Material, c); err != nil {
				return nil, err
			}
			model.components = append(model.components, proxyComponent{weight: cp.Weight, model: c})
		}
	}
	markBuilt(m)
	return m, nil
}

func markBuilt(m Model) {
	switch model := m.(type) {
	case *ManyGPsModel:
		model.built = true
	case *RecreateModel:
		model.built = true
	case *ProxyModel:
		model.built = true
	}
}
