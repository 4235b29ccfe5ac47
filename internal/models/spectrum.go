package models

import "time"

// Point3D is a detector position in cm
type Point3D struct {
	X, Y, Z float64
}

// Detector holds the subset of detector metadata the dynamic core needs
type Detector struct {
	// Name identifies the detector in the store and in config
	Name string `json:"name" yaml:"name"`

	// ChanCount is the number of energy channels per spectrum
	ChanCount int `json:"chanCount" yaml:"chanCount"`
}

// Material is a source or background material
type Material struct {
	Name string `json:"name" yaml:"name"`
}

// BaseSpectrumXYZ is one measured spectrum at a fixed position for a
// (detector, material) pair. It is never mutated after loading.
type BaseSpectrumXYZ struct {
	// Position of the detector relative to the source, in cm
	Position Point3D `json:"position" yaml:"position"`

	// Counts per channel; length equals the detector channel count
	Counts []float64 `json:"counts" yaml:"counts"`

	// LiveTime and RealTime in seconds
	LiveTime float64 `json:"liveTime" yaml:"liveTime"`
	RealTime float64 `json:"realTime" yaml:"realTime"`

	// Sensitivity converts measured counts to counts per unit dose
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
}

// Weight is the factor that turns counts into counts per second per unit
// dose: rate = counts / Weight.
func (s BaseSpectrumXYZ) Weight() float64 {
	return s.LiveTime / s.Sensitivity
}

// TotalCounts sums the counts over all channels
func (s BaseSpectrumXYZ) TotalCounts() float64 {
	total := 0.0
	for _, c := range s.Counts {
		total += c
	}
	return total
}

// BackgroundSpectrum has the same shape as a base spectrum but describes
// ambient background. Position is unused.
type BackgroundSpectrum struct {
	Material    string    `json:"material" yaml:"material"`
	Counts      []float64 `json:"counts" yaml:"counts"`
	LiveTime    float64   `json:"liveTime" yaml:"liveTime"`
	RealTime    float64   `json:"realTime" yaml:"realTime"`
	Sensitivity float64   `json:"sensitivity" yaml:"sensitivity"`
}

// ScaledBackground pairs a background spectrum with its scenario dose factor
type ScaledBackground struct {
	Spectrum BackgroundSpectrum
	Scale    float64
}

// ModelKey identifies a stored dynamic model. Def is the canonical JSON
// encoding of the model definition, so identical requests map to one key.
type ModelKey struct {
	Detector  string `json:"detector"`
	Material  string `json:"material"`
	ModelName string `json:"modelName"`
	Def       string `json:"def"`
}

// StoredModel is a built model as kept by the model-storage collaborator
type StoredModel struct {
	ID        string    `json:"id"`
	Key       ModelKey  `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	Payload   []byte    `json:"payload"`
}
