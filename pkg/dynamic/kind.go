// Package dynamic assembles per energy bin regressors into full spectrum
// spatial models, caches them in the store and answers rate queries.
package dynamic

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"drase/internal/models"
)

var (
	// ErrUnknownModelKind is returned for model names outside the registry
	ErrUnknownModelKind = errors.New("unknown model kind")

	// ErrNotBuilt is returned when querying a model before Build
	ErrNotBuilt = errors.New("model is not built")

	// ErrPointNotFound is returned for positions absent from the measured data
	ErrPointNotFound = errors.New("position not present in measured spectra")

	// ErrROIMismatch is returned when a proxy covers different bins than its target
	ErrROIMismatch = errors.New("proxy ROI does not match model ROI")
)

// Kind names a model implementation. The set is closed.
type Kind string

const (
	ManyGPs      Kind = "ManyGPsModel"
	ManyGPsROI   Kind = "ManyGPsROIModel"
	SymmetricMGR Kind = "SymmetricMGRModel"
	Proxy        Kind = "ProxyModel"
	Recreate     Kind = "RecreateModel"
)

var registry = map[Kind]constructor{
	ManyGPs:      newManyGPs,
	ManyGPsROI:   newManyGPs,
	SymmetricMGR: newManyGPs,
	Proxy:        newProxy,
	Recreate:     newRecreate,
}

// Kinds lists the registered model kinds in name order
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind resolves a configured model name
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := registry[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModelKind, name)
	}
	return k, nil
}

// Kernel choices for the angular part of the per-bin GPs
const (
	KernelSpherical    = "spherical"
	KernelChordal      = "chordal"
	KernelFitSymmetric = "fit_symmetric"
)

// ProxyDef weights one proxy material in a ProxyModel
type ProxyDef struct {
	Material string  `json:"material" yaml:"material"`
	Weight   float64 `json:"weight" yaml:"weight"`
}

// ModelDef is the user supplied model definition. Together with detector,
// material and kind it keys the model cache.
type ModelDef struct {
	// Points restricts training to these measured positions
	Points []models.Point3D `json:"points,omitempty" yaml:"points,omitempty"`

	// ROI is the half-open energy bin range [lo, hi) that is modeled
	ROI *[2]int `json:"roi,omitempty" yaml:"roi,omitempty"`

	// Reflection is the shared (theta, phi) symmetry axis in radians
	Reflection *[2]float64 `json:"reflection,omitempty" yaml:"reflection,omitempty"`

	Proxies     []ProxyDef `json:"proxies,omitempty" yaml:"proxies,omitempty"`
	Anisotropic bool       `json:"anisotropic,omitempty" yaml:"anisotropic,omitempty"`
	Kernel      string     `json:"kernel,omitempty" yaml:"kernel,omitempty"`
}

// Canonical returns the stable encoding used in cache keys
func (d ModelDef) Canonical() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Validate checks that def carries what kind k needs. Bin ranges are
// checked against the detector at build time.
func (k Kind) Validate(def ModelDef) error {
	if _, ok := registry[k]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModelKind, string(k))
	}
	switch def.Kernel {
	case "", KernelSpherical, KernelChordal, KernelFitSymmetric:
	default:
		return fmt.Errorf("%s: unknown kernel %q", k, def.Kernel)
	}
	if def.ROI != nil && (def.ROI[0] < 0 || def.ROI[1] <= def.ROI[0]) {
		return fmt.Errorf("%s: invalid roi %v", k, *def.ROI)
	}

	switch k {
	case ManyGPs:
		if def.ROI != nil {
			return fmt.Errorf("%s models every bin; use %s for an roi", k, ManyGPsROI)
		}
	case ManyGPsROI:
		if def.ROI == nil {
			return fmt.Errorf("%s requires an roi", k)
		}
	case SymmetricMGR:
		if def.ROI == nil || def.Reflection == nil {
			return fmt.Errorf("%s requires an roi and a reflection axis", k)
		}
		if def.Reflection[0] <= 0 || def.Reflection[1] <= 0 {
			return fmt.Errorf("%s: reflection angles must be positive, got %v", k, *def.Reflection)
		}
	case Proxy:
		if def.ROI == nil || len(def.Proxies) == 0 {
			return fmt.Errorf("%s requires an roi and at least one proxy", k)
		}
		for _, p := range def.Proxies {
			if p.Material == "" || p.Weight == 0 {
				return fmt.Errorf("%s: proxy needs a material and a non-zero weight: %+v", k, p)
			}
		}
	}
	return nil
}

// Key builds the cache key of a model
func Key(detector, material string, kind Kind, def ModelDef) (models.ModelKey, error) {
	canonical, err := def.Canonical()
	if err != nil {
		return models.ModelKey{}, err
	}
	return models.ModelKey{Detector: detector, Material: material, ModelName: string(kind), Def: canonical}, nil
}
