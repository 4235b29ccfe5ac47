package dynamic

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"drase/internal/models"
	"drase/pkg/logging"
	"drase/pkg/metrics"
	"drase/pkg/store"
)

// Model is a full spectrum spatial model for one (detector, material)
// pair. A model is unbuilt until Build succeeds and never changes after.
type Model interface {
	Kind() Kind
	Def() ModelDef
	Detector() models.Detector
	Material() string

	Build(ctx context.Context) error
	Built() bool

	// Query returns rates in counts per second per unit dose, one row per
	// position and one column per requested energy bin. Nil energies
	// selects every detector bin.
	Query(xyz []models.Point3D, energies []int) ([][]float64, error)
}

// Provider hands out built models; ProxyModel uses it for its components.
type Provider interface {
	GetOrBuild(ctx context.Context, detector, material string, kind Kind, def ModelDef, force bool) (Model, error)
}

// Deps are the collaborators models build with.
type Deps struct {
	Store    store.Store
	Metrics  *metrics.Collector
	Provider Provider

	// Workers bounds concurrent bin fits; 0 uses every CPU
	Workers int

	// Seed makes optimizer restarts reproducible
	Seed uint64

	// Progress, if set, is called as bins complete
	Progress ProgressCallback
}

// ProgressCallback reports progress while fitting energy bins
type ProgressCallback func(completed, total int, message string)

type constructor func(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) (Model, error)

// New creates an unbuilt model of the given kind
func New(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) (Model, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelKind, string(kind))
	}
	if err := kind.Validate(def); err != nil {
		return nil, err
	}
	if def.ROI != nil && def.ROI[1] > detector.ChanCount {
		return nil, fmt.Errorf("roi %v exceeds %d channels of detector %s", *def.ROI, detector.ChanCount, detector.Name)
	}
	return ctor(kind, detector, material, def, deps)
}

// base carries what every model kind shares: its identity, the training
// spectra (loaded on first use) and the built flag.
type base struct {
	kind     Kind
	def      ModelDef
	detector models.Detector
	material string
	deps     Deps

	spectra []models.BaseSpectrumXYZ
	built   bool

	log *logrus.Entry
}

func newBase(kind Kind, detector models.Detector, material string, def ModelDef, deps Deps) base {
	return base{
		kind:     kind,
		def:      def,
		detector: detector,
		material: material,
		deps:     deps,
		log: logging.NamedLogger("dynamic").WithFields(logrus.Fields{
			"model":    string(kind),
			"detector": detector.Name,
			"material": material,
		}),
	}
}

func (b *base) Kind() Kind                { return b.kind }
func (b *base) Def() ModelDef             { return b.def }
func (b *base) Detector() models.Detector { return b.detector }
func (b *base) Material() string          { return b.material }
func (b *base) Built() bool               { return b.built }

// trainingSpectra loads the pair's spectra on first use
func (b *base) trainingSpectra(ctx context.Context) ([]models.BaseSpectrumXYZ, error) {
	if b.spectra != nil {
		return b.spectra, nil
	}
	if b.deps.Store == nil {
		return nil, fmt.Errorf("no store to load %s/%s spectra from", b.detector.Name, b.material)
	}
	spectra, err := b.deps.Store.GetSpectraXYZ(ctx, b.detector.Name, b.material)
	if err != nil {
		return nil, err
	}
	if len(spectra) == 0 {
		return nil, fmt.Errorf("no spectra for %s/%s", b.detector.Name, b.material)
	}
	b.spectra = spectra
	return spectra, nil
}

// energyBins resolves the requested bins, defaulting to all of them
func (b *base) energyBins(energies []int) ([]int, error) {
	if energies == nil {
		energies = make([]int, b.detector.ChanCount)
		for i := range energies {
			energies[i] = i
		}
		return energies, nil
	}
	for _, e := range energies {
		if e < 0 || e >= b.detector.ChanCount {
			return nil, fmt.Errorf("energy bin %d outside detector range [0, %d)", e, b.detector.ChanCount)
		}
	}
	return energies, nil
}

func newRateMatrix(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	data := make([]float64, rows*cols)
	for i := range out {
		out[i] = data[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return out
}
