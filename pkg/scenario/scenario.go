package scenario

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"drase/internal/models"
)

// integerTolerance is how far acquisition_time * sample_hz may sit from an
// integer before the sample grid is rejected.
const integerTolerance = 1e-9

// ScenarioError wraps a scenario setup failure with the scenario name.
type ScenarioError struct {
	Scenario string
	Err      error
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("scenario %s: %v", e.Scenario, e.Err)
}

func (e *ScenarioError) Unwrap() error { return e.Err }

// SourceDef is the strength of one source material in a scenario
type SourceDef struct {
	Quantity  float64 `yaml:"quantity" json:"quantity"`
	Directory string  `yaml:"directory,omitempty" json:"directory,omitempty"`
}

// Def is the configured form of a scenario. Backgrounds maps background
// material names to their dose scale.
type Def struct {
	StartTime       float64              `yaml:"start_time" json:"startTime"`
	AcquisitionTime float64              `yaml:"acquisition_time" json:"acquisitionTime"`
	OutputPeriod    float64              `yaml:"output_period" json:"outputPeriod"`
	SampleHz        float64              `yaml:"sample_hz" json:"sampleHz"`
	Replications    int                  `yaml:"replications" json:"replications"`
	Sources         map[string]SourceDef `yaml:"sources" json:"sources"`
	Backgrounds     map[string]float64   `yaml:"backgrounds,omitempty" json:"backgrounds,omitempty"`
	Path            PathDef              `yaml:"path" json:"path"`
}

// DynamicScenario is an immutable detector trajectory with its sampling
// grid evaluated once at construction.
type DynamicScenario struct {
	Name string
	Def  Def

	path        Path
	sampleTimes []float64
	xyz         []models.Point3D
	numPeriods  int
}

// NewDynamicScenario validates def and evaluates its path on the sample
// grid. Failures are returned as *ScenarioError.
func NewDynamicScenario(name string, def Def) (*DynamicScenario, error) {
	s, err := newDynamicScenario(name, def)
	if err != nil {
		return nil, &ScenarioError{Scenario: name, Err: err}
	}
	return s, nil
}

func newDynamicScenario(name string, def Def) (*DynamicScenario, error) {
	if def.StartTime != 0 {
		return nil, fmt.Errorf("start time must be 0, got %g", def.StartTime)
	}
	if def.AcquisitionTime <= 0 || def.SampleHz <= 0 || def.OutputPeriod <= 0 {
		return nil, errors.New("acquisition_time, sample_hz and output_period must be positive")
	}
	if def.Replications <= 0 {
		return nil, fmt.Errorf("replications must be positive, got %d", def.Replications)
	}
	if len(def.Sources) == 0 {
		return nil, errors.New("scenario has no sources")
	}

	n := def.AcquisitionTime * def.SampleHz
	samples := math.Round(n)
	if math.Abs(n-samples) > integerTolerance*math.Max(1, n) || samples < 1 {
		return nil, fmt.Errorf("acquisition_time %g at sample_hz %g is not a whole number of samples",
			def.AcquisitionTime, def.SampleHz)
	}
	periods := int(math.Floor(def.AcquisitionTime/def.OutputPeriod + integerTolerance))
	if periods < 1 {
		return nil, fmt.Errorf("output_period %g exceeds acquisition_time %g", def.OutputPeriod, def.AcquisitionTime)
	}

	path, err := NewPath(def.Path)
	if err != nil {
		return nil, err
	}

	s := &DynamicScenario{
		Name:        name,
		Def:         def,
		path:        path,
		sampleTimes: make([]float64, int(samples)),
		xyz:         make([]models.Point3D, int(samples)),
		numPeriods:  periods,
	}
	for i := range s.sampleTimes {
		t := float64(i) / def.SampleHz
		s.sampleTimes[i] = t
		s.xyz[i] = path.XYZ(t)
	}
	return s, nil
}

// SampleTimes returns the dense sampling grid
func (s *DynamicScenario) SampleTimes() []float64 { return s.sampleTimes }

// XYZ returns the path evaluated at each sample time
func (s *DynamicScenario) XYZ() []models.Point3D { return s.xyz }

// NumPeriods is the number of whole output periods in the acquisition
func (s *DynamicScenario) NumPeriods() int { return s.numPeriods }

// Path returns the scenario trajectory
func (s *DynamicScenario) Path() Path { return s.path }

// SourceNames lists the source materials in name order
func (s *DynamicScenario) SourceNames() []string {
	names := make([]string, 0, len(s.Def.Sources))
	for name := range s.Def.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SumToPeriod integrates per-sample rates (one row per sample time) over
// each output period. The running integral of rate/sample_hz is
// interpolated at the period boundaries and differenced, so periods need
// not line up with samples.
func (s *DynamicScenario) SumToPeriod(rates [][]float64) ([][]float64, error) {
	if len(rates) != len(s.sampleTimes) {
		return nil, fmt.Errorf("got %d rate rows for %d sample times", len(rates), len(s.sampleTimes))
	}
	nE := len(rates[0])
	knots := make([]float64, len(rates)+1)
	for k := range knots {
		knots[k] = float64(k) / s.Def.SampleHz
	}
	bounds := make([]float64, s.numPeriods+1)
	for p := range bounds {
		bounds[p] = float64(p) * s.Def.OutputPeriod
	}

	out := make([][]float64, s.numPeriods)
	for p := range out {
		out[p] = make([]float64, nE)
	}
	column := make([]float64, len(rates))
	cum := make([]float64, len(rates)+1)
	for e := 0; e < nE; e++ {
		for i, row := range rates {
			if len(row) != nE {
				return nil, fmt.Errorf("rate row %d has %d bins, want %d", i, len(row), nE)
			}
			column[i] = row[e] / s.Def.SampleHz
		}
		floats.CumSum(cum[1:], column)

		var pl interp.PiecewiseLinear
		if err := pl.Fit(knots, cum); err != nil {
			return nil, err
		}
		prev := pl.Predict(bounds[0])
		for p := 0; p < s.numPeriods; p++ {
			next := pl.Predict(bounds[p+1])
			out[p][e] = next - prev
			prev = next
		}
	}
	return out, nil
}

// Dose returns the integrated exposure quantity * r^-2 of the path in each
// output period.
func (s *DynamicScenario) Dose(quantity float64) ([]float64, error) {
	rows := make([][]float64, len(s.xyz))
	for i, p := range s.xyz {
		r2 := p.X*p.X + p.Y*p.Y + p.Z*p.Z
		if r2 == 0 {
			return nil, fmt.Errorf("path reaches the source at t=%g", s.sampleTimes[i])
		}
		rows[i] = []float64{quantity / r2}
	}
	periods, err := s.SumToPeriod(rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(periods))
	for p, row := range periods {
		out[p] = row[0]
	}
	return out, nil
}
