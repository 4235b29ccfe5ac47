package scenario

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drase/internal/models"
)

var (
	a = models.Point3D{X: 0, Y: 100, Z: 0}
	b = models.Point3D{X: 50, Y: 100, Z: 0}
	c = models.Point3D{X: 100, Y: 100, Z: 10}
)

func baseDef() Def {
	return Def{
		AcquisitionTime: 10,
		OutputPeriod:    2,
		SampleHz:        4,
		Replications:    1,
		Sources:         map[string]SourceDef{"Cs137": {Quantity: 1}},
		Path:            PathDef{Type: PathStayPut, Positions: []models.Point3D{a}},
	}
}

func TestNStepPathIntervals(t *testing.T) {
	p, err := NewNStepPath([]float64{2, 5}, []models.Point3D{a, b, c})
	require.NoError(t, err)

	forward := []struct {
		t    float64
		want models.Point3D
	}{
		{0, a}, {1.99, a}, {2, b}, {4.5, b}, {5, c}, {100, c},
	}
	for _, tt := range forward {
		assert.Equal(t, tt.want, p.XYZ(tt.t), "t=%g", tt.t)
	}
	// Out of order queries give the same answers.
	for i := len(forward) - 1; i >= 0; i-- {
		assert.Equal(t, forward[i].want, p.XYZ(forward[i].t), "t=%g", forward[i].t)
	}
}

func TestInMotionPath(t *testing.T) {
	p, err := NewInMotionPath([]float64{4}, []models.Point3D{a, b})
	require.NoError(t, err)
	assert.Equal(t, a, p.XYZ(0))
	assert.InDelta(t, 25, p.XYZ(2).X, 1e-12)
	assert.Equal(t, b, p.XYZ(4))
	assert.Equal(t, b, p.XYZ(40))
}

func TestNewPathValidation(t *testing.T) {
	tests := []struct {
		name string
		def  PathDef
	}{
		{"unknown type", PathDef{Type: "teleport", Positions: []models.Point3D{a}}},
		{"stay put with two positions", PathDef{Type: PathStayPut, Positions: []models.Point3D{a, b}}},
		{"one step without time", PathDef{Type: PathOneStep, Positions: []models.Point3D{a, b}}},
		{"n step unsorted", PathDef{Type: PathNStep, Positions: []models.Point3D{a, b, c}, Times: []float64{5, 2}}},
		{"n step count mismatch", PathDef{Type: PathNStep, Positions: []models.Point3D{a, b}, Times: []float64{1, 2}}},
		{"in motion at zero", PathDef{Type: PathInMotion, Positions: []models.Point3D{a, b}, Times: []float64{0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPath(tt.def)
			assert.Error(t, err)
		})
	}

	p, err := NewPath(PathDef{Type: PathOneStep, Positions: []models.Point3D{a, b}, Times: []float64{3}})
	require.NoError(t, err)
	assert.Equal(t, a, p.XYZ(2.9))
	assert.Equal(t, b, p.XYZ(3))
}

func TestDynamicScenarioGrid(t *testing.T) {
	def := baseDef()
	def.Path = PathDef{Type: PathOneStep, Positions: []models.Point3D{a, b}, Times: []float64{5}}
	s, err := NewDynamicScenario("step", def)
	require.NoError(t, err)

	require.Len(t, s.SampleTimes(), 40)
	assert.Equal(t, 0.0, s.SampleTimes()[0])
	assert.Equal(t, 9.75, s.SampleTimes()[39])
	assert.Equal(t, a, s.XYZ()[19])
	assert.Equal(t, b, s.XYZ()[20])
	assert.Equal(t, 5, s.NumPeriods())
	assert.Equal(t, []string{"Cs137"}, s.SourceNames())
}

func TestDynamicScenarioErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Def)
	}{
		{"non zero start", func(d *Def) { d.StartTime = 1 }},
		{"fractional samples", func(d *Def) { d.SampleHz = 0.35 }},
		{"period too long", func(d *Def) { d.OutputPeriod = 20 }},
		{"bad path", func(d *Def) { d.Path = PathDef{Type: "warp"} }},
		{"no sources", func(d *Def) { d.Sources = nil }},
		{"no replications", func(d *Def) { d.Replications = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := baseDef()
			tt.mutate(&def)
			_, err := NewDynamicScenario("broken", def)
			require.Error(t, err)
			var se *ScenarioError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "broken", se.Scenario)
			assert.NotNil(t, errors.Unwrap(err))
		})
	}
}

func TestSumToPeriod(t *testing.T) {
	s, err := NewDynamicScenario("still", baseDef())
	require.NoError(t, err)

	rates := make([][]float64, len(s.SampleTimes()))
	for i := range rates {
		rates[i] = []float64{100, float64(i)}
	}
	periods, err := s.SumToPeriod(rates)
	require.NoError(t, err)
	require.Len(t, periods, 5)
	for p := range periods {
		assert.InDelta(t, 200, periods[p][0], 1e-9)
	}
	// Samples 8p..8p+7 fall in period p, each contributing i/4.
	assert.InDelta(t, float64(0+1+2+3+4+5+6+7)/4, periods[0][1], 1e-9)

	_, err = s.SumToPeriod(rates[:3])
	assert.Error(t, err)
}

func TestSumToPeriodDropsPartialPeriod(t *testing.T) {
	def := baseDef()
	def.OutputPeriod = 3
	s, err := NewDynamicScenario("partial", def)
	require.NoError(t, err)
	assert.Equal(t, 3, s.NumPeriods())

	rates := make([][]float64, len(s.SampleTimes()))
	for i := range rates {
		rates[i] = []float64{1}
	}
	periods, err := s.SumToPeriod(rates)
	require.NoError(t, err)
	for _, p := range periods {
		assert.InDelta(t, 3, p[0], 1e-9)
	}
}

func TestDose(t *testing.T) {
	s, err := NewDynamicScenario("still", baseDef())
	require.NoError(t, err)
	dose, err := s.Dose(1e4)
	require.NoError(t, err)
	require.Len(t, dose, 5)
	for _, d := range dose {
		assert.InDelta(t, 2.0, d, 1e-9)
	}

	def := baseDef()
	def.Path = PathDef{Type: PathStayPut, Positions: []models.Point3D{{}}}
	s, err = NewDynamicScenario("origin", def)
	require.NoError(t, err)
	_, err = s.Dose(1)
	assert.Error(t, err)
}
