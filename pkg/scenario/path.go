// Package scenario describes detector motion over time and the sampling
// clock used to turn model rates into per-period counts.
package scenario

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"

	"drase/internal/models"
)

// Path types accepted in PathDef.Type
const (
	PathStayPut  = "stay_put"
	PathOneStep  = "one_step"
	PathNStep    = "n_step"
	PathInMotion = "in_motion"
)

// Path gives the detector position at time t (seconds).
type Path interface {
	XYZ(t float64) models.Point3D
}

// PathDef is the configured form of a path. Positions has one more entry
// than Times for every type except stay_put.
type PathDef struct {
	Type      string           `yaml:"type" json:"type"`
	Positions []models.Point3D `yaml:"positions" json:"positions"`
	Times     []float64        `yaml:"times,omitempty" json:"times,omitempty"`
}

// StayPutPath never moves
type StayPutPath struct {
	Position models.Point3D
}

func (p StayPutPath) XYZ(float64) models.Point3D { return p.Position }

// OneStepPath jumps from Before to After at SwitchTime
type OneStepPath struct {
	Before, After models.Point3D
	SwitchTime    float64
}

func (p OneStepPath) XYZ(t float64) models.Point3D {
	if t < p.SwitchTime {
		return p.Before
	}
	return p.After
}

// NStepPath holds positions[i] between times[i-1] and times[i]. The active
// interval is found by binary search, so queries may come in any order.
type NStepPath struct {
	times     []float64
	positions []models.Point3D
}

func NewNStepPath(times []float64, positions []models.Point3D) (*NStepPath, error) {
	if err := checkKnots(times, positions, false); err != nil {
		return nil, err
	}
	return &NStepPath{
		times:     append([]float64(nil), times...),
		positions: append([]models.Point3D(nil), positions...),
	}, nil
}

func (p *NStepPath) XYZ(t float64) models.Point3D {
	i := sort.Search(len(p.times), func(i int) bool { return p.times[i] > t })
	return p.positions[i]
}

// InMotionPath moves linearly from positions[0] at t = 0 through
// positions[i] at times[i-1], and stays at the last position afterwards.
type InMotionPath struct {
	x, y, z interp.PiecewiseLinear
}

func NewInMotionPath(times []float64, positions []models.Point3D) (*InMotionPath, error) {
	if err := checkKnots(times, positions, true); err != nil {
		return nil, err
	}
	knots := append([]float64{0}, times...)
	xs := make([]float64, len(positions))
	ys := make([]float64, len(positions))
	zs := make([]float64, len(positions))
	for i, p := range positions {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	p := &InMotionPath{}
	if err := p.x.Fit(knots, xs); err != nil {
		return nil, err
	}
	if err := p.y.Fit(knots, ys); err != nil {
		return nil, err
	}
	if err := p.z.Fit(knots, zs); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *InMotionPath) XYZ(t float64) models.Point3D {
	return models.Point3D{X: p.x.Predict(t), Y: p.y.Predict(t), Z: p.z.Predict(t)}
}

func checkKnots(times []float64, positions []models.Point3D, positive bool) error {
	if len(times) == 0 {
		return errors.New("path needs at least one transition time")
	}
	if len(positions) != len(times)+1 {
		return fmt.Errorf("path has %d times and %d positions, want %d positions",
			len(times), len(positions), len(times)+1)
	}
	for i, t := range times {
		if positive && t <= 0 {
			return fmt.Errorf("transition time %g must be positive", t)
		}
		if i > 0 && t <= times[i-1] {
			return fmt.Errorf("transition times must be strictly increasing, got %v", times)
		}
	}
	return nil
}

// NewPath builds the path a definition describes
func NewPath(def PathDef) (Path, error) {
	switch def.Type {
	case PathStayPut:
		if len(def.Positions) != 1 || len(def.Times) != 0 {
			return nil, errors.New("stay_put path takes exactly one position and no times")
		}
		return StayPutPath{Position: def.Positions[0]}, nil
	case PathOneStep:
		if len(def.Positions) != 2 || len(def.Times) != 1 {
			return nil, errors.New("one_step path takes two positions and one switch time")
		}
		return OneStepPath{Before: def.Positions[0], After: def.Positions[1], SwitchTime: def.Times[0]}, nil
	case PathNStep:
		return NewNStepPath(def.Times, def.Positions)
	case PathInMotion:
		return NewInMotionPath(def.Times, def.Positions)
	default:
		return nil, fmt.Errorf("unknown path type %q", def.Type)
	}
}
