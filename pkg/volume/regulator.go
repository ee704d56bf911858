// Package volume owns the optimizable density grid. The optimizer works on an
// unconstrained parameter; a monotonic density regulator maps it to a
// physically valid attenuation density.
package volume

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownRegulator is returned for regulator names outside the supported set.
var ErrUnknownRegulator = errors.New("unrecognized density regulator")

// RegulatorKind names a density regulator
type RegulatorKind string

const (
	Sigmoid  RegulatorKind = "sigmoid"
	Softplus RegulatorKind = "softplus"
	Clamp    RegulatorKind = "clamp"
	None     RegulatorKind = "none"
)

// ParseRegulator validates a regulator name.
func ParseRegulator(name string) (RegulatorKind, error) {
	switch k := RegulatorKind(strings.ToLower(name)); k {
	case Sigmoid, Softplus, Clamp, None:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegulator, name)
}

// Regulator maps an unconstrained parameter to a density value.
type Regulator interface {
	// Apply returns the density for parameter p.
	Apply(p float64) float64
	// Derivative returns d Apply / dp, used to chain density gradients.
	Derivative(p float64) float64
	// Inverse returns a parameter whose density is v. Values outside the
	// regulator's range are clamped first.
	Inverse(v float64) float64
}

// inverseFloor keeps the inverse links away from log(0).
const inverseFloor = 1e-6

type sigmoid struct{ shift float64 }

func (s sigmoid) Apply(p float64) float64 { return logistic(s.shift * p) }

func (s sigmoid) Derivative(p float64) float64 {
	y := logistic(s.shift * p)
	return s.shift * y * (1 - y)
}

func (s sigmoid) Inverse(v float64) float64 {
	v = math.Min(math.Max(v, inverseFloor), 1-inverseFloor)
	return math.Log(v/(1-v)) / s.shift
}

type softplus struct{ shift float64 }

func (s softplus) Apply(p float64) float64 {
	x := s.shift * p
	return (math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))) / s.shift
}

func (s softplus) Derivative(p float64) float64 { return logistic(s.shift * p) }

func (s softplus) Inverse(v float64) float64 {
	x := s.shift * v
	if x > 30 {
		// log(expm1(x)) = x + log1p(-exp(-x))
		return (x + math.Log1p(-math.Exp(-x))) / s.shift
	}
	return math.Log(math.Max(math.Expm1(x), inverseFloor)) / s.shift
}

// clamp clips to [min, max] with a straight-through gradient so clipped
// voxels can still move back into range.
type clamp struct{ min, max float64 }

func (c clamp) Apply(p float64) float64    { return math.Min(math.Max(p, c.min), c.max) }
func (c clamp) Derivative(float64) float64 { return 1 }
func (c clamp) Inverse(v float64) float64  { return c.Apply(v) }

type identity struct{}

func (identity) Apply(p float64) float64    { return p }
func (identity) Derivative(float64) float64 { return 1 }
func (identity) Inverse(v float64) float64  { return v }

// RegulatorParams carries the constants the regulators depend on.
type RegulatorParams struct {
	Shift    float64
	ClampMin float64
	ClampMax float64
}

// NewRegulator builds the regulator for kind.
func NewRegulator(kind RegulatorKind, p RegulatorParams) (Regulator, error) {
	switch kind {
	case Sigmoid:
		return sigmoid{shift: p.Shift}, nil
	case Softplus:
		return softplus{shift: p.Shift}, nil
	case Clamp:
		return clamp{min: p.ClampMin, max: p.ClampMax}, nil
	case None:
		return identity{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRegulator, string(kind))
}

func logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
