package volume

import (
	"fmt"

	"sparsect/internal/models"
)

// Parameterization holds the unconstrained parameter grid and the regulator
// that turns it into a physical density. It is owned by a single run loop
// and is not safe for concurrent mutation.
type Parameterization struct {
	kind  RegulatorKind
	reg   Regulator
	param *models.Volume
}

// New creates a parameterization on the grid of template. With a nil prior the
// parameter starts at zero everywhere. Otherwise the parameter is set to the
// regulator's inverse of the prior so that Density reproduces it before the
// first optimizer step. A prior on a different grid is resampled first.
func New(template *models.Volume, kind RegulatorKind, params RegulatorParams, prior *models.Volume) (*Parameterization, error) {
	reg, err := NewRegulator(kind, params)
	if err != nil {
		return nil, err
	}

	p := &Parameterization{
		kind:  kind,
		reg:   reg,
		param: template.WithData(make([]float64, template.Len())),
	}

	if prior == nil {
		return p, nil
	}
	if err := prior.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prior volume: %w", err)
	}
	if !prior.SameGrid(template) {
		prior = prior.Resample(template.Width, template.Height, template.Depth)
	}
	for i, v := range prior.Data {
		p.param.Data[i] = reg.Inverse(v)
	}
	return p, nil
}

// Kind returns the regulator kind.
func (p *Parameterization) Kind() RegulatorKind { return p.kind }

// Params exposes the raw parameter slice for the optimizer.
func (p *Parameterization) Params() []float64 { return p.param.Data }

// Len returns the number of parameters.
func (p *Parameterization) Len() int { return len(p.param.Data) }

// Density returns regulator(parameter) on the parameter grid.
func (p *Parameterization) Density() *models.Volume {
	out := p.param.WithData(make([]float64, p.param.Len()))
	p.DensityInto(out.Data)
	return out
}

// DensityInto writes regulator(parameter) into dst.
func (p *Parameterization) DensityInto(dst []float64) {
	for i, v := range p.param.Data {
		dst[i] = p.reg.Apply(v)
	}
}

// Chain converts a gradient with respect to density into a gradient with
// respect to the parameter, accumulating into gradParam.
func (p *Parameterization) Chain(gradDensity, gradParam []float64) {
	for i, g := range gradDensity {
		if g != 0 {
			gradParam[i] += g * p.reg.Derivative(p.param.Data[i])
		}
	}
}
