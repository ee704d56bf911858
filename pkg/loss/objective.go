package loss

import (
	"fmt"
	"math"

	"sparsect/internal/models"
)

// Objective is fidelity(pred, gt) + Weight * TV(density).
type Objective struct {
	fidelity Fidelity
	kind     FidelityKind
	tv       TVKind
	weight   float64
}

// NewObjective validates both selectors and builds the objective.
func NewObjective(fidelity FidelityKind, tv TVKind, weight float64) (*Objective, error) {
	f, err := NewFidelity(fidelity)
	if err != nil {
		return nil, err
	}
	if _, err := ParseTV(string(tv)); err != nil {
		return nil, err
	}
	return &Objective{fidelity: f, kind: fidelity, tv: tv, weight: weight}, nil
}

// FidelityKind returns the selected fidelity term.
func (o *Objective) FidelityKind() FidelityKind { return o.kind }

// Weight returns the regularizer coefficient.
func (o *Objective) Weight() float64 { return o.weight }

// Fidelity evaluates the data term, writing d/dpred into grad when non-nil.
func (o *Objective) Fidelity(pred, gt, grad []float64) (float64, error) {
	if len(pred) != len(gt) {
		return 0, fmt.Errorf("prediction has %d pixels, ground truth %d", len(pred), len(gt))
	}
	if grad != nil && len(grad) != len(pred) {
		return 0, fmt.Errorf("gradient buffer has %d entries for %d pixels", len(grad), len(pred))
	}
	v := o.fidelity.Loss(pred, gt, grad)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite fidelity loss %v", v)
	}
	return v, nil
}

// Regularizer returns Weight * TV(density) and adds scale times its gradient
// to grad when grad is non-nil.
func (o *Objective) Regularizer(density *models.Volume, grad []float64, scale float64) (float64, error) {
	if o.weight == 0 {
		return 0, nil
	}
	tv, err := TotalVariation(o.tv, density, grad, scale*o.weight)
	if err != nil {
		return 0, err
	}
	return o.weight * tv, nil
}

// Terms is the decomposition of the loss of one iteration.
type Terms struct {
	Fidelity float64
	TV       float64
}

// Total returns fidelity + weighted TV.
func (t Terms) Total() float64 { return t.Fidelity + t.TV }
