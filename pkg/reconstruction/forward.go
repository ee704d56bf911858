package reconstruction

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"sparsect/internal/models"
	"sparsect/pkg/projector"
)

// ForwardModel adapts the renderer to the loss: it projects the current
// density for a batch and scales the predicted intensities by a constant
// factor before they are compared with the measured pixels.
type ForwardModel struct {
	renderer projector.Renderer
	scale    float64
	scratch  []float64
}

// NewForwardModel wraps renderer with intensity scale factor scale.
func NewForwardModel(renderer projector.Renderer, scale float64) *ForwardModel {
	return &ForwardModel{renderer: renderer, scale: scale}
}

// Project writes scale * renderer(density, batch) into pred.
func (f *ForwardModel) Project(density *models.Volume, batch *models.Batch, pred []float64) error {
	if err := f.renderer.Project(density, batch, pred); err != nil {
		return fmt.Errorf("forward projection failed: %w", err)
	}
	if f.scale != 1 {
		floats.Scale(f.scale, pred)
	}
	return nil
}

// Backward accumulates d loss / d density into gradDensity given
// d loss / d pred for the batch.
func (f *ForwardModel) Backward(grid *models.Volume, batch *models.Batch, gradPred, gradDensity []float64) error {
	g := gradPred
	if f.scale != 1 {
		if cap(f.scratch) < len(gradPred) {
			f.scratch = make([]float64, len(gradPred))
		}
		g = f.scratch[:len(gradPred)]
		floats.ScaleTo(g, f.scale, gradPred)
	}
	if err := f.renderer.Backproject(grid, batch, g, gradDensity); err != nil {
		return fmt.Errorf("backprojection failed: %w", err)
	}
	return nil
}
