package reconstruction

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"sparsect/internal/models"
	"sparsect/pkg/dataset"
	"sparsect/pkg/projector"
)

// SIRTParams configures a baseline reconstruction
type SIRTParams struct {
	Iterations int

	// Relaxation scales every update; values in (0, 2) converge
	Relaxation float64

	// NonNegative clips the estimate at zero after every update
	NonNegative bool
}

// SIRT reconstructs a baseline volume with the simultaneous iterative
// reconstruction technique
//
//	x <- x + relaxation * C^-1 A^T R^-1 (b - A x)
//
// where R and C are the row and column sums of the projector. Rays that miss
// the grid and voxels no ray reaches are left out of the update. The result
// feeds the warm start of the gradient-based reconstruction.
func SIRT(ctx context.Context, renderer projector.Renderer, source dataset.BatchSource, grid *models.Volume, p SIRTParams, logger *logrus.Logger) (*models.Volume, error) {
	if p.Iterations <= 0 {
		return nil, fmt.Errorf("sirt needs a positive iteration count, got %d", p.Iterations)
	}
	if p.Relaxation <= 0 || p.Relaxation >= 2 {
		return nil, fmt.Errorf("sirt relaxation must lie in (0, 2), got %g", p.Relaxation)
	}

	n := grid.Len()
	ones := grid.WithData(make([]float64, n))
	for i := range ones.Data {
		ones.Data[i] = 1
	}

	nb := source.NumBatches()
	rowInv := make([][]float64, nb)
	colSum := make([]float64, n)
	for b := 0; b < nb; b++ {
		batch := source.Batch(b)
		rows := make([]float64, batch.Len())
		if err := renderer.Project(ones, batch, rows); err != nil {
			return nil, err
		}
		for i, r := range rows {
			if r > 0 {
				rows[i] = 1 / r
			}
		}
		rowInv[b] = rows

		unit := make([]float64, batch.Len())
		for i := range unit {
			unit[i] = 1
		}
		if err := renderer.Backproject(grid, batch, unit, colSum); err != nil {
			return nil, err
		}
	}

	est := grid.WithData(make([]float64, n))
	update := make([]float64, n)
	for itr := 0; itr < p.Iterations; itr++ {
		clear(update)
		residual := 0.0
		for b := 0; b < nb; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			batch := source.Batch(b)
			res := make([]float64, batch.Len())
			if err := renderer.Project(est, batch, res); err != nil {
				return nil, err
			}
			floats.SubTo(res, batch.Pixels, res)
			residual += floats.Dot(res, res)
			floats.Mul(res, rowInv[b])
			if err := renderer.Backproject(est, batch, res, update); err != nil {
				return nil, err
			}
		}

		for j, c := range colSum {
			if c <= 0 {
				continue
			}
			est.Data[j] += p.Relaxation * update[j] / c
			if p.NonNegative && est.Data[j] < 0 {
				est.Data[j] = 0
			}
		}
		logger.WithFields(logrus.Fields{"iteration": itr, "residual": residual}).Debug("sirt")
	}
	return est, nil
}
