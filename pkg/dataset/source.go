package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// BatchSource yields the batches of one epoch. Batch i is the same on every
// call.
type BatchSource interface {
	NumBatches() int
	Batch(i int) *models.Batch
}

// Batches splits an index-aligned ray set into contiguous batches that share
// the backing arrays.
type Batches struct {
	batches []*models.Batch
	rays    int
}

// NewBatches slices the rays into batches of at most batchSize rays.
func NewBatches(sources, targets []r3.Vec, pixels []float64, batchSize int) (*Batches, error) {
	n := len(pixels)
	if len(sources) != n || len(targets) != n {
		return nil, fmt.Errorf("misaligned rays: %d sources, %d targets, %d pixels", len(sources), len(targets), n)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	b := &Batches{rays: n}
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		b.batches = append(b.batches, &models.Batch{
			Sources: sources[start:end:end],
			Targets: targets[start:end:end],
			Pixels:  pixels[start:end:end],
		})
	}
	return b, nil
}

// NumBatches returns the number of batches per epoch.
func (b *Batches) NumBatches() int { return len(b.batches) }

// Batch returns batch i.
func (b *Batches) Batch(i int) *models.Batch { return b.batches[i] }

// NumRays returns the total number of rays.
func (b *Batches) NumRays() int { return b.rays }
