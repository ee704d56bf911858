package models

import "gonum.org/v1/gonum/spatial/r3"

// Geometry is the fixed acquisition geometry shared by every batch
type Geometry struct {
	// Height and Width are the detector size in pixels
	Height int
	Width  int

	// PixelSpacing is the detector pixel pitch in mm
	PixelSpacing float64

	// SDD is the source to detector distance in mm
	SDD float64

	// SOD is the source to isocenter distance in mm
	SOD float64

	// NumPoints is the number of samples per ray for sampling renderers
	NumPoints int
}

// PixelsPerView returns the number of detector pixels in one projection.
func (g Geometry) PixelsPerView() int { return g.Height * g.Width }

// Batch is an index-aligned set of rays: ray i travels from Sources[i] to the
// detector pixel at Targets[i] and was observed with intensity Pixels[i].
// Batches are never mutated after construction.
type Batch struct {
	Sources []r3.Vec
	Targets []r3.Vec
	Pixels  []float64
}

// Len returns the number of rays in the batch.
func (b *Batch) Len() int { return len(b.Pixels) }
