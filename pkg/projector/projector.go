// Package projector implements differentiable X-ray projectors. A projector
// integrates a density grid along source to detector rays and provides the
// adjoint (backprojection) of that linear map for gradient computation.
package projector

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// ErrUnknownKind is returned for renderer names outside the supported set.
var ErrUnknownKind = errors.New("unrecognized renderer")

// Kind names a renderer implementation
type Kind string

const (
	// Siddon integrates the exact intersection length of the ray with each voxel.
	Siddon Kind = "siddon"
	// Trilinear samples a fixed number of trilinearly interpolated points per ray.
	Trilinear Kind = "trilinear"
)

// ParseKind validates a renderer name.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(name)); k {
	case Siddon, Trilinear:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// Renderer maps a density grid and a batch of rays to line integrals.
type Renderer interface {
	// Project writes the line integral of every ray in batch into out.
	Project(density *models.Volume, batch *models.Batch, out []float64) error
	// Backproject accumulates the adjoint of Project applied to grad into out,
	// which has one entry per voxel of grid. Only grid geometry is read.
	Backproject(grid *models.Volume, batch *models.Batch, grad []float64, out []float64) error
}

// walker visits every voxel a ray from src to dst contributes to, with the
// weight (mm) of that voxel in the line integral.
type walker func(v *models.Volume, src, dst r3.Vec, visit func(idx int, w float64))

// New creates a renderer of the given kind. numPoints is only used by the
// trilinear renderer. workers bounds the goroutines used per call.
func New(kind Kind, numPoints, workers int) (Renderer, error) {
	if workers < 1 {
		workers = 1
	}
	switch kind {
	case Siddon:
		return &rayRenderer{walk: siddonWalk, workers: workers}, nil
	case Trilinear:
		if numPoints < 1 {
			return nil, fmt.Errorf("trilinear renderer needs at least one sample per ray, got %d", numPoints)
		}
		return &rayRenderer{walk: trilinearWalk(numPoints), workers: workers}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
}

type rayRenderer struct {
	walk    walker
	workers int
}

func checkBatch(batch *models.Batch) error {
	n := batch.Len()
	if len(batch.Sources) != n || len(batch.Targets) != n {
		return fmt.Errorf("misaligned batch: %d sources, %d targets, %d pixels",
			len(batch.Sources), len(batch.Targets), n)
	}
	return nil
}

// chunks splits n rays into at most r.workers contiguous ranges.
func (r *rayRenderer) chunks(n int) [][2]int {
	workers := r.workers
	if workers > n {
		workers = n
	}
	if workers < 1 {
		return nil
	}
	per := (n + workers - 1) / workers
	out := make([][2]int, 0, workers)
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func (r *rayRenderer) Project(density *models.Volume, batch *models.Batch, out []float64) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	if len(out) != batch.Len() {
		return fmt.Errorf("output has %d entries for %d rays", len(out), batch.Len())
	}

	var g errgroup.Group
	for _, c := range r.chunks(batch.Len()) {
		g.Go(func() error {
			for i := c[0]; i < c[1]; i++ {
				sum := 0.0
				r.walk(density, batch.Sources[i], batch.Targets[i], func(idx int, w float64) {
					sum += w * density.Data[idx]
				})
				out[i] = sum
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *rayRenderer) Backproject(grid *models.Volume, batch *models.Batch, grad []float64, out []float64) error {
	if err := checkBatch(batch); err != nil {
		return err
	}
	if len(grad) != batch.Len() {
		return fmt.Errorf("gradient has %d entries for %d rays", len(grad), batch.Len())
	}
	if len(out) != grid.Len() {
		return fmt.Errorf("backprojection target has %d entries for %d voxels", len(out), grid.Len())
	}

	chunks := r.chunks(batch.Len())
	if len(chunks) <= 1 {
		for i := range grad {
			r.scatter(grid, batch, i, grad[i], out)
		}
		return nil
	}

	// Each chunk scatters into its own buffer; buffers are summed afterwards.
	partial := make([][]float64, len(chunks))
	var g errgroup.Group
	for k, c := range chunks {
		g.Go(func() error {
			buf := make([]float64, grid.Len())
			for i := c[0]; i < c[1]; i++ {
				r.scatter(grid, batch, i, grad[i], buf)
			}
			partial[k] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, buf := range partial {
		floats.Add(out, buf)
	}
	return nil
}

func (r *rayRenderer) scatter(grid *models.Volume, batch *models.Batch, i int, g float64, out []float64) {
	if g == 0 {
		return
	}
	r.walk(grid, batch.Sources[i], batch.Targets[i], func(idx int, w float64) {
		out[idx] += g * w
	})
}

// clip intersects the segment src + t*(dst-src), t in [0, 1], with the
// world-space box of the grid.
func clip(v *models.Volume, src, dst r3.Vec) (t0, t1 float64, ok bool) {
	lo, hi := v.Bounds()
	d := r3.Sub(dst, src)
	t0, t1 = 0, 1
	for _, ax := range [3]struct{ o, d, lo, hi float64 }{
		{src.X, d.X, lo.X, hi.X},
		{src.Y, d.Y, lo.Y, hi.Y},
		{src.Z, d.Z, lo.Z, hi.Z},
	} {
		if ax.d == 0 {
			if ax.o < ax.lo || ax.o > ax.hi {
				return 0, 0, false
			}
			continue
		}
		inv := 1 / ax.d
		a, b := (ax.lo-ax.o)*inv, (ax.hi-ax.o)*inv
		if a > b {
			a, b = b, a
		}
		if a > t0 {
			t0 = a
		}
		if b < t1 {
			t1 = b
		}
	}
	if t0 >= t1 {
		return 0, 0, false
	}
	return t0, t1, true
}
