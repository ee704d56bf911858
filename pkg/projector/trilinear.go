package projector

import (
	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// trilinearWalk samples numPoints evenly spaced points on the part of the ray
// inside the grid and spreads each sample over its eight neighbors.
func trilinearWalk(numPoints int) walker {
	return func(v *models.Volume, src, dst r3.Vec, visit func(idx int, w float64)) {
		t0, t1, ok := clip(v, src, dst)
		if !ok {
			return
		}
		d := r3.Sub(dst, src)
		dt := (t1 - t0) / float64(numPoints)
		stepLen := dt * r3.Norm(d)

		for k := 0; k < numPoints; k++ {
			t := t0 + (float64(k)+0.5)*dt
			fx, fy, fz := v.WorldToIndex(r3.Add(src, r3.Scale(t, d)))
			v.Corners(fx, fy, fz, func(idx int, w float64) {
				visit(idx, w*stepLen)
			})
		}
	}
}
