package projector

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
)

// siddonWalk traverses the voxels pierced by the ray and reports the length
// of the ray inside each of them.
func siddonWalk(v *models.Volume, src, dst r3.Vec, visit func(idx int, w float64)) {
	t0, t1, ok := clip(v, src, dst)
	if !ok {
		return
	}
	length := r3.Norm(r3.Sub(dst, src))

	// Index space where voxel i spans [i, i+1).
	ax, ay, az := v.WorldToIndex(src)
	bx, by, bz := v.WorldToIndex(dst)
	a := [3]float64{ax + 0.5, ay + 0.5, az + 0.5}
	dir := [3]float64{bx + 0.5 - a[0], by + 0.5 - a[1], bz + 0.5 - a[2]}
	n := [3]int{v.Width, v.Height, v.Depth}

	// Start in the middle of the first voxel crossing to avoid boundary ties.
	var cell, step [3]int
	var next, delta [3]float64
	for k := 0; k < 3; k++ {
		p := a[k] + dir[k]*t0
		c := int(math.Floor(p))
		if dir[k] < 0 && p == math.Floor(p) {
			c--
		}
		if c < 0 {
			c = 0
		} else if c >= n[k] {
			c = n[k] - 1
		}
		cell[k] = c

		switch {
		case dir[k] > 0:
			step[k] = 1
			delta[k] = 1 / dir[k]
			next[k] = (float64(c+1) - a[k]) / dir[k]
		case dir[k] < 0:
			step[k] = -1
			delta[k] = -1 / dir[k]
			next[k] = (float64(c) - a[k]) / dir[k]
		default:
			next[k] = math.Inf(1)
			delta[k] = math.Inf(1)
		}
	}

	t := t0
	for t < t1 {
		k := 0
		if next[1] < next[k] {
			k = 1
		}
		if next[2] < next[k] {
			k = 2
		}
		end := math.Min(next[k], t1)
		if seg := (end - t) * length; seg > 0 {
			visit(v.Index(cell[0], cell[1], cell[2]), seg)
		}
		t = end
		cell[k] += step[k]
		if cell[k] < 0 || cell[k] >= n[k] {
			return
		}
		next[k] += delta[k]
	}
}
