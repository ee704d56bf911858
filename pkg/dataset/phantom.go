package dataset

import "sparsect/internal/models"

// ellipsoid is painted in normalized coordinates where the grid spans [-1, 1].
type ellipsoid struct {
	cx, cy, cz float64
	rx, ry, rz float64
	density    float64
}

func (e ellipsoid) contains(x, y, z float64) bool {
	dx, dy, dz := (x-e.cx)/e.rx, (y-e.cy)/e.ry, (z-e.cz)/e.rz
	return dx*dx+dy*dy+dz*dz <= 1
}

// walnut layers, painted in order; later layers overwrite earlier ones.
var walnut = []ellipsoid{
	{0, 0, 0, 0.85, 0.75, 0.80, 0.90},     // shell
	{0, 0, 0, 0.75, 0.65, 0.70, 0.05},     // cavity
	{-0.32, 0, 0, 0.30, 0.50, 0.55, 0.50}, // kernel
	{0.32, 0, 0, 0.30, 0.50, 0.55, 0.50},  // kernel
	{-0.32, 0.1, 0.2, 0.08, 0.12, 0.10, 0.05},
	{0.32, -0.1, -0.2, 0.08, 0.12, 0.10, 0.05},
}

// septum is a thin wall between the kernel halves.
const (
	septumHalfWidth = 0.04
	septumDensity   = 0.70
)

// Phantom returns a walnut-like test object of size^3 voxels with densities
// in [0, 1], centered on the world origin.
func Phantom(size int, spacing float64) *models.Volume {
	v := models.NewVolume(size, size, size, spacing)
	norm := func(i int) float64 {
		if size == 1 {
			return 0
		}
		return 2*float64(i)/float64(size-1) - 1
	}
	cavity := walnut[1]

	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				px, py, pz := norm(x), norm(y), norm(z)
				d := 0.0
				for _, e := range walnut {
					if e.contains(px, py, pz) {
						d = e.density
					}
				}
				if cavity.contains(px, py, pz) && px > -septumHalfWidth && px < septumHalfWidth {
					d = septumDensity
				}
				v.Data[v.Index(x, y, z)] = d
			}
		}
	}
	return v
}
