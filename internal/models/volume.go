package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Volume represents a 3D density grid in world coordinates
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (index z*Width*Height + y*Width + x)
	Data []float64

	// Width, Height, Depth are the grid dimensions along x, y and z
	Width  int
	Height int
	Depth  int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Origin is the world position (mm) of the center of voxel (0, 0, 0)
	Origin r3.Vec
}

// NewVolume allocates a zero volume centered on the world origin with
// isotropic voxels of the given spacing.
func NewVolume(width, height, depth int, spacing float64) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = spacing, spacing, spacing
	v.Center()
	return v
}

// Center moves the origin so that the grid is centered on (0, 0, 0).
func (v *Volume) Center() {
	v.Origin = r3.Vec{
		X: -float64(v.Width-1) / 2 * v.VoxelSize.X,
		Y: -float64(v.Height-1) / 2 * v.VoxelSize.Y,
		Z: -float64(v.Depth-1) / 2 * v.VoxelSize.Z,
	}
}

// Len returns the number of voxels.
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Index returns the flat offset of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Dims returns width, height, depth.
func (v *Volume) Dims() (int, int, int) { return v.Width, v.Height, v.Depth }

// SameGrid reports whether o has the same dimensions as v.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Bounds returns the world-space corners of the box covered by the grid.
func (v *Volume) Bounds() (min, max r3.Vec) {
	half := r3.Vec{X: v.VoxelSize.X / 2, Y: v.VoxelSize.Y / 2, Z: v.VoxelSize.Z / 2}
	min = r3.Sub(v.Origin, half)
	max = r3.Add(v.Origin, r3.Vec{
		X: (float64(v.Width) - 0.5) * v.VoxelSize.X,
		Y: (float64(v.Height) - 0.5) * v.VoxelSize.Y,
		Z: (float64(v.Depth) - 0.5) * v.VoxelSize.Z,
	})
	return min, max
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// WithData returns a volume sharing v's geometry but backed by data.
func (v *Volume) WithData(data []float64) *Volume {
	c := *v
	c.Data = data
	return &c
}

// Max returns the largest voxel value.
func (v *Volume) Max() float64 {
	m := math.Inf(-1)
	for _, d := range v.Data {
		if d > m {
			m = d
		}
	}
	return m
}

// Validate checks that the data length matches the dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d values, expected %d", len(v.Data), v.Len())
	}
	return nil
}

// Downsample block-averages the volume by an integer factor. Trailing voxels
// that do not fill a whole block are dropped.
func (v *Volume) Downsample(factor int) *Volume {
	if factor <= 1 {
		return v.Clone()
	}
	w, h, d := v.Width/factor, v.Height/factor, v.Depth/factor
	if w == 0 || h == 0 || d == 0 {
		return v.Clone()
	}
	out := &Volume{Data: make([]float64, w*h*d), Width: w, Height: h, Depth: d}
	out.VoxelSize.X = v.VoxelSize.X * float64(factor)
	out.VoxelSize.Y = v.VoxelSize.Y * float64(factor)
	out.VoxelSize.Z = v.VoxelSize.Z * float64(factor)

	norm := 1 / float64(factor*factor*factor)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum := 0.0
				for dz := 0; dz < factor; dz++ {
					for dy := 0; dy < factor; dy++ {
						for dx := 0; dx < factor; dx++ {
							sum += v.At(x*factor+dx, y*factor+dy, z*factor+dz)
						}
					}
				}
				out.Data[out.Index(x, y, z)] = sum * norm
			}
		}
	}
	// Keep the downsampled grid covering the same physical box.
	out.Origin = r3.Add(v.Origin, r3.Vec{
		X: (float64(factor) - 1) / 2 * v.VoxelSize.X,
		Y: (float64(factor) - 1) / 2 * v.VoxelSize.Y,
		Z: (float64(factor) - 1) / 2 * v.VoxelSize.Z,
	})
	return out
}

// Resample trilinearly interpolates v onto a grid of the given dimensions
// covering the same index range (corner voxels map onto corner voxels).
func (v *Volume) Resample(width, height, depth int) *Volume {
	if width == v.Width && height == v.Height && depth == v.Depth {
		return v.Clone()
	}
	out := &Volume{Data: make([]float64, width*height*depth), Width: width, Height: height, Depth: depth}
	out.VoxelSize = v.VoxelSize
	out.VoxelSize.X *= float64(v.Width) / float64(width)
	out.VoxelSize.Y *= float64(v.Height) / float64(height)
	out.VoxelSize.Z *= float64(v.Depth) / float64(depth)
	out.Center()

	scale := func(n, m int) float64 {
		if m <= 1 {
			return 0
		}
		return float64(n-1) / float64(m-1)
	}
	sx, sy, sz := scale(v.Width, width), scale(v.Height, height), scale(v.Depth, depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.Data[out.Index(x, y, z)] = v.Sample(float64(x)*sx, float64(y)*sy, float64(z)*sz)
			}
		}
	}
	return out
}

// Sample trilinearly interpolates at continuous index coordinates. Positions
// outside the grid read as zero.
func (v *Volume) Sample(fx, fy, fz float64) float64 {
	sum := 0.0
	v.Corners(fx, fy, fz, func(idx int, w float64) {
		sum += w * v.Data[idx]
	})
	return sum
}

// Corners visits the (up to eight) in-grid voxels surrounding the continuous
// index position together with their trilinear weights.
func (v *Volume) Corners(fx, fy, fz float64, visit func(idx int, w float64)) {
	x0, y0, z0 := math.Floor(fx), math.Floor(fy), math.Floor(fz)
	tx, ty, tz := fx-x0, fy-y0, fz-z0
	ix, iy, iz := int(x0), int(y0), int(z0)
	for dz := 0; dz <= 1; dz++ {
		z := iz + dz
		if z < 0 || z >= v.Depth {
			continue
		}
		wz := 1 - tz
		if dz == 1 {
			wz = tz
		}
		for dy := 0; dy <= 1; dy++ {
			y := iy + dy
			if y < 0 || y >= v.Height {
				continue
			}
			wy := 1 - ty
			if dy == 1 {
				wy = ty
			}
			for dx := 0; dx <= 1; dx++ {
				x := ix + dx
				if x < 0 || x >= v.Width {
					continue
				}
				wx := 1 - tx
				if dx == 1 {
					wx = tx
				}
				if w := wx * wy * wz; w != 0 {
					visit(v.Index(x, y, z), w)
				}
			}
		}
	}
}

// WorldToIndex converts a world position (mm) into continuous index coordinates.
func (v *Volume) WorldToIndex(p r3.Vec) (float64, float64, float64) {
	d := r3.Sub(p, v.Origin)
	return d.X / v.VoxelSize.X, d.Y / v.VoxelSize.Y, d.Z / v.VoxelSize.Z
}
