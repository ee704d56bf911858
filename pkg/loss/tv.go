package loss

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"sparsect/internal/models"
)

// ErrUnknownTV is returned for total variation names outside the supported set.
var ErrUnknownTV = errors.New("unrecognized tv type")

// TVKind selects how per-axis finite differences are combined
type TVKind string

const (
	// TVVectorL1 averages the per-voxel gradient magnitude.
	TVVectorL1 TVKind = "vl1"
	// TVL1 sums the mean absolute difference along each axis.
	TVL1 TVKind = "l1"
	// TVL2 sums the mean squared difference along each axis.
	TVL2 TVKind = "l2"
)

// ParseTV validates a total variation name.
func ParseTV(name string) (TVKind, error) {
	switch k := TVKind(strings.ToLower(name)); k {
	case TVVectorL1, TVL1, TVL2:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTV, name)
}

// TotalVariation evaluates the unweighted total variation of v using forward
// differences with replicated borders, averaged over all voxels. When grad is
// non-nil, scale times the gradient is added to it.
func TotalVariation(kind TVKind, v *models.Volume, grad []float64, scale float64) (float64, error) {
	switch kind {
	case TVVectorL1, TVL1, TVL2:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTV, string(kind))
	}

	n := v.Len()
	if n == 0 {
		return 0, nil
	}
	norm := 1 / float64(n)
	strideY, strideZ := v.Width, v.Width*v.Height

	sum := 0.0
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				i := v.Index(x, y, z)
				c := v.Data[i]

				// Neighbor offsets; zero at the far border (replicate).
				var off [3]int
				var d [3]float64
				if x+1 < v.Width {
					off[0] = 1
					d[0] = v.Data[i+1] - c
				}
				if y+1 < v.Height {
					off[1] = strideY
					d[1] = v.Data[i+strideY] - c
				}
				if z+1 < v.Depth {
					off[2] = strideZ
					d[2] = v.Data[i+strideZ] - c
				}

				switch kind {
				case TVVectorL1:
					m := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
					sum += m
					if grad != nil && m > 0 {
						for k := 0; k < 3; k++ {
							if off[k] == 0 {
								continue
							}
							g := scale * norm * d[k] / m
							grad[i+off[k]] += g
							grad[i] -= g
						}
					}
				case TVL1:
					for k := 0; k < 3; k++ {
						sum += math.Abs(d[k])
						if grad != nil && d[k] != 0 {
							g := scale * norm * math.Copysign(1, d[k])
							grad[i+off[k]] += g
							grad[i] -= g
						}
					}
				case TVL2:
					for k := 0; k < 3; k++ {
						sum += d[k] * d[k]
						if grad != nil && d[k] != 0 {
							g := scale * norm * 2 * d[k]
							grad[i+off[k]] += g
							grad[i] -= g
						}
					}
				}
			}
		}
	}
	return sum * norm, nil
}
