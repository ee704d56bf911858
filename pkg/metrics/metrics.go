// Package metrics computes fidelity metrics of a density estimate against a
// known reference volume.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sparsect/internal/models"
)

// MSE computes the mean squared error
func MSE(estimate, reference []float64) float64 {
	n := len(estimate)
	if n != len(reference) || n == 0 {
		return 0
	}
	d := floats.Distance(estimate, reference, 2)
	return d * d / float64(n)
}

// PSNR computes the peak signal-to-noise ratio in dB for a given data range.
// Identical inputs give +Inf.
func PSNR(estimate, reference []float64, maxVal float64) float64 {
	mse := MSE(estimate, reference)
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(maxVal*maxVal/mse)
}

// PCC computes the Pearson correlation coefficient. It is 0 when either input
// is constant.
func PCC(estimate, reference []float64) float64 {
	if len(estimate) != len(reference) || len(estimate) < 2 {
		return 0
	}
	r := stat.Correlation(estimate, reference, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// SSIM window parameters
const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimK1     = 0.01
	ssimK2     = 0.03
)

// SSIM3D computes the mean structural similarity between two volumes with a
// Gaussian window. The window shrinks to the largest odd size that fits the
// smallest grid dimension.
func SSIM3D(estimate, reference *models.Volume, dataRange float64) (float64, error) {
	if !estimate.SameGrid(reference) {
		return 0, fmt.Errorf("ssim: grid %dx%dx%d does not match reference %dx%dx%d",
			estimate.Width, estimate.Height, estimate.Depth,
			reference.Width, reference.Height, reference.Depth)
	}

	size := ssimWindow
	for _, n := range []int{reference.Width, reference.Height, reference.Depth} {
		if n < size {
			size = n
		}
	}
	if size%2 == 0 {
		size--
	}
	kernel := gaussianKernel(size, ssimSigma)

	x, y := estimate.Data, reference.Data
	xx := make([]float64, len(x))
	yy := make([]float64, len(x))
	xy := make([]float64, len(x))
	for i := range x {
		xx[i] = x[i] * x[i]
		yy[i] = y[i] * y[i]
		xy[i] = x[i] * y[i]
	}

	dims := [3]int{reference.Width, reference.Height, reference.Depth}
	muX, out := filterValid(x, dims, kernel)
	muY, _ := filterValid(y, dims, kernel)
	muXX, _ := filterValid(xx, dims, kernel)
	muYY, _ := filterValid(yy, dims, kernel)
	muXY, _ := filterValid(xy, dims, kernel)

	points := float64(size * size * size)
	covNorm := 1.0
	if points > 1 {
		covNorm = points / (points - 1)
	}
	c1 := (ssimK1 * dataRange) * (ssimK1 * dataRange)
	c2 := (ssimK2 * dataRange) * (ssimK2 * dataRange)

	n := out[0] * out[1] * out[2]
	sum := 0.0
	for i := 0; i < n; i++ {
		mx, my := muX[i], muY[i]
		sx := covNorm * (muXX[i] - mx*mx)
		sy := covNorm * (muYY[i] - my*my)
		sxy := covNorm * (muXY[i] - mx*my)
		num := (2*mx*my + c1) * (2*sxy + c2)
		den := (mx*mx + my*my + c1) * (sx + sy + c2)
		sum += num / den
	}
	return sum / float64(n), nil
}

func gaussianKernel(size int, sigma float64) []float64 {
	k := make([]float64, size)
	c := float64(size-1) / 2
	for i := range k {
		d := float64(i) - c
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// filterValid applies the separable kernel along x, y and z keeping only the
// fully covered ("valid") region. It returns the result and its dimensions.
func filterValid(data []float64, dims [3]int, kernel []float64) ([]float64, [3]int) {
	cur, d := data, dims
	for axis := 0; axis < 3; axis++ {
		cur, d = filterAxis(cur, d, kernel, axis)
	}
	return cur, d
}

func filterAxis(data []float64, dims [3]int, kernel []float64, axis int) ([]float64, [3]int) {
	k := len(kernel)
	out := dims
	out[axis] = dims[axis] - k + 1
	res := make([]float64, out[0]*out[1]*out[2])

	strides := [3]int{1, dims[0], dims[0] * dims[1]}
	for z := 0; z < out[2]; z++ {
		for y := 0; y < out[1]; y++ {
			for x := 0; x < out[0]; x++ {
				base := x*strides[0] + y*strides[1] + z*strides[2]
				sum := 0.0
				for j, w := range kernel {
					sum += w * data[base+j*strides[axis]]
				}
				res[z*out[0]*out[1]+y*out[0]+x] = sum
			}
		}
	}
	return res, out
}
