// Package optim provides the gradient-based minimizer and learning-rate
// schedule used by the reconstruction loop.
package optim

import (
	"fmt"
	"math"
)

// Adam implements the Adam optimizer with bias correction over a flat
// parameter vector.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	m, v []float64
	t    int
}

// NewAdam creates an optimizer for n parameters with the usual defaults
// (beta1 0.9, beta2 0.999, epsilon 1e-8).
func NewAdam(n int) *Adam {
	return &Adam{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		m:       make([]float64, n),
		v:       make([]float64, n),
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// Step applies one update to params using grad and learning rate lr.
func (a *Adam) Step(params, grad []float64, lr float64) error {
	if len(params) != len(a.m) || len(grad) != len(a.m) {
		return fmt.Errorf("adam: got %d params and %d gradients, expected %d",
			len(params), len(grad), len(a.m))
	}
	a.t++

	bias1 := 1.0 - math.Pow(a.Beta1, float64(a.t))
	bias2 := 1.0 - math.Pow(a.Beta2, float64(a.t))

	for i, g := range grad {
		a.m[i] = a.Beta1*a.m[i] + (1.0-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1.0-a.Beta2)*g*g

		mHat := a.m[i] / bias1
		vHat := a.v[i] / bias2

		params[i] -= lr * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
	return nil
}

// ZeroGrad clears an accumulated gradient buffer.
func ZeroGrad(grad []float64) {
	clear(grad)
}
