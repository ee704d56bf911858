// Package loss assembles the reconstruction objective: a data-fidelity term
// between predicted and measured pixels plus a weighted 3D total variation
// regularizer on the density. Every term returns its gradient alongside its
// value.
package loss

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrUnknownFidelity is returned for loss names outside the supported set.
	ErrUnknownFidelity = errors.New("unrecognized loss function")
	// ErrUnsupportedFidelity is returned for known but unimplemented losses.
	ErrUnsupportedFidelity = errors.New("unsupported loss function")
)

// FidelityKind names a data-fidelity term
type FidelityKind string

const (
	L1  FidelityKind = "l1"
	L2  FidelityKind = "l2"
	PCC FidelityKind = "pcc"
	// NCC (local normalized cross-correlation) needs image shaped batches and
	// is rejected at parse time.
	NCC FidelityKind = "ncc"
)

// ParseFidelity validates a loss name.
func ParseFidelity(name string) (FidelityKind, error) {
	switch k := FidelityKind(strings.ToLower(name)); k {
	case L1, L2, PCC:
		return k, nil
	case NCC:
		return "", fmt.Errorf("%w: %q needs image shaped batches", ErrUnsupportedFidelity, name)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFidelity, name)
}

// Fidelity compares predicted with measured pixels.
type Fidelity interface {
	// Loss returns the fidelity value. When grad is non-nil it receives
	// d loss / d pred (it is overwritten, not accumulated).
	Loss(pred, gt, grad []float64) float64
}

// NewFidelity returns the fidelity term for kind.
func NewFidelity(kind FidelityKind) (Fidelity, error) {
	switch kind {
	case L1:
		return meanAbsolute{}, nil
	case L2:
		return meanSquared{}, nil
	case PCC:
		return pearson{}, nil
	case NCC:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFidelity, string(kind))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFidelity, string(kind))
}

type meanAbsolute struct{}

func (meanAbsolute) Loss(pred, gt, grad []float64) float64 {
	n := float64(len(pred))
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := range pred {
		d := pred[i] - gt[i]
		sum += math.Abs(d)
		if grad != nil {
			switch {
			case d > 0:
				grad[i] = 1 / n
			case d < 0:
				grad[i] = -1 / n
			default:
				grad[i] = 0
			}
		}
	}
	return sum / n
}

type meanSquared struct{}

func (meanSquared) Loss(pred, gt, grad []float64) float64 {
	n := float64(len(pred))
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := range pred {
		d := pred[i] - gt[i]
		sum += d * d
		if grad != nil {
			grad[i] = 2 * d / n
		}
	}
	return sum / n
}

// pearson minimizes 1 - r so that perfectly correlated projections reach zero.
type pearson struct{}

func (pearson) Loss(pred, gt, grad []float64) float64 {
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}
	if len(pred) < 2 {
		return 1
	}

	mp, mg := stat.Mean(pred, nil), stat.Mean(gt, nil)
	var sxy, sxx, syy float64
	for i := range pred {
		dp, dg := pred[i]-mp, gt[i]-mg
		sxy += dp * dg
		sxx += dp * dp
		syy += dg * dg
	}
	if sxx == 0 || syy == 0 {
		return 1
	}
	nx, ny := math.Sqrt(sxx), math.Sqrt(syy)
	r := sxy / (nx * ny)

	if grad != nil {
		// dr/dp_i = dg_i/(|dp||dg|) - r*dp_i/|dp|^2; centering terms vanish.
		for i := range pred {
			dp, dg := pred[i]-mp, gt[i]-mg
			grad[i] = -(dg/(nx*ny) - r*dp/sxx)
		}
	}
	return 1 - r
}
