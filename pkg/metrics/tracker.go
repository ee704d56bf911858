package metrics

import (
	"errors"
	"fmt"

	"sparsect/internal/models"
)

// ErrNoReference is returned when metrics are enabled without a reference volume.
var ErrNoReference = errors.New("metrics enabled without a reference volume")

// Sample holds the cheap per-iteration metrics
type Sample struct {
	PSNR float64
	PCC  float64
	MSE  float64
}

// Tracker evaluates density estimates against a reference volume. A disabled
// tracker never touches the reference and returns zero values.
type Tracker struct {
	reference *models.Volume
	maxVal    float64
	enabled   bool
}

// NewTracker creates a tracker. The data range for PSNR and SSIM is the
// reference maximum.
func NewTracker(reference *models.Volume, enabled bool) (*Tracker, error) {
	if !enabled {
		return &Tracker{}, nil
	}
	if reference == nil {
		return nil, ErrNoReference
	}
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference volume: %w", err)
	}
	return &Tracker{reference: reference, maxVal: reference.Max(), enabled: true}, nil
}

// Enabled reports whether the tracker computes metrics.
func (t *Tracker) Enabled() bool { return t.enabled }

// Observe computes PSNR, PCC and MSE for the current estimate.
func (t *Tracker) Observe(density *models.Volume) (Sample, error) {
	if !t.enabled {
		return Sample{}, nil
	}
	if !density.SameGrid(t.reference) {
		return Sample{}, fmt.Errorf("estimate grid %dx%dx%d does not match reference %dx%dx%d",
			density.Width, density.Height, density.Depth,
			t.reference.Width, t.reference.Height, t.reference.Depth)
	}
	return Sample{
		PSNR: PSNR(density.Data, t.reference.Data, t.maxVal),
		PCC:  PCC(density.Data, t.reference.Data),
		MSE:  MSE(density.Data, t.reference.Data),
	}, nil
}

// Final computes the end-of-run SSIM.
func (t *Tracker) Final(density *models.Volume) (float64, error) {
	if !t.enabled {
		return 0, nil
	}
	return SSIM3D(density, t.reference, t.maxVal)
}
