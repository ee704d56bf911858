package optim

import "math"

// CosineWarmRestarts anneals the learning rate from Base to Min along a half
// cosine over Period epochs, then restarts at Base.
type CosineWarmRestarts struct {
	Base   float64
	Min    float64
	Period int

	epoch int
}

// NewCosineWarmRestarts creates a schedule with a fixed restart period.
func NewCosineWarmRestarts(base, min float64, period int) *CosineWarmRestarts {
	if period < 1 {
		period = 1
	}
	return &CosineWarmRestarts{Base: base, Min: min, Period: period}
}

// At returns the learning rate for a given epoch.
func (s *CosineWarmRestarts) At(epoch int) float64 {
	cur := epoch % s.Period
	cosine := 0.5 * (1.0 + math.Cos(math.Pi*float64(cur)/float64(s.Period)))
	return s.Min + (s.Base-s.Min)*cosine
}

// LR returns the learning rate for the current epoch.
func (s *CosineWarmRestarts) LR() float64 { return s.At(s.epoch) }

// Step advances the schedule by one epoch and returns the new learning rate.
func (s *CosineWarmRestarts) Step() float64 {
	s.epoch++
	return s.LR()
}

// Epoch returns the number of Step calls so far.
func (s *CosineWarmRestarts) Epoch() int { return s.epoch }
