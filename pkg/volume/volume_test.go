package volume

import (
	"errors"
	"math"
	"testing"

	"sparsect/internal/models"
)

var testParams = RegulatorParams{Shift: 10, ClampMin: 0, ClampMax: 1}

func TestParseRegulator(t *testing.T) {
	for _, name := range []string{"sigmoid", "Softplus", "CLAMP", "none"} {
		if _, err := ParseRegulator(name); err != nil {
			t.Errorf("ParseRegulator(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseRegulator("relu"); !errors.Is(err, ErrUnknownRegulator) {
		t.Errorf("Expected ErrUnknownRegulator, got %v", err)
	}
}

// TestRegulatorInverse verifies Apply(Inverse(v)) reproduces densities inside
// each regulator's range
func TestRegulatorInverse(t *testing.T) {
	values := []float64{0.05, 0.2, 0.5, 0.8, 0.95}
	for _, kind := range []RegulatorKind{Sigmoid, Softplus, Clamp, None} {
		reg, err := NewRegulator(kind, testParams)
		if err != nil {
			t.Fatalf("NewRegulator(%s) failed: %v", kind, err)
		}
		for _, v := range values {
			got := reg.Apply(reg.Inverse(v))
			if math.Abs(got-v) > 1e-9 {
				t.Errorf("%s: Apply(Inverse(%f)) = %f", kind, v, got)
			}
		}
	}
}

func TestSoftplusGuards(t *testing.T) {
	reg, _ := NewRegulator(Softplus, testParams)

	for _, v := range []float64{0, -1} {
		p := reg.Inverse(v)
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Errorf("Inverse(%f) is not finite: %f", v, p)
		}
	}

	// The asymptotic branch must agree with the direct formula.
	v := 3.5
	if got := reg.Apply(reg.Inverse(v)); math.Abs(got-v) > 1e-9 {
		t.Errorf("Apply(Inverse(%f)) = %f", v, got)
	}

	if got := reg.Apply(-100); got < 0 || got > 1e-12 {
		t.Errorf("Expected softplus of a large negative parameter near 0, got %g", got)
	}
	if got := reg.Apply(100); math.Abs(got-100) > 1e-9 {
		t.Errorf("Expected softplus of a large positive parameter near 100, got %g", got)
	}
}

func TestSigmoidInverseClamps(t *testing.T) {
	reg, _ := NewRegulator(Sigmoid, testParams)
	for _, v := range []float64{0, 1, -2, 3} {
		p := reg.Inverse(v)
		if math.IsNaN(p) || math.IsInf(p, 0) {
			t.Errorf("Inverse(%f) is not finite: %f", v, p)
		}
	}
}

// TestRegulatorDerivative compares analytic derivatives with central differences
func TestRegulatorDerivative(t *testing.T) {
	const h = 1e-6
	for _, kind := range []RegulatorKind{Sigmoid, Softplus, None} {
		reg, _ := NewRegulator(kind, testParams)
		for _, p := range []float64{-0.3, -0.05, 0, 0.07, 0.4} {
			numeric := (reg.Apply(p+h) - reg.Apply(p-h)) / (2 * h)
			if got := reg.Derivative(p); math.Abs(got-numeric) > 1e-5 {
				t.Errorf("%s: Derivative(%f) = %f, numeric %f", kind, p, got, numeric)
			}
		}
	}

	// Straight-through: clipped parameters still receive gradient.
	reg, _ := NewRegulator(Clamp, testParams)
	if d := reg.Derivative(5); d != 1 {
		t.Errorf("Expected clamp derivative 1 outside the range, got %f", d)
	}
}

func TestNewParameterizationZero(t *testing.T) {
	grid := models.NewVolume(3, 3, 3, 1)
	p, err := New(grid, Softplus, testParams, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i, v := range p.Params() {
		if v != 0 {
			t.Fatalf("Expected zero parameter at %d, got %f", i, v)
		}
	}
	want := math.Log(2) / testParams.Shift
	for _, d := range p.Density().Data {
		if math.Abs(d-want) > 1e-12 {
			t.Fatalf("Expected softplus(0) = %f, got %f", want, d)
		}
	}
}

// TestWarmStart verifies the density reproduces the prior before any step
func TestWarmStart(t *testing.T) {
	grid := models.NewVolume(4, 3, 2, 0.5)
	prior := grid.Clone()
	for i := range prior.Data {
		prior.Data[i] = 0.1 + 0.8*float64(i)/float64(len(prior.Data))
	}

	for _, kind := range []RegulatorKind{Sigmoid, Softplus, Clamp, None} {
		p, err := New(grid, kind, testParams, prior)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", kind, err)
		}
		d := p.Density()
		if !d.SameGrid(grid) {
			t.Fatalf("%s: density grid differs from the template", kind)
		}
		for i := range d.Data {
			if math.Abs(d.Data[i]-prior.Data[i]) > 1e-9 {
				t.Errorf("%s: voxel %d density %f, prior %f", kind, i, d.Data[i], prior.Data[i])
				break
			}
		}
	}
}

func TestWarmStartResamplesPrior(t *testing.T) {
	grid := models.NewVolume(4, 4, 4, 1)
	prior := models.NewVolume(2, 2, 2, 2)
	for i := range prior.Data {
		prior.Data[i] = 0.5
	}

	p, err := New(grid, None, testParams, prior)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p.Len() != grid.Len() {
		t.Fatalf("Expected %d parameters, got %d", grid.Len(), p.Len())
	}
	for _, d := range p.Density().Data {
		if math.Abs(d-0.5) > 1e-12 {
			t.Fatalf("Expected resampled constant prior 0.5, got %f", d)
		}
	}
}

func TestChainAccumulates(t *testing.T) {
	grid := models.NewVolume(2, 1, 1, 1)
	p, _ := New(grid, Sigmoid, testParams, nil)

	gradParam := []float64{1, 1}
	p.Chain([]float64{2, 0}, gradParam)

	// sigmoid'(0) = shift/4
	want := 1 + 2*testParams.Shift/4
	if math.Abs(gradParam[0]-want) > 1e-12 {
		t.Errorf("Expected %f, got %f", want, gradParam[0])
	}
	if gradParam[1] != 1 {
		t.Errorf("Expected untouched gradient 1, got %f", gradParam[1])
	}
}
