package reconstruction

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"sparsect/internal/models"
	"sparsect/pkg/checkpoint"
	"sparsect/pkg/config"
	"sparsect/pkg/dataset"
	"sparsect/pkg/loss"
	"sparsect/pkg/projector"
	"sparsect/pkg/volio"
	"sparsect/pkg/volume"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testConfig describes a tiny phantom acquisition that runs in milliseconds
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Poses = 4
	cfg.BatchSize = 64
	cfg.NItr = 3
	cfg.LossFn = loss.L2
	cfg.LRTV = 0
	cfg.Progress = false
	cfg.Device = config.DeviceCPU
	cfg.NumCores = 1
	cfg.Subject.Size = 8
	cfg.Subject.Spacing = 0.5
	cfg.DRR = config.DRRParams{
		Renderer: projector.Siddon,
		SDD:      60,
		SOD:      30,
		Height:   8,
		Width:    8,
		DelX:     0.6,
		NPoints:  16,
	}
	cfg.Paths = config.Paths{
		DataDir:     filepath.Join(dir, "data"),
		BaselineDir: filepath.Join(dir, "baselines"),
		ResultsDir:  filepath.Join(dir, "results"),
		RunsDir:     filepath.Join(dir, "runs"),
	}
	return cfg
}

// memoryRecorder keeps every logged step in memory
type memoryRecorder struct {
	steps   []map[string]float64
	summary map[string]float64
}

func (m *memoryRecorder) Log(step int, values map[string]float64) error {
	m.steps = append(m.steps, values)
	return nil
}

func (m *memoryRecorder) SetSummary(key string, value float64) {
	if m.summary == nil {
		m.summary = make(map[string]float64)
	}
	m.summary[key] = value
}

func setup(t *testing.T, cfg *config.Config) *Params {
	t.Helper()
	params, _, err := Setup(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return params
}

func TestProcessPhantom(t *testing.T) {
	cfg := testConfig(t)
	params := setup(t, cfg)
	rec := &memoryRecorder{}
	params.Recorder = rec
	params.CheckpointPath = filepath.Join(cfg.Paths.ResultsDir, cfg.ProjName, cfg.CheckpointName("test"))

	r, err := NewReconstructor(params)
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	res, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(res.History) != cfg.NItr {
		t.Fatalf("Expected %d iteration records, got %d", cfg.NItr, len(res.History))
	}
	first, last := res.History[0], res.History[cfg.NItr-1]
	if last.Loss >= first.Loss {
		t.Errorf("Expected the loss to decrease, got %f then %f", first.Loss, last.Loss)
	}
	if first.LR >= cfg.LR {
		t.Errorf("Expected lr after the first scheduler step below %f, got %f", cfg.LR, first.LR)
	}

	if len(rec.steps) != cfg.NItr {
		t.Fatalf("Expected %d logged steps, got %d", cfg.NItr, len(rec.steps))
	}
	for _, key := range []string{"loss", "tv_loss", "psnr", "pcc", "vol_mse", "lr_decay"} {
		if _, ok := rec.steps[0][key]; !ok {
			t.Errorf("Expected logged key %s", key)
		}
	}
	if _, ok := rec.summary["ssim"]; !ok {
		t.Error("Expected ssim summary field")
	}
	if _, ok := rec.summary["total_time"]; !ok {
		t.Error("Expected total_time summary field")
	}

	m := res.Metrics
	if len(m.Loss) != cfg.NItr || len(m.PSNR) != cfg.NItr || len(m.SSIM) != 1 {
		t.Errorf("Unexpected history lengths: loss %d psnr %d ssim %d", len(m.Loss), len(m.PSNR), len(m.SSIM))
	}
	if len(m.TimeDelta) != cfg.NItr+1 || m.TimeDelta[0] != 0 {
		t.Errorf("Expected time_delta to start with a zero warm-start time: %v", m.TimeDelta)
	}
	if math.Abs(m.TotalTime-floats.Sum(m.TimeDelta)) > 1e-9 {
		t.Errorf("Expected total_time %f to equal the sum of time_delta %f", m.TotalTime, floats.Sum(m.TimeDelta))
	}

	ckpt, err := checkpoint.Read(res.CheckpointPath)
	if err != nil {
		t.Fatalf("Failed to read checkpoint: %v", err)
	}
	if ckpt.Hyperparameters.NItr != cfg.NItr || ckpt.Hyperparameters.LossFn != loss.L2 {
		t.Errorf("Unexpected hyperparameters in checkpoint: %+v", ckpt.Hyperparameters)
	}
	est, err := ckpt.Density()
	if err != nil {
		t.Fatalf("Failed to decode checkpoint density: %v", err)
	}
	if !floats.Equal(est.Data, res.Density.Data) {
		t.Error("Checkpoint density differs from the result")
	}
}

func TestProcessWithTV(t *testing.T) {
	cfg := testConfig(t)
	cfg.LRTV = 0.5
	cfg.TVType = loss.TVL1
	cfg.DensityRegulator = volume.Sigmoid
	cfg.DRR.Renderer = projector.Trilinear
	cfg.BatchSize = 100

	r, err := NewReconstructor(setup(t, cfg))
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	res, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	for i, rec := range res.History {
		if rec.TV < 0 || math.IsNaN(rec.Loss) {
			t.Errorf("Iteration %d: invalid record %+v", i, rec)
		}
	}
	if res.CheckpointPath != "" {
		t.Errorf("Expected no checkpoint without a path, got %s", res.CheckpointPath)
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.NItr = 1
	params := setup(t, cfg)
	if params.Reference != nil {
		t.Fatal("Expected no reference when metrics are disabled")
	}
	rec := &memoryRecorder{}
	params.Recorder = rec

	r, err := NewReconstructor(params)
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	res, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(res.Metrics.PSNR) != 0 || len(res.Metrics.SSIM) != 0 {
		t.Errorf("Expected empty metric histories, got %+v", res.Metrics)
	}
	if _, ok := rec.steps[0]["psnr"]; ok {
		t.Error("Expected no psnr when metrics are disabled")
	}
	if _, ok := rec.summary["ssim"]; ok {
		t.Error("Expected no ssim summary when metrics are disabled")
	}
}

func TestFatalConfiguration(t *testing.T) {
	cfg := testConfig(t)
	params := setup(t, cfg)

	bad := *cfg
	bad.LossFn = loss.NCC
	params.Config = &bad
	if _, err := NewReconstructor(params); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for ncc, got %v", err)
	}

	bad = *cfg
	bad.TVType = "tv3"
	params.Config = &bad
	if _, err := NewReconstructor(params); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for an unknown tv type, got %v", err)
	}

	params.Config = cfg
	params.Reference = nil
	if _, err := NewReconstructor(params); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for metrics without a reference, got %v", err)
	}

	params.Config = nil
	if _, err := NewReconstructor(params); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Expected ErrInvalid without a configuration, got %v", err)
	}
}

func TestWarmStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.DensityRegulator = volume.None
	cfg.NItr = 1

	// Seed the baseline with the ground truth itself.
	reference := setup(t, cfg).Grid
	cfg.InitializeAlg = "sirt"
	if err := volio.Write(cfg.BaselinePath(), reference); err != nil {
		t.Fatal(err)
	}

	params := setup(t, cfg)
	if params.Prior == nil {
		t.Fatal("Expected a warm-start prior")
	}
	r, err := NewReconstructor(params)
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	if !floats.EqualApprox(r.Density().Data, reference.Data, 1e-12) {
		t.Fatal("Expected the initial density to reproduce the prior")
	}
	res, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.History[0].Loss > 1e-12 {
		t.Errorf("Expected a near zero loss from the ground truth, got %g", res.History[0].Loss)
	}
}

func TestWarmStartMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.InitializeAlg = "sirt"
	if _, _, err := Setup(cfg, quietLogger()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected fs.ErrNotExist for a missing baseline, got %v", err)
	}
}

func TestProcessCancelled(t *testing.T) {
	cfg := testConfig(t)
	params := setup(t, cfg)
	params.CheckpointPath = filepath.Join(cfg.Paths.ResultsDir, "cancelled.ckpt")

	r, err := NewReconstructor(params)
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Process(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(params.CheckpointPath); !errors.Is(err, fs.ErrNotExist) {
		t.Error("Expected no checkpoint after an aborted run")
	}
}

func TestSIRT(t *testing.T) {
	cfg := testConfig(t)
	params, subject, err := Setup(cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	est, err := SIRT(context.Background(), params.Renderer, subject.Source, subject.Reference,
		SIRTParams{Iterations: 20, Relaxation: 1, NonNegative: true}, quietLogger())
	if err != nil {
		t.Fatalf("SIRT failed: %v", err)
	}
	for _, d := range est.Data {
		if d < 0 {
			t.Fatalf("Expected a non-negative estimate, got %f", d)
		}
	}

	// Residual of the estimate against the residual of the zero volume.
	var res, base float64
	for b := 0; b < subject.Source.NumBatches(); b++ {
		batch := subject.Source.Batch(b)
		pred := make([]float64, batch.Len())
		if err := params.Renderer.Project(est, batch, pred); err != nil {
			t.Fatal(err)
		}
		res += math.Pow(floats.Distance(pred, batch.Pixels, 2), 2)
		base += math.Pow(floats.Norm(batch.Pixels, 2), 2)
	}
	if res >= 0.5*base {
		t.Errorf("Expected SIRT to explain most of the measurements, residual %f of %f", res, base)
	}

	if _, err := SIRT(context.Background(), params.Renderer, subject.Source, subject.Reference,
		SIRTParams{Iterations: 1, Relaxation: 2}, quietLogger()); err == nil {
		t.Error("Expected error for relaxation 2")
	}
	if _, err := SIRT(context.Background(), params.Renderer, subject.Source, subject.Reference,
		SIRTParams{Relaxation: 1}, quietLogger()); err == nil {
		t.Error("Expected error for zero iterations")
	}
}

func TestResolveDevice(t *testing.T) {
	logger := quietLogger()
	if dev := ResolveDevice(config.DeviceCPU, 8, logger); dev.Name != config.DeviceCPU || dev.Workers != 1 {
		t.Errorf("Expected the single-worker cpu device, got %+v", dev)
	}
	if dev := ResolveDevice(config.DeviceAuto, 1, logger); dev.Name != config.DeviceCPU {
		t.Errorf("Expected fallback to cpu with one core, got %+v", dev)
	}

	dev := ResolveDevice(config.DeviceAccelerator, 4, logger)
	if runtime.NumCPU() >= 2 {
		want := min(4, runtime.NumCPU())
		if dev.Name != config.DeviceAccelerator || dev.Workers != want {
			t.Errorf("Expected accelerator with %d workers, got %+v", want, dev)
		}
	} else if dev.Name != config.DeviceCPU {
		t.Errorf("Expected fallback to cpu on a single core machine, got %+v", dev)
	}
}

func TestForwardModelScale(t *testing.T) {
	renderer, _ := projector.New(projector.Siddon, 0, 1)
	v := models.NewVolume(3, 3, 3, 1)
	for i := range v.Data {
		v.Data[i] = 1
	}
	batch := &models.Batch{
		Sources: []r3.Vec{{X: -5}},
		Targets: []r3.Vec{{X: 5}},
		Pixels:  []float64{0},
	}

	f := NewForwardModel(renderer, 2)
	pred := make([]float64, 1)
	if err := f.Project(v, batch, pred); err != nil {
		t.Fatal(err)
	}
	if math.Abs(pred[0]-6) > 1e-9 {
		t.Errorf("Expected scaled line integral 6, got %f", pred[0])
	}

	grad := make([]float64, v.Len())
	if err := f.Backward(v, batch, []float64{1}, grad); err != nil {
		t.Fatal(err)
	}
	if got := grad[v.Index(1, 1, 1)]; math.Abs(got-2) > 1e-9 {
		t.Errorf("Expected scaled backprojection 2, got %f", got)
	}
}

func TestNewReconstructorInputs(t *testing.T) {
	cfg := testConfig(t)
	if _, err := NewReconstructor(&Params{Config: cfg}); err == nil {
		t.Error("Expected error without batches")
	}

	empty, _ := dataset.NewBatches(nil, nil, nil, 1)
	if _, err := NewReconstructor(&Params{Config: cfg, Source: empty}); err == nil {
		t.Error("Expected error for an empty batch source")
	}
}

// columnRenderer sums the density along z for the (x, y) column of ray i
type columnRenderer struct{ width, height int }

func (c columnRenderer) column(grid *models.Volume, i int, visit func(idx int)) {
	x, y := i%c.width, i/c.width
	for z := 0; z < grid.Depth; z++ {
		visit(grid.Index(x, y, z))
	}
}

func (c columnRenderer) Project(density *models.Volume, batch *models.Batch, out []float64) error {
	for i := range out {
		sum := 0.0
		c.column(density, i, func(idx int) { sum += density.Data[idx] })
		out[i] = sum
	}
	return nil
}

func (c columnRenderer) Backproject(grid *models.Volume, batch *models.Batch, grad []float64, out []float64) error {
	for i, g := range grad {
		c.column(grid, i, func(idx int) { out[idx] += g })
	}
	return nil
}

// TestSingleStepDecreasesFidelity runs one step on a constant 4x4x4 ground
// truth observed through column sums
func TestSingleStepDecreasesFidelity(t *testing.T) {
	const n, density = 4, 0.5
	grid := models.NewVolume(n, n, n, 1)
	renderer := columnRenderer{width: n, height: n}

	rays := n * n
	pixels := make([]float64, rays)
	for i := range pixels {
		pixels[i] = n * density
	}
	source, err := dataset.NewBatches(make([]r3.Vec, rays), make([]r3.Vec, rays), pixels, rays)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.NItr = 1
	cfg.LossFn = loss.L2
	cfg.LRTV = 0
	cfg.LR = 0.01
	cfg.Progress = false
	cfg.Metrics.Enabled = false

	r, err := NewReconstructor(&Params{
		Config:   cfg,
		Source:   source,
		Grid:     grid,
		Renderer: renderer,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	res, err := r.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	batch := source.Batch(0)
	pred := make([]float64, rays)
	if err := renderer.Project(res.Density, batch, pred); err != nil {
		t.Fatal(err)
	}
	f, _ := loss.NewFidelity(loss.L2)
	after := f.Loss(pred, batch.Pixels, nil)
	before := res.History[0].Loss
	if after > before {
		t.Errorf("Fidelity increased after one step: %f -> %f", before, after)
	}
}

// evenBatches regroups every ray of src into nb batches of equal size,
// dropping the remainder.
func evenBatches(t *testing.T, src dataset.BatchSource, nb int) (split, whole *dataset.Batches) {
	t.Helper()
	var sources, targets []r3.Vec
	var pixels []float64
	for b := 0; b < src.NumBatches(); b++ {
		batch := src.Batch(b)
		sources = append(sources, batch.Sources...)
		targets = append(targets, batch.Targets...)
		pixels = append(pixels, batch.Pixels...)
	}
	n := len(pixels) / nb * nb
	if n == 0 {
		t.Fatalf("Not enough rays (%d) for %d batches", len(pixels), nb)
	}
	sources, targets, pixels = sources[:n], targets[:n], pixels[:n]

	split, err := dataset.NewBatches(sources, targets, pixels, n/nb)
	if err != nil {
		t.Fatal(err)
	}
	whole, err = dataset.NewBatches(sources, targets, pixels, n)
	if err != nil {
		t.Fatal(err)
	}
	return split, whole
}

func TestOneStepPerEpoch(t *testing.T) {
	cfg := testConfig(t)
	cfg.LRTV = 0.1
	params := setup(t, cfg)
	if params.Source.NumBatches() < 2 {
		t.Fatalf("Expected several batches, got %d", params.Source.NumBatches())
	}

	r, err := NewReconstructor(params)
	if err != nil {
		t.Fatalf("NewReconstructor failed: %v", err)
	}
	if _, err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := r.optimizer.Steps(); got != cfg.NItr {
		t.Errorf("Expected %d optimizer steps for %d batches per epoch, got %d", cfg.NItr, params.Source.NumBatches(), got)
	}
	if got := r.schedule.Epoch(); got != cfg.NItr {
		t.Errorf("Expected %d scheduler steps, got %d", cfg.NItr, got)
	}
}

func TestGradientAccumulatesOverBatches(t *testing.T) {
	const nb = 4
	cfg := testConfig(t)
	cfg.LRTV = 0.1
	params := setup(t, cfg)
	split, whole := evenBatches(t, params.Source, nb)

	gradient := func(source dataset.BatchSource) []float64 {
		p := *params
		p.Source = source
		r, err := NewReconstructor(&p)
		if err != nil {
			t.Fatalf("NewReconstructor failed: %v", err)
		}
		if _, err := r.Iterate(context.Background(), 0); err != nil {
			t.Fatalf("Iterate failed: %v", err)
		}
		if r.optimizer.Steps() != 1 {
			t.Fatalf("Expected one optimizer step per epoch, got %d", r.optimizer.Steps())
		}
		return append([]float64(nil), r.gradParam...)
	}

	accumulated := gradient(split)
	single := gradient(whole)

	// Each of the nb equal batches averages over n/nb rays and carries the
	// regularizer, so the epoch gradient is nb times the single batch one.
	floats.Scale(nb, single)
	scale := floats.Norm(single, math.Inf(1))
	if scale == 0 {
		t.Fatal("Gradient vanished")
	}
	if !floats.EqualApprox(accumulated, single, 1e-9*scale) {
		diff := make([]float64, len(single))
		floats.SubTo(diff, accumulated, single)
		t.Errorf("Accumulated gradient differs from the single batch gradient by %g (scale %g)",
			floats.Norm(diff, math.Inf(1)), scale)
	}
}
