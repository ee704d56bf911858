package reconstruction

import (
	"context"
	"fmt"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/sirupsen/logrus"

	"sparsect/internal/models"
	"sparsect/pkg/checkpoint"
	"sparsect/pkg/config"
	"sparsect/pkg/dataset"
	"sparsect/pkg/loss"
	"sparsect/pkg/metrics"
	"sparsect/pkg/optim"
	"sparsect/pkg/projector"
	"sparsect/pkg/tracking"
	"sparsect/pkg/volume"
)

// Params holds everything a reconstruction run needs. Setup builds it from a
// configuration; tests assemble it directly.
type Params struct {
	// Config is the validated configuration; it is persisted as the
	// checkpoint's hyperparameters.
	Config *config.Config

	// Source yields the batches of one epoch.
	Source dataset.BatchSource

	// Grid is the reconstruction grid. Only its geometry is used.
	Grid *models.Volume

	// Reference is the ground truth volume used for metrics. It may be nil
	// when metrics are disabled.
	Reference *models.Volume

	// Prior is the optional warm-start volume.
	Prior *models.Volume

	// InitTime is the time spent producing the warm start; it seeds the
	// elapsed time history.
	InitTime time.Duration

	// Renderer is the differentiable projector.
	Renderer projector.Renderer

	// Recorder receives per-iteration scalars and summary fields. Optional.
	Recorder tracking.Recorder

	// Logger receives progress and warnings.
	Logger *logrus.Logger

	// CheckpointPath is where the final record is written. Empty skips it.
	CheckpointPath string
}

// IterationRecord is the scalar history entry of one iteration
type IterationRecord struct {
	// Loss is the mean over batches of fidelity + weighted TV
	Loss float64
	TV   float64
	PSNR float64
	PCC  float64
	MSE  float64

	// Elapsed is the wall time of the epoch, optimizer and scheduler step
	Elapsed time.Duration

	// LR is the learning rate after the scheduler step
	LR float64
}

// Result is the outcome of a completed run
type Result struct {
	Density        *models.Volume
	History        []IterationRecord
	SSIM           float64
	TotalTime      time.Duration
	Metrics        checkpoint.Metrics
	CheckpointPath string
}

// Reconstructor runs the iterative reconstruction loop. It exclusively owns
// the volume parameterization; nothing else mutates it during a run.
//
// The loop for every iteration:
// 1. Evaluate the density of the current parameter
// 2. For each batch, project, compare with the measured pixels and backproject
// the fidelity gradient, accumulating it over the epoch
// 3. Add the total variation gradient and chain through the density regulator
// 4. Apply one optimizer step and one scheduler step
// 5. Evaluate metrics against the reference volume and log them
type Reconstructor struct {
	params *Params
	cfg    *config.Config
	logger *logrus.Logger

	forward   *ForwardModel
	param     *volume.Parameterization
	objective *loss.Objective
	optimizer *optim.Adam
	schedule  *optim.CosineWarmRestarts
	tracker   *metrics.Tracker

	// Gradient buffers, zeroed at the start of every epoch
	gradDensity []float64
	gradParam   []float64

	history []IterationRecord
}

// NewReconstructor performs the INIT stage: it validates the configuration
// and builds the parameterization (with optional warm start), the objective,
// the optimizer with its schedule and the metrics tracker. Any error here is
// fatal and happens before the first iteration.
func NewReconstructor(params *Params) (*Reconstructor, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("%w: missing configuration", config.ErrInvalid)
	}
	cfg := params.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params.Source == nil || params.Source.NumBatches() == 0 {
		return nil, fmt.Errorf("no batches to optimize against")
	}
	if params.Renderer == nil {
		return nil, fmt.Errorf("no renderer configured")
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	grid := params.Grid
	if grid == nil {
		grid = params.Reference
	}
	if grid == nil {
		return nil, fmt.Errorf("no reconstruction grid: set Grid or Reference")
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconstruction grid: %w", err)
	}

	objective, err := loss.NewObjective(cfg.LossFn, cfg.TVType, cfg.LRTV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if objective.FidelityKind() == loss.PCC {
		logger.Warn("Using PCC loss, work in progress")
	}

	param, err := volume.New(grid, cfg.DensityRegulator, volume.RegulatorParams{
		Shift:    cfg.Shift,
		ClampMin: cfg.Clamp.Min,
		ClampMax: cfg.Clamp.Max,
	}, params.Prior)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize volume: %w", err)
	}

	tracker, err := metrics.NewTracker(params.Reference, cfg.Metrics.Enabled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if tracker.Enabled() && !params.Reference.SameGrid(grid) {
		return nil, fmt.Errorf("%w: reference grid does not match the reconstruction grid", config.ErrInvalid)
	}

	return &Reconstructor{
		params:      params,
		cfg:         cfg,
		logger:      logger,
		forward:     NewForwardModel(params.Renderer, cfg.DRRScale),
		param:       param,
		objective:   objective,
		optimizer:   optim.NewAdam(param.Len()),
		schedule:    optim.NewCosineWarmRestarts(cfg.LR, 0, cfg.RestartPeriod),
		tracker:     tracker,
		gradDensity: make([]float64, param.Len()),
		gradParam:   make([]float64, param.Len()),
	}, nil
}

// Density returns the current physical density.
func (r *Reconstructor) Density() *models.Volume { return r.param.Density() }

// Process runs the complete reconstruction: n_itr iterations, the final
// SSIM evaluation and the checkpoint. An error at any point aborts the run
// and no checkpoint is written. Cancelling ctx aborts between batches.
func (r *Reconstructor) Process(ctx context.Context) (*Result, error) {
	n := r.cfg.NItr
	r.logger.WithFields(logrus.Fields{
		"iterations": n,
		"batches":    r.params.Source.NumBatches(),
		"loss":       r.objective.FidelityKind(),
		"tv":         r.cfg.TVType,
		"tv_weight":  r.objective.Weight(),
		"regulator":  r.param.Kind(),
	}).Info("Step 1: Optimizing density volume...")

	var bar *pb.ProgressBar
	if r.cfg.Progress && n > 0 {
		bar = pb.StartNew(n)
	}

	for itr := 0; itr < n; itr++ {
		rec, err := r.Iterate(ctx, itr)
		if err != nil {
			if bar != nil {
				bar.Finish()
			}
			return nil, fmt.Errorf("iteration %d: %w", itr, err)
		}
		if bar != nil {
			bar.Prefix(fmt.Sprintf("loss : %.06f tv : %.06f ", rec.Loss, rec.TV))
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}

	r.logger.Info("Step 2: Computing final metrics...")
	density := r.param.Density()
	ssim, err := r.tracker.Final(density)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ssim: %w", err)
	}

	hist := r.metricsHistory(ssim)
	total := time.Duration(hist.TotalTime * float64(time.Second))
	if rec := r.params.Recorder; rec != nil {
		rec.SetSummary("total_time", total.Minutes())
		if r.tracker.Enabled() {
			rec.SetSummary("ssim", ssim)
		}
	}

	res := &Result{
		Density:   density,
		History:   r.history,
		SSIM:      ssim,
		TotalTime: total,
		Metrics:   hist,
	}

	if path := r.params.CheckpointPath; path != "" {
		r.logger.Info("Step 3: Writing checkpoint...")
		if err := checkpoint.Write(path, checkpoint.New(density, hist, *r.cfg)); err != nil {
			return nil, err
		}
		res.CheckpointPath = path
		r.logger.Infof("Checkpoint saved to: %s", path)
	}

	r.logger.WithFields(logrus.Fields{
		"total_time_min": total.Minutes(),
		"ssim":           ssim,
	}).Info("Reconstruction completed")
	return res, nil
}

// Iterate runs one epoch: forward, loss and backward over every batch with
// gradient accumulation, then a single optimizer and scheduler step,
// followed by metric evaluation and logging.
func (r *Reconstructor) Iterate(ctx context.Context, itr int) (IterationRecord, error) {
	start := time.Now()

	src := r.params.Source
	density := r.param.Density()
	gradDensity := r.gradDensity
	optim.ZeroGrad(gradDensity)

	nb := src.NumBatches()
	fidelity := 0.0
	for b := 0; b < nb; b++ {
		if err := ctx.Err(); err != nil {
			return IterationRecord{}, err
		}
		batch := src.Batch(b)
		pred := make([]float64, batch.Len())
		gradPred := make([]float64, batch.Len())

		if err := r.forward.Project(density, batch, pred); err != nil {
			return IterationRecord{}, err
		}
		f, err := r.objective.Fidelity(pred, batch.Pixels, gradPred)
		if err != nil {
			return IterationRecord{}, fmt.Errorf("batch %d: %w", b, err)
		}
		if err := r.forward.Backward(density, batch, gradPred, gradDensity); err != nil {
			return IterationRecord{}, err
		}
		fidelity += f
	}

	// Every batch loss carries the regularizer, so its gradient enters once
	// per batch.
	tv, err := r.objective.Regularizer(density, gradDensity, float64(nb))
	if err != nil {
		return IterationRecord{}, err
	}
	terms := loss.Terms{Fidelity: fidelity / float64(nb), TV: tv}

	gradParam := r.gradParam
	optim.ZeroGrad(gradParam)
	r.param.Chain(gradDensity, gradParam)
	if err := r.optimizer.Step(r.param.Params(), gradParam, r.schedule.LR()); err != nil {
		return IterationRecord{}, err
	}
	lr := r.schedule.Step()
	elapsed := time.Since(start)

	sample, err := r.tracker.Observe(r.param.Density())
	if err != nil {
		return IterationRecord{}, err
	}

	rec := IterationRecord{
		Loss:    terms.Total(),
		TV:      terms.TV,
		PSNR:    sample.PSNR,
		PCC:     sample.PCC,
		MSE:     sample.MSE,
		Elapsed: elapsed,
		LR:      lr,
	}
	r.history = append(r.history, rec)

	if recorder := r.params.Recorder; recorder != nil {
		values := map[string]float64{
			"loss":     rec.Loss,
			"tv_loss":  rec.TV,
			"lr_decay": rec.LR,
		}
		if r.tracker.Enabled() {
			values["psnr"] = rec.PSNR
			values["pcc"] = rec.PCC
			values["vol_mse"] = rec.MSE
		}
		if err := recorder.Log(itr, values); err != nil {
			return IterationRecord{}, err
		}
	}
	return rec, nil
}

// metricsHistory converts the iteration records into the persisted history.
// time_delta starts with the warm-start time.
func (r *Reconstructor) metricsHistory(ssim float64) checkpoint.Metrics {
	m := checkpoint.Metrics{
		Loss:      make([]float64, 0, len(r.history)),
		TV:        make([]float64, 0, len(r.history)),
		LR:        make([]float64, 0, len(r.history)),
		TimeDelta: []float64{r.params.InitTime.Seconds()},
	}
	if r.tracker.Enabled() {
		m.PSNR = make([]float64, 0, len(r.history))
		m.PCC = make([]float64, 0, len(r.history))
		m.MSE = make([]float64, 0, len(r.history))
		m.SSIM = []float64{ssim}
	}
	for _, rec := range r.history {
		m.Loss = append(m.Loss, rec.Loss)
		m.TV = append(m.TV, rec.TV)
		m.LR = append(m.LR, rec.LR)
		m.TimeDelta = append(m.TimeDelta, rec.Elapsed.Seconds())
		if r.tracker.Enabled() {
			m.PSNR = append(m.PSNR, rec.PSNR)
			m.PCC = append(m.PCC, rec.PCC)
			m.MSE = append(m.MSE, rec.MSE)
		}
	}
	for _, dt := range m.TimeDelta {
		m.TotalTime += dt
	}
	return m
}
