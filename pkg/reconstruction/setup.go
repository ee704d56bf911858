package reconstruction

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sparsect/internal/models"
	"sparsect/pkg/config"
	"sparsect/pkg/dataset"
	"sparsect/pkg/projector"
	"sparsect/pkg/volio"
)

// Setup resolves the device, loads the subject and the optional warm-start
// volume described by cfg. Recorder and CheckpointPath are left for the
// caller.
func Setup(cfg *config.Config, logger *logrus.Logger) (*Params, *dataset.Subject, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	dev := ResolveDevice(cfg.Device, cfg.NumCores, logger)
	logger.Infof("Using device: %s (%d workers)", dev.Name, dev.Workers)

	renderer, err := projector.New(cfg.DRR.Renderer, cfg.DRR.NPoints, dev.Workers)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	subject, err := dataset.Load(dataset.Options{
		SubjectID:  cfg.WalnutID,
		Poses:      cfg.Poses,
		Downsample: cfg.Downsample,
		BatchSize:  cfg.BatchSize,
		HalfOrbit:  cfg.HalfOrbit,
		Geometry: models.Geometry{
			Height:       cfg.DRR.Height,
			Width:        cfg.DRR.Width,
			PixelSpacing: cfg.DRR.DelX,
			SDD:          cfg.DRR.SDD,
			SOD:          cfg.DRR.SOD,
			NumPoints:    cfg.DRR.NPoints,
		},
		ReferencePath:  cfg.ReferencePath(),
		PhantomSize:    cfg.Subject.Size,
		PhantomSpacing: cfg.Subject.Spacing,
	}, renderer, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subject: %w", err)
	}

	params := &Params{
		Config:   cfg,
		Source:   subject.Source,
		Grid:     subject.Reference,
		Renderer: renderer,
		Logger:   logger,
	}
	if cfg.Metrics.Enabled {
		params.Reference = subject.Reference
	}

	if cfg.WarmStart() {
		start := time.Now()
		path := cfg.BaselinePath()
		prior, err := volio.Read(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s warm start: %w", cfg.InitializeAlg, err)
		}
		params.Prior = prior
		params.InitTime = time.Since(start)
		logger.Infof("Warm start from %s", path)
	}

	return params, subject, nil
}
