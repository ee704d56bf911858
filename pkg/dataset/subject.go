package dataset

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/sirupsen/logrus"

	"sparsect/internal/models"
	"sparsect/pkg/projector"
	"sparsect/pkg/volio"
)

// Options selects and shapes the acquisition of one subject
type Options struct {
	SubjectID  int
	Poses      int
	Downsample int
	BatchSize  int
	HalfOrbit  bool

	// Geometry is the full resolution acquisition geometry
	Geometry models.Geometry

	// ReferencePath is the subject's reference volume; when it does not exist
	// a phantom of PhantomSize^3 voxels is generated instead.
	ReferencePath  string
	PhantomSize    int
	PhantomSpacing float64
}

// Subject is a loaded acquisition together with its reference volume
type Subject struct {
	Reference *models.Volume
	Geometry  models.Geometry
	Views     []View
	Source    *Batches
}

// Load builds the subject: it reads (or synthesizes) the reference volume,
// downsamples volume and detector, lays out the rays of every view and
// renders the measured intensities with renderer.
func Load(opts Options, renderer projector.Renderer, logger *logrus.Logger) (*Subject, error) {
	reference, err := loadReference(opts, logger)
	if err != nil {
		return nil, err
	}
	reference = reference.Downsample(opts.Downsample)

	geom := DownsampleGeometry(opts.Geometry, opts.Downsample)
	views := Orbit(geom, opts.Poses, opts.HalfOrbit)
	sources, targets := Rays(geom, views)

	pixels := make([]float64, len(sources))
	all := &models.Batch{Sources: sources, Targets: targets, Pixels: pixels}
	if err := renderer.Project(reference, all, pixels); err != nil {
		return nil, fmt.Errorf("failed to render projections: %w", err)
	}

	batches, err := NewBatches(sources, targets, pixels, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"views":    opts.Poses,
		"detector": fmt.Sprintf("%dx%d", geom.Height, geom.Width),
		"volume":   fmt.Sprintf("%dx%dx%d", reference.Width, reference.Height, reference.Depth),
		"rays":     batches.NumRays(),
		"batches":  batches.NumBatches(),
	}).Infof("Data loaded, using %d projections", opts.Poses)

	return &Subject{Reference: reference, Geometry: geom, Views: views, Source: batches}, nil
}

func loadReference(opts Options, logger *logrus.Logger) (*models.Volume, error) {
	if opts.ReferencePath != "" {
		v, err := volio.Read(opts.ReferencePath)
		switch {
		case err == nil:
			logger.Infof("Loaded reference volume %s", opts.ReferencePath)
			return v, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to load reference volume: %w", err)
		}
	}
	logger.Infof("No reference volume for subject %d, using a %d^3 phantom", opts.SubjectID, opts.PhantomSize)
	return Phantom(opts.PhantomSize, opts.PhantomSpacing), nil
}
