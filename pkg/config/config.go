// Package config provides configuration loading and management for sparsect.
// It handles loading configuration from YAML files, provides default values
// and validates every option before a run starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sparsect/pkg/loss"
	"sparsect/pkg/projector"
	"sparsect/pkg/volume"
)

// ErrInvalid marks every configuration error. Configuration errors are
// fatal and are raised before any computation runs.
var ErrInvalid = errors.New("invalid configuration")

// NoInitialization disables the warm start.
const NoInitialization = "none"

// Device names accepted by the device option
const (
	DeviceAuto        = "auto"
	DeviceAccelerator = "accelerator"
	DeviceCPU         = "cpu"
)

// DRRParams holds the renderer geometry sub-configuration
type DRRParams struct {
	// Renderer selects the projector implementation (siddon, trilinear)
	Renderer projector.Kind `yaml:"renderer"`

	// SDD is the source to detector distance in mm
	SDD float64 `yaml:"sdd"`

	// SOD is the source to isocenter distance in mm
	SOD float64 `yaml:"sod"`

	// Height and Width are the full resolution detector size in pixels
	Height int `yaml:"height"`
	Width  int `yaml:"width"`

	// DelX is the full resolution detector pixel spacing in mm
	DelX float64 `yaml:"delx"`

	// NPoints is the number of samples per ray for the trilinear renderer
	NPoints int `yaml:"n_points"`
}

// Paths groups the filesystem locations used by a run
type Paths struct {
	DataDir     string `yaml:"data_dir"`
	BaselineDir string `yaml:"baseline_dir"`
	ResultsDir  string `yaml:"results_dir"`
	RunsDir     string `yaml:"runs_dir"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// WalnutID identifies the subject to reconstruct
	WalnutID int `yaml:"walnut_id"`

	// Poses is the number of projection views used
	Poses int `yaml:"poses"`

	// Downsample is the spatial downsampling factor for detector and volume
	Downsample int `yaml:"downsample"`

	// BatchSize is the number of rays processed at once
	BatchSize int `yaml:"batch_size"`

	// HalfOrbit restricts the acquisition to a 180 degree arc
	HalfOrbit bool `yaml:"half_orbit"`

	// NItr is the number of optimization iterations (epochs)
	NItr int `yaml:"n_itr"`

	LR   float64 `yaml:"lr"`
	LRTV float64 `yaml:"lr_tv"`

	// Shift is the steepness of the density regulator link function
	Shift float64 `yaml:"shift"`

	LossFn           loss.FidelityKind    `yaml:"loss_fn"`
	DensityRegulator volume.RegulatorKind `yaml:"density_regulator"`
	TVType           loss.TVKind          `yaml:"tv_type"`

	// DRRScale multiplies the predicted intensities before the loss
	DRRScale float64 `yaml:"drr_scale"`

	// InitializeAlg names the baseline reconstruction used for the warm start
	InitializeAlg string `yaml:"initialize_alg"`

	// ProjName groups runs and results
	ProjName string `yaml:"proj_name"`

	// RestartPeriod is the cosine schedule restart period in iterations
	RestartPeriod int `yaml:"restart_period"`

	// Clamp bounds the clamp density regulator
	Clamp struct {
		Min float64 `yaml:"min"`
		Max float64 `yaml:"max"`
	} `yaml:"clamp"`

	DRR DRRParams `yaml:"drr"`

	// Subject describes the synthetic phantom used when no reference volume file exists
	Subject struct {
		Size    int     `yaml:"size"`
		Spacing float64 `yaml:"spacing"`
	} `yaml:"subject"`

	// Metrics toggles evaluation against the reference volume
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	// Device is one of auto, accelerator, cpu
	Device string `yaml:"device"`

	// NumCores is the number of workers used by the accelerator device
	NumCores int `yaml:"num_cores"`

	Paths Paths `yaml:"paths"`

	LogLevel string `yaml:"log_level"`
	Progress bool   `yaml:"progress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{
		WalnutID:         1,
		Poses:            20,
		Downsample:       1,
		BatchSize:        2_000_000,
		NItr:             50,
		LR:               0.05,
		LRTV:             15,
		Shift:            10,
		LossFn:           loss.L1,
		DensityRegulator: volume.Softplus,
		TVType:           loss.TVVectorL1,
		DRRScale:         1.0,
		InitializeAlg:    NoInitialization,
		ProjName:         "grand_experiment",
		RestartPeriod:    25,
		Device:           DeviceAuto,
		NumCores:         runtime.NumCPU(),
		LogLevel:         "info",
		Progress:         true,
	}

	cfg.Clamp.Min = 0
	cfg.Clamp.Max = 1

	cfg.DRR = DRRParams{
		Renderer: projector.Trilinear,
		SDD:      199.006188,
		SOD:      66.0,
		Height:   768,
		Width:    972,
		DelX:     0.0748,
		NPoints:  500,
	}

	cfg.Subject.Size = 64
	cfg.Subject.Spacing = 0.28

	cfg.Metrics.Enabled = true

	cfg.Paths = Paths{
		DataDir:     "data",
		BaselineDir: filepath.Join("data", "baselines"),
		ResultsDir:  "results",
		RunsDir:     "runs",
	}

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks every option and normalizes the selector names. All
// returned errors wrap ErrInvalid.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	fidelity, err := loss.ParseFidelity(string(c.LossFn))
	if err != nil {
		return invalid("%v", err)
	}
	c.LossFn = fidelity

	tv, err := loss.ParseTV(string(c.TVType))
	if err != nil {
		return invalid("%v", err)
	}
	c.TVType = tv

	reg, err := volume.ParseRegulator(string(c.DensityRegulator))
	if err != nil {
		return invalid("%v", err)
	}
	c.DensityRegulator = reg

	renderer, err := projector.ParseKind(string(c.DRR.Renderer))
	if err != nil {
		return invalid("%v", err)
	}
	c.DRR.Renderer = renderer

	switch strings.ToLower(c.Device) {
	case DeviceAuto, DeviceAccelerator, DeviceCPU:
		c.Device = strings.ToLower(c.Device)
	default:
		return invalid("unrecognized device %q", c.Device)
	}

	if strings.EqualFold(c.InitializeAlg, NoInitialization) || c.InitializeAlg == "" {
		c.InitializeAlg = NoInitialization
	}

	switch {
	case c.Poses <= 0:
		return invalid("poses must be positive, got %d", c.Poses)
	case c.Downsample <= 0:
		return invalid("downsample must be positive, got %d", c.Downsample)
	case c.BatchSize <= 0:
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	case c.NItr < 0:
		return invalid("n_itr must not be negative, got %d", c.NItr)
	case c.LR <= 0:
		return invalid("lr must be positive, got %g", c.LR)
	case c.LRTV < 0:
		return invalid("lr_tv must not be negative, got %g", c.LRTV)
	case c.Shift <= 0:
		return invalid("shift must be positive, got %g", c.Shift)
	case c.RestartPeriod <= 0:
		return invalid("restart_period must be positive, got %d", c.RestartPeriod)
	case c.Clamp.Max <= c.Clamp.Min:
		return invalid("clamp max %g must exceed min %g", c.Clamp.Max, c.Clamp.Min)
	case c.DRR.Height <= 0 || c.DRR.Width <= 0:
		return invalid("detector size %dx%d must be positive", c.DRR.Height, c.DRR.Width)
	case c.DRR.DelX <= 0:
		return invalid("delx must be positive, got %g", c.DRR.DelX)
	case c.DRR.SDD <= c.DRR.SOD || c.DRR.SOD <= 0:
		return invalid("need 0 < sod (%g) < sdd (%g)", c.DRR.SOD, c.DRR.SDD)
	case c.DRR.NPoints <= 0:
		return invalid("n_points must be positive, got %d", c.DRR.NPoints)
	case c.Subject.Size <= 0 || c.Subject.Spacing <= 0:
		return invalid("subject size and spacing must be positive")
	case c.NumCores <= 0:
		return invalid("num_cores must be positive, got %d", c.NumCores)
	}

	return nil
}

// WarmStart reports whether a baseline volume seeds the optimizer.
func (c *Config) WarmStart() bool {
	return c.InitializeAlg != NoInitialization
}

// BaselinePath returns the warm-start volume location, keyed by subject id,
// view count and baseline algorithm.
func (c *Config) BaselinePath() string {
	return filepath.Join(c.Paths.BaselineDir,
		fmt.Sprintf("Walnut%d", c.WalnutID),
		strconv.Itoa(c.Poses),
		c.InitializeAlg+".vol")
}

// ReferencePath returns the location of the subject's reference volume.
func (c *Config) ReferencePath() string {
	return filepath.Join(c.Paths.DataDir, fmt.Sprintf("Walnut%d", c.WalnutID), "reference.vol")
}

// RunName returns the human readable run name.
func (c *Config) RunName(now time.Time) string {
	return fmt.Sprintf("w%d_%d_%s_%s", c.WalnutID, c.Poses, c.DRR.Renderer, now.Format("01-02__15:04"))
}

// CheckpointName returns the checkpoint file name for a run id.
func (c *Config) CheckpointName(runID string) string {
	return fmt.Sprintf("walnut%d_%d_%s_%s.ckpt", c.WalnutID, c.Poses, c.DRR.Renderer, runID)
}
