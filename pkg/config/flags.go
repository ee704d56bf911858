package config

import (
	"github.com/spf13/pflag"
)

// Overrides binds command line flags to configuration options. Only flags
// set on the command line replace values loaded from the configuration file.
type Overrides struct {
	fs     *pflag.FlagSet
	values *Config
	apply  map[string]func(dst *Config)
}

// BindFlags registers one flag per overridable option on fs. Flag defaults
// are the DefaultConfig values.
func BindFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{fs: fs, values: DefaultConfig(), apply: make(map[string]func(*Config))}
	v := o.values

	o.intVar(&v.WalnutID, "walnut-id", "subject id", func(c *Config) { c.WalnutID = v.WalnutID })
	o.intVar(&v.Poses, "poses", "number of projection views", func(c *Config) { c.Poses = v.Poses })
	o.intVar(&v.Downsample, "downsample", "detector and volume downsampling factor", func(c *Config) { c.Downsample = v.Downsample })
	o.intVar(&v.BatchSize, "batch-size", "rays per batch", func(c *Config) { c.BatchSize = v.BatchSize })
	o.intVar(&v.NItr, "n-itr", "number of iterations", func(c *Config) { c.NItr = v.NItr })
	o.intVar(&v.NumCores, "num-cores", "workers used by the accelerator device", func(c *Config) { c.NumCores = v.NumCores })
	o.intVar(&v.DRR.NPoints, "n-points", "samples per ray for the trilinear renderer", func(c *Config) { c.DRR.NPoints = v.DRR.NPoints })
	o.intVar(&v.RestartPeriod, "restart-period", "cosine schedule restart period", func(c *Config) { c.RestartPeriod = v.RestartPeriod })

	o.floatVar(&v.LR, "lr", "learning rate", func(c *Config) { c.LR = v.LR })
	o.floatVar(&v.LRTV, "lr-tv", "total variation weight", func(c *Config) { c.LRTV = v.LRTV })
	o.floatVar(&v.Shift, "shift", "density regulator steepness", func(c *Config) { c.Shift = v.Shift })
	o.floatVar(&v.DRRScale, "drr-scale", "scale applied to predicted intensities", func(c *Config) { c.DRRScale = v.DRRScale })

	o.stringVar((*string)(&v.LossFn), "loss-fn", "fidelity term (l1, l2, pcc)", func(c *Config) { c.LossFn = v.LossFn })
	o.stringVar((*string)(&v.DensityRegulator), "density-regulator", "density regulator (sigmoid, softplus, clamp, none)", func(c *Config) { c.DensityRegulator = v.DensityRegulator })
	o.stringVar((*string)(&v.TVType), "tv-type", "total variation kind (vl1, l1, l2)", func(c *Config) { c.TVType = v.TVType })
	o.stringVar((*string)(&v.DRR.Renderer), "renderer", "projector (siddon, trilinear)", func(c *Config) { c.DRR.Renderer = v.DRR.Renderer })
	o.stringVar(&v.InitializeAlg, "initialize-alg", "warm start baseline, none disables it", func(c *Config) { c.InitializeAlg = v.InitializeAlg })
	o.stringVar(&v.ProjName, "proj-name", "project name for runs and results", func(c *Config) { c.ProjName = v.ProjName })
	o.stringVar(&v.Device, "device", "compute device (auto, accelerator, cpu)", func(c *Config) { c.Device = v.Device })
	o.stringVar(&v.LogLevel, "log-level", "log level", func(c *Config) { c.LogLevel = v.LogLevel })

	o.boolVar(&v.HalfOrbit, "half-orbit", "acquire over a 180 degree arc", func(c *Config) { c.HalfOrbit = v.HalfOrbit })
	o.boolVar(&v.Metrics.Enabled, "metrics", "evaluate metrics against the reference volume", func(c *Config) { c.Metrics.Enabled = v.Metrics.Enabled })
	o.boolVar(&v.Progress, "progress", "show a progress bar", func(c *Config) { c.Progress = v.Progress })

	return o
}

func (o *Overrides) intVar(p *int, name, usage string, apply func(*Config)) {
	o.fs.IntVar(p, name, *p, usage)
	o.apply[name] = apply
}

func (o *Overrides) floatVar(p *float64, name, usage string, apply func(*Config)) {
	o.fs.Float64Var(p, name, *p, usage)
	o.apply[name] = apply
}

func (o *Overrides) stringVar(p *string, name, usage string, apply func(*Config)) {
	o.fs.StringVar(p, name, *p, usage)
	o.apply[name] = apply
}

func (o *Overrides) boolVar(p *bool, name, usage string, apply func(*Config)) {
	o.fs.BoolVar(p, name, *p, usage)
	o.apply[name] = apply
}

// Apply copies the value of every flag that was set onto cfg. The flags may
// have been parsed through a subcommand's merged set, so Changed is checked
// per flag.
func (o *Overrides) Apply(cfg *Config) {
	o.fs.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if apply, ok := o.apply[f.Name]; ok {
			apply(cfg)
		}
	})
}
