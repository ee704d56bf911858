package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sparsect/pkg/config"
	"sparsect/pkg/reconstruction"
	"sparsect/pkg/tracking"
)

var (
	configPath string
	overrides  *config.Overrides
)

var rootCmd = &cobra.Command{
	Use:   "sparsect",
	Short: "Sparse-view CT reconstruction by gradient-based optimization",
	Long: `sparsect reconstructs a 3D density volume from a small number of X-ray
projections. The volume is optimized by gradient descent through a
differentiable projector against the measured intensities, with total
variation regularization and an optional warm start from a baseline.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a reconstruction",
	Args:  cobra.NoArgs,
	RunE:  runReconstruction,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sparsect.yaml", "Configuration file path")
	overrides = config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd, baselineCmd, inspectCmd, slicesCmd, phantomCmd, initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, applies the flags set on the
// command line and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runReconstruction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel)

	fmt.Println("================================")
	fmt.Println("SPARSE-VIEW CT RECONSTRUCTION")
	fmt.Println("================================")

	run, err := tracking.Open(cfg.Paths.RunsDir, cfg.ProjName, cfg.RunName(time.Now()), cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	res, err := reconstruct(ctx, cfg, run, logger)
	if ferr := run.Finish(err); ferr != nil {
		logger.Errorf("Failed to finish tracking run: %v", ferr)
	}
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}

	fmt.Printf("\nReconstruction completed successfully in %.2f minutes!\n", res.TotalTime.Minutes())
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		fmt.Printf("Final loss: %.6f (tv %.6f)\n", last.Loss, last.TV)
		if cfg.Metrics.Enabled {
			fmt.Printf("PSNR: %.3f  PCC: %.4f  MSE: %.6g\n", last.PSNR, last.PCC, last.MSE)
		}
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("SSIM: %.4f\n", res.SSIM)
	}
	fmt.Printf("Checkpoint saved to: %s\n", res.CheckpointPath)
	return nil
}

func reconstruct(ctx context.Context, cfg *config.Config, run *tracking.Run, logger *logrus.Logger) (*reconstruction.Result, error) {
	params, _, err := reconstruction.Setup(cfg, logger)
	if err != nil {
		return nil, err
	}
	params.Recorder = run
	params.CheckpointPath = filepath.Join(cfg.Paths.ResultsDir, cfg.ProjName, cfg.CheckpointName(run.ID))

	r, err := reconstruction.NewReconstructor(params)
	if err != nil {
		return nil, err
	}
	return r.Process(ctx)
}
