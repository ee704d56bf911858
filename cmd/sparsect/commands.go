package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sparsect/pkg/checkpoint"
	"sparsect/pkg/config"
	"sparsect/pkg/dataset"
	"sparsect/pkg/metrics"
	"sparsect/pkg/reconstruction"
	"sparsect/pkg/visualization"
	"sparsect/pkg/volio"
)

var (
	baselineAlg        string
	baselineIterations int
	baselineRelaxation float64

	slicesDir    string
	slicesAxes   string
	slicesWindow float64

	phantomOut     string
	phantomSize    int
	phantomSpacing float64
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Compute a SIRT baseline used as warm start",
	Args:  cobra.NoArgs,
	RunE:  runBaseline,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Print the hyperparameters and metrics of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var slicesCmd = &cobra.Command{
	Use:   "slices <checkpoint>",
	Short: "Export slices of a reconstructed volume as JPEG images",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlices,
}

var phantomCmd = &cobra.Command{
	Use:   "phantom",
	Short: "Write a synthetic reference volume",
	Args:  cobra.NoArgs,
	RunE:  runPhantom,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write the default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to: %s\n", args[0])
		return nil
	},
}

func init() {
	baselineCmd.Flags().StringVar(&baselineAlg, "alg", "sirt", "Baseline name used in the warm start path")
	baselineCmd.Flags().IntVar(&baselineIterations, "iterations", 50, "SIRT iterations")
	baselineCmd.Flags().Float64Var(&baselineRelaxation, "relaxation", 1.0, "SIRT relaxation factor in (0, 2)")

	slicesCmd.Flags().StringVar(&slicesDir, "out", "reconstructed_slices", "Directory to save extracted slices")
	slicesCmd.Flags().StringVar(&slicesAxes, "axes", "x,y,z", "Comma separated axes to export")
	slicesCmd.Flags().Float64Var(&slicesWindow, "window", 0, "Density mapped to white (0 uses the volume maximum)")

	phantomCmd.Flags().StringVar(&phantomOut, "out", "reference.vol", "Output volume file")
	phantomCmd.Flags().IntVar(&phantomSize, "size", 64, "Phantom edge length in voxels")
	phantomCmd.Flags().Float64Var(&phantomSpacing, "spacing", 0.28, "Voxel spacing in mm")
}

func runBaseline(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.EqualFold(baselineAlg, config.NoInitialization) || baselineAlg == "" {
		return fmt.Errorf("%w: baseline name %q is reserved", config.ErrInvalid, baselineAlg)
	}
	logger := setupLogger(cfg.LogLevel)

	// The baseline itself starts from zero.
	cfg.InitializeAlg = config.NoInitialization
	params, subject, err := reconstruction.Setup(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Infof("Computing %s baseline with %d iterations...", baselineAlg, baselineIterations)
	est, err := reconstruction.SIRT(ctx, params.Renderer, subject.Source, subject.Reference, reconstruction.SIRTParams{
		Iterations:  baselineIterations,
		Relaxation:  baselineRelaxation,
		NonNegative: true,
	}, logger)
	if err != nil {
		return fmt.Errorf("baseline failed: %w", err)
	}

	cfg.InitializeAlg = baselineAlg
	path := cfg.BaselinePath()
	if err := volio.Write(path, est); err != nil {
		return err
	}

	ref := subject.Reference
	logger.WithFields(logrus.Fields{
		"psnr": metrics.PSNR(est.Data, ref.Data, ref.Max()),
		"pcc":  metrics.PCC(est.Data, ref.Data),
	}).Infof("Baseline saved to: %s", path)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ckpt, err := checkpoint.Read(args[0])
	if err != nil {
		return err
	}

	hp, err := yaml.Marshal(ckpt.Hyperparameters)
	if err != nil {
		return fmt.Errorf("error marshaling hyperparameters: %w", err)
	}

	m := ckpt.Metrics
	est := ckpt.Tensors.Est
	fmt.Printf("Checkpoint: %s\n", args[0])
	fmt.Printf("Volume: %v voxels, spacing %v mm\n", est.Shape, est.Spacing)
	fmt.Printf("Iterations: %d\n", len(m.Loss))
	fmt.Printf("Total time: %.2f minutes\n", m.TotalTime/60)
	if n := len(m.Loss); n > 0 {
		fmt.Printf("Final loss: %.6f (tv %.6f, lr %.6g)\n", m.Loss[n-1], m.TV[n-1], m.LR[n-1])
	}
	if n := len(m.PSNR); n > 0 {
		fmt.Printf("Final PSNR: %.3f  PCC: %.4f  MSE: %.6g\n", m.PSNR[n-1], m.PCC[n-1], m.MSE[n-1])
	}
	if len(m.SSIM) > 0 {
		fmt.Printf("SSIM: %.4f\n", m.SSIM[0])
	}
	fmt.Println("\nHyperparameters:")
	fmt.Print(string(hp))
	return nil
}

func runSlices(cmd *cobra.Command, args []string) error {
	ckpt, err := checkpoint.Read(args[0])
	if err != nil {
		return err
	}
	density, err := ckpt.Density()
	if err != nil {
		return err
	}

	viewer := visualization.NewViewer(density, slicesWindow)
	for _, axis := range strings.Split(slicesAxes, ",") {
		axis = strings.TrimSpace(axis)
		axisDir := filepath.Join(slicesDir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

		n, err := viewer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			return fmt.Errorf("failed to save %s-axis slices: %w", axis, err)
		}
		fmt.Printf("Saved %d slices\n", n)
	}

	fmt.Println("Slice extraction completed!")
	return nil
}

func runPhantom(cmd *cobra.Command, _ []string) error {
	if phantomSize <= 0 || phantomSpacing <= 0 {
		return fmt.Errorf("phantom size and spacing must be positive")
	}
	if err := volio.Write(phantomOut, dataset.Phantom(phantomSize, phantomSpacing)); err != nil {
		return err
	}
	fmt.Printf("Phantom saved to: %s\n", phantomOut)
	return nil
}
