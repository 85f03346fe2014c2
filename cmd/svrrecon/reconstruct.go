package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"svrrecon/internal/models"
	"svrrecon/pkg/config"
	"svrrecon/pkg/imageio"
	"svrrecon/pkg/logging"
	"svrrecon/pkg/reconstruction"
	"svrrecon/pkg/rigid"
	"svrrecon/pkg/visualization"
)

// reconstructOptions holds the flags of the reconstruct command
type reconstructOptions struct {
	output      string
	stacks      []string
	dofs        []string
	thickness   []float64
	mask        string
	configPath  string
	debug       bool
	previewDir  string
	previewAxis string
	resolution  float64
	iterations  int
	cores       int
}

func newReconstructCmd() *cobra.Command {
	opts := &reconstructOptions{}

	cmd := &cobra.Command{
		Use:   "reconstruct -o <output.nii.gz> --stacks <stack> [--stacks <stack> ...]",
		Short: "Reconstruct a volume from stacks of slices",
		Long: `Reconstruct a high-resolution volume from stacks of thick slices.

Every stack may come with a transformation file mapping it into the space of
the template stack; "id" stands for the identity. The first stack with an
identity transformation is the template. An optional mask in template space
selects the region of interest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, opts, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.Setup(cfg)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return runReconstruct(ctx, log, opts, cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "reconstructed volume (.nii or .nii.gz)")
	cmd.Flags().StringSliceVarP(&opts.stacks, "stacks", "s", nil, "input stacks, one per flag or comma separated")
	cmd.Flags().StringSliceVar(&opts.dofs, "dofs", nil, "transformation per stack (YAML file or \"id\"); identity when omitted")
	cmd.Flags().Float64SliceVar(&opts.thickness, "thickness", nil, "slice thickness per stack in mm; defaults to the stack z spacing")
	cmd.Flags().StringVarP(&opts.mask, "mask", "m", "", "binary mask in template space")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "svrrecon.yaml", "configuration file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "save intermediary images and log robust statistics")
	cmd.Flags().StringVar(&opts.previewDir, "preview-dir", "", "write PNG previews of the reconstruction to this directory")
	cmd.Flags().StringVar(&opts.previewAxis, "preview-axis", "", "also write every plane of the final volume along x, y or z to <preview-dir>/sequence")
	cmd.Flags().Float64Var(&opts.resolution, "resolution", 0, "isotropic voxel size in mm (overrides the configuration)")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 0, "number of outer iterations (overrides the configuration)")
	cmd.Flags().IntVar(&opts.cores, "cores", 0, "number of CPU cores (overrides the configuration)")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("stacks")

	return cmd
}

// applyFlags overrides configuration values with explicitly set flags
func applyFlags(cmd *cobra.Command, opts *reconstructOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("resolution") {
		cfg.Processing.Resolution = opts.resolution
	}
	if flags.Changed("iterations") {
		cfg.Processing.Iterations = opts.iterations
	}
	if flags.Changed("cores") {
		cfg.Processing.NumCores = opts.cores
	}
	if flags.Changed("debug") {
		cfg.Output.SaveIntermediaryResults = opts.debug
	}
	if flags.Changed("preview-dir") {
		cfg.Output.PreviewDir = opts.previewDir
	}
	if flags.Changed("preview-axis") {
		cfg.Output.PreviewAxis = opts.previewAxis
	}
	if opts.debug && !flags.Changed("config") {
		cfg.Logging.Level = "debug"
	}
}

// scheduleFromConfig maps the configuration onto the reconstruction schedule
func scheduleFromConfig(cfg *config.Config) reconstruction.Schedule {
	return reconstruction.Schedule{
		Iterations:           cfg.Processing.Iterations,
		Resolution:           cfg.Processing.Resolution,
		Levels:               cfg.Processing.Levels,
		Delta:                cfg.Regularization.Delta,
		Lambda:               cfg.Regularization.Lambda,
		LastIterLambda:       cfg.Regularization.LastIterLambda,
		AverageValue:         cfg.Processing.AverageValue,
		SmoothMask:           cfg.Processing.SmoothMask,
		BiasSigma:            cfg.Processing.BiasSigma,
		ReconIterations:      cfg.Robust.ReconIterations,
		FinalReconIterations: cfg.Robust.FinalReconIterations,
	}
}

// loadInputs reads the stacks, their transformations and the mask
func loadInputs(opts *reconstructOptions) (reconstruction.Inputs, error) {
	var in reconstruction.Inputs

	if len(opts.dofs) > 0 && len(opts.dofs) != len(opts.stacks) {
		return in, fmt.Errorf("got %d transformations for %d stacks", len(opts.dofs), len(opts.stacks))
	}
	if len(opts.thickness) > 0 && len(opts.thickness) != len(opts.stacks) {
		return in, fmt.Errorf("got %d thicknesses for %d stacks", len(opts.thickness), len(opts.stacks))
	}

	for i, path := range opts.stacks {
		stack, err := imageio.ReadVolume(path)
		if err != nil {
			return in, err
		}
		in.Stacks = append(in.Stacks, stack)

		t := rigid.Identity()
		if len(opts.dofs) > 0 {
			if t, err = imageio.ReadTransform(opts.dofs[i]); err != nil {
				return in, err
			}
		}
		in.Transforms = append(in.Transforms, t)
	}

	if len(opts.thickness) > 0 {
		in.Thickness = opts.thickness
	}

	if opts.mask != "" {
		mask, err := imageio.ReadVolume(opts.mask)
		if err != nil {
			return in, err
		}
		in.Mask = mask
	}
	return in, nil
}

func runReconstruct(ctx context.Context, log *slog.Logger, opts *reconstructOptions, cfg *config.Config) error {
	start := time.Now()

	in, err := loadInputs(opts)
	if err != nil {
		return err
	}
	log.Info("inputs loaded", "stacks", len(in.Stacks), "mask", opts.mask != "")

	debugDir := ""
	if cfg.Output.SaveIntermediaryResults {
		debugDir = filepath.Join(cfg.Output.Dir, "debug")
	}
	rec := reconstruction.NewReconstructor(&reconstruction.Params{
		NumCores: cfg.Processing.NumCores,
		Step:     cfg.Robust.Step,
		Logger:   log,
		DebugDir: debugDir,
	})
	if cfg.Output.SaveIntermediaryResults {
		rec.DebugOn()
	}

	pipeline := reconstruction.NewPipeline(rec, scheduleFromConfig(cfg))
	if cfg.Output.PreviewDir != "" {
		pipeline.OnIteration = func(ev reconstruction.Evaluation) {
			savePreview(log, rec.GetReconstructed(), cfg.Output.PreviewDir, fmt.Sprintf("iteration%d", ev.Iteration))
		}
	}

	vol, err := pipeline.Run(ctx, in)
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}

	if err := imageio.WriteVolume(opts.output, vol); err != nil {
		return err
	}
	if err := rec.SaveTransformations(filepath.Join(cfg.Output.Dir, "transformations")); err != nil {
		return err
	}
	if cfg.Output.SaveIntermediaryResults {
		if err := rec.SaveSlices(filepath.Join(cfg.Output.Dir, "slices")); err != nil {
			return err
		}
	}

	m := rec.QualityMetrics()
	log.Info("reconstruction completed",
		"output", opts.output,
		"duration", time.Since(start).String(),
		"voxels", m.Voxels,
		"rmse", m.RMSE,
		"correlation", m.Correlation,
		"ssim", m.SSIM,
		"entropy_diff", m.EntropyDiff)

	if cfg.Output.PreviewDir != "" {
		savePreview(log, vol, cfg.Output.PreviewDir, "final")
		if cfg.Output.PreviewAxis != "" {
			saveSequence(log, vol, filepath.Join(cfg.Output.PreviewDir, "sequence"), cfg.Output.PreviewAxis)
		}
	}
	return nil
}

// savePreview writes the central planes of vol; failures are only logged
func savePreview(log *slog.Logger, vol *models.Volume, dir, prefix string) {
	paths, err := visualization.NewViewer(vol, -1).SaveOrthogonalViews(dir, prefix)
	if err != nil {
		log.Warn("failed to save preview", "dir", dir, "error", err)
		return
	}
	log.Debug("preview saved", "files", paths)
}

// saveSequence writes every plane of vol along axis as JPEG files
func saveSequence(log *slog.Logger, vol *models.Volume, dir, axis string) {
	if err := visualization.NewViewer(vol, -1).SaveSliceSequence(axis, dir); err != nil {
		log.Warn("failed to save preview sequence", "dir", dir, "axis", axis, "error", err)
		return
	}
	log.Debug("preview sequence saved", "dir", dir, "axis", axis)
}
