package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/config"
	"github.com/Brownie44l1/fer-tally/internal/emotion"
	"github.com/Brownie44l1/fer-tally/internal/logger"
	"github.com/Brownie44l1/fer-tally/internal/model"
	"github.com/Brownie44l1/fer-tally/internal/normalize"
	"github.com/Brownie44l1/fer-tally/internal/pipeline"
	"github.com/Brownie44l1/fer-tally/internal/redact"
)

// globals are filled in by the root command before any subcommand runs.
type globals struct {
	configFile string
	logLevel   string
	debug      bool

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "fer",
		Short: "Facial expression tally with privacy-preserving display",
		Long: `fer classifies the dominant facial expression of every image in a batch,
tallies the labels and serves blurred versions of the images for display.

Configuration comes from the environment, an optional .env file and an
optional config file passed with --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configFile)
			if err != nil {
				return err
			}
			cfg.LogLevel = effectiveLogLevel(cfg.LogLevel, g.logLevel, g.debug)

			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}

			g.cfg, g.log = cfg, log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.log != nil {
				_ = g.log.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "Path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Shorthand for --log-level debug")

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newAnalyzeCmd(g))

	return cmd
}

// effectiveLogLevel applies the command-line overrides to the configured
// level. --debug wins over --log-level.
func effectiveLogLevel(configured, override string, debug bool) string {
	switch {
	case debug:
		return "debug"
	case override != "":
		return override
	default:
		return configured
	}
}

// engine is the batch machinery shared by serve and analyze.
type engine struct {
	runner     *pipeline.Runner
	renderer   *redact.Renderer
	pool       *pipeline.Pool
	closeModel func()
}

func newEngine(cfg *config.Config, log *zap.Logger) (*engine, error) {
	analyzer, closeModel, err := model.Open(cfg.Model)
	if err != nil {
		return nil, err
	}

	pool := pipeline.NewPool(cfg.Pipeline.Workers)
	normalizer := normalize.New(normalize.Options{
		Dir:       cfg.App.TempDir,
		Resize:    cfg.Pipeline.Resize,
		Width:     cfg.Pipeline.TargetWidth,
		Height:    cfg.Pipeline.TargetHeight,
		MaxPixels: cfg.App.MaxPixels,
	})
	runner := pipeline.NewRunner(
		normalizer,
		emotion.NewClassifier(analyzer, log),
		pool,
		cfg.Pipeline.UseParallelClassification,
		log,
	)

	log.Info("Model backend ready",
		zap.String("backend", cfg.Model.Backend),
		zap.Int("workers", pool.Size()),
		zap.Bool("parallel", cfg.Pipeline.UseParallelClassification))

	return &engine{
		runner:     runner,
		renderer:   redact.New(cfg.Pipeline.BlurRadius),
		pool:       pool,
		closeModel: closeModel,
	}, nil
}

// Close stops the workers before releasing the model they call.
func (e *engine) Close() {
	e.pool.Close()
	e.closeModel()
}
