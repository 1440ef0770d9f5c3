package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/econpipe/internal/adapters/export"
	app "github.com/okian/econpipe/internal/app"
	"github.com/okian/econpipe/internal/config"
	"github.com/okian/econpipe/internal/simulate"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "econpipe",
		Short:        "Discontinuity and panel fixed-effects estimation pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(newRunCmd(&logLevel), newSimulateCmd(&logLevel))
	return root
}

// setupLogging initializes the global logger. An explicit flag level wins
// over the configured one.
func setupLogging(cmd *cobra.Command, format, configured, flag string) error {
	if err := logger.Init(logger.WithWriter(cmd.ErrOrStderr()), logger.WithFormat(format)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	level := configured
	if flag != "" {
		level = flag
	}
	if err := logger.SetLevelString(level); err != nil {
		logger.Get().Warn(cmd.Context(), "invalid log level; falling back to info",
			logger.String("log_level", level), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return nil
}

func newRunCmd(logLevel *string) *cobra.Command {
	var (
		configPath string
		outputDir  string
		only       []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the analyses defined in the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// Load configuration (defaults -> file -> env)
			cfg, err := config.Load(ctx, configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if err := setupLogging(cmd, cfg.LogFormat, cfg.LogLevel, *logLevel); err != nil {
				return err
			}
			log := logger.Get()

			defs, err := cfg.Definitions()
			if err != nil {
				return err
			}
			defs, err = selectAnalyses(defs, only)
			if err != nil {
				return err
			}

			if err := metrics.Configure(
				metrics.WithNamespace(cfg.MetricsNamespace),
				metrics.WithCustomLabels(cfg.MetricsLabels),
			); err != nil {
				return fmt.Errorf("failed to configure metrics: %w", err)
			}

			writers, err := export.ForFormats(cfg.OutputFormats)
			if err != nil {
				return err
			}

			svc := app.New(
				app.WithLogger(log.Named("service")),
				app.WithWorkerCount(cfg.WorkerCount),
				app.WithQueueSize(cfg.QueueSize),
				app.WithFitTimeout(time.Duration(cfg.FitTimeoutMS)*time.Millisecond),
				app.WithOutputDir(cfg.OutputDir),
				app.WithWriters(writers...),
			)
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			defer svc.Stop()

			reports, runErr := svc.RunAll(ctx, defs)
			for _, r := range reports {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\trows=%d\tbins=%d\tgroups=%d\tfailed=%d\n",
					r.Analysis, r.RunID, r.Sampled, r.Summary.Bins, r.Summary.Groups, r.Summary.Failed)
			}

			if cfg.MetricsFile != "" {
				if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
					log.Error(ctx, "failed to write metrics", logger.String("path", cfg.MetricsFile), logger.Error(err))
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config (default $"+config.EnvConfigPath+")")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for exported reports (overrides config)")
	cmd.Flags().StringSliceVar(&only, "analysis", nil, "run only the named analyses")
	return cmd
}

func selectAnalyses(defs []app.Analysis, names []string) ([]app.Analysis, error) {
	if len(names) == 0 {
		return defs, nil
	}
	byName := make(map[string]app.Analysis, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	out := make([]app.Analysis, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: no analysis named %q", config.ErrInvalidConfig, n)
		}
		out = append(out, d)
	}
	return out, nil
}

func newSimulateCmd(logLevel *string) *cobra.Command {
	var (
		out  string
		seed uint64
		rows int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic dataset with a known treatment effect",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(cmd, "text", "info", *logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&out, "out", "", "output CSV path")
	cmd.PersistentFlags().Uint64Var(&seed, "seed", 1, "random seed")
	_ = cmd.MarkPersistentFlagRequired("out")

	rdd := &cobra.Command{
		Use:   "rdd",
		Short: "Cross-section around a protected-area boundary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := simulate.DefaultRDD()
			cfg.Seed = seed
			if rows > 0 {
				cfg.Rows = rows
			}
			t, err := simulate.RDD(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return write(cmd, t, out)
		},
	}
	rdd.Flags().IntVar(&rows, "rows", 0, "number of observations (default 5000)")

	var units, periods int
	panel := &cobra.Command{
		Use:   "panel",
		Short: "Balanced municipality-year panel with a single adoption date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := simulate.DefaultPanel()
			cfg.Seed = seed
			if units > 0 {
				cfg.Units = units
			}
			if periods > 0 {
				cfg.Periods = periods
				cfg.TreatFrom = periods / 2
			}
			t, err := simulate.Panel(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return write(cmd, t, out)
		},
	}
	panel.Flags().IntVar(&units, "units", 0, "number of units (default 200)")
	panel.Flags().IntVar(&periods, "periods", 0, "number of periods (default 10)")

	cmd.AddCommand(rdd, panel)
	return cmd
}

func write(cmd *cobra.Command, t *simulate.Table, path string) error {
	if err := t.WriteFile(path); err != nil {
		return err
	}
	logger.Get().Info(cmd.Context(), "simulated dataset written",
		logger.String("path", path),
		logger.Int("rows", len(t.Rows)),
	)
	return nil
}
