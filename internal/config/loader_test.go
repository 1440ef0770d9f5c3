package config_test

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/econpipe/internal/config"
)

const analysesYAML = `
log_level: debug
worker_count: 4
output_dir: results
output_formats: [xlsx]
fit_timeout_ms: 2500
metrics_labels:
  site: amazon
analyses:
  - name: rdd_pooled
    dataset:
      path: data/rdd.csv
      drop_missing: false
    columns:
      outcome: forest_loss
      running: distance_km
      treatment: treated
      group: country
      categorical: [biome]
      numeric: [elevation]
    sample:
      fraction: 0.5
      seed: 42
    binning:
      width: 0.25
      min: -5
      max: 5
    model:
      kind: local_polynomial
      order: 1
      kernel: triangular
    group_by: country
  - name: did
    dataset:
      path: data/panel.xlsx
      sheet: panel
    columns:
      outcome: y
      treatment: post_treated
      unit: municipality
      time: year
    model:
      kind: fixed_effects
      covariates: [rainfall]
      cov_type: cluster
    pooled: true
`

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars()

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldNotBeNil)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
				convey.So(cfg.QueueSize, convey.ShouldEqual, 1024)
				convey.So(cfg.OutputFormats, convey.ShouldResemble, []string{"json", "csv"})
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("ECONPIPE_WORKER_COUNT", "16")
			_ = os.Setenv("ECONPIPE_QUEUE_SIZE", "64")
			_ = os.Setenv("ECONPIPE_LOG_FORMAT", "json")
			_ = os.Setenv("ECONPIPE_METRICS_FILE", "/tmp/econpipe.prom")
			_ = os.Setenv("ECONPIPE_METRICS_NAMESPACE", "amazon")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.QueueSize, convey.ShouldEqual, 64)
				convey.So(cfg.LogFormat, convey.ShouldEqual, "json")
				convey.So(cfg.MetricsFile, convey.ShouldEqual, "/tmp/econpipe.prom")
				convey.So(cfg.MetricsNamespace, convey.ShouldEqual, "amazon")
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			tmpFile := createTempConfigFile(analysesYAML)
			defer func() { _ = os.Remove(tmpFile) }()
			clearConfigEnvVars()

			cfg, err := config.Load(ctx, tmpFile)

			convey.Convey("Then it should load process settings from the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.LogLevel, convey.ShouldEqual, "debug")
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
				convey.So(cfg.QueueSize, convey.ShouldEqual, 1024) // default
				convey.So(cfg.FitTimeoutMS, convey.ShouldEqual, 2500)
				convey.So(cfg.OutputDir, convey.ShouldEqual, "results")
				convey.So(cfg.OutputFormats, convey.ShouldResemble, []string{"xlsx"})
			})

			convey.Convey("Then it should load every analysis", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(cfg.Analyses), convey.ShouldEqual, 2)

				convey.So(cfg.MetricsLabels, convey.ShouldResemble, map[string]string{"site": "amazon"})

				rdd := cfg.Analyses[0]
				convey.So(rdd.Name, convey.ShouldEqual, "rdd_pooled")
				convey.So(rdd.Columns.Categorical, convey.ShouldResemble, []string{"biome"})
				convey.So(*rdd.Dataset.DropMissing, convey.ShouldBeFalse)
				convey.So(rdd.Sample.Seed, convey.ShouldEqual, uint64(42))
				convey.So(*rdd.Binning.Min, convey.ShouldEqual, -5.0)
				convey.So(*rdd.Model.Order, convey.ShouldEqual, 1)

				did := cfg.Analyses[1]
				convey.So(did.Model.Order, convey.ShouldBeNil)
				convey.So(*did.Pooled, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the file path comes from ECONPIPE_CONFIG and env overrides it", func() {
			tmpFile := createTempConfigFile(analysesYAML)
			defer func() { _ = os.Remove(tmpFile) }()
			_ = os.Setenv("ECONPIPE_CONFIG", tmpFile)
			_ = os.Setenv("ECONPIPE_WORKER_COUNT", "32")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 32)    // env
				convey.So(cfg.OutputDir, convey.ShouldEqual, "results") // file
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile("worker_count: [unclosed")
			defer func() { _ = os.Remove(tmpFile) }()

			cfg, err := config.Load(ctx, tmpFile)

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with non-existent file", func() {
			cfg, err := config.Load(ctx, "/nonexistent/econpipe.yaml")

			convey.Convey("Then it should return a load error", func() {
				convey.So(cfg, convey.ShouldBeNil)
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When loading config with invalid numeric environment variables", func() {
			_ = os.Setenv("ECONPIPE_WORKER_COUNT", "many")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then it should return an error", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func TestConfigValidation(t *testing.T) {
	convey.Convey("Given config files violating field constraints", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()

		cases := map[string]string{
			"zero workers":       "worker_count: 0\n",
			"unknown log level":  "log_level: verbose\n",
			"unknown format":     "output_formats: [parquet]\n",
			"analysis sans name": "analyses:\n  - dataset: {path: a.csv}\n    columns: {outcome: y, treatment: d}\n",
			"bad sample":         "analyses:\n  - name: a\n    dataset: {path: a.csv}\n    columns: {outcome: y, treatment: d}\n    sample: {fraction: 1.5}\n",
			"order too high":     "analyses:\n  - name: a\n    dataset: {path: a.csv}\n    columns: {outcome: y, treatment: d}\n    model: {kind: ols_interaction, order: 7}\n",
			"duplicate names": "analyses:\n  - name: a\n    dataset: {path: a.csv}\n    columns: {outcome: y, treatment: d}\n" +
				"  - name: a\n    dataset: {path: b.csv}\n    columns: {outcome: y, treatment: d}\n",
		}

		for name, content := range cases {
			tmpFile := createTempConfigFile(content)
			cfg, err := config.Load(ctx, tmpFile)
			_ = os.Remove(tmpFile)

			convey.SoMsg(name, cfg, convey.ShouldBeNil)
			convey.SoMsg(name, errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		}
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"ECONPIPE_CONFIG",
		"ECONPIPE_LOG_LEVEL",
		"ECONPIPE_LOG_FORMAT",
		"ECONPIPE_QUEUE_SIZE",
		"ECONPIPE_WORKER_COUNT",
		"ECONPIPE_METRICS_FILE",
		"ECONPIPE_METRICS_NAMESPACE",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "econpipe-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
