// Package config defines process configuration and the analysis definitions
// a batch run executes.
//
// Conventions:
// - Defaults come from New(); files and env only override.
// - Analysis definitions are validated before they are mapped onto domain
//   types, so a bad definition fails the run before any data is read.
package config

import (
	"runtime"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	// LogFormat selects the handler: text or json.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// WorkerCount sets the number of per-group fit workers.
	WorkerCount int `koanf:"worker_count" validate:"gte=1"`

	// QueueSize bounds the in-memory fit queue.
	QueueSize int `koanf:"queue_size" validate:"gte=1"`

	// FitTimeoutMS caps each per-group fit. Zero disables the cap.
	FitTimeoutMS int `koanf:"fit_timeout_ms" validate:"gte=0"`

	// OutputDir receives the exported reports.
	OutputDir string `koanf:"output_dir" validate:"required"`

	// OutputFormats lists the report writers: json, csv, xlsx.
	OutputFormats []string `koanf:"output_formats" validate:"min=1,dive,oneof=json csv xlsx"`

	// MetricsFile, when set, receives a Prometheus text dump after the run.
	MetricsFile string `koanf:"metrics_file"`

	// MetricsNamespace prefixes every metric name.
	MetricsNamespace string `koanf:"metrics_namespace" validate:"required"`

	// MetricsLabels are constant labels attached to every metric, e.g. the
	// site or data release a run belongs to.
	MetricsLabels map[string]string `koanf:"metrics_labels"`

	// Analyses are executed in order.
	Analyses []Analysis `koanf:"analyses" validate:"dive"`
}

// Analysis is one analysis definition as written in the config file.
type Analysis struct {
	Name    string   `koanf:"name" validate:"required"`
	Dataset Dataset  `koanf:"dataset"`
	Columns Columns  `koanf:"columns"`
	Sample  *Sample  `koanf:"sample"`
	Binning *Binning `koanf:"binning"`
	Model   *Model   `koanf:"model"`

	// GroupBy names a categorical column to fit the model per level of.
	GroupBy string `koanf:"group_by"`

	// Pooled fits the model on the whole sample. Defaults to true when a
	// model is configured.
	Pooled *bool `koanf:"pooled"`
}

// Dataset locates the input table.
type Dataset struct {
	Path          string   `koanf:"path" validate:"required"`
	Sheet         string   `koanf:"sheet"`
	Delimiter     string   `koanf:"delimiter" validate:"omitempty,len=1"`
	MissingTokens []string `koanf:"missing_tokens"`
	DropMissing   *bool    `koanf:"drop_missing"`
}

// Columns maps column roles to source column names.
type Columns struct {
	Outcome     string   `koanf:"outcome" validate:"required"`
	Running     string   `koanf:"running"`
	Treatment   string   `koanf:"treatment" validate:"required"`
	Unit        string   `koanf:"unit"`
	Time        string   `koanf:"time"`
	Group       string   `koanf:"group"`
	Numeric     []string `koanf:"numeric" validate:"dive,required"`
	Categorical []string `koanf:"categorical" validate:"dive,required"`
}

// Sample draws a reproducible fraction of rows.
type Sample struct {
	Fraction float64 `koanf:"fraction" validate:"gt=0,lte=1"`
	Seed     uint64  `koanf:"seed"`
}

// Binning configures the binned-means table.
type Binning struct {
	Width   float64  `koanf:"width" validate:"gt=0"`
	Min     *float64 `koanf:"min"`
	Max     *float64 `koanf:"max"`
	ByGroup bool     `koanf:"by_group"`
}

// Model configures the estimator.
type Model struct {
	Kind       string   `koanf:"kind" validate:"required,oneof=ols_interaction local_polynomial fixed_effects"`
	Cutoff     float64  `koanf:"cutoff"`
	Order      *int     `koanf:"order" validate:"omitempty,gte=0,lte=4"` // required unless fixed_effects
	Kernel     string   `koanf:"kernel" validate:"omitempty,oneof=triangular epanechnikov uniform"`
	Bandwidth  float64  `koanf:"bandwidth" validate:"gte=0"`
	Covariates []string `koanf:"covariates" validate:"dive,required"`
	CovType    string   `koanf:"cov_type" validate:"omitempty,oneof=classical hc1 cluster"`
	Cluster    string   `koanf:"cluster"`
	Level      float64  `koanf:"level" validate:"gte=0,lt=1"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "text",
		WorkerCount:      runtime.NumCPU(),
		QueueSize:        1024,
		FitTimeoutMS:     0,
		OutputDir:        "out",
		OutputFormats:    []string{"json", "csv"},
		MetricsNamespace: "econpipe",
	}
}
