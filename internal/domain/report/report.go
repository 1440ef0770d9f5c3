// Package report merges binning and estimation output into the structure
// handed to the rendering layer. It computes nothing beyond counts.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/okian/econpipe/internal/domain/binning"
	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/grouping"
)

// Design names the quasi-experimental design of an analysis.
type Design string

// Designs.
const (
	DesignRDD Design = "rdd"
	DesignDiD Design = "did_fe"
)

// DesignOf maps an estimator to its design.
func DesignOf(k estimator.Kind) Design {
	if k == estimator.KindFixedEffects {
		return DesignDiD
	}
	return DesignRDD
}

// Meta describes the run a report belongs to.
type Meta struct {
	Analysis     string
	Source       string
	Observations int // rows loaded
	Dropped      int // rows skipped for missing values
	Sampled      int // rows analysed after sampling
	Spec         *estimator.ModelSpec
	Binning      *binning.Spec
}

// Summary counts the report's contents.
type Summary struct {
	Bins         int      `json:"bins"`
	Groups       int      `json:"groups"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	FailedGroups []string `json:"failed_groups,omitempty"`
}

// Report is the complete output of one analysis.
type Report struct {
	RunID        uuid.UUID            `json:"run_id"`
	Analysis     string               `json:"analysis"`
	Design       Design               `json:"design,omitempty"`
	Source       string               `json:"source"`
	GeneratedAt  time.Time            `json:"generated_at"`
	Observations int                  `json:"observations"`
	Dropped      int                  `json:"dropped"`
	Sampled      int                  `json:"sampled"`
	Spec         *estimator.ModelSpec `json:"spec,omitempty"`
	BinWidth     float64              `json:"bin_width,omitempty"`
	Bins         []binning.Bin        `json:"bins,omitempty"`
	Pooled       *estimator.FitResult `json:"pooled,omitempty"`
	GroupColumn  string               `json:"group_column,omitempty"`
	Groups       []grouping.Result    `json:"groups,omitempty"`
	Summary      Summary              `json:"summary"`
}

// Option applies a configuration option to Assemble.
type Option func(*Report)

// WithRunID fixes the run identifier instead of drawing a random one.
func WithRunID(id uuid.UUID) Option {
	return func(r *Report) { r.RunID = id }
}

// WithGeneratedAt fixes the report timestamp.
func WithGeneratedAt(t time.Time) Option {
	return func(r *Report) { r.GeneratedAt = t.UTC() }
}

// Assemble combines the outputs of one run. Any of bins, pooled and grouped
// may be empty when the analysis did not request that stage.
func Assemble(meta Meta, bins []binning.Bin, pooled *estimator.FitResult, grouped *grouping.GroupedResults, opts ...Option) *Report {
	r := &Report{
		RunID:        uuid.New(),
		Analysis:     meta.Analysis,
		Source:       meta.Source,
		GeneratedAt:  time.Now().UTC(),
		Observations: meta.Observations,
		Dropped:      meta.Dropped,
		Sampled:      meta.Sampled,
		Spec:         meta.Spec,
		Bins:         bins,
		Pooled:       pooled,
	}
	for _, opt := range opts {
		opt(r)
	}
	if meta.Spec != nil {
		r.Design = DesignOf(meta.Spec.Kind)
	}
	if meta.Binning != nil {
		r.BinWidth = meta.Binning.Width
	}
	r.Summary.Bins = len(bins)

	if grouped != nil {
		r.GroupColumn = grouped.Column
		r.Groups = grouped.Results
		for _, g := range grouped.Results {
			if g.OK() {
				r.Summary.Succeeded++
			} else {
				r.Summary.Failed++
				r.Summary.FailedGroups = append(r.Summary.FailedGroups, g.Group)
			}
		}
		r.Summary.Groups = len(grouped.Results)
	}
	return r
}
