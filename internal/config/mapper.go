package config

import (
	"fmt"
	"unicode/utf8"

	service "github.com/okian/econpipe/internal/app"
	"github.com/okian/econpipe/internal/adapters/source"
	"github.com/okian/econpipe/internal/domain/binning"
	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/internal/domain/sampling"
)

// Definitions maps every configured analysis onto its domain definition.
func (c *Config) Definitions() ([]service.Analysis, error) {
	if len(c.Analyses) == 0 {
		return nil, ErrNoAnalyses
	}
	out := make([]service.Analysis, 0, len(c.Analyses))
	for _, a := range c.Analyses {
		def, err := a.Definition()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// Definition maps one analysis onto domain types and validates the result.
func (a Analysis) Definition() (service.Analysis, error) {
	def := service.Analysis{
		Name: a.Name,
		Path: a.Dataset.Path,
		Schema: model.Schema{
			Outcome:     a.Columns.Outcome,
			Running:     a.Columns.Running,
			Treatment:   a.Columns.Treatment,
			Unit:        a.Columns.Unit,
			Time:        a.Columns.Time,
			Group:       a.Columns.Group,
			Numeric:     a.Columns.Numeric,
			Categorical: a.Columns.Categorical,
		},
		GroupBy: a.GroupBy,
	}

	if d := a.Dataset.Delimiter; d != "" {
		r, _ := utf8.DecodeRuneInString(d)
		def.Load = append(def.Load, source.WithDelimiter(r))
	}
	if a.Dataset.Sheet != "" {
		def.Load = append(def.Load, source.WithSheet(a.Dataset.Sheet))
	}
	if len(a.Dataset.MissingTokens) > 0 {
		def.Load = append(def.Load, source.WithMissingTokens(a.Dataset.MissingTokens...))
	}
	if a.Dataset.DropMissing != nil {
		def.Load = append(def.Load, source.WithDropMissing(*a.Dataset.DropMissing))
	}

	if s := a.Sample; s != nil {
		def.Sampler = sampling.New(s.Fraction, s.Seed)
	}

	if b := a.Binning; b != nil {
		spec := &binning.Spec{Width: b.Width, ByGroup: b.ByGroup}
		switch {
		case b.Min != nil && b.Max != nil:
			spec.Domain = &binning.Domain{Min: *b.Min, Max: *b.Max}
		case b.Min != nil || b.Max != nil:
			return service.Analysis{}, fmt.Errorf("%w: %s: binning min and max must be set together", ErrInvalidConfig, a.Name)
		}
		def.Binning = spec
	}

	if m := a.Model; m != nil {
		// Order stays nil when omitted; the spec rejects that for
		// discontinuity designs.
		var order *int
		if m.Order != nil {
			order = estimator.Order(*m.Order)
		}
		def.Model = &estimator.ModelSpec{
			Kind:       estimator.Kind(m.Kind),
			Cutoff:     m.Cutoff,
			Order:      order,
			Kernel:     estimator.Kernel(m.Kernel),
			Bandwidth:  m.Bandwidth,
			Covariates: m.Covariates,
			CovType:    estimator.CovType(m.CovType),
			Cluster:    m.Cluster,
			Level:      m.Level,
		}
		def.Pooled = a.Pooled == nil || *a.Pooled
	}

	if err := def.Validate(); err != nil {
		return service.Analysis{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, a.Name, err)
	}
	return def, nil
}
