package estimator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

const (
	defaultMaxIterations = 10000
	defaultTolerance     = 1e-10
)

// Fitter fits one model to one dataset slice.
type Fitter interface {
	Fit(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error)
}

// Runner dispatches a ModelSpec to its estimator. It holds no per-fit state
// and is safe for concurrent use.
type Runner struct {
	logger    logger.Logger
	maxIter   int
	tolerance float64
}

// Option applies a configuration option to the runner.
type Option func(*Runner)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxIterations caps the number of demeaning sweeps.
func WithMaxIterations(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxIter = n
		}
	}
}

// WithTolerance sets the demeaning convergence tolerance.
func WithTolerance(tol float64) Option {
	return func(r *Runner) {
		if tol > 0 {
			r.tolerance = tol
		}
	}
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		maxIter:   defaultMaxIterations,
		tolerance: defaultTolerance,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("estimator")
	}
	return r
}

// Fit runs the estimator selected by spec.Kind on ds. It returns either a
// result with a finite, non-zero standard error or an error; it never falls
// back to a default estimate.
func (r *Runner) Fit(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error) {
	start := time.Now()
	res, err := r.fit(ctx, ds, spec)
	ms := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		kind := model.KindOf(err)
		metrics.RecordFit(string(spec.Kind), string(kind), ms)
		metrics.RecordError("estimator", string(kind))
		r.logger.Debug(ctx, "fit failed",
			logger.String("kind", string(spec.Kind)),
			logger.Int("n", ds.Len()),
			logger.Error(err),
		)
		return nil, err
	}

	metrics.RecordFit(string(spec.Kind), metrics.StatusOK, ms)
	r.logger.Debug(ctx, "fit complete",
		logger.String("kind", string(spec.Kind)),
		logger.Int("n", res.N),
		logger.Float64("estimate", res.Estimate),
		logger.Float64("std_err", res.StdErr),
	)
	return res, nil
}

func (r *Runner) fit(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := checkContext(ctx, "fit"); err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, model.NewError("fit", model.KindInsufficientData, "no observations")
	}

	switch spec.Kind {
	case KindOLS:
		return r.fitOLS(ctx, ds, spec)
	case KindLocalPoly:
		return r.fitLocalPoly(ctx, ds, spec)
	case KindFixedEffects:
		return r.fitFixedEffects(ctx, ds, spec)
	}
	return nil, model.NewError("fit", model.KindInvalidSpec, "unknown estimator %q", spec.Kind)
}

// checkContext maps a cancelled or expired context to a timeout error.
func checkContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &model.OpError{Op: op, Kind: model.KindTimeout, Err: err}
	}
	return nil
}

// addCovariates appends control columns: numeric covariates as they are and
// categorical covariates as indicators for every level present in ds except
// the first (the reference level).
func addCovariates(d *design, ds *model.Dataset, names []string) error {
	s := ds.Schema
	for _, name := range names {
		if i := s.NumericIndex(name); i >= 0 {
			vals := make([]float64, ds.Len())
			for r := range ds.Rows {
				vals[r] = ds.Rows[r].Numeric[i]
			}
			d.add(name, vals)
			continue
		}
		if i := s.CategoricalIndex(name); i >= 0 {
			levels, err := ds.Levels(name)
			if err != nil {
				return err
			}
			for _, level := range levels[min(1, len(levels)):] {
				vals := make([]float64, ds.Len())
				for r := range ds.Rows {
					if ds.Rows[r].Levels[i] == level {
						vals[r] = 1
					}
				}
				d.add(fmt.Sprintf("%s[%s]", name, level), vals)
			}
			continue
		}
		return model.NewError("fit.covariates", model.KindInvalidSpec, "%w: %q is not a declared covariate", model.ErrUnknownColumn, name)
	}
	return nil
}

// clusterOf builds the clustering for column over ds.
func clusterOf(ds *model.Dataset, column string) (clustering, error) {
	key, err := ds.KeyFunc(column)
	if err != nil {
		return clustering{}, model.NewError("fit.cluster", model.KindInvalidSpec, "%w", err)
	}
	keys := make([]string, ds.Len())
	for i := range ds.Rows {
		keys[i] = key(&ds.Rows[i])
	}
	return newClustering(keys), nil
}

func requireRunning(ds *model.Dataset, op string) error {
	if ds.Schema.Running == "" {
		return model.NewError(op, model.KindInvalidSpec, "discontinuity designs need a running variable")
	}
	return nil
}

// sides counts observations left (x < c) and right (x >= c) of the cutoff.
func sides(ds *model.Dataset, c float64) (left, right int) {
	for i := range ds.Rows {
		if ds.Rows[i].Running < c {
			left++
		} else {
			right++
		}
	}
	return left, right
}

func powers(base []float64, k int) []float64 {
	out := make([]float64, len(base))
	for i, b := range base {
		out[i] = math.Pow(b, float64(k))
	}
	return out
}

func product(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	return out
}

func ptr(v float64) *float64 { return &v }
