// Package grouping fits one model per level of a grouping column, isolating
// per-group failures.
package grouping

import (
	"context"
	"errors"
	"time"

	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// Status of a per-group fit.
type Status string

// Statuses.
const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result is the outcome for one group: a fit, or a failure marker with the
// error kind and reason.
type Result struct {
	Group  string               `json:"group"`
	Status Status               `json:"status"`
	N      int                  `json:"n"`
	Fit    *estimator.FitResult `json:"fit,omitempty"`
	Kind   model.ErrorKind      `json:"error_kind,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

// OK reports whether the group was fitted.
func (r Result) OK() bool { return r.Status == StatusOK }

// GroupedResults holds exactly one Result per distinct value of Column, in
// first-appearance order.
type GroupedResults struct {
	Column  string   `json:"column"`
	Results []Result `json:"results"`
}

// Len returns the number of groups.
func (g *GroupedResults) Len() int { return len(g.Results) }

// Get returns the result for group.
func (g *GroupedResults) Get(group string) (Result, bool) {
	for _, r := range g.Results {
		if r.Group == group {
			return r, true
		}
	}
	return Result{}, false
}

// Counts returns the number of fitted and failed groups.
func (g *GroupedResults) Counts() (ok, failed int) {
	for _, r := range g.Results {
		if r.OK() {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// Executor runs n independent jobs and returns once all have finished.
type Executor interface {
	Execute(ctx context.Context, n int, job func(ctx context.Context, i int))
}

// Sequential runs jobs one after another on the calling goroutine.
type Sequential struct{}

// Execute runs every job in index order.
func (Sequential) Execute(ctx context.Context, n int, job func(ctx context.Context, i int)) {
	for i := 0; i < n; i++ {
		job(ctx, i)
	}
}

// Evaluator partitions a dataset and fits each partition.
type Evaluator struct {
	fitter  estimator.Fitter
	exec    Executor
	timeout time.Duration
	logger  logger.Logger
}

// Option applies a configuration option to the Evaluator.
type Option func(*Evaluator)

// WithExecutor sets how per-group fits are scheduled. Defaults to Sequential.
func WithExecutor(x Executor) Option {
	return func(e *Evaluator) {
		if x != nil {
			e.exec = x
		}
	}
}

// WithFitTimeout caps the wall-clock time of each per-group fit. A fit that
// exceeds it is recorded as a timeout failure.
func WithFitTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEvaluator creates an evaluator around fitter.
func NewEvaluator(fitter estimator.Fitter, opts ...Option) *Evaluator {
	e := &Evaluator{fitter: fitter, exec: Sequential{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("grouping")
	}
	return e
}

type partition struct {
	group string
	data  *model.Dataset
}

// Partition splits ds by the values of column in first-appearance order.
func Partition(ds *model.Dataset, column string) ([]string, map[string]*model.Dataset, error) {
	key, err := ds.KeyFunc(column)
	if err != nil {
		return nil, nil, model.NewError("grouping.partition", model.KindInvalidSpec, "%w", err)
	}
	var order []string
	parts := make(map[string]*model.Dataset)
	for i := range ds.Rows {
		k := key(&ds.Rows[i])
		p, ok := parts[k]
		if !ok {
			p = &model.Dataset{Schema: ds.Schema, Source: ds.Source}
			parts[k] = p
			order = append(order, k)
		}
		p.Rows = append(p.Rows, ds.Rows[i])
	}
	return order, parts, nil
}

// Evaluate fits spec once per group of column. Only an unknown column or an
// invalid spec fail the call; every per-group failure becomes a marker.
func (e *Evaluator) Evaluate(ctx context.Context, ds *model.Dataset, column string, spec estimator.ModelSpec) (*GroupedResults, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	order, parts, err := Partition(ds, column)
	if err != nil {
		return nil, err
	}

	jobs := make([]partition, len(order))
	for i, g := range order {
		jobs[i] = partition{group: g, data: parts[g]}
	}

	// Each job writes only its own slot.
	results := make([]Result, len(jobs))
	e.exec.Execute(ctx, len(jobs), func(ctx context.Context, i int) {
		results[i] = e.fitOne(ctx, jobs[i], spec)
	})

	out := &GroupedResults{Column: column, Results: results}
	for i := range results {
		if results[i].Status == "" {
			results[i] = Result{
				Group:  jobs[i].group,
				Status: StatusFailed,
				N:      jobs[i].data.Len(),
				Kind:   model.KindUnknown,
				Reason: "fit did not complete",
			}
		}
		if !results[i].OK() {
			metrics.RecordGroupFailure(string(results[i].Kind))
		}
	}

	ok, failed := out.Counts()
	e.logger.Info(ctx, "group evaluation complete",
		logger.String("column", column),
		logger.String("kind", string(spec.Kind)),
		logger.Int("groups", out.Len()),
		logger.Int("ok", ok),
		logger.Int("failed", failed),
	)
	return out, nil
}

func (e *Evaluator) fitOne(ctx context.Context, job partition, spec estimator.ModelSpec) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res := Result{Group: job.group, N: job.data.Len()}
	fit, err := e.fitter.Fit(ctx, job.data, spec)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &model.OpError{Op: "grouping.fit", Kind: model.KindTimeout, Group: job.group, Err: ctx.Err()}
	}
	if err != nil {
		res.Status = StatusFailed
		res.Kind = model.KindOf(err)
		res.Reason = err.Error()
		e.logger.Warn(ctx, "group fit failed",
			logger.String("group", job.group),
			logger.String("error_kind", string(res.Kind)),
			logger.Error(err),
		)
		return res
	}

	fit.Group = job.group
	res.Status = StatusOK
	res.Fit = fit
	return res
}
