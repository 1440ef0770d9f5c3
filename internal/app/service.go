// Package service runs analyses end to end: load, sample, bin, fit, assemble
// and export.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/econpipe/internal/adapters/export"
	jobqueue "github.com/okian/econpipe/internal/adapters/mq/queue"
	workerpool "github.com/okian/econpipe/internal/adapters/mq/worker"
	"github.com/okian/econpipe/internal/adapters/source"
	"github.com/okian/econpipe/internal/domain/binning"
	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/grouping"
	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/internal/domain/report"
	"github.com/okian/econpipe/internal/domain/sampling"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// ErrNothingToRun is returned for an analysis that requests neither bins nor
// a model.
var ErrNothingToRun = errors.New("analysis requests neither binning nor a model")

// Analysis is one fully resolved analysis definition.
type Analysis struct {
	Name   string
	Path   string
	Schema model.Schema
	Load   []source.Option // per-dataset loader options

	Sampler sampling.Sampler // nil keeps every row
	Binning *binning.Spec    // nil skips binning
	Model   *estimator.ModelSpec

	GroupBy string // empty skips the per-group fits
	Pooled  bool   // fit Model on the whole sample
}

// Validate checks the parts of the definition that do not need data.
func (a Analysis) Validate() error {
	if a.Name == "" {
		return model.NewError("analysis.validate", model.KindInvalidSpec, "analysis name is empty")
	}
	if err := a.Schema.Validate(); err != nil {
		return err
	}
	if a.Binning == nil && a.Model == nil {
		return fmt.Errorf("%s: %w", a.Name, ErrNothingToRun)
	}
	if a.Binning != nil {
		if err := a.Binning.Validate(); err != nil {
			return err
		}
	}
	if a.Model != nil {
		if err := a.Model.Validate(); err != nil {
			return err
		}
	}
	if a.GroupBy != "" && a.Model == nil {
		return model.NewError("analysis.validate", model.KindInvalidSpec, "group_by %q needs a model", a.GroupBy)
	}
	return nil
}

// Service executes analyses against a shared worker pool.
type Service struct {
	mu sync.RWMutex

	// Core components
	loader source.Loader // nil picks a loader from the file extension
	runner *estimator.Runner
	queue  *jobqueue.InMemoryQueue[workerpool.Task]
	pool   *workerpool.Pool

	// Configuration
	workerCount int
	queueSize   int
	fitTimeout  time.Duration
	outputDir   string
	writers     []export.Writer

	// State
	started bool
	runs    int
	failed  int

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of per-group fit workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the fit queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithFitTimeout caps each per-group fit.
func WithFitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fitTimeout = d
		}
	}
}

// WithOutputDir sets where reports are written.
func WithOutputDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.outputDir = dir
		}
	}
}

// WithWriters sets the report writers. No writers means reports are only
// returned.
func WithWriters(w ...export.Writer) Option {
	return func(s *Service) {
		s.writers = w
	}
}

// WithLoader overrides extension-based loader selection.
func WithLoader(l source.Loader) Option {
	return func(s *Service) {
		if l != nil {
			s.loader = l
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount: runtime.NumCPU(),
		queueSize:   1024,
		outputDir:   "out",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates the runner and starts the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.runner = estimator.NewRunner()
	s.queue = jobqueue.NewInMemoryQueue[workerpool.Task](
		jobqueue.WithCapacity(s.queueSize),
		jobqueue.WithBufferSize(s.queueSize),
	)
	s.pool = workerpool.NewPool(s.workerCount, s.queue)
	s.pool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "analysis service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Duration("fitTimeout", s.fitTimeout),
	)
	return nil
}

// Stop shuts the worker pool down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
	}
	s.started = false
	s.logger.Info(ctx, "analysis service stopped")
}

// Run executes one analysis and exports its report. A load, binning or
// pooled-fit error aborts the analysis; per-group failures are reported.
func (s *Service) Run(ctx context.Context, a Analysis) (*report.Report, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil, errors.New("service not started")
	}

	r, err := s.run(ctx, a)
	s.mu.Lock()
	s.runs++
	if err != nil {
		s.failed++
	}
	s.mu.Unlock()
	if err != nil {
		metrics.RecordAnalysis(metrics.StatusError)
		s.logger.Error(ctx, "analysis failed",
			logger.String("analysis", a.Name),
			logger.String("error_kind", string(model.KindOf(err))),
			logger.Error(err),
		)
		return nil, err
	}
	metrics.RecordAnalysis(metrics.StatusOK)
	return r, nil
}

func (s *Service) run(ctx context.Context, a Analysis) (*report.Report, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	log := s.logger.Named(a.Name)

	ds, err := s.load(ctx, a)
	if err != nil {
		return nil, err
	}
	loaded, dropped := ds.Len(), ds.Dropped

	sampler := a.Sampler
	if sampler == nil {
		sampler = sampling.All{}
	}
	ds, err = sampler.Sample(ds)
	if err != nil {
		return nil, err
	}
	metrics.RecordRowsSampled(ds.Len())

	meta := report.Meta{
		Analysis:     a.Name,
		Source:       a.Path,
		Observations: loaded,
		Dropped:      dropped,
		Sampled:      ds.Len(),
		Spec:         a.Model,
		Binning:      a.Binning,
	}

	var bins []binning.Bin
	if a.Binning != nil {
		if bins, err = binning.Compute(ds, *a.Binning); err != nil {
			return nil, err
		}
	}

	var pooled *estimator.FitResult
	if a.Model != nil && a.Pooled {
		if pooled, err = s.runner.Fit(ctx, ds, *a.Model); err != nil {
			return nil, err
		}
	}

	var grouped *grouping.GroupedResults
	if a.Model != nil && a.GroupBy != "" {
		ev := grouping.NewEvaluator(s.runner,
			grouping.WithExecutor(s.pool),
			grouping.WithFitTimeout(s.fitTimeout),
		)
		if grouped, err = ev.Evaluate(ctx, ds, a.GroupBy, *a.Model); err != nil {
			return nil, err
		}
	}

	rep := report.Assemble(meta, bins, pooled, grouped)

	var files []string
	if len(s.writers) > 0 {
		if files, err = export.WriteAll(ctx, rep, s.outputDir, s.writers...); err != nil {
			return nil, err
		}
	}

	log.Info(ctx, "analysis complete",
		logger.String("run_id", rep.RunID.String()),
		logger.Int("rows", rep.Sampled),
		logger.Int("bins", rep.Summary.Bins),
		logger.Int("groups", rep.Summary.Groups),
		logger.Int("failed_groups", rep.Summary.Failed),
		logger.Strings("files", files),
		logger.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

func (s *Service) load(ctx context.Context, a Analysis) (*model.Dataset, error) {
	if s.loader != nil {
		return s.loader.Load(ctx, a.Path, a.Schema)
	}
	return source.Open(ctx, a.Path, a.Schema, a.Load...)
}

// RunAll runs analyses in order and stops at the first failing one. Reports
// of the analyses that completed are returned alongside the error.
func (s *Service) RunAll(ctx context.Context, analyses []Analysis) ([]*report.Report, error) {
	out := make([]*report.Report, 0, len(analyses))
	for _, a := range analyses {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := s.Run(ctx, a)
		if err != nil {
			return out, fmt.Errorf("analysis %q: %w", a.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"runs":        s.runs,
		"failed":      s.failed,
	}
	if s.started {
		queueLen := s.queue.Len()
		stats["queueLength"] = queueLen
		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateWorkerActiveCount(s.pool.Size())
	}
	return stats
}
