// Package worker runs independent jobs on a fixed pool of goroutines fed by
// the in-memory queue.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/econpipe/internal/adapters/mq/queue"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// Default worker configuration constants.
const (
	poolShutdownTimeout = 30 * time.Second
)

// Task is one unit of work. Run receives the submitter's context, bounded
// by the worker's task timeout when one is set.
type Task struct {
	ctx  context.Context //nolint:containedctx // carried from the submitter to the worker
	run  func(ctx context.Context)
	done func()
}

// NewTask wraps run; done, when set, is called once run returns.
func NewTask(ctx context.Context, run func(ctx context.Context), done func()) Task {
	return Task{ctx: ctx, run: run, done: done}
}

// Queue defines how workers receive tasks.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Task
}

// Worker processes tasks until its queue closes or it is shut down.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for in-process tasks.
type InMemoryWorker struct {
	queue   Queue
	name    string
	timeout time.Duration

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run starts the worker loop. A cancelled ctx stops the loop between tasks;
// tasks not yet received stay queued. On shutdown the worker first runs
// whatever is immediately available.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	tasks := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			w.drain(tasks)
			return
		case t, ok := <-tasks:
			if !ok {
				return
			}
			w.process(t, "pool")
		}
	}
}

func (w *InMemoryWorker) drain(tasks <-chan Task) {
	for {
		select {
		case t, ok := <-tasks:
			if !ok {
				return
			}
			w.process(t, "pool")
		default:
			return
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// process runs one task, recovering from panics so a failing job cannot take
// the worker down.
func (w *InMemoryWorker) process(t Task, mode string) {
	start := time.Now()
	metrics.WorkerBusy(1)
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordError("worker", "panic")
			w.logger.Error(t.ctx, "task panicked", logger.Any("panic", r))
		}
		metrics.WorkerBusy(-1)
		metrics.RecordWorkerTask(mode, float64(time.Since(start).Microseconds())/1000)
		if t.done != nil {
			t.done()
		}
	}()

	ctx := t.ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	t.run(ctx)
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   *queue.InMemoryQueue[Task]
	inline  *InMemoryWorker
	started atomic.Bool
	stop    chan struct{}
	once    sync.Once

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers reading from q. A count
// below one uses one worker per CPU.
func NewPool(workerCount int, q *queue.InMemoryQueue[Task], opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		stop:    make(chan struct{}),
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		p.workers[i] = NewInMemoryWorker(q, append(opts, WithName("worker-"+strconv.Itoa(i)))...)
	}
	// Tasks that cannot be queued run on the caller's goroutine with the
	// same timeout and panic handling.
	p.inline = NewInMemoryWorker(q, append(opts, WithName("worker-inline"))...)

	metrics.UpdateWorkerActiveCount(workerCount)
	return p
}

// Size returns the number of pooled workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-p.stop:
			return
		}
		// Workers stop with ctx; whatever is still queued runs here with its
		// cancelled context so no Execute call waits forever. Ends when the
		// queue is closed.
		for t := range p.queue.Dequeue(context.Background()) {
			p.inline.process(t, "inline")
		}
	}()
	p.logger.Debug(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Execute runs job(ctx, i) for i in [0, n) on the pool and waits for all of
// them. Jobs that cannot be queued, because the queue is full or the pool is
// not running, run on the calling goroutine.
func (p *Pool) Execute(ctx context.Context, n int, job func(ctx context.Context, i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		t := Task{
			ctx:  ctx,
			run:  func(ctx context.Context) { job(ctx, i) },
			done: wg.Done,
		}
		if p.started.Load() && p.queue.Enqueue(ctx, t) {
			continue
		}
		p.inline.process(t, "inline")
	}
	wg.Wait()
}

// Shutdown closes the queue and waits for the workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.once.Do(func() { close(p.stop) })
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		if !p.started.Load() {
			break
		}
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d workers did not stop: %w", timedOut, shutdownCtx.Err())
	}
	return nil
}
