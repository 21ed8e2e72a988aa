package reqflow

import (
	"context"
	"log/slog"
	"sync"
)

// Future is the handle returned by the async executor. It resolves to the
// same outcome the synchronous path would have produced; failures are
// delivered through Wait, never swallowed.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the call resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, NewNetworkError("canceled while waiting for async result", ctx.Err())
	case <-f.done:
		return f.resp, f.err
	}
}

// Done returns a channel closed when the call has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) resolve(resp *Response, err error) {
	f.resp = resp
	f.err = err
	close(f.done)
}

type asyncJob struct {
	ctx    context.Context
	req    *Request
	future *Future
}

// AsyncExecutor schedules calls onto a bounded worker pool. The decorators
// sit below it in the chain, so each async call is one execution through
// the breaker and retry layers, not one per pool worker.
//
// The pool starts on construction and runs until Shutdown. A pool that is
// never shut down leaks only its worker goroutines, never per-call state.
type AsyncExecutor struct {
	delegate Executor
	jobs     chan *asyncJob
	wg       sync.WaitGroup
	logger   *slog.Logger
	metrics  *MetricsCollector

	mu         sync.Mutex
	closed     bool
	submitters sync.WaitGroup
	once       sync.Once
}

// NewAsyncExecutor creates an async adapter around an Executor and starts
// its workers.
//
// Example:
//
//	async := reqflow.NewAsyncExecutor(client, reqflow.WithWorkers(8))
//	defer async.Shutdown()
func NewAsyncExecutor(delegate Executor, opts ...AsyncOption) *AsyncExecutor {
	cfg := DefaultAsyncConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &AsyncExecutor{
		delegate: delegate,
		jobs:     make(chan *asyncJob, cfg.QueueSize),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *AsyncExecutor) worker() {
	defer a.wg.Done()
	for job := range a.jobs {
		if a.metrics != nil {
			a.metrics.decAsyncQueueDepth()
		}
		resp, err := a.delegate.Execute(job.ctx, job.req)
		job.future.resolve(resp, err)
	}
}

// ExecuteAsync schedules the request and returns immediately. It fails with
// ErrClosed after Shutdown, and blocks when the queue is full until space
// frees up or ctx is done.
func (a *AsyncExecutor) ExecuteAsync(ctx context.Context, req *Request) (*Future, error) {
	// Register as a submitter under the lock; Shutdown closes the channel
	// only after every registered submitter has finished, so the send below
	// can never hit a closed channel.
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	a.submitters.Add(1)
	a.mu.Unlock()
	defer a.submitters.Done()

	future := newFuture()
	job := &asyncJob{ctx: ctx, req: req, future: future}

	select {
	case <-ctx.Done():
		return nil, NewNetworkError("canceled while enqueueing async call", ctx.Err())
	case a.jobs <- job:
		if a.metrics != nil {
			a.metrics.incAsyncQueueDepth()
		}
		return future, nil
	}
}

// Shutdown stops accepting new work and waits for queued and in-flight
// calls to complete. Safe to call more than once.
func (a *AsyncExecutor) Shutdown() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.submitters.Wait()
		close(a.jobs)
		a.wg.Wait()
		a.logger.Debug("async executor shut down")
	})
}
