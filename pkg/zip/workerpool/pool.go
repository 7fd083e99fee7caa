// Package workerpool implements the bounded compute-worker pool (§4.2):
// a shared pool of leases, capped at maxWorkers, that recycles idle
// workers after a configurable timeout and destroys (never recycles)
// any worker whose lease was cancelled mid-job.
//
// Grounded on bb-storage's pkg/util/semaphore.go (context-aware
// semaphore acquisition) and pkg/clock (an injectable time source, so
// idle-eviction timers are deterministic in tests), generalizing
// soong_zip's CPURateLimiter/MemoryRateLimiter pattern from a single
// fixed-purpose limiter into a reusable, leaseable pool.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/buildbarn/bb-zip/pkg/clock"
	"github.com/buildbarn/bb-zip/pkg/zip/ziperrors"
)

// Options configures a Pool.
type Options struct {
	// MaxWorkers bounds concurrent leases. Zero means
	// runtime.NumCPU().
	MaxWorkers int
	// TerminateWorkerTimeout is how long a worker may sit idle
	// before it is destroyed rather than recycled.
	TerminateWorkerTimeout time.Duration
	// Clock is the time source used for idle-eviction timers.
	// Defaults to clock.SystemClock.
	Clock clock.Clock
	// MetricsEnabled registers the pool's Prometheus collectors.
	MetricsEnabled bool
	// MetricsInstanceName distinguishes multiple pools' metrics.
	MetricsInstanceName string
}

// Worker is an opaque handle to a recyclable execution context. It
// carries no behavior of its own: the codec work it performs lives in
// the caller's goroutine; Worker only exists so the pool has an
// identity to recycle or destroy.
type Worker struct {
	id   uuid.UUID
	stop chan struct{}
}

// Pool is a bounded set of compute workers. It is not a process-wide
// singleton: each archive.Writer creates and owns its own Pool.
type Pool struct {
	sem        *semaphore.Weighted
	maxWorkers int64
	timeout    time.Duration
	clk        clock.Clock
	metrics    *poolMetrics

	mu         sync.Mutex
	idle       []*Worker
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  *sync.Once
}

// New constructs a Pool from opts.
func New(opts Options) *Pool {
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	var metrics *poolMetrics
	if opts.MetricsEnabled {
		metrics = newPoolMetrics(opts.MetricsInstanceName)
	}
	return &Pool{
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers: int64(maxWorkers),
		timeout:    opts.TerminateWorkerTimeout,
		clk:        clk,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		closeOnce:  &sync.Once{},
	}
}

// Lease represents exclusive possession of one worker for the
// duration of a single codec job.
type Lease struct {
	pool   *Pool
	worker *Worker
}

// Worker returns the leased worker's identity, useful for logging.
func (l *Lease) Worker() *Worker { return l.worker }

// Acquire obtains a lease, blocking until a worker slot is available,
// ctx is cancelled, or the pool has been terminated. It mirrors
// bb-storage's AcquireSemaphore helper: ctx is checked before and
// during the blocking acquire so a cancelled context never silently
// falls through to success.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if ctx.Err() != nil {
		return nil, ziperrors.WrapWithKind(ctx.Err(), ziperrors.AbortError, "worker acquisition cancelled")
	}
	if p.ctx.Err() != nil {
		return nil, ziperrors.New(ziperrors.AbortError, "worker pool has been terminated")
	}

	acquireCtx, cancelAcquire := context.WithCancel(ctx)
	defer cancelAcquire()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-p.ctx.Done():
			cancelAcquire()
		case <-stopWatch:
		}
	}()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if p.ctx.Err() != nil {
			return nil, ziperrors.New(ziperrors.AbortError, "worker pool was terminated while waiting for a worker")
		}
		return nil, ziperrors.WrapWithKind(ctx.Err(), ziperrors.AbortError, "worker acquisition cancelled")
	}

	p.mu.Lock()
	var w *Worker
	if n := len(p.idle); n > 0 {
		w = p.idle[n-1]
		p.idle = p.idle[:n-1]
		close(w.stop)
	} else {
		w = &Worker{id: uuid.New()}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.leased.Inc()
	}
	return &Lease{pool: p, worker: w}, nil
}

// Release returns the lease's worker to the pool. If aborted is true
// (the job was cancelled mid-flight), the worker is destroyed rather
// than recycled, per §4.2's rationale: a codec abort may leave the
// worker in an indeterminate state.
func (l *Lease) Release(aborted bool) {
	l.pool.release(l.worker, aborted)
}

func (p *Pool) release(w *Worker, aborted bool) {
	defer p.sem.Release(1)
	if p.metrics != nil {
		p.metrics.leased.Dec()
	}
	if aborted || p.ctx.Err() != nil {
		if p.metrics != nil {
			p.metrics.destroyed.Inc()
		}
		return
	}

	w.stop = make(chan struct{})
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.idle.Inc()
	}

	if p.timeout <= 0 {
		return
	}
	timer, timerCh := p.clk.NewTimer(p.timeout)
	go func() {
		select {
		case <-timerCh:
			p.evict(w)
		case <-w.stop:
			timer.Stop()
		}
	}()
}

func (p *Pool) evict(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.idle {
		if candidate == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			if p.metrics != nil {
				p.metrics.idle.Dec()
				p.metrics.destroyed.Inc()
			}
			return
		}
	}
}

// TerminateAll makes every pending and future Acquire fail with
// AbortError until the pool is reinitialized, and destroys every idle
// worker. Leases already held are not interrupted; their workers are
// destroyed rather than recycled when released. It is idempotent:
// calling it twice is a no-op the second time.
func (p *Pool) TerminateAll(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		for _, w := range p.idle {
			close(w.stop)
		}
		p.idle = nil
		p.mu.Unlock()
	})
	return nil
}

// Reinitialize replaces the pool's cancellation state so that a pool
// which has been through TerminateAll can be used again, per §5:
// "after it returns, subsequent add() reinitializes the pool."
func (p *Pool) Reinitialize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.closeOnce = &sync.Once{}
}

// MaxWorkers returns the pool's configured concurrency cap.
func (p *Pool) MaxWorkers() int { return int(p.maxWorkers) }
