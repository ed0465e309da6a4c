// Package queue is the in-process scan dispatcher: a buffered channel fanned
// out to a fixed worker pool. Delivery is at-least-once from the consumer's
// point of view (the same ID can be enqueued twice); the orchestrator's
// atomic claim makes duplicates harmless.
package queue

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	domain "github.com/bebasset/threatsense/internal/domain/scans"
)

// ErrQueueFull is returned when the buffer is saturated; callers surface it
// as backpressure instead of blocking the request path.
var ErrQueueFull = errors.New("scan queue full")

// Job is one delivered scan identifier.
type Job struct {
	Tenant string
	ScanID domain.ScanID
}

// Executor is the single entry point the queue drives; side effects only.
type Executor interface {
	Execute(ctx context.Context, tenant string, id domain.ScanID) error
}

type Dispatcher struct {
	jobs    chan Job
	workers int
	exec    Executor
	log     zerolog.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

func NewDispatcher(exec Executor, workers, buffer int, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		jobs:    make(chan Job, buffer),
		workers: workers,
		exec:    exec,
		log:     log,
	}
}

// Start launches the worker pool. Workers exit when the queue is closed and
// drained, or when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Enqueue hands a scan identifier to the pool without blocking.
func (d *Dispatcher) Enqueue(job Job) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return errors.New("scan queue closed")
	}
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for in-flight jobs to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.jobs)
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	log := d.log.With().Int("worker", n).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.jobs:
			if !ok {
				return
			}
			d.run(ctx, log, job)
		}
	}
}

// run shields the pool from a panicking job; one bad scan must not take a
// worker down.
func (d *Dispatcher) run(ctx context.Context, log zerolog.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Str("scan_id", string(job.ScanID)).Msg("scan job panicked")
		}
	}()
	if err := d.exec.Execute(ctx, job.Tenant, job.ScanID); err != nil {
		log.Error().Err(err).Str("tenant", job.Tenant).
			Str("scan_id", string(job.ScanID)).Msg("scan job failed at the store boundary")
	}
}
