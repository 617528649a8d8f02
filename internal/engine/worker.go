package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrInFlight is returned when work for the same key is already queued or running.
	ErrInFlight = errors.New("work for key already in flight")
)

// WorkerPool is a bounded goroutine pool that runs at most one job per key
// at a time. Jobs run on the pool's own context, not the submitter's, so a
// tick outlives the request that triggered it; Abort cancels that context.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	inFlight map[string]struct{}

	base   context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
		base:     base,
		cancel:   cancel,
	}
}

// Submit enqueues fn under key. The key is reserved immediately, so a second
// Submit for the same key fails with ErrInFlight until fn returns. Submit
// blocks while the pool is at capacity and respects ctx while waiting.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, busy := p.inFlight[key]; busy {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Skipped, 1)
		return ErrInFlight
	}
	p.inFlight[key] = struct{}{}
	// wg.Add under the lock so Shutdown's Wait cannot miss this job.
	p.wg.Add(1)
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.inFlight, key)
		p.mu.Unlock()
		p.wg.Done()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-p.done:
		release()
		return ErrPoolShutdown
	}

	atomic.AddInt64(&p.metrics.Active, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			release()
		}()

		if err := fn(p.base); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// InFlight reports whether a job for key is queued or running.
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active jobs until ctx is done.
// On timeout the running jobs' context is cancelled and Shutdown returns
// ctx.Err() once they have exited.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Skipped:   atomic.LoadInt64(&p.metrics.Skipped),
	}
}
