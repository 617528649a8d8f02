package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown(context.Background())

	var ran int64
	err := pool.Submit(context.Background(), "inst-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
	if pool.InFlight("inst-1") {
		t.Error("key should be released after the job returns")
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown(context.Background())

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), fmt.Sprintf("inst-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrency %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if m := pool.Metrics(); m.Completed != 10 {
		t.Errorf("expected 10 completed, got %d", m.Completed)
	}
}

func TestWorkerPool_SameKeyRejectedWhileInFlight(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), "inst-1", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-started

	err := pool.Submit(context.Background(), "inst-1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if err := pool.Submit(context.Background(), "inst-2", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("other key should be accepted: %v", err)
	}

	close(release)
	pool.Wait()

	if err := pool.Submit(context.Background(), "inst-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("key should be free again: %v", err)
	}
	pool.Wait()
	if m := pool.Metrics(); m.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", m.Skipped)
	}
}

func TestWorkerPool_JobOutlivesSubmitContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	submitCtx, cancel := context.WithCancel(context.Background())
	var jobErr error
	done := make(chan struct{})
	if err := pool.Submit(submitCtx, "inst-1", func(ctx context.Context) error {
		cancel()
		time.Sleep(5 * time.Millisecond)
		jobErr = ctx.Err()
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-done
	if jobErr != nil {
		t.Errorf("job context should not follow the submitter: %v", jobErr)
	}
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	_ = pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("boom")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failure, got %+v", m)
	}
	if pool.InFlight("boom") {
		t.Error("panicking job must release its key")
	}
}

func TestWorkerPool_ErrorCounted(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	_ = pool.Submit(context.Background(), "x", func(ctx context.Context) error { return errors.New("fail") })
	pool.Wait()
	if m := pool.Metrics(); m.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", m.Failed)
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	err := pool.Submit(context.Background(), "x", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Fatalf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_ShutdownTimeoutAbortsJobs(t *testing.T) {
	pool := NewWorkerPool(1)
	var aborted atomic.Bool
	started := make(chan struct{})
	_ = pool.Submit(context.Background(), "slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		aborted.Store(true)
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !aborted.Load() {
		t.Error("running job should see its context cancelled")
	}
}

func TestWorkerPool_SubmitRespectsContextWhileFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown(context.Background())

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "b", func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if pool.InFlight("b") {
		t.Error("rejected submit must release its key")
	}
	close(block)
	pool.Wait()
}

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size)
			defer pool.Shutdown(context.Background())
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, fmt.Sprintf("k-%d", i), func(ctx context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}
