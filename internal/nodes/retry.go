package nodes

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"
)

// isTransientError classifies a transport error. Timeouts, refused or reset
// connections and closed connections are transient. TLS failures, bad URLs
// and cancellation of the caller's context are not.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// isTransientStatus reports whether a response status is worth retrying.
// Other 4xx responses fail immediately.
func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// ComputeBackoff returns base * 2^attempt.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	multiplier := time.Duration(1)
	for i := 0; i < attempt; i++ {
		multiplier *= 2
	}
	return base * multiplier
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
