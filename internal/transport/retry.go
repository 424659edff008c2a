package transport

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kairos-labs/convo-dispatcher/internal/errs"
	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
)

// sendFunc performs one outbound attempt, returning a PermanentTransport
// errs.Error for a terminal 4xx and any other error for a retriable
// failure (5xx, timeout, connection refused).
type sendFunc func(ctx context.Context) error

// withRetry calls fn up to 3 times in total, with exponential backoff
// (base=500ms, doubling, capped at 10s) on anything but a
// PermanentTransport error; a terminal 4xx never retries.
func withRetry(ctx context.Context, transportName string, breaker *gobreaker.CircuitBreaker, fn sendFunc) error {
	const maxAttempts = 3
	base := 500 * time.Millisecond
	capMax := 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errs.Wrap(errs.CircuitOpen, err, "transport circuit breaker open")
		}
		if errs.Is(err, errs.PermanentTransport) {
			return err
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			metrics.TransportRetries.WithLabelValues(transportName).Inc()
			backoff := base * time.Duration(1<<uint(attempt))
			if backoff > capMax {
				backoff = capMax
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return errs.Wrap(errs.TransientTransport, lastErr, "exhausted outbound retry attempts")
}

// newBreaker constructs the per-transport circuit breaker used to wrap
// outbound sends, opening after 5 consecutive failures and probing
// again after 30s in half-open, the same policy the worker pool applies
// to the agent boundary.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}
