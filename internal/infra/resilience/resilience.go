// Package resilience provides fault-tolerance patterns:
// retry with exponential backoff, circuit breaker, and bulkhead.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds resilience parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int
}

// RetryWithBackoff executes fn with exponential backoff + jitter.
// It respects context cancellation.
func RetryWithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	return RetryIf(ctx, cfg, func(error) bool { return true }, fn)
}

// RetryIf is RetryWithBackoff restricted to errors for which retryable
// returns true. Any other error is returned immediately.
func RetryIf(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(cfg.InitialBackoff, attempt)):
			}
		}
	}
	return lastErr
}

func backoff(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	wait := time.Duration(math.Pow(2, float64(attempt))) * initial
	if half := int64(wait / 2); half > 0 {
		wait += time.Duration(rand.Int63n(half))
	}
	return wait
}

// NewCircuitBreaker creates a circuit breaker with sensible defaults.
// isSuccessful decides which errors count as healthy outcomes; nil treats
// every error as a failure.
func NewCircuitBreaker(name string, isSuccessful func(error) bool) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,                // half-open: allow 3 requests
		Interval:    30 * time.Second, // closed: reset counters every 30s
		Timeout:     10 * time.Second, // open -> half-open after 10s
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: isSuccessful,
	})
}

// Bulkhead limits concurrent access to a resource.
type Bulkhead struct {
	sem chan struct{}
}

// NewBulkhead creates a bulkhead with the given max concurrency.
// A non-positive limit yields an unbounded bulkhead.
func NewBulkhead(maxConcurrency int) *Bulkhead {
	if maxConcurrency <= 0 {
		return &Bulkhead{}
	}
	return &Bulkhead{sem: make(chan struct{}, maxConcurrency)}
}

// Acquire blocks until a slot is available or context is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	if b.sem == nil {
		return ctx.Err()
	}
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (b *Bulkhead) Release() {
	if b.sem == nil {
		return
	}
	<-b.sem
}
