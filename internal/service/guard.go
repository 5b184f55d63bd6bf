package service

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/infra/resilience"
)

// StoreGuard wraps every call into the ledger store with a bulkhead, a
// circuit breaker and conflict retries. Business rejections pass through
// untouched and never trip the breaker; anything else leaves as
// *domain.ErrPersistence.
type StoreGuard struct {
	cfg      resilience.Config
	breaker  *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewStoreGuard creates the guard shared by the directory and the ledger.
func NewStoreGuard(cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *StoreGuard {
	return &StoreGuard{
		cfg:      cfg,
		breaker:  resilience.NewCircuitBreaker("ledger-store", storeHealthy),
		bulkhead: resilience.NewBulkhead(cfg.MaxConcurrency),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run executes fn, re-running it while the store reports a conflict.
// fn must be safe to repeat: it is called once per attempt.
func (g *StoreGuard) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &domain.ErrPersistence{Op: op, Err: err}
	}
	if err := g.bulkhead.Acquire(ctx); err != nil {
		return &domain.ErrPersistence{Op: op, Err: err}
	}
	defer g.bulkhead.Release()

	attempt := 0
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, resilience.RetryIf(ctx, g.cfg, isConflict, func() error {
			if attempt > 0 {
				g.metrics.IncrStoreRetry(op)
				g.logger.Debug("retrying store unit",
					zap.String("operation", op),
					zap.Int("attempt", attempt),
				)
			}
			attempt++
			return fn(ctx)
		})
	})
	return asPersistence(op, err)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrTxConflict)
}

// storeHealthy decides what counts against the breaker. A caller giving up
// says nothing about the store.
func storeHealthy(err error) bool {
	return err == nil ||
		domain.IsBusiness(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func asPersistence(op string, err error) error {
	if err == nil || domain.IsBusiness(err) {
		return err
	}
	var pe *domain.ErrPersistence
	if errors.As(err, &pe) {
		return err
	}
	return &domain.ErrPersistence{Op: op, Err: err}
}
