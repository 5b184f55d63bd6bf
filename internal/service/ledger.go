package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

var ledgerTracer = otel.Tracer("service/ledger")

// Clock returns the current instant. Tests inject a fixed one.
type Clock func() time.Time

// LedgerConfig holds the transaction rules.
type LedgerConfig struct {
	// Location decides where calendar days start and end.
	Location *time.Location
	// EnforceOwnership rejects operations on accounts the principal does
	// not own.
	EnforceOwnership bool
}

// TransactionLedger applies debits and credits to accounts.
type TransactionLedger struct {
	store   port.LedgerStore
	guard   *StoreGuard
	policy  WithdrawalPolicy
	log     *TransactionLog
	owners  port.Cache[string]
	cfg     LedgerConfig
	clock   Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTransactionLedger creates a new transaction ledger. owners caches the
// payment id → owner mapping used by the ownership check.
func NewTransactionLedger(
	store port.LedgerStore,
	guard *StoreGuard,
	policy WithdrawalPolicy,
	log *TransactionLog,
	owners port.Cache[string],
	cfg LedgerConfig,
	clock Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TransactionLedger {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &TransactionLedger{
		store:   store,
		guard:   guard,
		policy:  policy,
		log:     log,
		owners:  owners,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// ============================================================
// ProcessTransaction: POST /v1/transactions
// ============================================================

// ProcessTransaction debits or credits the account named by req.PaymentID.
// Checks run against the locked account row; balance, allowance, last
// debit date and the log entry commit together or not at all.
func (l *TransactionLedger) ProcessTransaction(ctx context.Context, principal domain.Principal, req *domain.TransactionRequest) (*domain.TransactionResult, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionLedger.ProcessTransaction")
	defer span.End()
	start := time.Now()
	defer func() { l.metrics.RecordOperationDuration("process_transaction", time.Since(start)) }()

	span.SetAttributes(
		attribute.String("payment.id", req.PaymentID),
		attribute.Int64("amount", req.Amount),
		attribute.Bool("is_debit", req.IsDebit),
	)

	result, err := l.process(ctx, principal, req)
	if err != nil {
		l.metrics.IncrTransaction(req.IsDebit, domain.KindOf(err))
		fields := []zap.Field{
			zap.String("payment_id", req.PaymentID),
			zap.Int64("amount", req.Amount),
			zap.Bool("is_debit", req.IsDebit),
			zap.String("kind", domain.KindOf(err)),
			zap.Error(err),
		}
		if domain.IsBusiness(err) {
			l.logger.Info("transaction rejected", fields...)
		} else {
			l.logger.Error("transaction failed", fields...)
		}
		return nil, err
	}

	l.metrics.IncrTransaction(req.IsDebit, "committed")
	l.logger.Info("transaction committed",
		zap.String("payment_id", req.PaymentID),
		zap.String("transaction_id", result.Transaction.ID),
		zap.Int64("amount", req.Amount),
		zap.Bool("is_debit", req.IsDebit),
		zap.Int64("balance", result.Balance),
	)
	return result, nil
}

func (l *TransactionLedger) process(ctx context.Context, principal domain.Principal, req *domain.TransactionRequest) (*domain.TransactionResult, error) {
	if err := l.authorize(ctx, principal, req.PaymentID); err != nil {
		return nil, err
	}

	now := l.clock().In(l.cfg.Location)
	today := now.Format(domain.DateLayout)

	var result *domain.TransactionResult
	err := l.guard.Run(ctx, "process_transaction", func(ctx context.Context) error {
		result = nil
		return l.store.Atomic(ctx, func(tx port.LedgerTx) error {
			acct, err := tx.LockAccount(ctx, req.PaymentID)
			if err != nil {
				return err
			}
			if req.Amount <= 0 {
				return &domain.ErrInvalidAmount{Field: "amount", Amount: req.Amount}
			}

			if req.IsDebit {
				if err := l.applyDebit(acct, req.Amount, today); err != nil {
					return err
				}
			} else {
				if !acct.CreditAllowed {
					return &domain.ErrCreditNotAllowed{PaymentID: acct.PaymentID}
				}
				if acct.Balance > math.MaxInt64-req.Amount {
					return &domain.ErrInvalidAmount{Field: "amount", Amount: req.Amount}
				}
				acct.Balance += req.Amount
			}

			if err := tx.UpdateAccountState(ctx, acct); err != nil {
				return err
			}

			txn := &domain.Transaction{
				ID:           uuid.NewString(),
				Date:         today,
				Time:         now.Format(domain.TimeLayout),
				PaymentID:    acct.PaymentID,
				IsDebit:      req.IsDebit,
				Amount:       req.Amount,
				BalanceAfter: acct.Balance,
				CreatedAt:    now.UTC().Truncate(time.Microsecond),
			}
			if err := l.log.Append(ctx, tx, txn); err != nil {
				return err
			}

			result = &domain.TransactionResult{
				Message:     "Transaction successful",
				Balance:     acct.Balance,
				Transaction: txn,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyDebit mutates acct for a debit of amount made on today, or explains
// why the debit is refused. The allowance reset only reaches the store
// together with a successful debit.
func (l *TransactionLedger) applyDebit(acct *domain.Account, amount int64, today string) error {
	if !acct.DebitAllowed {
		return &domain.ErrDebitNotAllowed{PaymentID: acct.PaymentID}
	}

	allowance := l.policy.ResolveAllowance(acct, today)
	if amount > allowance {
		return &domain.ErrLimitExceeded{LimitType: "daily_withdrawal", Limit: allowance, Current: amount}
	}
	if amount > acct.Balance {
		return &domain.ErrInsufficientFunds{Available: acct.Balance, Required: amount}
	}

	acct.Balance -= amount
	acct.WithdrawalAllowance = allowance - amount
	acct.LastTransactionDate = today
	return nil
}

// ============================================================
// Reads
// ============================================================

// GetBalance returns the stored balance. It has no side effects.
func (l *TransactionLedger) GetBalance(ctx context.Context, principal domain.Principal, paymentID string) (int64, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionLedger.GetBalance")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	acct, err := l.account(ctx, principal, paymentID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the account's newest transactions first.
func (l *TransactionLedger) History(ctx context.Context, principal domain.Principal, paymentID string, limit int) ([]domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionLedger.History")
	defer span.End()

	if _, err := l.account(ctx, principal, paymentID); err != nil {
		return nil, err
	}
	return l.log.History(ctx, paymentID, limit)
}

// Statement returns the account, its latest transactions and the allowance
// a debit made now would be checked against. Nothing is written.
func (l *TransactionLedger) Statement(ctx context.Context, principal domain.Principal, paymentID string, limit int) (*domain.Statement, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionLedger.Statement")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))
	start := time.Now()
	defer func() { l.metrics.RecordOperationDuration("statement", time.Since(start)) }()

	if err := l.authorize(ctx, principal, paymentID); err != nil {
		return nil, err
	}

	var (
		acct *domain.Account
		txns []domain.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.guard.Run(gctx, "find_account", func(ctx context.Context) error {
			var err error
			acct, err = l.store.GetAccountByPaymentID(ctx, paymentID)
			return err
		})
	})
	g.Go(func() error {
		var err error
		txns, err = l.log.History(gctx, paymentID, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	today := l.clock().In(l.cfg.Location).Format(domain.DateLayout)
	return &domain.Statement{
		Account:        acct,
		Transactions:   txns,
		Today:          today,
		AllowanceToday: l.policy.ResolveAllowance(acct, today),
	}, nil
}

func (l *TransactionLedger) account(ctx context.Context, principal domain.Principal, paymentID string) (*domain.Account, error) {
	if err := l.authorize(ctx, principal, paymentID); err != nil {
		return nil, err
	}
	var acct *domain.Account
	err := l.guard.Run(ctx, "find_account", func(ctx context.Context) error {
		var err error
		acct, err = l.store.GetAccountByPaymentID(ctx, paymentID)
		return err
	})
	return acct, err
}

// authorize checks the principal owns paymentID when ownership is enforced.
// The owner of a payment id never changes, so it is cached.
func (l *TransactionLedger) authorize(ctx context.Context, principal domain.Principal, paymentID string) error {
	if !l.cfg.EnforceOwnership {
		return nil
	}

	owner, ok := l.owners.Get(paymentID)
	if ok {
		l.metrics.IncrCacheHit("owner")
	} else {
		l.metrics.IncrCacheMiss("owner")
		err := l.guard.Run(ctx, "find_account", func(ctx context.Context) error {
			acct, err := l.store.GetAccountByPaymentID(ctx, paymentID)
			if err != nil {
				return err
			}
			owner = acct.OwnerPhoneNumber
			return nil
		})
		if err != nil {
			return err
		}
		l.owners.Set(paymentID, owner)
	}

	if owner != principal.PhoneNumber {
		return &domain.ErrForbidden{Action: "operate on account " + paymentID}
	}
	return nil
}
