package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// TransactionLog is the append-only record of committed debits and credits.
// Entries are written inside the unit that changes the balance and are
// never updated or removed.
type TransactionLog struct {
	store port.LedgerStore
}

// NewTransactionLog creates the log over store.
func NewTransactionLog(store port.LedgerStore) *TransactionLog {
	return &TransactionLog{store: store}
}

// Append records txn as part of the unit tx.
func (l *TransactionLog) Append(ctx context.Context, tx port.LedgerTx, txn *domain.Transaction) error {
	if txn.ID == "" || txn.PaymentID == "" || txn.Amount <= 0 {
		return &domain.ErrPersistence{
			Op:  "append_transaction",
			Err: fmt.Errorf("malformed transaction %+v", *txn),
		}
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return &domain.ErrPersistence{Op: "append_transaction", Err: err}
	}
	return nil
}

// History returns the newest entries of an account first. limit is clamped
// to [1, MaxHistoryLimit]; zero or negative means DefaultHistoryLimit.
func (l *TransactionLog) History(ctx context.Context, paymentID string, limit int) ([]domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "TransactionLog.History")
	defer span.End()

	limit = clampLimit(limit)
	span.SetAttributes(
		attribute.String("payment.id", paymentID),
		attribute.Int("limit", limit),
	)

	txns, err := l.store.ListTransactions(ctx, paymentID, limit)
	if err != nil {
		var pe *domain.ErrPersistence
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &domain.ErrPersistence{Op: "list_transactions", Err: err}
	}
	return txns, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
