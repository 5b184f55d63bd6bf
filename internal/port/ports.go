// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
)

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// LedgerStore is the durable row store behind the account directory and the
// transaction ledger. Implemented by the memstore, sqlite and postgres adapters.
type LedgerStore interface {
	// Atomic runs fn as one storage transaction. Rows locked through tx stay
	// locked until fn returns, and nothing fn wrote is visible to other
	// callers unless fn returns nil. Serialization losses are reported as
	// domain.ErrTxConflict so the caller can retry the whole unit.
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error

	GetAccountByPaymentID(ctx context.Context, paymentID string) (*domain.Account, error)
	GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByOwner(ctx context.Context, owner string) ([]domain.Account, error)

	// ListTransactions returns the newest transactions of an account first.
	ListTransactions(ctx context.Context, paymentID string, limit int) ([]domain.Transaction, error)

	Ping(ctx context.Context) error
	Close() error
}

// LedgerTx is the view of the store inside an Atomic unit.
type LedgerTx interface {
	// LockOwner locks the owner's counter row, creating it at zero when
	// absent, and returns the counter and the number of accounts owned.
	LockOwner(ctx context.Context, owner string) (counter int64, accounts int, err error)
	SetOwnerCounter(ctx context.Context, owner string, counter int64) error

	AccountNumberExists(ctx context.Context, accountNumber string) (bool, error)
	// InsertAccount fails with *domain.ErrDuplicateAccount on a taken number.
	InsertAccount(ctx context.Context, account *domain.Account) error

	// LockAccount returns the account row locked for update, or
	// *domain.ErrNotFound.
	LockAccount(ctx context.Context, paymentID string) (*domain.Account, error)
	// UpdateAccountState writes balance, withdrawal allowance and last
	// transaction date of a locked account.
	UpdateAccountState(ctx context.Context, account *domain.Account) error

	AppendTransaction(ctx context.Context, txn *domain.Transaction) error
}

// UserStore persists registered identities.
type UserStore interface {
	// CreateUser fails with *domain.ErrConflict when the username or phone
	// number is taken.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Store is implemented by every storage adapter.
type Store interface {
	LedgerStore
	UserStore
}
