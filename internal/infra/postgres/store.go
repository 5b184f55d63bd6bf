// Package postgres implements port.Store on PostgreSQL through pgx.
//
// Atomic units run SERIALIZABLE and lock the rows they mutate with
// SELECT ... FOR UPDATE. Serialization failures and deadlocks surface as
// domain.ErrTxConflict.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

const schema = `
CREATE TABLE IF NOT EXISTS owner_counters (
	owner_phone TEXT PRIMARY KEY,
	counter     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
	payment_id            TEXT PRIMARY KEY,
	account_number        TEXT NOT NULL CONSTRAINT accounts_account_number_key UNIQUE,
	owner_phone           TEXT NOT NULL,
	ifsc_code             TEXT NOT NULL,
	balance               BIGINT NOT NULL CHECK (balance >= 0),
	credit_allowed        BOOLEAN NOT NULL,
	debit_allowed         BOOLEAN NOT NULL,
	last_transaction_date DATE,
	withdrawal_allowance  BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_phone);

CREATE TABLE IF NOT EXISTS transactions (
	seq           BIGSERIAL PRIMARY KEY,
	id            UUID NOT NULL UNIQUE,
	payment_id    TEXT NOT NULL REFERENCES accounts(payment_id),
	txn_date      DATE NOT NULL,
	txn_time      TIME NOT NULL,
	is_debit      BOOLEAN NOT NULL,
	amount        BIGINT NOT NULL CHECK (amount > 0),
	balance_after BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_payment ON transactions(payment_id, seq DESC);

CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL CONSTRAINT users_username_key UNIQUE,
	phone_number  TEXT NOT NULL CONSTRAINT users_phone_number_key UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
`

const accountColumns = `payment_id, account_number, owner_phone, ifsc_code, balance,
	credit_allowed, debit_allowed, COALESCE(last_transaction_date::text, ''), withdrawal_allowance, created_at`

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Store is a port.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ port.Store = (*Store)(nil)

// Connect builds the pool, checks connectivity and migrates the schema.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the ledger tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Truncate empties every ledger table. Meant for test databases.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE transactions, accounts, owner_counters, users RESTART IDENTITY CASCADE`)
	return wrap("truncate", err)
}

func (s *Store) Atomic(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return wrap("commit", tx.Commit(ctx))
}

func (s *Store) GetAccountByPaymentID(ctx context.Context, paymentID string) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_id = $1`, paymentID)
	return scanAccount(row, paymentID)
}

func (s *Store) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber)
	return scanAccount(row, accountNumber)
}

func (s *Store) ListAccountsByOwner(ctx context.Context, owner string) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_phone = $1 ORDER BY created_at, payment_id`, owner)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, wrap("list accounts", rows.Err())
}

func (s *Store) ListTransactions(ctx context.Context, paymentID string, limit int) ([]domain.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, payment_id, txn_date::text, to_char(txn_time, 'HH24:MI:SS'),
		       is_debit, amount, balance_after, created_at
		FROM transactions WHERE payment_id = $1
		ORDER BY seq DESC LIMIT $2`, paymentID, lim)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	defer rows.Close()

	out := []domain.Transaction{}
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.Date, &t.Time, &t.IsDebit, &t.Amount, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, wrap("scan transaction", err)
		}
		out = append(out, t)
	}
	return out, wrap("list transactions", rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, phone_number, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Username, user.PhoneNumber, user.PasswordHash, user.CreatedAt)
	switch constraintViolated(err) {
	case "":
		return wrap("create user", err)
	case "users_username_key":
		return &domain.ErrConflict{Field: "username", Message: "username already registered"}
	case "users_phone_number_key":
		return &domain.ErrConflict{Field: "phone_number", Message: "phone number already registered"}
	default:
		return wrap("create user", err)
	}
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, username, phone_number, password_hash, created_at
		FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.PhoneNumber, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: username}
	}
	if err != nil {
		return nil, wrap("get user", err)
	}
	return &u, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockOwner(ctx context.Context, owner string) (int64, int, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO owner_counters (owner_phone, counter) VALUES ($1, 0)
		ON CONFLICT (owner_phone) DO NOTHING`, owner); err != nil {
		return 0, 0, wrap("lock owner", err)
	}

	var counter int64
	if err := t.tx.QueryRow(ctx,
		`SELECT counter FROM owner_counters WHERE owner_phone = $1 FOR UPDATE`, owner).Scan(&counter); err != nil {
		return 0, 0, wrap("lock owner", err)
	}

	var accounts int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM accounts WHERE owner_phone = $1`, owner).Scan(&accounts); err != nil {
		return 0, 0, wrap("count accounts", err)
	}
	return counter, accounts, nil
}

func (t *pgTx) SetOwnerCounter(ctx context.Context, owner string, counter int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE owner_counters SET counter = $1 WHERE owner_phone = $2`, counter, owner)
	return wrap("set owner counter", err)
}

func (t *pgTx) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = $1)`, accountNumber).Scan(&exists)
	return exists, wrap("account exists", err)
}

func (t *pgTx) InsertAccount(ctx context.Context, a *domain.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (payment_id, account_number, owner_phone, ifsc_code, balance,
			credit_allowed, debit_allowed, last_transaction_date, withdrawal_allowance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9, $10)`,
		a.PaymentID, a.AccountNumber, a.OwnerPhoneNumber, a.IFSCCode, a.Balance,
		a.CreditAllowed, a.DebitAllowed, nullDate(a.LastTransactionDate), a.WithdrawalAllowance, a.CreatedAt)
	if constraintViolated(err) == "accounts_account_number_key" {
		return &domain.ErrDuplicateAccount{AccountNumber: a.AccountNumber}
	}
	return wrap("insert account", err)
}

func (t *pgTx) LockAccount(ctx context.Context, paymentID string) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_id = $1 FOR UPDATE`, paymentID)
	return scanAccount(row, paymentID)
}

func (t *pgTx) UpdateAccountState(ctx context.Context, a *domain.Account) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, withdrawal_allowance = $2, last_transaction_date = $3::date
		WHERE payment_id = $4`,
		a.Balance, a.WithdrawalAllowance, nullDate(a.LastTransactionDate), a.PaymentID)
	return wrap("update account", err)
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, payment_id, txn_date, txn_time, is_debit, amount, balance_after, created_at)
		VALUES ($1, $2, $3::date, $4::time, $5, $6, $7, $8)`,
		txn.ID, txn.PaymentID, txn.Date, txn.Time, txn.IsDebit, txn.Amount, txn.BalanceAfter, txn.CreatedAt)
	return wrap("append transaction", err)
}

func scanAccount(row pgx.Row, key string) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.PaymentID, &a.AccountNumber, &a.OwnerPhoneNumber, &a.IFSCCode, &a.Balance,
		&a.CreditAllowed, &a.DebitAllowed, &a.LastTransactionDate, &a.WithdrawalAllowance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: key}
	}
	if err != nil {
		return nil, wrap("scan account", err)
	}
	return &a, nil
}

func nullDate(d string) *string {
	if d == "" {
		return nil
	}
	return &d
}

// wrap tags err with the operation; serialization failures and deadlocks
// become domain.ErrTxConflict so the unit is retried.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("postgres %s: %w", op, domain.ErrTxConflict)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

// constraintViolated returns the name of the unique constraint err violated,
// or "".
func constraintViolated(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}
