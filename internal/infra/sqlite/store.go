// Package sqlite implements port.Store on an embedded SQLite database.
//
// Every Atomic unit opens with BEGIN IMMEDIATE, so units are serialized by
// the database write lock. Suited to single-node and development setups.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

const schema = `
CREATE TABLE IF NOT EXISTS owner_counters (
	owner_phone TEXT PRIMARY KEY,
	counter     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
	payment_id            TEXT PRIMARY KEY,
	account_number        TEXT NOT NULL UNIQUE,
	owner_phone           TEXT NOT NULL,
	ifsc_code             TEXT NOT NULL,
	balance               INTEGER NOT NULL CHECK (balance >= 0),
	credit_allowed        BOOLEAN NOT NULL,
	debit_allowed         BOOLEAN NOT NULL,
	last_transaction_date TEXT,
	withdrawal_allowance  INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_phone);

CREATE TABLE IF NOT EXISTS transactions (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	payment_id    TEXT NOT NULL REFERENCES accounts(payment_id),
	txn_date      TEXT NOT NULL,
	txn_time      TEXT NOT NULL,
	is_debit      BOOLEAN NOT NULL,
	amount        INTEGER NOT NULL CHECK (amount > 0),
	balance_after INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_payment ON transactions(payment_id, seq);

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	phone_number  TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
`

const accountColumns = `payment_id, account_number, owner_phone, ifsc_code, balance,
	credit_allowed, debit_allowed, last_transaction_date, withdrawal_allowance, created_at`

// Store is a port.Store backed by database/sql and go-sqlite3.
type Store struct {
	db *sql.DB
}

var _ port.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path and migrates it.
func Open(ctx context.Context, path string, maxConns int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	s := &Store{db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the ledger tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return wrap("commit", tx.Commit())
}

func (s *Store) GetAccountByPaymentID(ctx context.Context, paymentID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_id = ?`, paymentID)
	return scanAccount(row, paymentID)
}

func (s *Store) GetAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, accountNumber)
	return scanAccount(row, accountNumber)
}

func (s *Store) ListAccountsByOwner(ctx context.Context, owner string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_phone = ? ORDER BY created_at, payment_id`, owner)
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, txn_date, txn_time, is_debit, amount, balance_after, created_at
		FROM transactions WHERE payment_id = ?
		ORDER BY seq DESC LIMIT ?`, paymentID, limit)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, phone_number, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PhoneNumber, user.PasswordHash, user.CreatedAt)
	if err == nil {
		return nil
	}
	switch {
	case isUniqueViolation(err, "users.username"):
		return &domain.ErrConflict{Field: "username", Message: "username already registered"}
	case isUniqueViolation(err, "users.phone_number"):
		return &domain.ErrConflict{Field: "phone_number", Message: "phone number already registered"}
	}
	return wrap("create user", err)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, phone_number, password_hash, created_at
		FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PhoneNumber, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: username}
	}
	if err != nil {
		return nil, wrap("get user", err)
	}
	return &u, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

// LockOwner relies on the IMMEDIATE write lock already held by the unit.
func (t *sqliteTx) LockOwner(ctx context.Context, owner string) (int64, int, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO owner_counters (owner_phone, counter) VALUES (?, 0)`, owner); err != nil {
		return 0, 0, wrap("lock owner", err)
	}

	var counter int64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT counter FROM owner_counters WHERE owner_phone = ?`, owner).Scan(&counter); err != nil {
		return 0, 0, wrap("lock owner", err)
	}

	var accounts int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE owner_phone = ?`, owner).Scan(&accounts); err != nil {
		return 0, 0, wrap("count accounts", err)
	}
	return counter, accounts, nil
}

func (t *sqliteTx) SetOwnerCounter(ctx context.Context, owner string, counter int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE owner_counters SET counter = ? WHERE owner_phone = ?`, counter, owner)
	return wrap("set owner counter", err)
}

func (t *sqliteTx) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = ?)`, accountNumber).Scan(&exists)
	return exists, wrap("account exists", err)
}

func (t *sqliteTx) InsertAccount(ctx context.Context, a *domain.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PaymentID, a.AccountNumber, a.OwnerPhoneNumber, a.IFSCCode, a.Balance,
		a.CreditAllowed, a.DebitAllowed, nullDate(a.LastTransactionDate), a.WithdrawalAllowance, a.CreatedAt)
	if isUniqueViolation(err, "accounts.account_number") {
		return &domain.ErrDuplicateAccount{AccountNumber: a.AccountNumber}
	}
	return wrap("insert account", err)
}

func (t *sqliteTx) LockAccount(ctx context.Context, paymentID string) (*domain.Account, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE payment_id = ?`, paymentID)
	return scanAccount(row, paymentID)
}

func (t *sqliteTx) UpdateAccountState(ctx context.Context, a *domain.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, withdrawal_allowance = ?, last_transaction_date = ?
		WHERE payment_id = ?`,
		a.Balance, a.WithdrawalAllowance, nullDate(a.LastTransactionDate), a.PaymentID)
	return wrap("update account", err)
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, payment_id, txn_date, txn_time, is_debit, amount, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.PaymentID, txn.Date, txn.Time, txn.IsDebit, txn.Amount, txn.BalanceAfter, txn.CreatedAt)
	return wrap("append transaction", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, key string) (*domain.Account, error) {
	var (
		a        domain.Account
		lastDate sql.NullString
		created  time.Time
	)
	err := row.Scan(&a.PaymentID, &a.AccountNumber, &a.OwnerPhoneNumber, &a.IFSCCode, &a.Balance,
		&a.CreditAllowed, &a.DebitAllowed, &lastDate, &a.WithdrawalAllowance, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "account", ID: key}
	}
	if err != nil {
		return nil, wrap("scan account", err)
	}
	a.LastTransactionDate = lastDate.String
	a.CreatedAt = created
	return &a, nil
}

func nullDate(d string) sql.NullString {
	return sql.NullString{String: d, Valid: d != ""}
}

// wrap tags err with the operation; busy and locked databases become
// domain.ErrTxConflict so the unit is retried.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("sqlite %s: %w", op, domain.ErrTxConflict)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(se.Error(), column)
}
