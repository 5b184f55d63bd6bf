// Package memstore is an in-process implementation of port.Store.
//
// Atomic units lock the owner, account-number and account keys they touch
// and buffer their writes; the buffer is applied only when the unit returns
// nil. Units touching different accounts never wait on each other.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

// Store keeps all ledger state in maps. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	counters map[string]int64
	accounts map[string]*domain.Account // payment id → account
	byNumber map[string]string          // account number → payment id
	byOwner  map[string][]string        // owner phone → payment ids, creation order
	txns     map[string][]domain.Transaction

	users       map[string]*domain.User // username → user
	phoneOwners map[string]string       // phone → username

	locks *keyedMutex
}

var _ port.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		counters:    make(map[string]int64),
		accounts:    make(map[string]*domain.Account),
		byNumber:    make(map[string]string),
		byOwner:     make(map[string][]string),
		txns:        make(map[string][]domain.Transaction),
		users:       make(map[string]*domain.User),
		phoneOwners: make(map[string]string),
		locks:       newKeyedMutex(),
	}
}

// Atomic runs fn with exclusive access to the keys it locks.
func (s *Store) Atomic(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	tx := &memTx{
		store:    s,
		held:     make(map[string]bool),
		counters: make(map[string]int64),
		updates:  make(map[string]*domain.Account),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for owner, c := range tx.counters {
		s.counters[owner] = c
	}
	for _, a := range tx.inserts {
		cp := *a
		s.accounts[cp.PaymentID] = &cp
		s.byNumber[cp.AccountNumber] = cp.PaymentID
		s.byOwner[cp.OwnerPhoneNumber] = append(s.byOwner[cp.OwnerPhoneNumber], cp.PaymentID)
	}
	for id, a := range tx.updates {
		cur := s.accounts[id]
		cur.Balance = a.Balance
		cur.WithdrawalAllowance = a.WithdrawalAllowance
		cur.LastTransactionDate = a.LastTransactionDate
	}
	for _, t := range tx.appended {
		s.txns[t.PaymentID] = append(s.txns[t.PaymentID], t)
	}
}

// GetAccountByPaymentID returns a copy of the committed account.
func (s *Store) GetAccountByPaymentID(_ context.Context, paymentID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[paymentID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "account", ID: paymentID}
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByNumber(_ context.Context, accountNumber string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[accountNumber]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "account", ID: accountNumber}
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *Store) ListAccountsByOwner(_ context.Context, owner string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOwner[owner]
	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.accounts[id])
	}
	return out, nil
}

// ListTransactions returns up to limit transactions, newest first.
// limit <= 0 returns all of them.
func (s *Store) ListTransactions(_ context.Context, paymentID string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.txns[paymentID]
	n := len(log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Transaction, 0, n)
	for i := len(log) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return &domain.ErrConflict{Field: "username", Message: "username already registered"}
	}
	if _, ok := s.phoneOwners[user.PhoneNumber]; ok {
		return &domain.ErrConflict{Field: "phone_number", Message: "phone number already registered"}
	}
	cp := *user
	s.users[cp.Username] = &cp
	s.phoneOwners[cp.PhoneNumber] = cp.Username
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: username}
	}
	cp := *u
	return &cp, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// memTx buffers the writes of one Atomic unit.
type memTx struct {
	store *Store
	held  map[string]bool
	order []string

	counters map[string]int64
	inserts  []*domain.Account
	updates  map[string]*domain.Account
	appended []domain.Transaction
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.store.locks.lock(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	tx.order = append(tx.order, key)
	return nil
}

func (tx *memTx) releaseAll() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.store.locks.unlock(tx.order[i])
	}
	tx.order = nil
}

func (tx *memTx) LockOwner(ctx context.Context, owner string) (int64, int, error) {
	if err := tx.acquire(ctx, "owner:"+owner); err != nil {
		return 0, 0, err
	}

	tx.store.mu.RLock()
	counter := tx.store.counters[owner]
	accounts := len(tx.store.byOwner[owner])
	tx.store.mu.RUnlock()

	if c, ok := tx.counters[owner]; ok {
		counter = c
	}
	for _, a := range tx.inserts {
		if a.OwnerPhoneNumber == owner {
			accounts++
		}
	}
	return counter, accounts, nil
}

func (tx *memTx) SetOwnerCounter(_ context.Context, owner string, counter int64) error {
	if !tx.held["owner:"+owner] {
		return fmt.Errorf("memstore: owner %s not locked", owner)
	}
	tx.counters[owner] = counter
	return nil
}

func (tx *memTx) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	if err := tx.acquire(ctx, "number:"+accountNumber); err != nil {
		return false, err
	}
	return tx.numberTaken(accountNumber), nil
}

func (tx *memTx) numberTaken(accountNumber string) bool {
	for _, a := range tx.inserts {
		if a.AccountNumber == accountNumber {
			return true
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.byNumber[accountNumber]
	return ok
}

func (tx *memTx) InsertAccount(ctx context.Context, account *domain.Account) error {
	if err := tx.acquire(ctx, "number:"+account.AccountNumber); err != nil {
		return err
	}
	if tx.numberTaken(account.AccountNumber) {
		return &domain.ErrDuplicateAccount{AccountNumber: account.AccountNumber}
	}

	tx.store.mu.RLock()
	_, idTaken := tx.store.accounts[account.PaymentID]
	tx.store.mu.RUnlock()
	if idTaken {
		return fmt.Errorf("memstore: payment id %s already assigned", account.PaymentID)
	}

	cp := *account
	tx.inserts = append(tx.inserts, &cp)
	return nil
}

func (tx *memTx) LockAccount(ctx context.Context, paymentID string) (*domain.Account, error) {
	if err := tx.acquire(ctx, "account:"+paymentID); err != nil {
		return nil, err
	}
	if a, ok := tx.updates[paymentID]; ok {
		cp := *a
		return &cp, nil
	}
	return tx.store.GetAccountByPaymentID(ctx, paymentID)
}

func (tx *memTx) UpdateAccountState(_ context.Context, account *domain.Account) error {
	if !tx.held["account:"+account.PaymentID] {
		return fmt.Errorf("memstore: account %s not locked", account.PaymentID)
	}
	cp := *account
	tx.updates[account.PaymentID] = &cp
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, txn *domain.Transaction) error {
	if !tx.held["account:"+txn.PaymentID] {
		return fmt.Errorf("memstore: account %s not locked", txn.PaymentID)
	}
	tx.appended = append(tx.appended, *txn)
	return nil
}
