// Package storetest holds the behaviour every port.Store adapter must show.
// Adapter packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

// Factory returns an empty, migrated store. Cleanup is the factory's job.
type Factory func(t *testing.T) port.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("DuplicateAccountNumber", func(t *testing.T) { testDuplicateAccountNumber(t, newStore(t)) })
	t.Run("OwnerCounter", func(t *testing.T) { testOwnerCounter(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("LockMissingAccount", func(t *testing.T) { testLockMissingAccount(t, newStore(t)) })
	t.Run("UpdateAndAppend", func(t *testing.T) { testUpdateAndAppend(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

// AtomicRetry re-runs fn while the store reports a serialization conflict.
func AtomicRetry(ctx context.Context, s port.LedgerStore, fn func(tx port.LedgerTx) error) error {
	var err error
	for attempt := 0; attempt < 100; attempt++ {
		err = s.Atomic(ctx, fn)
		if !errors.Is(err, domain.ErrTxConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return err
}

// SeedAccount creates an account the way the directory does and returns it.
func SeedAccount(t *testing.T, s port.LedgerStore, owner, number string, balance int64) *domain.Account {
	t.Helper()
	var created *domain.Account
	err := AtomicRetry(context.Background(), s, func(tx port.LedgerTx) error {
		counter, _, err := tx.LockOwner(context.Background(), owner)
		if err != nil {
			return err
		}
		counter++
		acct := &domain.Account{
			AccountNumber:    number,
			IFSCCode:         "REV0001",
			OwnerPhoneNumber: owner,
			PaymentID:        domain.PaymentID(owner, counter, "rev"),
			Balance:          balance,
			CreditAllowed:    true,
			DebitAllowed:     true,
			CreatedAt:        time.Now().UTC().Truncate(time.Microsecond),
		}
		if err := tx.InsertAccount(context.Background(), acct); err != nil {
			return err
		}
		if err := tx.SetOwnerCounter(context.Background(), owner, counter); err != nil {
			return err
		}
		created = acct
		return nil
	})
	require.NoError(t, err)
	return created
}

func testCreateAndFind(t *testing.T, s port.Store) {
	ctx := context.Background()
	acct := SeedAccount(t, s, "9999999999", "ACC-1", 5000)
	assert.Equal(t, "9999999999.1@rev", acct.PaymentID)

	got, err := s.GetAccountByPaymentID(ctx, acct.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, acct.AccountNumber, got.AccountNumber)
	assert.Equal(t, acct.IFSCCode, got.IFSCCode)
	assert.Equal(t, acct.OwnerPhoneNumber, got.OwnerPhoneNumber)
	assert.Equal(t, int64(5000), got.Balance)
	assert.True(t, got.CreditAllowed)
	assert.True(t, got.DebitAllowed)
	assert.Empty(t, got.LastTransactionDate)
	assert.Zero(t, got.WithdrawalAllowance)
	assert.WithinDuration(t, acct.CreatedAt, got.CreatedAt, time.Second)

	byNumber, err := s.GetAccountByNumber(ctx, "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, acct.PaymentID, byNumber.PaymentID)

	list, err := s.ListAccountsByOwner(ctx, "9999999999")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, acct.PaymentID, list[0].PaymentID)

	_, err = s.GetAccountByPaymentID(ctx, "0000000000.1@rev")
	var nf *domain.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "account", nf.Resource)

	_, err = s.GetAccountByNumber(ctx, "ACC-404")
	require.ErrorAs(t, err, &nf)
}

func testDuplicateAccountNumber(t *testing.T, s port.Store) {
	ctx := context.Background()
	SeedAccount(t, s, "9999999999", "ACC-1", 0)

	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		exists, err := tx.AccountNumberExists(ctx, "ACC-1")
		if err != nil {
			return err
		}
		assert.True(t, exists)

		exists, err = tx.AccountNumberExists(ctx, "ACC-2")
		if err != nil {
			return err
		}
		assert.False(t, exists)

		return tx.InsertAccount(ctx, &domain.Account{
			AccountNumber:    "ACC-1",
			IFSCCode:         "REV0001",
			OwnerPhoneNumber: "8888888888",
			PaymentID:        "8888888888.1@rev",
			CreditAllowed:    true,
			DebitAllowed:     true,
			CreatedAt:        time.Now().UTC(),
		})
	})
	var dup *domain.ErrDuplicateAccount
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "ACC-1", dup.AccountNumber)

	_, err = s.GetAccountByPaymentID(ctx, "8888888888.1@rev")
	require.Error(t, err)
}

func testOwnerCounter(t *testing.T, s port.Store) {
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		counter, accounts, err := tx.LockOwner(ctx, "7777777777")
		require.NoError(t, err)
		assert.Zero(t, counter)
		assert.Zero(t, accounts)
		return nil
	})
	require.NoError(t, err)

	a1 := SeedAccount(t, s, "7777777777", "ACC-A", 0)
	a2 := SeedAccount(t, s, "7777777777", "ACC-B", 0)
	assert.Equal(t, "7777777777.1@rev", a1.PaymentID)
	assert.Equal(t, "7777777777.2@rev", a2.PaymentID)

	err = s.Atomic(ctx, func(tx port.LedgerTx) error {
		counter, accounts, err := tx.LockOwner(ctx, "7777777777")
		require.NoError(t, err)
		assert.Equal(t, int64(2), counter)
		assert.Equal(t, 2, accounts)
		return nil
	})
	require.NoError(t, err)
}

func testRollbackOnError(t *testing.T, s port.Store) {
	ctx := context.Background()
	acct := SeedAccount(t, s, "9999999999", "ACC-1", 1000)
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		if _, _, err := tx.LockOwner(ctx, "9999999999"); err != nil {
			return err
		}
		if err := tx.SetOwnerCounter(ctx, "9999999999", 42); err != nil {
			return err
		}
		locked, err := tx.LockAccount(ctx, acct.PaymentID)
		if err != nil {
			return err
		}
		locked.Balance = 1
		if err := tx.UpdateAccountState(ctx, locked); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, newTxn(acct.PaymentID, 999, 1, "2024-01-15")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetAccountByPaymentID(ctx, acct.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)

	txns, err := s.ListTransactions(ctx, acct.PaymentID, 0)
	require.NoError(t, err)
	assert.Empty(t, txns)

	next := SeedAccount(t, s, "9999999999", "ACC-2", 0)
	assert.Equal(t, "9999999999.2@rev", next.PaymentID)
}

func testLockMissingAccount(t *testing.T, s port.Store) {
	ctx := context.Background()
	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		_, err := tx.LockAccount(ctx, "nobody.1@rev")
		return err
	})
	var nf *domain.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func testUpdateAndAppend(t *testing.T, s port.Store) {
	ctx := context.Background()
	acct := SeedAccount(t, s, "9999999999", "ACC-1", 1000)

	for i, amount := range []int64{100, 200, 300} {
		err := s.Atomic(ctx, func(tx port.LedgerTx) error {
			locked, err := tx.LockAccount(ctx, acct.PaymentID)
			if err != nil {
				return err
			}
			locked.Balance -= amount
			locked.WithdrawalAllowance = 5000 - int64(i+1)*100
			locked.LastTransactionDate = "2024-01-15"
			if err := tx.UpdateAccountState(ctx, locked); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, newTxn(acct.PaymentID, amount, locked.Balance, "2024-01-15"))
		})
		require.NoError(t, err)
	}

	got, err := s.GetAccountByPaymentID(ctx, acct.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.Balance)
	assert.Equal(t, int64(4700), got.WithdrawalAllowance)
	assert.Equal(t, "2024-01-15", got.LastTransactionDate)

	all, err := s.ListTransactions(ctx, acct.PaymentID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(300), all[0].Amount, "newest first")
	assert.Equal(t, int64(100), all[2].Amount)
	assert.Equal(t, "2024-01-15", all[0].Date)
	assert.Equal(t, "10:30:00", all[0].Time)
	assert.True(t, all[0].IsDebit)
	assert.Equal(t, int64(400), all[0].BalanceAfter)

	limited, err := s.ListTransactions(ctx, acct.PaymentID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, all[0].ID, limited[0].ID)

	none, err := s.ListTransactions(ctx, "nobody.1@rev", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentDebits(t *testing.T, s port.Store) {
	ctx := context.Background()
	acct := SeedAccount(t, s, "9999999999", "ACC-1", 1000)

	const workers = 20
	const amount = int64(100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			debited := false
			err := AtomicRetry(ctx, s, func(tx port.LedgerTx) error {
				debited = false
				locked, err := tx.LockAccount(ctx, acct.PaymentID)
				if err != nil {
					return err
				}
				if locked.Balance < amount {
					return nil
				}
				locked.Balance -= amount
				if err := tx.UpdateAccountState(ctx, locked); err != nil {
					return err
				}
				debited = true
				return tx.AppendTransaction(ctx, newTxn(acct.PaymentID, amount, locked.Balance, "2024-01-15"))
			})
			assert.NoError(t, err)
			if err == nil && debited {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successes)

	got, err := s.GetAccountByPaymentID(ctx, acct.PaymentID)
	require.NoError(t, err)
	assert.Zero(t, got.Balance)

	txns, err := s.ListTransactions(ctx, acct.PaymentID, 0)
	require.NoError(t, err)
	assert.Len(t, txns, successes)
}

func testUsers(t *testing.T, s port.Store) {
	ctx := context.Background()
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     "asha",
		PhoneNumber:  "9999999999",
		PasswordHash: "hash",
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUserByUsername(ctx, "asha")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.PhoneNumber, got.PhoneNumber)
	assert.Equal(t, user.PasswordHash, got.PasswordHash)

	var conflict *domain.ErrConflict
	dupName := *user
	dupName.ID = uuid.NewString()
	dupName.PhoneNumber = "8888888888"
	require.ErrorAs(t, s.CreateUser(ctx, &dupName), &conflict)
	assert.Equal(t, "username", conflict.Field)

	dupPhone := *user
	dupPhone.ID = uuid.NewString()
	dupPhone.Username = "ravi"
	require.ErrorAs(t, s.CreateUser(ctx, &dupPhone), &conflict)
	assert.Equal(t, "phone_number", conflict.Field)

	_, err = s.GetUserByUsername(ctx, "nobody")
	var nf *domain.ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func newTxn(paymentID string, amount, balanceAfter int64, date string) *domain.Transaction {
	return &domain.Transaction{
		ID:           uuid.NewString(),
		Date:         date,
		Time:         "10:30:00",
		PaymentID:    paymentID,
		IsDebit:      true,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}
