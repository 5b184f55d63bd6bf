package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/upi-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/upi-ledger-go/internal/infra/storetest"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.Store { return memstore.New() })
}

func TestAtomic_DifferentAccountsDoNotContend(t *testing.T) {
	s := memstore.New()
	a := storetest.SeedAccount(t, s, "9999999999", "ACC-1", 100)
	b := storetest.SeedAccount(t, s, "8888888888", "ACC-2", 100)
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Atomic(ctx, func(tx port.LedgerTx) error {
			if _, err := tx.LockAccount(ctx, a.PaymentID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	done := make(chan error, 1)
	go func() {
		done <- s.Atomic(ctx, func(tx port.LedgerTx) error {
			_, err := tx.LockAccount(ctx, b.PaymentID)
			return err
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("unit on a different account blocked")
	}
	close(release)
	wg.Wait()
}

func TestAtomic_WaiterHonoursContext(t *testing.T) {
	s := memstore.New()
	a := storetest.SeedAccount(t, s, "9999999999", "ACC-1", 100)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Atomic(context.Background(), func(tx port.LedgerTx) error {
			if _, err := tx.LockAccount(context.Background(), a.PaymentID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		_, err := tx.LockAccount(ctx, a.PaymentID)
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAtomic_RelockInSameUnit(t *testing.T) {
	s := memstore.New()
	a := storetest.SeedAccount(t, s, "9999999999", "ACC-1", 100)
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		first, err := tx.LockAccount(ctx, a.PaymentID)
		if err != nil {
			return err
		}
		first.Balance = 40
		if err := tx.UpdateAccountState(ctx, first); err != nil {
			return err
		}
		second, err := tx.LockAccount(ctx, a.PaymentID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(40), second.Balance, "unit sees its own writes")
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetAccountByPaymentID(ctx, a.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.Balance)
}

func TestAtomic_UpdateRequiresLock(t *testing.T) {
	s := memstore.New()
	a := storetest.SeedAccount(t, s, "9999999999", "ACC-1", 100)
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx port.LedgerTx) error {
		a.Balance = 0
		return tx.UpdateAccountState(ctx, a)
	})
	require.Error(t, err)

	got, err := s.GetAccountByPaymentID(ctx, a.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
}
