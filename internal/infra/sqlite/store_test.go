package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/upi-ledger-go/internal/infra/sqlite"
	"github.com/boddenberg/upi-ledger-go/internal/infra/storetest"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.Store { return openStore(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestReopen_KeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := sqlite.Open(ctx, path, 1)
	require.NoError(t, err)
	acct := storetest.SeedAccount(t, s, "9999999999", "ACC-1", 700)
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path, 1)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetAccountByPaymentID(ctx, acct.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)

	next := storetest.SeedAccount(t, s, "9999999999", "ACC-2", 0)
	assert.Equal(t, "9999999999.2@rev", next.PaymentID)
}
