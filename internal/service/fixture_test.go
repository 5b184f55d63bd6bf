package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/cache"
	"github.com/boddenberg/upi-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/upi-ledger-go/internal/port"
	"github.com/boddenberg/upi-ledger-go/internal/service"
)

var alice = domain.Principal{UserID: "u-1", Username: "alice", PhoneNumber: "9999999999"}
var bob = domain.Principal{UserID: "u-2", Username: "bob", PhoneNumber: "8888888888"}

// --- Clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Flaky store ---

// flakyStore fails the next failures Atomic calls with err, then delegates.
type flakyStore struct {
	port.LedgerStore
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Atomic(ctx context.Context, fn func(tx port.LedgerTx) error) error {
	f.mu.Lock()
	f.calls++
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.LedgerStore.Atomic(ctx, fn)
}

// --- Fixture ---

type fixtureConfig struct {
	dailyLimit  int64
	maxAccounts int
	enforce     bool
	maxRetries  int
	wrap        func(port.LedgerStore) port.LedgerStore
}

type fixture struct {
	mem     *memstore.Store
	store   port.LedgerStore
	clock   *fakeClock
	metrics *observability.Metrics
	dir     *service.AccountDirectory
	ledger  *service.TransactionLedger
	txlog   *service.TransactionLog
}

var day1 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()
	cfg := fixtureConfig{dailyLimit: 100000, maxAccounts: 10, maxRetries: 3}
	for _, o := range opts {
		o(&cfg)
	}

	mem := memstore.New()
	var store port.LedgerStore = mem
	if cfg.wrap != nil {
		store = cfg.wrap(mem)
	}

	clock := newFakeClock(day1)
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	guard := service.NewStoreGuard(resilience.Config{
		MaxRetries:     cfg.maxRetries,
		InitialBackoff: time.Millisecond,
	}, metrics, logger)

	owners := cache.New[string](time.Minute)
	t.Cleanup(owners.Stop)

	txlog := service.NewTransactionLog(store)
	return &fixture{
		mem:     mem,
		store:   store,
		clock:   clock,
		metrics: metrics,
		txlog:   txlog,
		dir: service.NewAccountDirectory(store, guard, service.DirectoryConfig{
			MaxAccountsPerOwner: cfg.maxAccounts,
			PaymentIDDomain:     "rev",
			EnforceOwnership:    cfg.enforce,
		}, clock.Now, metrics, logger),
		ledger: service.NewTransactionLedger(store, guard,
			service.WithdrawalPolicy{DailyLimit: cfg.dailyLimit},
			txlog, owners,
			service.LedgerConfig{Location: time.UTC, EnforceOwnership: cfg.enforce},
			clock.Now, metrics, logger),
	}
}

func (f *fixture) createAccount(t *testing.T, p domain.Principal, number string, balance int64) *domain.Account {
	t.Helper()
	acct, err := f.dir.CreateAccount(context.Background(), p, &domain.CreateAccountRequest{
		AccountNumber:  number,
		IFSCCode:       "rev0001",
		InitialBalance: balance,
	})
	require.NoError(t, err)
	return acct
}

func (f *fixture) debit(p domain.Principal, paymentID string, amount int64) (*domain.TransactionResult, error) {
	return f.ledger.ProcessTransaction(context.Background(), p, &domain.TransactionRequest{
		PaymentID: paymentID, Amount: amount, IsDebit: true,
	})
}

func (f *fixture) credit(p domain.Principal, paymentID string, amount int64) (*domain.TransactionResult, error) {
	return f.ledger.ProcessTransaction(context.Background(), p, &domain.TransactionRequest{
		PaymentID: paymentID, Amount: amount, IsDebit: false,
	})
}

func (f *fixture) account(t *testing.T, paymentID string) *domain.Account {
	t.Helper()
	acct, err := f.mem.GetAccountByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	return acct
}

func (f *fixture) logLen(t *testing.T, paymentID string) int {
	t.Helper()
	txns, err := f.mem.ListTransactions(context.Background(), paymentID, 0)
	require.NoError(t, err)
	return len(txns)
}

func accountNumber(i int) string {
	return fmt.Sprintf("ACC-%04d", i)
}

func boolPtr(b bool) *bool { return &b }
