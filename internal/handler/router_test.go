package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/handler"
	"github.com/boddenberg/upi-ledger-go/internal/infra/cache"
	"github.com/boddenberg/upi-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/upi-ledger-go/internal/service"
)

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

type testServer struct {
	router  http.Handler
	store   *memstore.Store
	metrics *observability.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memstore.New()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	clock := func() time.Time { return fixedNow }

	guard := service.NewStoreGuard(resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}, metrics, logger)
	owners := cache.New[string](time.Minute)
	t.Cleanup(owners.Stop)
	txlog := service.NewTransactionLog(store)

	svc := handler.Services{
		Directory: service.NewAccountDirectory(store, guard, service.DirectoryConfig{
			MaxAccountsPerOwner: 10,
			PaymentIDDomain:     "rev",
			EnforceOwnership:    true,
		}, clock, metrics, logger),
		Ledger: service.NewTransactionLedger(store, guard,
			service.WithdrawalPolicy{DailyLimit: 100000},
			txlog, owners,
			service.LedgerConfig{Location: time.UTC, EnforceOwnership: true},
			clock, metrics, logger),
		Auth: service.NewAuthService(store, service.AuthConfig{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			BcryptCost: bcrypt.MinCost,
		}, clock, logger),
		Store: store,
	}
	return &testServer{router: handler.NewRouter(svc, metrics, logger), store: store, metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, username, phone string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/auth/register", "", domain.RegisterRequest{
		Username: username, PhoneNumber: phone, Password: "Secret#123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{
		Username: username, Password: "Secret#123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func (s *testServer) createAccount(t *testing.T, token, number string, balance int64) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/accounts", token, domain.CreateAccountRequest{
		AccountNumber: number, IFSCCode: "REV0001", InitialBalance: balance,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp domain.CreateAccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.PaymentID
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health domain.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Services, 2)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz_StoreDown(t *testing.T) {
	router := handler.NewRouter(handler.Services{Store: downStore{}}, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestReadyz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice", "9999999999")
	s.createAccount(t, token, "ACC-1", 0)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_accounts_created_total")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAccountAndTransactionFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice", "9999999999")

	paymentID := s.createAccount(t, token, "ACC-1", 5000)
	assert.Equal(t, "9999999999.1@rev", paymentID)

	rec := s.do(t, http.MethodPost, "/v1/transactions", token, domain.TransactionRequest{
		PaymentID: paymentID, Amount: 1500, IsDebit: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result domain.TransactionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(3500), result.Balance)
	assert.Equal(t, "2024-01-15", result.Transaction.Date)
	assert.Equal(t, "10:30:00", result.Transaction.Time)

	rec = s.do(t, http.MethodPost, "/v1/transactions", token, domain.TransactionRequest{
		PaymentID: paymentID, Amount: 500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/accounts/"+paymentID+"/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance domain.BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, int64(4000), balance.Balance)

	rec = s.do(t, http.MethodGet, "/v1/accounts/"+paymentID+"/transactions?limit=1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txns []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	require.Len(t, txns, 1)
	assert.False(t, txns[0].IsDebit)

	rec = s.do(t, http.MethodGet, "/v1/accounts/"+paymentID+"/statement", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stmt domain.Statement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stmt))
	assert.Len(t, stmt.Transactions, 2)
	assert.Equal(t, int64(100000-1500), stmt.AllowanceToday)

	rec = s.do(t, http.MethodGet, "/v1/accounts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var accts []domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accts))
	assert.Len(t, accts, 1)

	rec = s.do(t, http.MethodGet, "/v1/accounts/by-number/ACC-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/accounts/"+paymentID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct domain.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, int64(98500), acct.WithdrawalAllowance)

	rec = s.do(t, http.MethodGet, "/v1/metrics/ledger", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap domain.LedgerMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.DebitsCommitted)
	assert.Equal(t, int64(1), snap.CreditsCommitted)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice", "9999999999")
	bob := s.login(t, "bob", "8888888888")
	paymentID := s.createAccount(t, alice, "ACC-1", 1000)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   string
	}{
		{
			name: "duplicate account", method: http.MethodPost, path: "/v1/accounts", token: alice,
			body:   domain.CreateAccountRequest{AccountNumber: "ACC-1", IFSCCode: "REV0001"},
			status: http.StatusConflict, kind: "DuplicateAccount",
		},
		{
			name: "unknown account", method: http.MethodGet, path: "/v1/accounts/0000000000.1@rev/balance", token: alice,
			status: http.StatusNotFound, kind: "AccountNotFound",
		},
		{
			name: "zero amount", method: http.MethodPost, path: "/v1/transactions", token: alice,
			body:   domain.TransactionRequest{PaymentID: paymentID, Amount: 0, IsDebit: true},
			status: http.StatusBadRequest, kind: "InvalidAmount",
		},
		{
			name: "insufficient balance", method: http.MethodPost, path: "/v1/transactions", token: alice,
			body:   domain.TransactionRequest{PaymentID: paymentID, Amount: 5000, IsDebit: true},
			status: http.StatusUnprocessableEntity, kind: "InsufficientBalance",
		},
		{
			name: "daily limit", method: http.MethodPost, path: "/v1/transactions", token: alice,
			body:   domain.TransactionRequest{PaymentID: paymentID, Amount: 100001, IsDebit: true},
			status: http.StatusUnprocessableEntity, kind: "DailyLimitExceeded",
		},
		{
			name: "not the owner", method: http.MethodPost, path: "/v1/transactions", token: bob,
			body:   domain.TransactionRequest{PaymentID: paymentID, Amount: 10, IsDebit: true},
			status: http.StatusForbidden, kind: "Forbidden",
		},
		{
			name: "another owner's account", method: http.MethodGet, path: "/v1/accounts/" + paymentID, token: bob,
			status: http.StatusForbidden, kind: "Forbidden",
		},
		{
			name: "another owner's account by number", method: http.MethodGet, path: "/v1/accounts/by-number/ACC-1", token: bob,
			status: http.StatusForbidden, kind: "Forbidden",
		},
		{
			name: "negative opening balance", method: http.MethodPost, path: "/v1/accounts", token: alice,
			body:   domain.CreateAccountRequest{AccountNumber: "ACC-2", IFSCCode: "REV0001", InitialBalance: -5},
			status: http.StatusBadRequest, kind: "InvalidAmount",
		},
		{
			name: "username taken", method: http.MethodPost, path: "/v1/auth/register",
			body:   domain.RegisterRequest{Username: "alice", PhoneNumber: "7777777777", Password: "Secret#123"},
			status: http.StatusConflict, kind: "Conflict",
		},
		{
			name: "bad credentials", method: http.MethodPost, path: "/v1/auth/login",
			body:   domain.LoginRequest{Username: "alice", Password: "Wrong#123"},
			status: http.StatusUnauthorized, kind: "Unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.token, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}

	rec := s.do(t, http.MethodGet, "/v1/accounts/"+paymentID+"/balance", alice, nil)
	var balance domain.BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, int64(1000), balance.Balance)
}

func TestDebitNotAllowed(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice", "9999999999")
	no := false

	rec := s.do(t, http.MethodPost, "/v1/accounts", token, domain.CreateAccountRequest{
		AccountNumber: "ACC-1", IFSCCode: "REV0001", InitialBalance: 100, DebitAllowed: &no,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.CreateAccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.do(t, http.MethodPost, "/v1/transactions", token, domain.TransactionRequest{
		PaymentID: created.PaymentID, Amount: 10, IsDebit: true,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DebitNotAllowed", decodeError(t, rec).Kind)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice", "9999999999")

	for _, body := range []string{"{", `{"payment_id":"x","amount":"ten"}`, `{"payment_id":"x","amount":1,"unknown":true}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
