package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the router serves.
type Services struct {
	Directory *service.AccountDirectory
	Ledger    *service.TransactionLedger
	Auth      *service.AuthService
	Store     Pinger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc.Store, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/register", authRegisterHandler(svc.Auth, logger))
		r.Post("/auth/login", authLoginHandler(svc.Auth, logger))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(svc.Auth, logger))

			// Accounts
			r.Post("/accounts", createAccountHandler(svc.Directory, logger))
			r.Get("/accounts", listAccountsHandler(svc.Directory, logger))
			r.Get("/accounts/by-number/{accountNumber}", getAccountByNumberHandler(svc.Directory, logger))
			r.Get("/accounts/{paymentId}", getAccountHandler(svc.Directory, logger))
			r.Get("/accounts/{paymentId}/balance", getBalanceHandler(svc.Ledger, logger))
			r.Get("/accounts/{paymentId}/transactions", listTransactionsHandler(svc.Ledger, logger))
			r.Get("/accounts/{paymentId}/statement", statementHandler(svc.Ledger, logger))

			// Transactions
			r.Post("/transactions", processTransactionHandler(svc.Ledger, logger))

			// Metrics
			r.Get("/metrics/ledger", ledgerMetricsHandler(metrics))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "upi-ledger", Status: "healthy", LastChecked: now},
		}

		overallStatus := "healthy"
		status := http.StatusOK
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			start := time.Now()
			err := store.Ping(ctx)
			dep := domain.ServiceHealth{
				Name:        "store",
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("healthz: store ping failed", zap.Error(err))
				dep.Status = "unhealthy"
				dep.Error = err.Error()
				overallStatus = "unhealthy"
				status = http.StatusServiceUnavailable
			}
			services = append(services, dep)
		}

		writeJSON(w, status, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func ledgerMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetLedgerSnapshot())
	}
}
