package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/upi-ledger-go/internal/config"
	"github.com/boddenberg/upi-ledger-go/internal/handler"
	"github.com/boddenberg/upi-ledger-go/internal/infra/cache"
	"github.com/boddenberg/upi-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/infra/postgres"
	"github.com/boddenberg/upi-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/upi-ledger-go/internal/infra/sqlite"
	"github.com/boddenberg/upi-ledger-go/internal/port"
	"github.com/boddenberg/upi-ledger-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	loc, _ := cfg.Location()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("app_env", cfg.AppEnv),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Int64("daily_withdrawal_limit", cfg.DailyWithdrawalLimit),
		zap.Int("max_accounts_per_owner", cfg.MaxAccountsPerOwner),
		zap.String("payment_id_domain", cfg.PaymentIDDomain),
		zap.String("timezone", loc.String()),
		zap.Bool("enforce_account_ownership", cfg.EnforceAccountOwnership),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("jwt_ttl", cfg.JWTTTL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "upi-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	// --- Cache ---
	owners := cache.New[string](cfg.CacheTTL)
	defer owners.Stop()

	// --- Resilience ---
	guard := service.NewStoreGuard(resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}, metrics, logger)

	// --- Services ---
	directory := service.NewAccountDirectory(store, guard, service.DirectoryConfig{
		MaxAccountsPerOwner: cfg.MaxAccountsPerOwner,
		PaymentIDDomain:     cfg.PaymentIDDomain,
		EnforceOwnership:    cfg.EnforceAccountOwnership,
	}, time.Now, metrics, logger)

	txlog := service.NewTransactionLog(store)
	ledger := service.NewTransactionLedger(store, guard,
		service.WithdrawalPolicy{DailyLimit: cfg.DailyWithdrawalLimit},
		txlog, owners,
		service.LedgerConfig{Location: loc, EnforceOwnership: cfg.EnforceAccountOwnership},
		time.Now, metrics, logger)

	authSvc := service.NewAuthService(store, service.AuthConfig{
		JWTSecret:  cfg.JWTSecret,
		AccessTTL:  cfg.JWTTTL,
		BcryptCost: cfg.BcryptCost,
	}, time.Now, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Directory: directory,
		Ledger:    ledger,
		Auth:      authSvc,
		Store:     store,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStore connects the configured storage driver and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (port.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return s, nil
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), nil
	}
}
