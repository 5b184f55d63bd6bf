package handler

import (
	"net/http"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Accounts Handlers
// ============================================================

func createAccountHandler(dir *service.AccountDirectory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/accounts")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)

		var req domain.CreateAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		acct, err := dir.CreateAccount(ctx, principal, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("payment_id", acct.PaymentID))

		writeJSON(w, http.StatusCreated, domain.CreateAccountResponse{
			Message:   "Account added successfully",
			PaymentID: acct.PaymentID,
			Account:   acct,
		})
	}
}

func listAccountsHandler(dir *service.AccountDirectory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		accounts, err := dir.ListOwnerAccounts(ctx, principal)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, accounts)
	}
}

func getAccountHandler(dir *service.AccountDirectory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{paymentId}")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		acct, err := dir.GetAccount(ctx, principal, chi.URLParam(r, "paymentId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	}
}

func getAccountByNumberHandler(dir *service.AccountDirectory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/by-number/{accountNumber}")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		acct, err := dir.GetAccountByNumber(ctx, principal, chi.URLParam(r, "accountNumber"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	}
}

func getBalanceHandler(ledger *service.TransactionLedger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{paymentId}/balance")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		paymentID := chi.URLParam(r, "paymentId")
		balance, err := ledger.GetBalance(ctx, principal, paymentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.BalanceResponse{PaymentID: paymentID, Balance: balance})
	}
}
