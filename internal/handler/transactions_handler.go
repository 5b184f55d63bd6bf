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
// Transactions
// ============================================================

func processTransactionHandler(ledger *service.TransactionLedger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/transactions")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)

		var req domain.TransactionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		span.SetAttributes(
			attribute.String("payment_id", req.PaymentID),
			attribute.Bool("is_debit", req.IsDebit),
		)

		result, err := ledger.ProcessTransaction(ctx, principal, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listTransactionsHandler(ledger *service.TransactionLedger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{paymentId}/transactions")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		txns, err := ledger.History(ctx, principal, chi.URLParam(r, "paymentId"), parseLimit(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, txns)
	}
}

func statementHandler(ledger *service.TransactionLedger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/accounts/{paymentId}/statement")
		defer span.End()

		principal, _ := PrincipalFromContext(ctx)
		stmt, err := ledger.Statement(ctx, principal, chi.URLParam(r, "paymentId"), parseLimit(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stmt)
	}
}
