package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/boddenberg/upi-ledger-go/internal/domain"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON decodes the request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// parseLimit reads ?limit=. Missing or malformed values mean the service
// default; the service clamps large ones.
func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var duplicate *domain.ErrDuplicateAccount
	var conflict *domain.ErrConflict
	var accountLimit *domain.ErrAccountLimitExceeded
	var limitExceeded *domain.ErrLimitExceeded
	var insufficientFunds *domain.ErrInsufficientFunds
	var invalidAmount *domain.ErrInvalidAmount
	var validation *domain.ErrValidation
	var debitNotAllowed *domain.ErrDebitNotAllowed
	var creditNotAllowed *domain.ErrCreditNotAllowed
	var forbidden *domain.ErrForbidden
	var unauthorized *domain.ErrUnauthorized
	var persistence *domain.ErrPersistence

	var status int
	msg := err.Error()

	switch {
	case errors.As(err, &persistence):
		logger.Error("persistence failure", zap.String("op", persistence.Op), zap.Error(err))
		status = http.StatusServiceUnavailable
		msg = "ledger temporarily unavailable"
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", msg))
		status = http.StatusNotFound
	case errors.As(err, &duplicate):
		logger.Debug("duplicate account", zap.String("account_number", duplicate.AccountNumber))
		status = http.StatusConflict
	case errors.As(err, &conflict):
		logger.Debug("conflict", zap.String("field", conflict.Field))
		status = http.StatusConflict
	case errors.As(err, &accountLimit):
		logger.Warn("account limit exceeded", zap.String("owner", accountLimit.Owner), zap.Int("limit", accountLimit.Limit))
		status = http.StatusUnprocessableEntity
	case errors.As(err, &limitExceeded):
		logger.Warn("limit exceeded",
			zap.String("limit_type", limitExceeded.LimitType),
			zap.Int64("remaining", limitExceeded.Limit),
			zap.Int64("requested", limitExceeded.Current),
		)
		status = http.StatusUnprocessableEntity
	case errors.As(err, &insufficientFunds):
		logger.Warn("insufficient funds",
			zap.Int64("available", insufficientFunds.Available),
			zap.Int64("required", insufficientFunds.Required),
		)
		status = http.StatusUnprocessableEntity
	case errors.As(err, &invalidAmount):
		logger.Debug("invalid amount", zap.String("error", msg))
		status = http.StatusBadRequest
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", msg))
		status = http.StatusBadRequest
	case errors.As(err, &debitNotAllowed), errors.As(err, &creditNotAllowed):
		logger.Warn("operation not allowed", zap.String("error", msg))
		status = http.StatusForbidden
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", msg))
		status = http.StatusForbidden
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", msg))
		status = http.StatusUnauthorized
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, status, errorResponse{Error: msg, Kind: domain.KindOf(err)})
}
