package handler

import (
	"net/http"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Authentication
// ============================================================

func authRegisterHandler(authSvc *service.AuthService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/register")
		defer span.End()

		var req domain.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		resp, err := authSvc.Register(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func authLoginHandler(authSvc *service.AuthService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login")
		defer span.End()

		var req domain.LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		resp, err := authSvc.Login(ctx, &req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		writeJSON(w, http.StatusOK, resp)
	}
}
