package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/service"
	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

// JWTAuthMiddleware validates Bearer tokens and injects the principal into context.
func JWTAuthMiddleware(authSvc *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			principal, err := authSvc.ValidateAccessToken(strings.TrimSpace(parts[1]))
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, *principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext extracts the authenticated caller from context.
func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}
