package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/upi-ledger-go/internal/service"
)

func newAuth(t *testing.T) (*service.AuthService, *fakeClock) {
	t.Helper()
	clock := newFakeClock(day1)
	svc := service.NewAuthService(memstore.New(), service.AuthConfig{
		JWTSecret:  "test-secret",
		AccessTTL:  6 * time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, clock.Now, zap.NewNop())
	return svc, clock
}

func register(t *testing.T, svc *service.AuthService, username, phone string) {
	t.Helper()
	_, err := svc.Register(context.Background(), &domain.RegisterRequest{
		Username: username, PhoneNumber: phone, Password: "Secret#123",
	})
	require.NoError(t, err)
}

func TestRegisterLoginValidate(t *testing.T) {
	svc, _ := newAuth(t)

	resp, err := svc.Register(context.Background(), &domain.RegisterRequest{
		Username: "alice", PhoneNumber: "9999999999", Password: "Secret#123",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.UserID)

	login, err := svc.Login(context.Background(), &domain.LoginRequest{Username: "alice", Password: "Secret#123"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", login.TokenType)
	assert.Equal(t, 6*3600, login.ExpiresIn)

	principal, err := svc.ValidateAccessToken(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.UserID, principal.UserID)
	assert.Equal(t, "alice", principal.Username)
	assert.Equal(t, "9999999999", principal.PhoneNumber)
}

func TestRegister_Conflicts(t *testing.T) {
	svc, _ := newAuth(t)
	register(t, svc, "alice", "9999999999")

	_, err := svc.Register(context.Background(), &domain.RegisterRequest{
		Username: "alice", PhoneNumber: "8888888888", Password: "Secret#123",
	})
	var conflict *domain.ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "username", conflict.Field)

	_, err = svc.Register(context.Background(), &domain.RegisterRequest{
		Username: "bob", PhoneNumber: "9999999999", Password: "Secret#123",
	})
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "phone_number", conflict.Field)
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newAuth(t)

	tests := []struct {
		name  string
		req   domain.RegisterRequest
		field string
	}{
		{"short password", domain.RegisterRequest{Username: "alice", PhoneNumber: "9999999999", Password: "Se#1"}, "password"},
		{"no capital", domain.RegisterRequest{Username: "alice", PhoneNumber: "9999999999", Password: "secret#123"}, "password"},
		{"no digit", domain.RegisterRequest{Username: "alice", PhoneNumber: "9999999999", Password: "Secret#abc"}, "password"},
		{"no special", domain.RegisterRequest{Username: "alice", PhoneNumber: "9999999999", Password: "Secret1234"}, "password"},
		{"longer than bcrypt accepts", domain.RegisterRequest{Username: "alice", PhoneNumber: "9999999999", Password: "Aa1!" + strings.Repeat("x", 80)}, "password"},
		{"phone with letters", domain.RegisterRequest{Username: "alice", PhoneNumber: "99999abc", Password: "Secret#123"}, "phone_number"},
		{"username too short", domain.RegisterRequest{Username: "al", PhoneNumber: "9999999999", Password: "Secret#123"}, "username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := svc.Register(context.Background(), &req)
			var v *domain.ErrValidation
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.field, v.Field)
		})
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc, _ := newAuth(t)
	register(t, svc, "alice", "9999999999")

	var unauthorized *domain.ErrUnauthorized
	_, err := svc.Login(context.Background(), &domain.LoginRequest{Username: "alice", Password: "Wrong#123"})
	assert.ErrorAs(t, err, &unauthorized)

	_, err = svc.Login(context.Background(), &domain.LoginRequest{Username: "nobody", Password: "Secret#123"})
	assert.ErrorAs(t, err, &unauthorized)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	svc, clock := newAuth(t)
	register(t, svc, "alice", "9999999999")

	login, err := svc.Login(context.Background(), &domain.LoginRequest{Username: "alice", Password: "Secret#123"})
	require.NoError(t, err)

	clock.Advance(6*time.Hour + time.Minute)
	_, err = svc.ValidateAccessToken(login.AccessToken)
	var unauthorized *domain.ErrUnauthorized
	assert.ErrorAs(t, err, &unauthorized)
}

func TestValidateAccessToken_Rejects(t *testing.T) {
	svc, _ := newAuth(t)

	sign := func(secret string, claims service.JWTClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return tok
	}
	valid := service.JWTClaims{
		PhoneNumber: "9999999999",
		Type:        "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			Issuer:    "upi-ledger",
			ExpiresAt: jwt.NewNumericDate(day1.Add(time.Hour)),
		},
	}

	wrongType := valid
	wrongType.Type = "refresh"

	noPhone := valid
	noPhone.PhoneNumber = ""

	tests := map[string]string{
		"garbage":       "not-a-token",
		"wrong secret":  sign("other-secret", valid),
		"wrong type":    sign("test-secret", wrongType),
		"missing phone": sign("test-secret", noPhone),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateAccessToken(token)
			var unauthorized *domain.ErrUnauthorized
			assert.ErrorAs(t, err, &unauthorized)
		})
	}

	p, err := svc.ValidateAccessToken(sign("test-secret", valid))
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.UserID)
}
