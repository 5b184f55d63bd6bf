package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

var authTracer = otel.Tracer("service/auth")

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const (
	minPasswordLength = 8
	maxPasswordBytes  = 72
	tokenIssuer       = "upi-ledger"
	tokenTypeAccess   = "access"
)

// AuthConfig holds token and hashing parameters.
type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	BcryptCost int
}

// AuthService registers users and issues the access tokens the ledger
// routes accept.
type AuthService struct {
	store      port.UserStore
	jwtSecret  []byte
	accessTTL  time.Duration
	bcryptCost int
	clock      Clock
	logger     *zap.Logger
}

// NewAuthService creates a new auth service.
func NewAuthService(store port.UserStore, cfg AuthConfig, clock Clock, logger *zap.Logger) *AuthService {
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &AuthService{
		store:      store,
		jwtSecret:  []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTTL,
		bcryptCost: cost,
		clock:      clock,
		logger:     logger,
	}
}

// ============================================================
// Register: POST /v1/auth/register
// ============================================================

func (s *AuthService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Register")
	defer span.End()

	username := strings.TrimSpace(req.Username)
	phone := strings.TrimSpace(req.PhoneNumber)
	span.SetAttributes(attribute.String("username", username))

	if !usernamePattern.MatchString(username) {
		return nil, &domain.ErrValidation{Field: "username", Message: "must be 3 to 32 letters, digits, '.', '_' or '-'"}
	}
	if err := validatePhone("phone_number", phone); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PhoneNumber:  phone,
		PasswordHash: string(hash),
		CreatedAt:    s.clock().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, &domain.ErrPersistence{Op: "create_user", Err: err}
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("username", username),
	)
	return &domain.RegisterResponse{UserID: user.ID, Message: "User registered successfully"}, nil
}

// ============================================================
// Login: POST /v1/auth/login
// ============================================================

func (s *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.Login")
	defer span.End()

	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
		}
		return nil, &domain.ErrPersistence{Op: "get_user", Err: err}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("login: wrong password", zap.String("user_id", user.ID))
		return nil, &domain.ErrUnauthorized{Message: "invalid credentials"}
	}

	token, err := s.signAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &domain.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.accessTTL.Seconds()),
	}, nil
}

// ============================================================
// ValidateToken: used by middleware
// ============================================================

// JWTClaims represents the custom claims in access tokens.
type JWTClaims struct {
	Username    string `json:"username"`
	PhoneNumber string `json:"phone_number"`
	Type        string `json:"type"`
	jwt.RegisteredClaims
}

// ValidateAccessToken verifies tokenString and returns the principal it
// names.
func (s *AuthService) ValidateAccessToken(tokenString string) (*domain.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Type != tokenTypeAccess {
		return nil, &domain.ErrUnauthorized{Message: "invalid token type"}
	}
	if claims.Subject == "" || claims.PhoneNumber == "" {
		return nil, &domain.ErrUnauthorized{Message: "incomplete token"}
	}

	return &domain.Principal{
		UserID:      claims.Subject,
		Username:    claims.Username,
		PhoneNumber: claims.PhoneNumber,
	}, nil
}

func (s *AuthService) signAccessToken(user *domain.User) (string, error) {
	now := s.clock()
	claims := JWTClaims{
		Username:    user.Username,
		PhoneNumber: user.PhoneNumber,
		Type:        tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// validatePassword requires a minimum length plus at least one capital
// letter, one digit and one special character.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return &domain.ErrValidation{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	// bcrypt rejects longer inputs.
	if len(password) > maxPasswordBytes {
		return &domain.ErrValidation{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", maxPasswordBytes)}
	}
	var upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !digit || !special {
		return &domain.ErrValidation{Field: "password", Message: "must contain a capital letter, a number and a special character"}
	}
	return nil
}
