package domain

import "time"

// ============================================================
// Auth: identity supplied to the ledger
// ============================================================

// Principal is the authenticated caller. The ledger uses PhoneNumber as the
// account owner and never verifies credentials itself.
type Principal struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	PhoneNumber string `json:"phone_number"`
}

// User is a registered identity.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PhoneNumber  string    `json:"phone_number"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterRequest is the body for POST /v1/auth/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	PhoneNumber string `json:"phone_number"`
	Password    string `json:"password"`
}

// RegisterResponse is the body for 201 from POST /v1/auth/register.
type RegisterResponse struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// LoginRequest is the body for POST /v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body for 200 from POST /v1/auth/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
