package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the ledger.
//
// Business errors implement Kind, which returns the stable taxonomy name
// used for metric labels and API error codes.

// ErrTxConflict is reported by store adapters when the storage transaction
// lost a serialization race. The service retries the whole unit.
var ErrTxConflict = errors.New("storage transaction conflict")

// Kinded is implemented by every business error of the ledger.
type Kinded interface {
	error
	Kind() string
}

// KindOf returns the taxonomy name of err, "PersistenceFailure" for store
// errors, or "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "PersistenceFailure"
}

// IsBusiness reports whether err is a rejection on business grounds rather
// than an infrastructure failure.
func IsBusiness(err error) bool {
	var k Kinded
	if !errors.As(err, &k) {
		return false
	}
	var p *ErrPersistence
	return !errors.As(err, &p)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *ErrNotFound) Kind() string {
	if e.Resource == "account" {
		return "AccountNotFound"
	}
	return "NotFound"
}

// ErrDuplicateAccount indicates an account with the same number already exists.
type ErrDuplicateAccount struct {
	AccountNumber string
}

func (e *ErrDuplicateAccount) Error() string {
	return fmt.Sprintf("an account with number %s already exists", e.AccountNumber)
}

func (e *ErrDuplicateAccount) Kind() string { return "DuplicateAccount" }

// ErrAccountLimitExceeded indicates the owner already holds the maximum number of accounts.
type ErrAccountLimitExceeded struct {
	Owner string
	Limit int
}

func (e *ErrAccountLimitExceeded) Error() string {
	return fmt.Sprintf("maximum account limit (%d) exceeded for owner %s", e.Limit, e.Owner)
}

func (e *ErrAccountLimitExceeded) Kind() string { return "AccountLimitExceeded" }

// ErrInvalidAmount indicates a non-positive transaction amount or a negative opening balance.
type ErrInvalidAmount struct {
	Field  string
	Amount int64
}

func (e *ErrInvalidAmount) Error() string {
	return fmt.Sprintf("invalid %s: %d", e.Field, e.Amount)
}

func (e *ErrInvalidAmount) Kind() string { return "InvalidAmount" }

// ErrDebitNotAllowed indicates debits are disabled on the account.
type ErrDebitNotAllowed struct {
	PaymentID string
}

func (e *ErrDebitNotAllowed) Error() string {
	return fmt.Sprintf("debit transactions not allowed on account %s", e.PaymentID)
}

func (e *ErrDebitNotAllowed) Kind() string { return "DebitNotAllowed" }

// ErrCreditNotAllowed indicates credits are disabled on the account.
type ErrCreditNotAllowed struct {
	PaymentID string
}

func (e *ErrCreditNotAllowed) Error() string {
	return fmt.Sprintf("credit transactions not allowed on account %s", e.PaymentID)
}

func (e *ErrCreditNotAllowed) Kind() string { return "CreditNotAllowed" }

// ErrInsufficientFunds indicates not enough balance for the operation.
type ErrInsufficientFunds struct {
	Available int64
	Required  int64
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient balance: available=%d required=%d", e.Available, e.Required)
}

func (e *ErrInsufficientFunds) Kind() string { return "InsufficientBalance" }

// ErrLimitExceeded indicates a transaction limit was exceeded.
type ErrLimitExceeded struct {
	LimitType string
	Limit     int64
	Current   int64
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded [%s]: remaining=%d requested=%d", e.LimitType, e.Limit, e.Current)
}

func (e *ErrLimitExceeded) Kind() string { return "DailyLimitExceeded" }

// ErrPersistence indicates the durability layer failed, or kept conflicting
// after the bounded retries.
type ErrPersistence struct {
	Op  string
	Err error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("persistence failure [%s]: %v", e.Op, e.Err)
}

func (e *ErrPersistence) Unwrap() error {
	return e.Err
}

func (e *ErrPersistence) Kind() string { return "PersistenceFailure" }

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

func (e *ErrValidation) Kind() string { return "Validation" }

// ErrForbidden indicates the caller may not act on the resource.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

func (e *ErrForbidden) Kind() string { return "Forbidden" }

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

func (e *ErrUnauthorized) Kind() string { return "Unauthorized" }

// ErrConflict indicates a resource already exists (e.g. a taken username).
type ErrConflict struct {
	Field   string
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

func (e *ErrConflict) Kind() string { return "Conflict" }
