package domain

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used for LastTransactionDate and
// Transaction.Date.
const DateLayout = "2006-01-02"

// TimeLayout is the wall-clock format used for Transaction.Time.
const TimeLayout = "15:04:05"

// ============================================================
// Accounts
// ============================================================

// Account is a balance-carrying account owned by a phone number.
// PaymentID is derived at creation and never changes.
type Account struct {
	AccountNumber       string    `json:"account_number"`
	IFSCCode            string    `json:"ifsc_code"`
	OwnerPhoneNumber    string    `json:"owner_phone_number"`
	PaymentID           string    `json:"payment_id"`
	Balance             int64     `json:"balance"`
	CreditAllowed       bool      `json:"credit_allowed"`
	DebitAllowed        bool      `json:"debit_allowed"`
	LastTransactionDate string    `json:"last_transaction_date,omitempty"` // YYYY-MM-DD, empty until the first debit
	WithdrawalAllowance int64     `json:"withdrawal_allowance"`
	CreatedAt           time.Time `json:"created_at"`
}

// CreateAccountRequest is the body for POST /v1/accounts.
// Nil permission flags default to true.
type CreateAccountRequest struct {
	AccountNumber  string `json:"account_number"`
	IFSCCode       string `json:"ifsc_code"`
	InitialBalance int64  `json:"balance"`
	CreditAllowed  *bool  `json:"credit_allowed,omitempty"`
	DebitAllowed   *bool  `json:"debit_allowed,omitempty"`
}

// CreateAccountResponse is the body for 201 from POST /v1/accounts.
type CreateAccountResponse struct {
	Message   string   `json:"message"`
	PaymentID string   `json:"payment_id"`
	Account   *Account `json:"account"`
}

// PaymentID derives the payment identifier for the owner's n-th account.
// Phone numbers cannot contain '.', so distinct (owner, counter) pairs
// always produce distinct identifiers.
func PaymentID(owner string, counter int64, domainTag string) string {
	return fmt.Sprintf("%s.%d@%s", owner, counter, domainTag)
}

// BalanceResponse is the body for GET /v1/accounts/{paymentId}/balance.
type BalanceResponse struct {
	PaymentID string `json:"payment_id"`
	Balance   int64  `json:"balance"`
}
