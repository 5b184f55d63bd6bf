package domain

import "time"

// ============================================================
// Transactions (append-only log)
// ============================================================

// Transaction is an immutable record of one committed debit or credit.
type Transaction struct {
	ID           string    `json:"id"`
	Date         string    `json:"date"` // YYYY-MM-DD, local to the ledger time zone
	Time         string    `json:"time"` // HH:MM:SS
	PaymentID    string    `json:"payment_id"`
	IsDebit      bool      `json:"is_debit"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionRequest is the body for POST /v1/transactions.
type TransactionRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	IsDebit   bool   `json:"is_debit"`
}

// TransactionResult is returned by a successful debit or credit.
type TransactionResult struct {
	Message     string       `json:"message"`
	Balance     int64        `json:"balance"`
	Transaction *Transaction `json:"transaction"`
}

// Statement is a read-only view of an account and its latest transactions.
// AllowanceToday is what a debit would be checked against if made now.
type Statement struct {
	Account        *Account      `json:"account"`
	Transactions   []Transaction `json:"transactions"`
	Today          string        `json:"today"`
	AllowanceToday int64         `json:"allowance_today"`
}
