package service

import "github.com/boddenberg/upi-ledger-go/internal/domain"

// WithdrawalPolicy decides how much an account may still debit today.
type WithdrawalPolicy struct {
	DailyLimit int64
}

// ResolveAllowance returns the allowance a debit made on today is checked
// against. The first debit of a calendar day starts from the full limit;
// later ones see what the previous debits left.
func (p WithdrawalPolicy) ResolveAllowance(account *domain.Account, today string) int64 {
	if account.LastTransactionDate != today {
		return p.DailyLimit
	}
	return account.WithdrawalAllowance
}
