// Package service provides the business logic layer (use cases):
// account directory, transaction ledger, transaction log and identity.
package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/upi-ledger-go/internal/domain"
	"github.com/boddenberg/upi-ledger-go/internal/infra/observability"
	"github.com/boddenberg/upi-ledger-go/internal/port"
)

var directoryTracer = otel.Tracer("service/directory")

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// DirectoryConfig holds the account creation rules.
type DirectoryConfig struct {
	MaxAccountsPerOwner int
	PaymentIDDomain     string
	// EnforceOwnership hides other owners' accounts from GetAccount and
	// GetAccountByNumber.
	EnforceOwnership bool
}

// AccountDirectory creates accounts and resolves them by payment id or
// account number.
type AccountDirectory struct {
	store   port.LedgerStore
	guard   *StoreGuard
	cfg     DirectoryConfig
	clock   Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewAccountDirectory creates a new account directory.
func NewAccountDirectory(store port.LedgerStore, guard *StoreGuard, cfg DirectoryConfig, clock Clock, metrics *observability.Metrics, logger *zap.Logger) *AccountDirectory {
	if clock == nil {
		clock = time.Now
	}
	return &AccountDirectory{
		store:   store,
		guard:   guard,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// ============================================================
// CreateAccount: POST /v1/accounts
// ============================================================

// CreateAccount registers a new account for the principal's phone number and
// assigns it the next payment id of that owner. The owner counter, the
// uniqueness check, the ceiling check and the insert form one atomic unit.
func (d *AccountDirectory) CreateAccount(ctx context.Context, principal domain.Principal, req *domain.CreateAccountRequest) (*domain.Account, error) {
	ctx, span := directoryTracer.Start(ctx, "AccountDirectory.CreateAccount")
	defer span.End()
	start := time.Now()
	defer func() { d.metrics.RecordOperationDuration("create_account", time.Since(start)) }()

	owner := principal.PhoneNumber
	accountNumber := strings.TrimSpace(req.AccountNumber)
	ifsc := strings.ToUpper(strings.TrimSpace(req.IFSCCode))
	span.SetAttributes(
		attribute.String("owner.phone", owner),
		attribute.String("account.number", accountNumber),
	)

	if err := validateNewAccount(owner, accountNumber, ifsc, req.InitialBalance); err != nil {
		d.metrics.IncrAccountCreated(domain.KindOf(err))
		return nil, err
	}

	var created *domain.Account
	err := d.guard.Run(ctx, "create_account", func(ctx context.Context) error {
		created = nil
		return d.store.Atomic(ctx, func(tx port.LedgerTx) error {
			counter, owned, err := tx.LockOwner(ctx, owner)
			if err != nil {
				return err
			}

			exists, err := tx.AccountNumberExists(ctx, accountNumber)
			if err != nil {
				return err
			}
			if exists {
				return &domain.ErrDuplicateAccount{AccountNumber: accountNumber}
			}

			if owned >= d.cfg.MaxAccountsPerOwner {
				return &domain.ErrAccountLimitExceeded{Owner: owner, Limit: d.cfg.MaxAccountsPerOwner}
			}

			counter++
			acct := &domain.Account{
				AccountNumber:    accountNumber,
				IFSCCode:         ifsc,
				OwnerPhoneNumber: owner,
				PaymentID:        domain.PaymentID(owner, counter, d.cfg.PaymentIDDomain),
				Balance:          req.InitialBalance,
				CreditAllowed:    flagOrDefault(req.CreditAllowed),
				DebitAllowed:     flagOrDefault(req.DebitAllowed),
				CreatedAt:        d.clock().UTC().Truncate(time.Microsecond),
			}
			if err := tx.InsertAccount(ctx, acct); err != nil {
				return err
			}
			if err := tx.SetOwnerCounter(ctx, owner, counter); err != nil {
				return err
			}
			created = acct
			return nil
		})
	})
	if err != nil {
		d.metrics.IncrAccountCreated(domain.KindOf(err))
		d.logFailure("create account rejected", err,
			zap.String("owner", owner),
			zap.String("account_number", accountNumber),
		)
		return nil, err
	}

	d.metrics.IncrAccountCreated("created")
	d.logger.Info("account created",
		zap.String("payment_id", created.PaymentID),
		zap.String("owner", owner),
	)
	span.SetAttributes(attribute.String("payment.id", created.PaymentID))
	return created, nil
}

// ============================================================
// Lookups
// ============================================================

// FindByPaymentID returns the account with the given payment id.
func (d *AccountDirectory) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Account, error) {
	ctx, span := directoryTracer.Start(ctx, "AccountDirectory.FindByPaymentID")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	var acct *domain.Account
	err := d.guard.Run(ctx, "find_account", func(ctx context.Context) error {
		var err error
		acct, err = d.store.GetAccountByPaymentID(ctx, paymentID)
		return err
	})
	return acct, err
}

// FindByAccountNumber returns the account with the given account number.
func (d *AccountDirectory) FindByAccountNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	ctx, span := directoryTracer.Start(ctx, "AccountDirectory.FindByAccountNumber")
	defer span.End()

	var acct *domain.Account
	err := d.guard.Run(ctx, "find_account", func(ctx context.Context) error {
		var err error
		acct, err = d.store.GetAccountByNumber(ctx, strings.TrimSpace(accountNumber))
		return err
	})
	return acct, err
}

// GetAccount is FindByPaymentID on behalf of principal.
func (d *AccountDirectory) GetAccount(ctx context.Context, principal domain.Principal, paymentID string) (*domain.Account, error) {
	acct, err := d.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := d.checkOwner(principal, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccountByNumber is FindByAccountNumber on behalf of principal.
func (d *AccountDirectory) GetAccountByNumber(ctx context.Context, principal domain.Principal, accountNumber string) (*domain.Account, error) {
	acct, err := d.FindByAccountNumber(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	if err := d.checkOwner(principal, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (d *AccountDirectory) checkOwner(principal domain.Principal, acct *domain.Account) error {
	if !d.cfg.EnforceOwnership || acct.OwnerPhoneNumber == principal.PhoneNumber {
		return nil
	}
	return &domain.ErrForbidden{Action: "read account " + acct.PaymentID}
}

// ListOwnerAccounts returns the principal's accounts in creation order.
func (d *AccountDirectory) ListOwnerAccounts(ctx context.Context, principal domain.Principal) ([]domain.Account, error) {
	ctx, span := directoryTracer.Start(ctx, "AccountDirectory.ListOwnerAccounts")
	defer span.End()
	span.SetAttributes(attribute.String("owner.phone", principal.PhoneNumber))

	var accts []domain.Account
	err := d.guard.Run(ctx, "list_accounts", func(ctx context.Context) error {
		var err error
		accts, err = d.store.ListAccountsByOwner(ctx, principal.PhoneNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	if accts == nil {
		accts = []domain.Account{}
	}
	return accts, nil
}

func (d *AccountDirectory) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("kind", domain.KindOf(err)), zap.Error(err))
	if domain.IsBusiness(err) {
		d.logger.Info(msg, fields...)
		return
	}
	d.logger.Error(msg, fields...)
}

func validateNewAccount(owner, accountNumber, ifsc string, initialBalance int64) error {
	if err := validatePhone("owner_phone_number", owner); err != nil {
		return err
	}
	if accountNumber == "" {
		return &domain.ErrValidation{Field: "account_number", Message: "must not be empty"}
	}
	if ifsc == "" {
		return &domain.ErrValidation{Field: "ifsc_code", Message: "must not be empty"}
	}
	if initialBalance < 0 {
		return &domain.ErrInvalidAmount{Field: "balance", Amount: initialBalance}
	}
	return nil
}

// validatePhone keeps owner ids free of '.' and '@' so payment ids stay
// unambiguous.
func validatePhone(field, phone string) error {
	if !phonePattern.MatchString(phone) {
		return &domain.ErrValidation{Field: field, Message: "must be 6 to 15 digits, optionally prefixed with +"}
	}
	return nil
}

func flagOrDefault(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}
