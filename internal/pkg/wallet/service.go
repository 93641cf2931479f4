package wallet

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/app/repository"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/auditlog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics"
)

const (
	DefaultMaxAttempts = 5
	DefaultSignupBonus = 50

	SignupBonusReason = "Welcome bonus credits"

	kindGrant  = "grant"
	kindCharge = "charge"
)

// errVersionConflict is internal: one CAS attempt lost the race.
var errVersionConflict = errors.New("wallet version conflict")

// ActionPricer resolves the price of a billable action.
type ActionPricer interface {
	Action(ctx context.Context, actionKey string) catalog.Action
}

// UsageRecorder counts successful action charges.
type UsageRecorder func(ctx context.Context, actionKey string) error

// Service moves credits. Every balance change is paired with exactly one
// ledger entry in the same transaction.
type Service struct {
	db          *gorm.DB
	maxAttempts int
	backoff     func(attempt int) time.Duration
	pricer      ActionPricer
	usage       UsageRecorder
}

type Option func(*Service)

// WithMaxAttempts bounds the compare-and-swap retries.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff replaces the jittered delay between CAS attempts.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(s *Service) { s.backoff = fn }
}

func WithActionPricer(p ActionPricer) Option {
	return func(s *Service) { s.pricer = p }
}

func WithUsageRecorder(fn UsageRecorder) Option {
	return func(s *Service) { s.usage = fn }
}

// NewService creates a wallet service over db.
func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		backoff:     jitteredBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * 5 * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
}

// Mutation is the result of a committed balance change.
type Mutation struct {
	Wallet models.Wallet
	Entry  models.LedgerEntry
}

// AuditReport compares the stored balance with the ledger it is derived from.
type AuditReport struct {
	UserID        uint  `json:"user_id"`
	WalletID      uint  `json:"wallet_id"`
	Balance       int64 `json:"balance"`
	LedgerSum     int64 `json:"ledger_sum"`
	EntryCount    int64 `json:"entry_count"`
	Consistent    bool  `json:"consistent"`
	Discrepancy   int64 `json:"discrepancy"`
	WalletVersion int64 `json:"wallet_version"`
}

// GetWallet returns the user's wallet row.
func (s *Service) GetWallet(ctx context.Context, userID uint) (*models.Wallet, error) {
	w, err := repository.NewWalletRepository(s.db.WithContext(ctx)).GetByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return w, nil
}

// GetBalance returns the current balance.
func (s *Service) GetBalance(ctx context.Context, userID uint) (int64, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// ListLedger returns one page of the user's ledger, newest first.
func (s *Service) ListLedger(ctx context.Context, userID uint, page, perPage int) ([]models.LedgerEntry, int64, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	ledger := repository.NewLedgerRepository(s.db.WithContext(ctx))
	total, err := ledger.CountByWallet(w.ID)
	if err != nil {
		return nil, 0, err
	}
	entries, err := ledger.ListByWallet(w.ID, (page-1)*perPage, perPage)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ChargeOrFail debits amount if and only if the balance covers it. On
// ErrInsufficientCredits nothing is written.
func (s *Service) ChargeOrFail(ctx context.Context, userID uint, amount int64, reason string, meta map[string]interface{}) (*Mutation, error) {
	if err := validate(amount, reason); err != nil {
		return nil, err
	}

	m, err := s.mutate(ctx, userID, -amount, reason, meta)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.RecordChargeRejection("insufficient_credits")
			auditlog.ChargeRejected(userID, amount, err.Error())
		}
		return nil, err
	}
	s.committed(kindCharge, userID, m)
	return m, nil
}

// Grant credits amount unconditionally.
func (s *Service) Grant(ctx context.Context, userID uint, amount int64, reason string, meta map[string]interface{}) (*Mutation, error) {
	if err := validate(amount, reason); err != nil {
		return nil, err
	}
	m, err := s.mutate(ctx, userID, amount, reason, meta)
	if err != nil {
		return nil, err
	}
	s.committed(kindGrant, userID, m)
	return m, nil
}

// GrantTx credits amount inside a transaction owned by the caller. A lost
// version race cannot be retried within the same transaction, so it surfaces
// as ErrTransientConflict and the caller rolls back. The audit line is the
// caller's to emit once its transaction commits.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, userID uint, amount int64, reason string, meta map[string]interface{}) (*Mutation, error) {
	if err := validate(amount, reason); err != nil {
		return nil, err
	}
	m, err := applyDelta(tx.WithContext(ctx), userID, amount, reason, meta)
	if errors.Is(err, errVersionConflict) {
		metrics.RecordCASConflict()
		return nil, ErrTransientConflict
	}
	return m, err
}

// RecordCommittedGrant emits the audit trail for a grant made with GrantTx.
func (s *Service) RecordCommittedGrant(userID uint, m *Mutation) {
	if m != nil {
		s.committed(kindGrant, userID, m)
	}
}

// ChargeAction charges the catalog price of actionKey.
func (s *Service) ChargeAction(ctx context.Context, userID uint, actionKey string, meta map[string]interface{}) (*Mutation, error) {
	if s.pricer == nil {
		return nil, errors.New("wallet: no action pricer configured")
	}
	action := s.pricer.Action(ctx, actionKey)

	merged := map[string]interface{}{"action": action.Key}
	for k, v := range meta {
		merged[k] = v
	}

	m, err := s.ChargeOrFail(ctx, userID, action.Credits, action.Reason, merged)
	if err != nil {
		return nil, err
	}
	if s.usage != nil {
		if uerr := s.usage(ctx, action.Key); uerr != nil {
			auditlog.WithFields(map[string]interface{}{"action": action.Key}).WithError(uerr).Warn("usage counter not updated")
		}
	}
	return m, nil
}

// Provision creates the user's wallet and grants the signup bonus in one
// transaction. Calling it again returns the existing wallet and grants nothing.
func (s *Service) Provision(ctx context.Context, userID uint, bonus int64) (*models.Wallet, bool, error) {
	if userID == 0 {
		return nil, false, errors.New("user id is required")
	}
	if bonus < 0 {
		return nil, false, ErrInvalidAmount
	}

	var (
		created bool
		grant   *Mutation
		result  models.Wallet
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets := repository.NewWalletRepository(tx)
		existing, err := wallets.GetByUserID(userID)
		if err == nil {
			result = *existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		w := &models.Wallet{UserID: userID}
		if err := wallets.Create(w); err != nil {
			return err
		}
		created = true
		result = *w

		if bonus == 0 {
			return nil
		}
		grant, err = applyDelta(tx, userID, bonus, SignupBonusReason, map[string]interface{}{"type": "signup_bonus"})
		if err != nil {
			return err
		}
		result = grant.Wallet
		return nil
	})
	if err != nil {
		// A concurrent provision won the unique index; report its wallet.
		if w, gerr := s.GetWallet(ctx, userID); gerr == nil {
			return w, false, nil
		}
		return nil, false, err
	}

	if grant != nil {
		s.committed(kindGrant, userID, grant)
	}
	return &result, created, nil
}

// Audit recomputes the ledger sum and compares it with the stored balance.
func (s *Service) Audit(ctx context.Context, userID uint) (*AuditReport, error) {
	w, err := s.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	ledger := repository.NewLedgerRepository(s.db.WithContext(ctx))
	sum, err := ledger.SumDeltas(w.ID)
	if err != nil {
		return nil, err
	}
	count, err := ledger.CountByWallet(w.ID)
	if err != nil {
		return nil, err
	}
	return &AuditReport{
		UserID:        userID,
		WalletID:      w.ID,
		Balance:       w.Balance,
		LedgerSum:     sum,
		EntryCount:    count,
		Consistent:    sum == w.Balance,
		Discrepancy:   w.Balance - sum,
		WalletVersion: w.Version,
	}, nil
}

// mutate runs applyDelta in its own transaction, retrying lost version races.
func (s *Service) mutate(ctx context.Context, userID uint, delta int64, reason string, meta map[string]interface{}) (*Mutation, error) {
	var m *Mutation
	err := s.RetryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			m, err = applyDelta(tx, userID, delta, reason, meta)
			if errors.Is(err, errVersionConflict) {
				metrics.RecordCASConflict()
				return ErrTransientConflict
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RetryConflicts calls run again while it fails with ErrTransientConflict, up
// to the configured attempts. run must open a fresh transaction on every call.
func (s *Service) RetryConflicts(ctx context.Context, run func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err = run(); !errors.Is(err, ErrTransientConflict) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
	}
	return err
}

// applyDelta reads the wallet, checks the floor, swaps the balance and
// appends the ledger entry, all on tx.
func applyDelta(tx *gorm.DB, userID uint, delta int64, reason string, meta map[string]interface{}) (*Mutation, error) {
	repos := repository.NewRepositories(tx)

	w, err := repos.Wallet.GetByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}

	newBalance := w.Balance + delta
	if newBalance < 0 {
		return nil, ErrInsufficientCredits
	}

	ok, err := repos.Wallet.CompareAndSwapBalance(w.ID, w.Version, newBalance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errVersionConflict
	}

	entry := models.LedgerEntry{
		WalletID:     w.ID,
		Delta:        delta,
		BalanceAfter: newBalance,
		Reason:       reason,
	}
	if len(meta) > 0 {
		entry.Meta = datatypes.JSONMap(meta)
	}
	if err := repos.Ledger.Append(&entry); err != nil {
		return nil, err
	}

	w.Balance = newBalance
	w.Version++
	return &Mutation{Wallet: *w, Entry: entry}, nil
}

func (s *Service) committed(kind string, userID uint, m *Mutation) {
	amount := m.Entry.Delta
	if amount < 0 {
		amount = -amount
	}
	metrics.RecordWalletMutation(kind, amount)
	auditlog.WalletMutation(kind, userID, m.Wallet.ID, m.Entry.Delta, m.Entry.BalanceAfter, m.Entry.Reason)
}

func validate(amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	return nil
}
