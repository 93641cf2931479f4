package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/auditlog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/metrics"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

// ErrOrderNotRefundable means the order is not in COMPLETED state.
var ErrOrderNotRefundable = errors.New("order is not refundable")

// Granter credits a wallet inside a caller-owned transaction. A grant that
// loses a version race fails with wallet.ErrTransientConflict; RetryConflicts
// reruns the caller's whole transaction in that case.
type Granter interface {
	GrantTx(ctx context.Context, tx *gorm.DB, userID uint, amount int64, reason string, meta map[string]interface{}) (*wallet.Mutation, error)
	RecordCommittedGrant(userID uint, m *wallet.Mutation)
	RetryConflicts(ctx context.Context, run func() error) error
}

// Pricer resolves SKUs and plan allotments.
type Pricer interface {
	Resolve(ctx context.Context, provider, sku string) (catalog.Entry, error)
	PlanAllotment(ctx context.Context, provider, plan string) (int64, error)
}

// ReplayScheduler queues a stored delivery for another processing attempt.
type ReplayScheduler func(ctx context.Context, webhookEventID uint) error

// PayloadArchiver stores raw delivery payloads outside the database.
type PayloadArchiver interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Service turns provider notifications into ledger credits, orders and
// subscription state, each applied exactly once.
type Service struct {
	db       *gorm.DB
	repo     Repository
	granter  Granter
	pricer   Pricer
	schedule ReplayScheduler
	archive  ReplayScheduler
	now      func() time.Time
}

type Option func(*Service)

func WithReplayScheduler(fn ReplayScheduler) Option {
	return func(s *Service) { s.schedule = fn }
}

// WithArchiveScheduler queues settled deliveries for payload archiving.
func WithArchiveScheduler(fn ReplayScheduler) Option {
	return func(s *Service) { s.archive = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service.
func NewService(db *gorm.DB, repo Repository, granter Granter, pricer Pricer, opts ...Option) *Service {
	s := &Service{
		db:      db,
		repo:    repo,
		granter: granter,
		pricer:  pricer,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, granter Granter, pricer Pricer, opts ...Option) *Service {
	return NewService(db, NewRepository(db), granter, pricer, opts...)
}

// Ingest applies one canonical event.
func (s *Service) Ingest(ctx context.Context, event Event) (Outcome, error) {
	switch e := event.(type) {
	case PurchaseCompleted:
		return s.ingestPurchase(ctx, e)
	case SubscriptionUpserted:
		return s.upsertSubscription(ctx, e)
	case SubscriptionCanceled:
		return s.cancelSubscription(ctx, e)
	case Ignored:
		log.Debugf("[Billing] Ignoring %s event %s: %s", e.Provider, e.Kind, e.Why)
		return OutcomeIgnored, nil
	default:
		return OutcomeFailed, fmt.Errorf("unsupported event %T", event)
	}
}

// ingestPurchase claims the external id, grants the SKU's credits and records
// the order in one transaction. An unknown SKU still consumes the claim and
// leaves a FAILED order for follow-up.
func (s *Service) ingestPurchase(ctx context.Context, e PurchaseCompleted) (Outcome, error) {
	if e.UserID == 0 || e.ExternalID == "" {
		return OutcomeFailed, fmt.Errorf("%w: purchase without user or external id", ErrInvalidPayload)
	}

	// Catalog rows are reference data; resolving before the transaction keeps
	// it short.
	entry, resolveErr := s.pricer.Resolve(ctx, e.Provider, e.SKU)
	if resolveErr != nil && !errors.Is(resolveErr, catalog.ErrSkuNotFound) {
		return OutcomeFailed, resolveErr
	}

	// The claim rolls back with a conflicted grant, so a rerun claims again.
	var res purchaseResult
	err := s.granter.RetryConflicts(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			res, err = s.applyPurchase(ctx, tx, e, entry, resolveErr)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			auditlog.Alert("payment for user without wallet", map[string]interface{}{
				"provider": e.Provider, "user_id": e.UserID, "external_id": e.ExternalID, "sku": e.SKU,
			})
		}
		return OutcomeFailed, err
	}

	switch res.outcome {
	case OutcomeProcessed:
		s.granter.RecordCommittedGrant(e.UserID, res.grant)
		metrics.RecordOrder(e.Provider, models.OrderStatusCompleted)
	case OutcomeFailedOrder:
		metrics.RecordOrder(e.Provider, models.OrderStatusFailed)
		auditlog.Alert("paid order references unknown sku", map[string]interface{}{
			"provider": e.Provider, "user_id": e.UserID, "external_id": e.ExternalID,
			"sku": e.SKU, "amount_minor": e.AmountMinor, "order_id": res.order.ID,
		})
	}
	return res.outcome, nil
}

type purchaseResult struct {
	outcome Outcome
	grant   *wallet.Mutation
	order   *models.Order
}

// applyPurchase is one attempt of the claim, grant and order write on tx.
func (s *Service) applyPurchase(ctx context.Context, tx *gorm.DB, e PurchaseCompleted, entry catalog.Entry, resolveErr error) (purchaseResult, error) {
	var res purchaseResult
	claimed, err := s.repo.ClaimIdempotencyKey(tx, e.Provider, e.ExternalID)
	if err != nil {
		return res, err
	}
	if !claimed {
		res.outcome = OutcomeDuplicate
		return res, nil
	}

	res.order = &models.Order{
		UserID:      e.UserID,
		Provider:    e.Provider,
		ExternalID:  e.ExternalID,
		SKU:         e.SKU,
		AmountMinor: e.AmountMinor,
		Currency:    e.Currency,
		Meta:        map[string]interface{}{"sku": e.SKU, "event_id": e.EventID},
	}

	if resolveErr != nil {
		res.order.Status = models.OrderStatusFailed
		res.order.Meta["failure"] = "sku_not_found"
		res.outcome = OutcomeFailedOrder
		return res, s.repo.CreateOrder(tx, res.order)
	}

	if entry.CreditAmount > 0 {
		res.grant, err = s.granter.GrantTx(ctx, tx, e.UserID, entry.CreditAmount, purchaseReason(e, entry), purchaseMeta(e))
		if err != nil {
			return res, err
		}
	}

	res.order.Status = models.OrderStatusCompleted
	res.order.Credits = entry.CreditAmount
	res.outcome = OutcomeProcessed
	return res, s.repo.CreateOrder(tx, res.order)
}

func purchaseReason(e PurchaseCompleted, entry catalog.Entry) string {
	if e.Provider == models.BillingProviderPayPal {
		return "PayPal: " + entry.SKU
	}
	return fmt.Sprintf("Purchased %d credits", entry.CreditAmount)
}

func purchaseMeta(e PurchaseCompleted) map[string]interface{} {
	if e.Provider == models.BillingProviderPayPal {
		return map[string]interface{}{"paypal_event_id": e.EventID, "sku": e.SKU}
	}
	return map[string]interface{}{"productId": e.SKU, "sessionId": e.ExternalID}
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.PaymentWebhookEvent, error) {
	_ = ctx
	provider := strings.ToUpper(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// HandleDelivery stores a verified delivery in the inbox and applies its
// event. A delivery that was already applied successfully is reported as a
// duplicate without touching anything else. Earlier failed attempts are
// processed again; the idempotency guard keeps that safe.
func (s *Service) HandleDelivery(ctx context.Context, d Delivery, event Event) (Outcome, error) {
	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        d.Provider,
		ProviderEventID: d.EventID,
		EventType:       d.EventType,
		PayloadJSON:     string(d.Payload),
		SignatureValid:  d.SignatureValid,
	})
	if err != nil {
		metrics.RecordWebhook(d.Provider, string(OutcomeFailed))
		return OutcomeFailed, err
	}
	if !created && stored.IsSettled() {
		metrics.RecordWebhook(d.Provider, string(OutcomeDuplicate))
		auditlog.Webhook(d.Provider, d.EventID, d.EventType, string(OutcomeDuplicate), nil)
		return OutcomeDuplicate, nil
	}

	return s.process(ctx, stored, event, true)
}

func (s *Service) process(ctx context.Context, stored *models.PaymentWebhookEvent, event Event, reschedule bool) (Outcome, error) {
	outcome, procErr := s.Ingest(ctx, event)
	if markErr := s.MarkWebhookProcessed(ctx, stored.ID, procErr); markErr != nil {
		log.Errorf("[Billing] Failed to mark webhook event %d processed: %v", stored.ID, markErr)
	}

	metrics.RecordWebhook(stored.Provider, string(outcome))
	auditlog.Webhook(stored.Provider, stored.ProviderEventID, stored.EventType, string(outcome), procErr)

	if procErr == nil && stored.ArchivedAt == nil && s.archive != nil {
		if err := s.archive(ctx, stored.ID); err != nil {
			log.Warnf("[Billing] Failed to schedule archive of webhook event %d: %v", stored.ID, err)
		}
	}
	if procErr != nil && reschedule && s.schedule != nil {
		if err := s.schedule(ctx, stored.ID); err != nil {
			log.Errorf("[Billing] Failed to schedule replay of webhook event %d: %v", stored.ID, err)
		}
	}
	return outcome, procErr
}

// ReplayWebhookEvent re-applies a stored delivery. Settled deliveries are
// left alone.
func (s *Service) ReplayWebhookEvent(ctx context.Context, webhookEventID uint) (Outcome, error) {
	stored, err := s.repo.GetWebhookEvent(webhookEventID)
	if err != nil {
		return OutcomeFailed, err
	}
	if stored.IsSettled() {
		return OutcomeDuplicate, nil
	}
	if !stored.SignatureValid {
		return OutcomeFailed, ErrSignatureInvalid
	}

	event, err := ParseStoredEvent(stored.Provider, []byte(stored.PayloadJSON))
	if err != nil {
		_ = s.MarkWebhookProcessed(ctx, stored.ID, err)
		return OutcomeFailed, err
	}

	// Replays are driven by the sweeper; a failed replay is not enqueued again here.
	return s.process(ctx, stored, event, false)
}

// ParseStoredEvent decodes a raw payload of a known provider.
func ParseStoredEvent(provider string, payload []byte) (Event, error) {
	switch strings.ToUpper(provider) {
	case models.BillingProviderStripe:
		_, ev, err := ParseStripeEvent(payload)
		return ev, err
	case models.BillingProviderPayPal:
		_, ev, err := ParsePayPalEvent(payload)
		return ev, err
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// PendingReplays lists inbox rows that are not settled yet and are older than
// minAge, so in-flight deliveries are not raced.
func (s *Service) PendingReplays(ctx context.Context, minAge time.Duration, maxAttempts, limit int) ([]uint, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	events, err := s.repo.ListUnsettledWebhookEvents(s.now().Add(-minAge), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(events))
	for _, e := range events {
		if e.SignatureValid {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// ArchiveWebhookEvent copies a stored payload to the archive and stamps the row.
func (s *Service) ArchiveWebhookEvent(ctx context.Context, webhookEventID uint, archiver PayloadArchiver) error {
	stored, err := s.repo.GetWebhookEvent(webhookEventID)
	if err != nil {
		return err
	}
	if stored.ArchivedAt != nil {
		return nil
	}
	if err := archiver.Put(ctx, ArchiveKey(stored), []byte(stored.PayloadJSON)); err != nil {
		return err
	}
	return s.repo.MarkWebhookArchived(stored.ID)
}

// ArchiveKey is the object key of an archived payload.
func ArchiveKey(e *models.PaymentWebhookEvent) string {
	id := strings.NewReplacer("/", "_", ":", "_").Replace(e.ProviderEventID)
	return fmt.Sprintf("webhooks/%s/%s/%s.json", strings.ToLower(e.Provider), e.CreatedAt.UTC().Format("2006/01/02"), id)
}

// ListOrders returns a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID uint) ([]models.Order, error) {
	_ = ctx
	return s.repo.ListOrdersByUser(userID)
}

// ListSubscriptions returns a user's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, userID uint) ([]models.Subscription, error) {
	_ = ctx
	return s.repo.ListSubscriptionsByUser(userID)
}

// RefundOrder marks a completed order refunded. The ledger is not touched;
// clawing back credits is an explicit separate charge.
func (s *Service) RefundOrder(ctx context.Context, orderID uint) (*models.Order, error) {
	_ = ctx
	ok, err := s.repo.MarkOrderRefunded(orderID)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return order, ErrOrderNotRefundable
	}
	metrics.RecordOrder(order.Provider, models.OrderStatusRefunded)
	return order, nil
}
