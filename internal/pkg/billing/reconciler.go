package billing

import (
	"context"
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

const SubscriptionGrantReason = "Monthly subscription credits"

// MapStripeStatus folds Stripe subscription statuses into the local three
// states. Unknown non-empty statuses are treated as not entitled.
func MapStripeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "active", "trialing":
		return models.SubscriptionStatusActive
	case "canceled", "cancelled", "incomplete_expired":
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusPastDue
	}
}

// CanceledSubscriptionKey marks an external subscription as ended for good.
func CanceledSubscriptionKey(externalID string) string {
	return "sub-canceled:" + externalID
}

// PeriodGrantKey is the idempotency key of one billing period's allotment.
func PeriodGrantKey(externalID string, periodStart time.Time) string {
	return fmt.Sprintf("sub:%s:%d", externalID, periodStart.Unix())
}

// upsertSubscription walks the state machine
// absent -> ACTIVE <-> PAST_DUE -> CANCELED and grants the plan allotment once
// per active billing period.
func (s *Service) upsertSubscription(ctx context.Context, e SubscriptionUpserted) (Outcome, error) {
	if e.UserID == 0 || e.ExternalID == "" {
		return OutcomeFailed, fmt.Errorf("%w: subscription without user or external id", ErrInvalidPayload)
	}

	status := MapStripeStatus(e.Status)
	plan := strings.ToUpper(strings.TrimSpace(e.Plan))
	if plan == "" {
		plan = defaultSubscriptionPlan
	}

	var allotment int64
	if status == models.SubscriptionStatusActive && e.PeriodStart != nil {
		credits, err := s.pricer.PlanAllotment(ctx, e.Provider, plan)
		switch {
		case err == nil:
			allotment = credits
		case errors.Is(err, catalog.ErrSkuNotFound):
			auditlog.Alert("subscription references unknown plan", map[string]interface{}{
				"provider": e.Provider, "user_id": e.UserID, "external_id": e.ExternalID, "plan": plan,
			})
		default:
			return OutcomeFailed, err
		}
	}

	var (
		outcome Outcome
		grant   *wallet.Mutation
	)
	err := s.granter.RetryConflicts(ctx, func() error {
		outcome, grant = "", nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			outcome, grant, err = s.applySubscription(ctx, tx, e, status, plan, allotment)
			return err
		})
	})
	if err != nil {
		return OutcomeFailed, err
	}
	s.granter.RecordCommittedGrant(e.UserID, grant)
	return outcome, nil
}

// applySubscription is one attempt of the row update and period grant on tx.
func (s *Service) applySubscription(ctx context.Context, tx *gorm.DB, e SubscriptionUpserted, status, plan string, allotment int64) (Outcome, *wallet.Mutation, error) {
	// The row is per (user, provider) and may already belong to a newer
	// subscription, so an ended one is recognized by its tombstone.
	ended, err := s.repo.HasIdempotencyKey(tx, e.Provider, CanceledSubscriptionKey(e.ExternalID))
	if err != nil {
		return OutcomeFailed, nil, err
	}
	if ended {
		return OutcomeIgnored, nil, nil
	}

	sub, err := s.repo.GetSubscription(tx, e.UserID, e.Provider)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = &models.Subscription{UserID: e.UserID, Provider: e.Provider}
	case err != nil:
		return OutcomeFailed, nil, err
	case sub.ExternalID == e.ExternalID && sub.IsCanceled():
		return OutcomeIgnored, nil, nil
	case sub.ExternalID != e.ExternalID && !sub.IsCanceled():
		if startsBefore(e.PeriodStart, sub.CurrentPeriodStart) {
			log.Warnf("[Billing] Ignoring %s subscription %s of user %d: older than live %s", e.Provider, e.ExternalID, e.UserID, sub.ExternalID)
			return OutcomeIgnored, nil, nil
		}
		log.Warnf("[Billing] User %d replaces live %s subscription %s with %s", e.UserID, e.Provider, sub.ExternalID, e.ExternalID)
	}

	previous := sub.Status
	sub.ExternalID = e.ExternalID
	sub.Status = status
	sub.Plan = plan
	sub.CurrentPeriodStart = e.PeriodStart
	sub.CurrentPeriodEnd = e.PeriodEnd
	sub.CancelAtPeriodEnd = e.CancelAtPeriodEnd
	sub.Meta = map[string]interface{}{"provider_status": e.Status}
	if err := s.repo.SaveSubscription(tx, sub); err != nil {
		return OutcomeFailed, nil, err
	}
	if previous != status {
		metrics.RecordSubscriptionTransition(e.Provider, status)
	}

	if status == models.SubscriptionStatusCanceled {
		_, err := s.repo.ClaimIdempotencyKey(tx, e.Provider, CanceledSubscriptionKey(e.ExternalID))
		return OutcomeProcessed, nil, err
	}
	if status != models.SubscriptionStatusActive || e.PeriodStart == nil || allotment <= 0 {
		return OutcomeProcessed, nil, nil
	}
	claimed, err := s.repo.ClaimIdempotencyKey(tx, e.Provider, PeriodGrantKey(e.ExternalID, *e.PeriodStart))
	if err != nil || !claimed {
		return OutcomeProcessed, nil, err
	}
	grant, err := s.granter.GrantTx(ctx, tx, e.UserID, allotment, SubscriptionGrantReason, map[string]interface{}{
		"subscription_id": e.ExternalID,
		"plan":            plan,
		"period_start":    e.PeriodStart.Unix(),
	})
	return OutcomeProcessed, grant, err
}

func startsBefore(a, b *time.Time) bool {
	return a != nil && b != nil && a.Before(*b)
}

// cancelSubscription moves a live subscription to CANCELED. Unknown or
// already canceled subscriptions are left as they are.
func (s *Service) cancelSubscription(ctx context.Context, e SubscriptionCanceled) (Outcome, error) {
	if e.ExternalID == "" {
		return OutcomeFailed, fmt.Errorf("%w: cancellation without external id", ErrInvalidPayload)
	}

	var outcome Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Recorded even for unknown ids, so a late create or update cannot revive it.
		if _, err := s.repo.ClaimIdempotencyKey(tx, e.Provider, CanceledSubscriptionKey(e.ExternalID)); err != nil {
			return err
		}
		sub, err := s.repo.FindSubscriptionByExternalID(tx, e.Provider, e.ExternalID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = OutcomeIgnored
			return nil
		}
		if err != nil {
			return err
		}
		if sub.IsCanceled() {
			outcome = OutcomeDuplicate
			return nil
		}

		sub.Status = models.SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
		if err := s.repo.SaveSubscription(tx, sub); err != nil {
			return err
		}
		metrics.RecordSubscriptionTransition(e.Provider, models.SubscriptionStatusCanceled)
		outcome = OutcomeProcessed
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}
