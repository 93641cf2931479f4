package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CreditWallet/app/models"
)

func period(month int) (*time.Time, *time.Time) {
	start := time.Date(2025, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return &start, &end
}

func subEvent(userID uint, externalID, status, plan string, month int) SubscriptionUpserted {
	start, end := period(month)
	return SubscriptionUpserted{
		Provider:    models.BillingProviderStripe,
		UserID:      userID,
		ExternalID:  externalID,
		Status:      status,
		Plan:        plan,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

func (f *fixture) subscription(t *testing.T, userID uint) models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, f.db.Where("user_id = ? AND provider = ?", userID, models.BillingProviderStripe).First(&sub).Error)
	return sub
}

func TestMapStripeStatus(t *testing.T) {
	tests := map[string]string{
		"active":             models.SubscriptionStatusActive,
		"trialing":           models.SubscriptionStatusActive,
		"":                   models.SubscriptionStatusActive,
		"past_due":           models.SubscriptionStatusPastDue,
		"unpaid":             models.SubscriptionStatusPastDue,
		"incomplete":         models.SubscriptionStatusPastDue,
		"paused":             models.SubscriptionStatusPastDue,
		"canceled":           models.SubscriptionStatusCanceled,
		"incomplete_expired": models.SubscriptionStatusCanceled,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapStripeStatus(in), in)
	}
}

func TestSubscriptionCreationGrantsAllotment(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	outcome, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "PRO", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	sub := f.subscription(t, 1)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "PRO", sub.Plan)
	assert.Equal(t, int64(1000), f.balance(t, 1))

	entries, _, err := f.wallets.ListLedger(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SubscriptionGrantReason, entries[0].Reason)
	assert.Equal(t, "sub_1", entries[0].Meta["subscription_id"])
}

func TestRenewalNotificationsDoNotDoubleGrant(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 1))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(300), f.balance(t, 1))

	// Next billing period grants again.
	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 2))
	require.NoError(t, err)
	assert.Equal(t, int64(600), f.balance(t, 1))
}

func TestPastDueDoesNotGrantAndRecovers(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 1))
	require.NoError(t, err)

	_, err = f.billing.Ingest(ctx, subEvent(1, "sub_1", "past_due", "STARTER", 2))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, f.subscription(t, 1).Status)
	assert.Equal(t, int64(300), f.balance(t, 1))

	// Payment recovered within the same period.
	_, err = f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 2))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, f.subscription(t, 1).Status)
	assert.Equal(t, int64(600), f.balance(t, 1))
}

func TestPlanChangeUpdatesRow(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 1))
	require.NoError(t, err)
	ev := subEvent(1, "sub_1", "active", "STUDIO", 1)
	ev.CancelAtPeriodEnd = true
	_, err = f.billing.Ingest(ctx, ev)
	require.NoError(t, err)

	sub := f.subscription(t, 1)
	assert.Equal(t, "STUDIO", sub.Plan)
	assert.True(t, sub.CancelAtPeriodEnd)
	// The period's allotment was already granted under the starter plan.
	assert.Equal(t, int64(300), f.balance(t, 1))
}

func TestCancellationIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "PRO", 1))
	require.NoError(t, err)

	outcome, err := f.billing.Ingest(ctx, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, models.SubscriptionStatusCanceled, f.subscription(t, 1).Status)

	outcome, err = f.billing.Ingest(ctx, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// A late update for the ended subscription changes nothing.
	outcome, err = f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "PRO", 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, models.SubscriptionStatusCanceled, f.subscription(t, 1).Status)
	assert.Equal(t, int64(1000), f.balance(t, 1))
}

func TestNewSubscriptionAfterCancellation(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 1))
	require.NoError(t, err)
	_, err = f.billing.Ingest(ctx, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"})
	require.NoError(t, err)

	outcome, err := f.billing.Ingest(ctx, subEvent(1, "sub_2", "active", "PRO", 3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	sub := f.subscription(t, 1)
	assert.Equal(t, "sub_2", sub.ExternalID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(1300), f.balance(t, 1))
}

func TestCanceledSubscriptionStaysEndedAfterReplacement(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STARTER", 1))
	require.NoError(t, err)
	_, err = f.billing.Ingest(ctx, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"})
	require.NoError(t, err)
	_, err = f.billing.Ingest(ctx, subEvent(1, "sub_2", "active", "PRO", 3))
	require.NoError(t, err)
	require.Equal(t, int64(1300), f.balance(t, 1))

	// A late update for the ended subscription must neither take over the row
	// nor grant its plan.
	outcome, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STUDIO", 4))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	sub := f.subscription(t, 1)
	assert.Equal(t, "sub_2", sub.ExternalID)
	assert.Equal(t, "PRO", sub.Plan)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(1300), f.balance(t, 1))
}

func TestCancellationBeforeCreationIsRemembered(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	outcome, err := f.billing.Ingest(ctx, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "PRO", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, f.count(t, &models.Subscription{}))
	assert.Zero(t, f.balance(t, 1))
}

func TestOlderSubscriptionDoesNotReplaceLiveOne(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)
	ctx := context.Background()

	_, err := f.billing.Ingest(ctx, subEvent(1, "sub_2", "active", "PRO", 3))
	require.NoError(t, err)

	outcome, err := f.billing.Ingest(ctx, subEvent(1, "sub_1", "active", "STUDIO", 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, "sub_2", f.subscription(t, 1).ExternalID)
	assert.Equal(t, int64(1000), f.balance(t, 1))
}

func TestCancelUnknownSubscriptionIsNoop(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.billing.Ingest(context.Background(), SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_missing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, f.count(t, &models.Subscription{}))
}

func TestCreatedAsCanceled(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)

	_, err := f.billing.Ingest(context.Background(), subEvent(1, "sub_1", "incomplete_expired", "PRO", 1))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, f.subscription(t, 1).Status)
	assert.Zero(t, f.balance(t, 1))
}

func TestUnknownPlanKeepsStateWithoutGrant(t *testing.T) {
	f := newFixture(t)
	f.provision(t, 1)

	outcome, err := f.billing.Ingest(context.Background(), subEvent(1, "sub_1", "active", "ENTERPRISE", 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, "ENTERPRISE", f.subscription(t, 1).Plan)
	assert.Zero(t, f.balance(t, 1))
}

func TestPeriodGrantKey(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	assert.Equal(t, "sub:sub_1:1700000000", PeriodGrantKey("sub_1", start))
}
