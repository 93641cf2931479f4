package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
)

func TestParseStripeCheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_100",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"amount_total": 1900,
			"currency": "USD",
			"metadata": {"userId": "42", "productId": "credits_500"}
		}}
	}`)

	env, ev, err := ParseStripeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, Envelope{Provider: models.BillingProviderStripe, EventID: "evt_100", EventType: "checkout.session.completed"}, env)

	p, ok := ev.(PurchaseCompleted)
	require.True(t, ok)
	assert.Equal(t, uint(42), p.UserID)
	assert.Equal(t, "CREDITS_500", p.SKU)
	assert.Equal(t, "cs_test_1", p.ExternalID)
	assert.Equal(t, int64(1900), p.AmountMinor)
	assert.Equal(t, "usd", p.Currency)
}

func TestParseStripeSubscriptionUpdated(t *testing.T) {
	payload := []byte(`{
		"id": "evt_200",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1",
			"status": "past_due",
			"current_period_start": 1700000000,
			"current_period_end": 1702592000,
			"cancel_at_period_end": true,
			"metadata": {"userId": "7", "plan": "pro"}
		}}
	}`)

	_, ev, err := ParseStripeEvent(payload)
	require.NoError(t, err)
	sub, ok := ev.(SubscriptionUpserted)
	require.True(t, ok)
	assert.Equal(t, uint(7), sub.UserID)
	assert.Equal(t, "PRO", sub.Plan)
	assert.Equal(t, "past_due", sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.PeriodStart)
	assert.Equal(t, int64(1700000000), sub.PeriodStart.Unix())
	assert.Equal(t, int64(1702592000), sub.PeriodEnd.Unix())
}

func TestParseStripeSubscriptionDefaultsPlan(t *testing.T) {
	payload := []byte(`{"id":"evt_201","type":"customer.subscription.created","data":{"object":{"id":"sub_2","status":"active","metadata":{"userId":"7"}}}}`)

	_, ev, err := ParseStripeEvent(payload)
	require.NoError(t, err)
	sub := ev.(SubscriptionUpserted)
	assert.Equal(t, "STARTER", sub.Plan)
	assert.Nil(t, sub.PeriodStart)
}

func TestParseStripeSubscriptionDeleted(t *testing.T) {
	payload := []byte(`{"id":"evt_300","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","status":"canceled"}}}`)

	_, ev, err := ParseStripeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: "sub_1"}, ev)
}

func TestParseStripeIgnoredEvents(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unhandled type", `{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`},
		{"checkout without user", `{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_1","metadata":{}}}}`},
		{"subscription with non-numeric user", `{"id":"evt_3","type":"customer.subscription.created","data":{"object":{"id":"sub_1","metadata":{"userId":"abc"}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ev, err := ParseStripeEvent([]byte(tt.payload))
			require.NoError(t, err)
			_, ok := ev.(Ignored)
			assert.True(t, ok)
		})
	}
}

func TestParseStripeInvalidPayload(t *testing.T) {
	for _, payload := range []string{`not json`, `{"type":"checkout.session.completed"}`, `{"id":"evt_1"}`} {
		_, _, err := ParseStripeEvent([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidPayload, payload)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test", user)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "2900", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "month", r.PostForm.Get("line_items[0][price_data][recurring][interval]"))
		assert.Equal(t, "42", r.PostForm.Get("metadata[userId]"))
		assert.Equal(t, "PLAN_PRO", r.PostForm.Get("metadata[productId]"))
		assert.Equal(t, "PRO", r.PostForm.Get("subscription_data[metadata][plan]"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_123","url":"https://checkout.stripe.com/c/pay/cs_123"}`))
	}))
	defer srv.Close()

	c := &StripeClient{SecretKey: "sk_test", APIBaseURL: srv.URL + "/v1", HTTPClient: &http.Client{Timeout: 5 * time.Second}}
	quote := catalog.Entry{Provider: "STRIPE", SKU: "PLAN_PRO", Name: "Pro", Kind: models.CatalogKindPlan, PeriodCredits: 1000, PriceMinor: 2900, Currency: "usd"}

	session, err := c.CreateCheckoutSession(context.Background(), quote, 42, "https://app/success", "https://app/cancel")
	require.NoError(t, err)
	assert.Equal(t, "cs_123", session.ID)
	assert.Contains(t, session.URL, "cs_123")
}

func TestCreateCheckoutSessionRequiresKey(t *testing.T) {
	c := &StripeClient{}
	_, err := c.CreateCheckoutSession(context.Background(), catalog.Entry{}, 1, "", "")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
