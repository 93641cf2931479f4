package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

const (
	stripeCheckoutCompleted    = "checkout.session.completed"
	stripeSubscriptionCreated  = "customer.subscription.created"
	stripeSubscriptionUpdated  = "customer.subscription.updated"
	stripeSubscriptionDeleted  = "customer.subscription.deleted"
	defaultSubscriptionPlan    = "STARTER"
	stripeSubscriptionModeName = "subscription"
)

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID          string            `json:"id"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Mode        string            `json:"mode"`
	Metadata    map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// ParseStripeEvent maps a verified Stripe event to the canonical event set.
func ParseStripeEvent(payload []byte) (Envelope, Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return Envelope{}, nil, fmt.Errorf("%w: missing id or type", ErrInvalidPayload)
	}

	envelope := Envelope{Provider: models.BillingProviderStripe, EventID: raw.ID, EventType: raw.Type}
	ignored := func(why string) Event {
		return Ignored{Provider: models.BillingProviderStripe, Kind: raw.Type, Why: why}
	}

	switch raw.Type {
	case stripeCheckoutCompleted:
		var session stripeCheckoutSession
		if err := json.Unmarshal(raw.Data.Object, &session); err != nil {
			return envelope, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		userID, ok := parseUserID(session.Metadata["userId"])
		if !ok {
			return envelope, ignored("missing userId metadata"), nil
		}
		if session.ID == "" {
			return envelope, nil, fmt.Errorf("%w: checkout session without id", ErrInvalidPayload)
		}
		currency := strings.ToLower(session.Currency)
		if currency == "" {
			currency = "usd"
		}
		return envelope, PurchaseCompleted{
			Provider:    models.BillingProviderStripe,
			UserID:      userID,
			SKU:         catalog.NormalizeSKU(session.Metadata["productId"]),
			ExternalID:  session.ID,
			AmountMinor: session.AmountTotal,
			Currency:    currency,
			EventID:     raw.ID,
		}, nil

	case stripeSubscriptionCreated, stripeSubscriptionUpdated:
		var sub stripeSubscription
		if err := json.Unmarshal(raw.Data.Object, &sub); err != nil {
			return envelope, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		userID, ok := parseUserID(sub.Metadata["userId"])
		if !ok {
			return envelope, ignored("missing userId metadata"), nil
		}
		if sub.ID == "" {
			return envelope, nil, fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
		}
		plan := strings.ToUpper(strings.TrimSpace(sub.Metadata["plan"]))
		if plan == "" {
			plan = defaultSubscriptionPlan
		}
		return envelope, SubscriptionUpserted{
			Provider:          models.BillingProviderStripe,
			UserID:            userID,
			ExternalID:        sub.ID,
			Status:            sub.Status,
			Plan:              strings.TrimPrefix(plan, "PLAN_"),
			PeriodStart:       unixPtr(sub.CurrentPeriodStart),
			PeriodEnd:         unixPtr(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}, nil

	case stripeSubscriptionDeleted:
		var sub stripeSubscription
		if err := json.Unmarshal(raw.Data.Object, &sub); err != nil {
			return envelope, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if sub.ID == "" {
			return envelope, nil, fmt.Errorf("%w: subscription without id", ErrInvalidPayload)
		}
		return envelope, SubscriptionCanceled{Provider: models.BillingProviderStripe, ExternalID: sub.ID}, nil
	}

	return envelope, ignored("unhandled event type"), nil
}

func parseUserID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// StripeClient creates hosted checkout sessions.
type StripeClient struct {
	SecretKey     string
	WebhookSecret string
	APIBaseURL    string
	HTTPClient    *http.Client
}

// CheckoutSession is the part of a Stripe checkout session the caller needs.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func NewStripeClientFromEnv() *StripeClient {
	return &StripeClient{
		SecretKey:     strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		APIBaseURL:    strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether checkout calls can be made.
func (c *StripeClient) Configured() bool {
	return c != nil && c.SecretKey != ""
}

// CreateCheckoutSession opens a hosted checkout for a catalog entry. Plans
// become monthly subscriptions whose metadata carries the user and plan so
// subscription events can be attributed.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, quote catalog.Entry, userID uint, successURL, cancelURL string) (*CheckoutSession, error) {
	if !c.Configured() {
		return nil, ErrProviderNotConfigured
	}
	if userID == 0 {
		return nil, errors.New("user id is required")
	}

	uid := strconv.FormatUint(uint64(userID), 10)
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", quote.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(quote.PriceMinor, 10))
	form.Set("line_items[0][price_data][product_data][name]", quote.Name)
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("client_reference_id", uid)
	form.Set("metadata[userId]", uid)
	form.Set("metadata[productId]", quote.SKU)
	if quote.IsPlan() {
		form.Set("mode", stripeSubscriptionModeName)
		form.Set("line_items[0][price_data][recurring][interval]", "month")
		form.Set("subscription_data[metadata][userId]", uid)
		form.Set("subscription_data[metadata][plan]", strings.TrimPrefix(quote.SKU, "PLAN_"))
	}

	endpoint := strings.TrimRight(c.APIBaseURL, "/") + "/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.SecretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe checkout session failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out CheckoutSession
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("stripe checkout session returned empty id")
	}
	return &out, nil
}
