package billing

import "time"

// Event is the provider-neutral form of a payment notification. The set is
// closed: every provider event maps to exactly one of the types below.
type Event interface {
	ProviderName() string
	isEvent()
}

// PurchaseCompleted is a one-off payment that should credit the wallet.
type PurchaseCompleted struct {
	Provider    string
	UserID      uint
	SKU         string
	ExternalID  string
	AmountMinor int64
	Currency    string
	EventID     string
}

// SubscriptionUpserted carries the current state of a recurring subscription.
type SubscriptionUpserted struct {
	Provider          string
	UserID            uint
	ExternalID        string
	Status            string
	Plan              string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// SubscriptionCanceled ends the subscription identified by ExternalID.
type SubscriptionCanceled struct {
	Provider   string
	ExternalID string
}

// Ignored is an acknowledged event kind the engine does not act on.
type Ignored struct {
	Provider string
	Kind     string
	Why      string
}

func (e PurchaseCompleted) ProviderName() string    { return e.Provider }
func (e SubscriptionUpserted) ProviderName() string { return e.Provider }
func (e SubscriptionCanceled) ProviderName() string { return e.Provider }
func (e Ignored) ProviderName() string              { return e.Provider }

func (PurchaseCompleted) isEvent()    {}
func (SubscriptionUpserted) isEvent() {}
func (SubscriptionCanceled) isEvent() {}
func (Ignored) isEvent()              {}

// Envelope identifies a raw provider delivery.
type Envelope struct {
	Provider  string
	EventID   string
	EventType string
}

// Outcome describes what ingesting an event did.
type Outcome string

const (
	OutcomeProcessed   Outcome = "processed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeFailedOrder Outcome = "failed_order"
	OutcomeFailed      Outcome = "failed"
)

// Delivery is one verified webhook request as received.
type Delivery struct {
	Envelope
	Payload        []byte
	SignatureValid bool
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
