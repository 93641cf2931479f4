package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
)

const (
	defaultPayPalSandboxURL = "https://api-m.sandbox.paypal.com"
	defaultPayPalLiveURL    = "https://api-m.paypal.com"

	paypalCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	paypalVerifySuccess    = "SUCCESS"

	// custom_id carries "<userID>|<SKU>" so captures can be attributed even
	// though capture resources do not repeat the purchase units.
	paypalCustomIDSeparator = "|"
)

// PayPalHeaders are the transmission headers PayPal signs each delivery with.
type PayPalHeaders struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
}

// PayPalHeadersFrom reads the transmission headers through get.
func PayPalHeadersFrom(get func(key string) string) PayPalHeaders {
	return PayPalHeaders{
		TransmissionID:   strings.TrimSpace(get("PAYPAL-TRANSMISSION-ID")),
		TransmissionTime: strings.TrimSpace(get("PAYPAL-TRANSMISSION-TIME")),
		TransmissionSig:  strings.TrimSpace(get("PAYPAL-TRANSMISSION-SIG")),
		CertURL:          strings.TrimSpace(get("PAYPAL-CERT-URL")),
		AuthAlgo:         strings.TrimSpace(get("PAYPAL-AUTH-ALGO")),
	}
}

func (h PayPalHeaders) complete() bool {
	return h.TransmissionID != "" && h.TransmissionTime != "" && h.TransmissionSig != "" &&
		h.CertURL != "" && h.AuthAlgo != ""
}

type PayPalClient struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	APIBaseURL   string
	BrandName    string

	HTTPClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// PayPalOrder is the checkout order handed back to the browser.
type PayPalOrder struct {
	ID         string `json:"id"`
	ApproveURL string `json:"approveUrl"`
}

func NewPayPalClientFromEnv() *PayPalClient {
	base := defaultPayPalSandboxURL
	if env.IsProd() {
		base = defaultPayPalLiveURL
	}
	return &PayPalClient{
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		APIBaseURL:   strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE_URL", base)),
		BrandName:    env.GetEnv("PAYPAL_BRAND_NAME", "CreditWallet"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether API credentials are present.
func (c *PayPalClient) Configured() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != ""
}

func (c *PayPalClient) token(ctx context.Context) (string, error) {
	if !c.Configured() {
		return "", ErrProviderNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/oauth2/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "paypal token request")
	if err != nil {
		return "", err
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("paypal token request returned empty access_token")
	}

	c.accessToken = out.AccessToken
	// Renew a minute early so in-flight calls never carry an expired token.
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

// VerifyWebhookSignature asks PayPal to verify a delivery. It fails closed:
// missing configuration, missing headers or any verification status other
// than SUCCESS yield ErrSignatureInvalid.
func (c *PayPalClient) VerifyWebhookSignature(ctx context.Context, headers PayPalHeaders, payload []byte) error {
	if c == nil || c.WebhookID == "" || !c.Configured() {
		return ErrSignatureInvalid
	}
	if !headers.complete() || !json.Valid(payload) {
		return ErrSignatureInvalid
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"auth_algo":         headers.AuthAlgo,
		"cert_url":          headers.CertURL,
		"transmission_id":   headers.TransmissionID,
		"transmission_sig":  headers.TransmissionSig,
		"transmission_time": headers.TransmissionTime,
		"webhook_id":        c.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/notifications/verify-webhook-signature"), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "paypal signature verification")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if out.VerificationStatus != paypalVerifySuccess {
		return ErrSignatureInvalid
	}
	return nil
}

// CreateOrder opens a capture-intent order for a catalog pack.
func (c *PayPalClient) CreateOrder(ctx context.Context, quote catalog.Entry, userID uint, returnURL, cancelURL string) (*PayPalOrder, error) {
	if userID == 0 {
		return nil, errors.New("user id is required")
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	value := decimal.New(quote.PriceMinor, -2).StringFixed(2)
	reqBody, err := json.Marshal(map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": quote.SKU,
			"custom_id":    strconv.FormatUint(uint64(userID), 10) + paypalCustomIDSeparator + quote.SKU,
			"description":  fmt.Sprintf("%d credits", quote.CreditAmount),
			"amount": map[string]string{
				"currency_code": strings.ToUpper(quote.Currency),
				"value":         value,
			},
		}},
		"application_context": map[string]string{
			"brand_name": c.BrandName,
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v2/checkout/orders"), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	body, err := c.do(req, "paypal create order")
	if err != nil {
		return nil, err
	}

	var out struct {
		ID    string `json:"id"`
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	order := &PayPalOrder{ID: out.ID}
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			order.ApproveURL = l.Href
			break
		}
	}
	return order, nil
}

func (c *PayPalClient) endpoint(path string) string {
	return strings.TrimRight(c.APIBaseURL, "/") + path
}

func (c *PayPalClient) do(req *http.Request, what string) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s failed: status=%d body=%s", what, resp.StatusCode, string(body))
	}
	return body, nil
}

type paypalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalCapture struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Amount   struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
	} `json:"purchase_units"`
}

// ParsePayPalEvent maps a verified PayPal event to the canonical event set.
func ParsePayPalEvent(payload []byte) (Envelope, Event, error) {
	var raw paypalEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.EventType) == "" {
		return Envelope{}, nil, fmt.Errorf("%w: missing id or event_type", ErrInvalidPayload)
	}

	envelope := Envelope{Provider: models.BillingProviderPayPal, EventID: raw.ID, EventType: raw.EventType}
	ignored := func(why string) Event {
		return Ignored{Provider: models.BillingProviderPayPal, Kind: raw.EventType, Why: why}
	}
	if raw.EventType != paypalCaptureCompleted {
		return envelope, ignored("unhandled event type"), nil
	}

	var capture paypalCapture
	if err := json.Unmarshal(raw.Resource, &capture); err != nil {
		return envelope, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	userPart, skuPart, _ := strings.Cut(capture.CustomID, paypalCustomIDSeparator)
	userID, ok := parseUserID(userPart)
	if !ok {
		return envelope, ignored("missing custom_id"), nil
	}
	sku := skuPart
	if len(capture.PurchaseUnits) > 0 && capture.PurchaseUnits[0].ReferenceID != "" {
		sku = capture.PurchaseUnits[0].ReferenceID
	}
	sku = catalog.NormalizeSKU(sku)
	if sku == "" {
		return envelope, ignored("missing sku"), nil
	}
	if capture.ID == "" {
		return envelope, nil, fmt.Errorf("%w: capture without id", ErrInvalidPayload)
	}

	amount, err := toMinorUnits(capture.Amount.Value)
	if err != nil {
		return envelope, nil, fmt.Errorf("%w: amount %q", ErrInvalidPayload, capture.Amount.Value)
	}
	currency := strings.ToUpper(strings.TrimSpace(capture.Amount.CurrencyCode))
	if currency == "" {
		currency = "USD"
	}

	return envelope, PurchaseCompleted{
		Provider:    models.BillingProviderPayPal,
		UserID:      userID,
		SKU:         sku,
		ExternalID:  capture.ID,
		AmountMinor: amount,
		Currency:    currency,
		EventID:     raw.ID,
	}, nil
}

// toMinorUnits converts a decimal major-unit string ("19.00") to cents.
func toMinorUnits(value string) (int64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
