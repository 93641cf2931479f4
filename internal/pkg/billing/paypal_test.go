package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
)

const captureCompleted = `{
	"id": "WH-1",
	"event_type": "PAYMENT.CAPTURE.COMPLETED",
	"resource": {
		"id": "CAP-9",
		"custom_id": "42",
		"amount": {"value": "19.00", "currency_code": "USD"},
		"purchase_units": [{"reference_id": "credits_500"}]
	}
}`

func fullHeaders() PayPalHeaders {
	return PayPalHeaders{
		TransmissionID:   "tx-1",
		TransmissionTime: "2024-01-01T00:00:00Z",
		TransmissionSig:  "sig",
		CertURL:          "https://api.paypal.com/cert.pem",
		AuthAlgo:         "SHA256withRSA",
	}
}

func newPayPalServer(t *testing.T, status string, tokenCalls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/oauth2/token":
			atomic.AddInt32(tokenCalls, 1)
			user, pass, _ := r.BasicAuth()
			assert.Equal(t, "client", user)
			assert.Equal(t, "secret", pass)
			_, _ = w.Write([]byte(`{"access_token":"A21","expires_in":3600}`))
		case "/v1/notifications/verify-webhook-signature":
			assert.Equal(t, "Bearer A21", r.Header.Get("Authorization"))
			var body map[string]json.RawMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.JSONEq(t, `"WH-CONFIG"`, string(body["webhook_id"]))
			assert.JSONEq(t, `"tx-1"`, string(body["transmission_id"]))
			_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
		case "/v2/checkout/orders":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			unit := body["purchase_units"].([]interface{})[0].(map[string]interface{})
			assert.Equal(t, "CREDITS_500", unit["reference_id"])
			assert.Equal(t, "42|CREDITS_500", unit["custom_id"])
			assert.Equal(t, "19.00", unit["amount"].(map[string]interface{})["value"])
			_, _ = w.Write([]byte(`{"id":"ORDER-1","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal/approve"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestPayPalClient(baseURL string) *PayPalClient {
	return &PayPalClient{
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-CONFIG",
		APIBaseURL:   baseURL,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

func TestPayPalVerifyWebhookSignature(t *testing.T) {
	var tokenCalls int32
	srv := newPayPalServer(t, "SUCCESS", &tokenCalls)
	defer srv.Close()
	c := newTestPayPalClient(srv.URL)

	require.NoError(t, c.VerifyWebhookSignature(context.Background(), fullHeaders(), []byte(captureCompleted)))
	require.NoError(t, c.VerifyWebhookSignature(context.Background(), fullHeaders(), []byte(captureCompleted)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token is cached")
}

func TestPayPalVerifyFailsClosed(t *testing.T) {
	var tokenCalls int32
	srv := newPayPalServer(t, "FAILURE", &tokenCalls)
	defer srv.Close()
	ctx := context.Background()

	c := newTestPayPalClient(srv.URL)
	assert.ErrorIs(t, c.VerifyWebhookSignature(ctx, fullHeaders(), []byte(captureCompleted)), ErrSignatureInvalid)

	missing := fullHeaders()
	missing.TransmissionSig = ""
	assert.ErrorIs(t, c.VerifyWebhookSignature(ctx, missing, []byte(captureCompleted)), ErrSignatureInvalid)

	unconfigured := newTestPayPalClient(srv.URL)
	unconfigured.WebhookID = ""
	assert.ErrorIs(t, unconfigured.VerifyWebhookSignature(ctx, fullHeaders(), []byte(captureCompleted)), ErrSignatureInvalid)

	unreachable := newTestPayPalClient("http://127.0.0.1:1")
	assert.ErrorIs(t, unreachable.VerifyWebhookSignature(ctx, fullHeaders(), []byte(captureCompleted)), ErrSignatureInvalid)
}

func TestPayPalCreateOrder(t *testing.T) {
	var tokenCalls int32
	srv := newPayPalServer(t, "SUCCESS", &tokenCalls)
	defer srv.Close()
	c := newTestPayPalClient(srv.URL)

	quote := catalog.Entry{Provider: "PAYPAL", SKU: "CREDITS_500", CreditAmount: 500, PriceMinor: 1900, Currency: "usd"}
	order, err := c.CreateOrder(context.Background(), quote, 42, "https://app/ok", "https://app/cancel")
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", order.ID)
	assert.Equal(t, "https://paypal/approve", order.ApproveURL)
}

func TestParsePayPalCaptureCompleted(t *testing.T) {
	env, ev, err := ParsePayPalEvent([]byte(captureCompleted))
	require.NoError(t, err)
	assert.Equal(t, "WH-1", env.EventID)

	p, ok := ev.(PurchaseCompleted)
	require.True(t, ok)
	assert.Equal(t, models.BillingProviderPayPal, p.Provider)
	assert.Equal(t, uint(42), p.UserID)
	assert.Equal(t, "CREDITS_500", p.SKU)
	assert.Equal(t, "CAP-9", p.ExternalID)
	assert.Equal(t, int64(1900), p.AmountMinor)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "WH-1", p.EventID)
}

func TestParsePayPalSkuFromCustomID(t *testing.T) {
	payload := `{"id":"WH-2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":"42|CREDITS_200","amount":{"value":"9"}}}`

	_, ev, err := ParsePayPalEvent([]byte(payload))
	require.NoError(t, err)
	p := ev.(PurchaseCompleted)
	assert.Equal(t, "CREDITS_200", p.SKU)
	assert.Equal(t, int64(900), p.AmountMinor)
	assert.Equal(t, "USD", p.Currency)
}

func TestParsePayPalIgnored(t *testing.T) {
	tests := []string{
		`{"id":"WH-3","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`,
		`{"id":"WH-4","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2","amount":{"value":"9.00"}}}`,
		`{"id":"WH-5","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-3","custom_id":"42"}}`,
	}
	for _, payload := range tests {
		_, ev, err := ParsePayPalEvent([]byte(payload))
		require.NoError(t, err)
		_, ok := ev.(Ignored)
		assert.True(t, ok, payload)
	}
}

func TestParsePayPalInvalidAmount(t *testing.T) {
	payload := `{"id":"WH-6","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-4","custom_id":"42|CREDITS_200","amount":{"value":"nine"}}}`
	_, _, err := ParsePayPalEvent([]byte(payload))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestToMinorUnits(t *testing.T) {
	tests := map[string]int64{"19.00": 1900, "9": 900, "0.1": 10, "35.005": 3501, "": 0}
	for in, want := range tests {
		got, err := toMinorUnits(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestPayPalHeadersFrom(t *testing.T) {
	h := http.Header{}
	h.Set("Paypal-Transmission-Id", " tx-1 ")
	h.Set("Paypal-Auth-Algo", "SHA256withRSA")

	got := PayPalHeadersFrom(h.Get)
	assert.Equal(t, "tx-1", got.TransmissionID)
	assert.Equal(t, "SHA256withRSA", got.AuthAlgo)
	assert.False(t, got.complete())
}
