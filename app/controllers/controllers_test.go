package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/auth"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/database"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/middleware"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

const (
	testJWTSecret     = "controller-test-secret"
	testWebhookSecret = "whsec_controller_test"
)

type fakeSweeper struct {
	queued int
	err    error
	calls  int
}

func (f *fakeSweeper) RunReplaySweepOnce(ctx context.Context) (int, error) {
	f.calls++
	return f.queued, f.err
}

type testServer struct {
	app     *fiber.App
	db      *gorm.DB
	wallets *wallet.Service
	billing *billing.Service
	sweeper *fakeSweeper
}

type serverOption func(*serverConfig)

type serverConfig struct {
	isProd bool
	stripe *billing.StripeClient
}

func withProd() serverOption {
	return func(c *serverConfig) { c.isProd = true }
}

func withStripe(s *billing.StripeClient) serverOption {
	return func(c *serverConfig) { c.stripe = s }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	cfg := serverConfig{stripe: &billing.StripeClient{WebhookSecret: testWebhookSecret}}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := database.OpenTestDB(t)
	resolver := catalog.NewResolverFromDB(db, 0)
	_, err := resolver.Seed(context.Background())
	require.NoError(t, err)

	wallets := wallet.NewService(db,
		wallet.WithActionPricer(resolver),
		wallet.WithBackoff(func(int) time.Duration { return time.Millisecond }),
	)
	billingSvc := billing.NewServiceFromDB(db, wallets, resolver)
	sweeper := &fakeSweeper{}

	walletCtl := NewWalletController(wallets, wallet.DefaultSignupBonus, cfg.isProd)
	billingCtl := NewBillingController(billingSvc, cfg.stripe, nil)
	checkoutCtl := NewCheckoutController(resolver, cfg.stripe, nil, CheckoutURLs{
		SuccessURL: "https://app.test/success",
		CancelURL:  "https://app.test/cancel",
	})
	adminCtl := NewAdminController(wallets, billingSvc, sweeper, wallet.DefaultSignupBonus)

	app := fiber.New()
	app.Post("/webhooks/stripe", billingCtl.HandleStripeWebhook)
	app.Post("/webhooks/paypal", billingCtl.HandlePayPalWebhook)
	app.Get("/catalog", checkoutCtl.HandleCatalog)

	api := app.Group("", middleware.JWTAuth(testJWTSecret), middleware.RequireAuth)
	api.Get("/wallet/balance", walletCtl.HandleBalance)
	api.Get("/wallet/ledger", walletCtl.HandleLedger)
	api.Post("/wallet/charge", walletCtl.HandleCharge)
	api.Post("/wallet/actions/:action/charge", walletCtl.HandleChargeAction)
	api.Post("/wallet/grant", walletCtl.HandleGrant)
	api.Post("/wallet/provision", walletCtl.HandleProvision)
	api.Get("/orders", billingCtl.HandleOrders)
	api.Get("/subscriptions", billingCtl.HandleSubscriptions)
	api.Post("/checkout/quote", checkoutCtl.HandleQuote)
	api.Post("/checkout/stripe", checkoutCtl.HandleStripeCheckout)
	api.Post("/checkout/paypal", checkoutCtl.HandlePayPalCheckout)

	admin := api.Group("/admin", middleware.RequireAdmin)
	admin.Post("/wallets/:userId/provision", adminCtl.HandleProvisionWallet)
	admin.Get("/wallets/:userId/audit", adminCtl.HandleAuditWallet)
	admin.Post("/orders/:id/refund", adminCtl.HandleRefundOrder)
	admin.Post("/webhooks/replay", adminCtl.HandleReplayWebhooks)

	return &testServer{app: app, db: db, wallets: wallets, billing: billingSvc, sweeper: sweeper}
}

func token(t *testing.T, userID uint, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, role, testJWTSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as userID (0 means anonymous) and decodes the JSON reply.
func (s *testServer) do(t *testing.T, method, path string, userID uint, role string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if userID != 0 {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token(t, userID, role))
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) provision(t *testing.T, userID uint, bonus int64) {
	t.Helper()
	_, _, err := s.wallets.Provision(context.Background(), userID, bonus)
	require.NoError(t, err)
}

func (s *testServer) balance(t *testing.T, userID uint) int64 {
	t.Helper()
	b, err := s.wallets.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestWalletRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodGet, "/wallet/balance", 0, "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestProvisionThenBalance(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodPost, "/wallet/provision", 7, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, true, body["created"])

	status, body = s.do(t, fiber.MethodPost, "/wallet/provision", 7, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["created"])

	status, body = s.do(t, fiber.MethodGet, "/wallet/balance", 7, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, wallet.DefaultSignupBonus, body["balance"])
}

func TestBalanceWithoutWallet(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodGet, "/wallet/balance", 3, auth.RoleUser, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "wallet_not_found", body["error"])
}

func TestChargeContract(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 10)

	status, body := s.do(t, fiber.MethodPost, "/wallet/charge", 1, auth.RoleUser,
		map[string]interface{}{"amount": 4, "reason": "Export", "meta": map[string]interface{}{"job": "a1"}})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 6, body["balance"])
	entry := body["entry"].(map[string]interface{})
	assert.EqualValues(t, -4, entry["delta"])
	assert.Equal(t, "Export", entry["reason"])

	status, body = s.do(t, fiber.MethodPost, "/wallet/charge", 1, auth.RoleUser,
		map[string]interface{}{"amount": 7, "reason": "Export"})
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.Equal(t, int64(6), s.balance(t, 1))
}

func TestChargeValidation(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 10)

	cases := []map[string]interface{}{
		{"amount": 0, "reason": "x"},
		{"amount": -3, "reason": "x"},
		{"amount": 3},
		{"amount": 3, "reason": string(bytes.Repeat([]byte("r"), 256))},
	}
	for _, body := range cases {
		status, out := s.do(t, fiber.MethodPost, "/wallet/charge", 1, auth.RoleUser, body)
		assert.Equal(t, fiber.StatusBadRequest, status, "%v", body)
		assert.Equal(t, "invalid_request", out["error"])
	}
	assert.Equal(t, int64(10), s.balance(t, 1))
}

func TestChargeMalformedBody(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 10)

	req := httptest.NewRequest(fiber.MethodPost, "/wallet/charge", bytes.NewBufferString("{not json"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token(t, 1, auth.RoleUser))
	status, body := s.send(t, req)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestChargeActionUsesCatalogPrice(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 10)

	status, body := s.do(t, fiber.MethodPost, "/wallet/actions/AI_LOGO_GENERATION/charge", 1, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 5, body["balance"])
	entry := body["entry"].(map[string]interface{})
	assert.Equal(t, "AI logo generation", entry["reason"])
}

func TestLedgerNewestFirst(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 50)
	_, err := s.wallets.ChargeOrFail(context.Background(), 1, 5, "first", nil)
	require.NoError(t, err)
	_, err = s.wallets.ChargeOrFail(context.Background(), 1, 5, "second", nil)
	require.NoError(t, err)

	status, body := s.do(t, fiber.MethodGet, "/wallet/ledger?page=1&per_page=2", 1, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["total"])
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].(map[string]interface{})["reason"])
}

func TestGrantPermissions(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 0)
	s.provision(t, 2, 0)
	grant := func(to uint) map[string]interface{} {
		return map[string]interface{}{"user_id": to, "amount": 25, "reason": "Manual top-up"}
	}

	status, _ := s.do(t, fiber.MethodPost, "/wallet/grant", 1, auth.RoleUser, grant(1))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, int64(25), s.balance(t, 1))

	status, body := s.do(t, fiber.MethodPost, "/wallet/grant", 1, auth.RoleUser, grant(2))
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])

	status, _ = s.do(t, fiber.MethodPost, "/wallet/grant", 9, auth.RoleAdmin, grant(2))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, int64(25), s.balance(t, 2))
}

func TestSelfGrantForbiddenInProduction(t *testing.T) {
	s := newTestServer(t, withProd())
	s.provision(t, 1, 0)

	status, _ := s.do(t, fiber.MethodPost, "/wallet/grant", 1, auth.RoleUser,
		map[string]interface{}{"user_id": 1, "amount": 25, "reason": "Manual top-up"})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, int64(0), s.balance(t, 1))
}

func checkoutCompleted(eventID, sessionID string, userID string, sku string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":           sessionID,
				"amount_total": 1900,
				"currency":     "usd",
				"mode":         "payment",
				"metadata":     map[string]string{"userId": userID, "productId": sku},
			},
		},
	})
	return payload
}

func (s *testServer) stripeWebhook(t *testing.T, payload []byte, signature string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	return s.send(t, req)
}

func sign(payload []byte) string {
	return billing.SignStripePayload(payload, testWebhookSecret, time.Now())
}

func TestStripeWebhookGrantsOnce(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 0)
	payload := checkoutCompleted("evt_1", "cs_1", "1", "CREDITS_500")

	status, body := s.stripeWebhook(t, payload, sign(payload))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, int64(500), s.balance(t, 1))

	status, body = s.stripeWebhook(t, payload, sign(payload))
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, int64(500), s.balance(t, 1))

	status, body = s.do(t, fiber.MethodGet, "/orders", 1, auth.RoleUser, nil)
	require.Equal(t, fiber.StatusOK, status)
	orders := body["orders"].([]interface{})
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusCompleted, orders[0].(map[string]interface{})["status"])
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 0)
	payload := checkoutCompleted("evt_1", "cs_1", "1", "CREDITS_500")

	status, body := s.stripeWebhook(t, payload, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	forged := billing.SignStripePayload(payload, "whsec_other", time.Now())
	status, _ = s.stripeWebhook(t, payload, forged)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	var stored int64
	require.NoError(t, s.db.Model(&models.PaymentWebhookEvent{}).Count(&stored).Error)
	assert.Zero(t, stored)
	assert.Equal(t, int64(0), s.balance(t, 1))
}

func TestStripeWebhookInvalidPayload(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"type":"checkout.session.completed"}`)

	status, body := s.stripeWebhook(t, payload, sign(payload))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestStripeWebhookIgnoresUnknownType(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"id":"evt_9","type":"invoice.created","data":{"object":{}}}`)

	status, body := s.stripeWebhook(t, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestStripeWebhookWithoutWalletFails(t *testing.T) {
	s := newTestServer(t)
	payload := checkoutCompleted("evt_2", "cs_2", "42", "CREDITS_200")

	status, body := s.stripeWebhook(t, payload, sign(payload))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "webhook_processing_failed", body["error"])

	// After the wallet exists a redelivery applies the event.
	s.provision(t, 42, 0)
	status, _ = s.stripeWebhook(t, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, int64(200), s.balance(t, 42))
}

func TestPayPalWebhookWithoutClientIsRejected(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/paypal", bytes.NewBufferString(`{"id":"WH-1"}`))
	status, body := s.send(t, req)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])
}

func TestCatalogAndQuote(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodGet, "/catalog?provider=paypal", 0, "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.BillingProviderPayPal, body["provider"])
	assert.Len(t, body["entries"], 3)

	status, body = s.do(t, fiber.MethodPost, "/checkout/quote", 1, auth.RoleUser,
		map[string]interface{}{"provider": "stripe", "sku": "credits_500"})
	require.Equal(t, fiber.StatusOK, status)
	quote := body["quote"].(map[string]interface{})
	assert.Equal(t, "CREDITS_500", quote["sku"])
	assert.EqualValues(t, 1900, quote["price_minor"])

	status, body = s.do(t, fiber.MethodPost, "/checkout/quote", 1, auth.RoleUser,
		map[string]interface{}{"provider": "stripe", "sku": "CREDITS_3"})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "sku_not_found", body["error"])
}

func TestStripeCheckoutSendsCatalogPrice(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.stripe.test/cs_test_1"}`))
	}))
	defer srv.Close()

	s := newTestServer(t, withStripe(&billing.StripeClient{
		SecretKey:     "sk_test",
		WebhookSecret: testWebhookSecret,
		APIBaseURL:    srv.URL,
		HTTPClient:    srv.Client(),
	}))

	status, body := s.do(t, fiber.MethodPost, "/checkout/stripe", 5, auth.RoleUser,
		map[string]interface{}{"sku": "CREDITS_200"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "cs_test_1", body["id"])
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", body["url"])
	assert.Equal(t, []string{"900"}, form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, []string{"5"}, form["metadata[userId]"])
	assert.Equal(t, []string{"CREDITS_200"}, form["metadata[productId]"])
}

func TestCheckoutWithoutProviderKeys(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodPost, "/checkout/stripe", 5, auth.RoleUser,
		map[string]interface{}{"sku": "CREDITS_200"})
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "provider_not_configured", body["error"])
}

func TestPayPalCheckoutRejectsPlans(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.db.Create(&models.CatalogEntry{
		Provider: models.BillingProviderPayPal, SKU: "PLAN_PRO", Name: "Pro",
		Kind: models.CatalogKindPlan, PeriodCredits: 1000, PriceMinor: 2900, Currency: "usd", IsActive: true,
	}).Error)

	status, body := s.do(t, fiber.MethodPost, "/checkout/paypal", 5, auth.RoleUser,
		map[string]interface{}{"sku": "PLAN_PRO"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "plan_not_supported", body["error"])
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodPost, "/admin/webhooks/replay", 1, auth.RoleUser, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])
	assert.Zero(t, s.sweeper.calls)
}

func TestAdminProvisionAndAudit(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, fiber.MethodPost, "/admin/wallets/12/provision", 1, auth.RoleAdmin, nil)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, true, body["created"])

	status, body = s.do(t, fiber.MethodGet, "/admin/wallets/12/audit", 1, auth.RoleAdmin, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["consistent"])
	assert.EqualValues(t, wallet.DefaultSignupBonus, body["balance"])
	assert.EqualValues(t, wallet.DefaultSignupBonus, body["ledger_sum"])

	status, _ = s.do(t, fiber.MethodGet, "/admin/wallets/abc/audit", 1, auth.RoleAdmin, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAdminRefundOrder(t *testing.T) {
	s := newTestServer(t)
	s.provision(t, 1, 0)
	payload := checkoutCompleted("evt_r", "cs_r", "1", "CREDITS_200")
	status, _ := s.stripeWebhook(t, payload, sign(payload))
	require.Equal(t, fiber.StatusOK, status)

	orders, err := s.billing.ListOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	path := "/admin/orders/" + jsonNumber(orders[0].ID) + "/refund"

	status, body := s.do(t, fiber.MethodPost, path, 9, auth.RoleAdmin, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, models.OrderStatusRefunded, body["order"].(map[string]interface{})["status"])
	// Ledger untouched
	assert.Equal(t, int64(200), s.balance(t, 1))

	status, body = s.do(t, fiber.MethodPost, path, 9, auth.RoleAdmin, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "order_not_refundable", body["error"])

	status, body = s.do(t, fiber.MethodPost, "/admin/orders/999/refund", 9, auth.RoleAdmin, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "order_not_found", body["error"])
}

func jsonNumber(id uint) string {
	raw, _ := json.Marshal(id)
	return string(raw)
}

func TestAdminReplayWebhooks(t *testing.T) {
	s := newTestServer(t)
	s.sweeper.queued = 3

	status, body := s.do(t, fiber.MethodPost, "/admin/webhooks/replay", 1, auth.RoleAdmin, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["queued"])
	assert.Equal(t, 1, s.sweeper.calls)

	s.sweeper.err = errors.New("redis down")
	status, body = s.do(t, fiber.MethodPost, "/admin/webhooks/replay", 1, auth.RoleAdmin, nil)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "replay_failed", body["error"])
}
