package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/usercontext"
)

// QuoteRequest is the body of the checkout endpoints.
type QuoteRequest struct {
	Provider string `json:"provider" validate:"omitempty,oneof=stripe paypal STRIPE PAYPAL"`
	SKU      string `json:"sku" validate:"required,max=100"`
}

// CheckoutURLs are where the provider sends the browser afterwards.
type CheckoutURLs struct {
	SuccessURL string
	CancelURL  string
}

// CheckoutController quotes catalog prices and opens provider checkouts.
type CheckoutController struct {
	catalog *catalog.Resolver
	stripe  *billing.StripeClient
	paypal  *billing.PayPalClient
	urls    CheckoutURLs
}

func NewCheckoutController(resolver *catalog.Resolver, stripe *billing.StripeClient, paypal *billing.PayPalClient, urls CheckoutURLs) *CheckoutController {
	return &CheckoutController{catalog: resolver, stripe: stripe, paypal: paypal, urls: urls}
}

// HandleCatalog lists purchasable entries of a provider.
func (cc *CheckoutController) HandleCatalog(c *fiber.Ctx) error {
	provider := strings.ToUpper(c.Query("provider", models.BillingProviderStripe))

	ctx, cancel := requestContext()
	defer cancel()

	entries, err := cc.catalog.List(ctx, provider)
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"provider": provider, "entries": entries})
}

// HandleQuote prices a SKU without contacting the provider.
func (cc *CheckoutController) HandleQuote(c *fiber.Ctx) error {
	quote, ok, err := cc.quote(c, "")
	if !ok {
		return err
	}
	return c.JSON(fiber.Map{"quote": quote})
}

// HandleStripeCheckout opens a Stripe hosted checkout for the caller.
func (cc *CheckoutController) HandleStripeCheckout(c *fiber.Ctx) error {
	quote, ok, err := cc.quote(c, models.BillingProviderStripe)
	if !ok {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()

	session, err := cc.stripe.CreateCheckoutSession(ctx, quote, usercontext.GetUserID(c), cc.urls.SuccessURL, cc.urls.CancelURL)
	if err != nil {
		return checkoutError(c, "stripe", err)
	}
	return c.JSON(fiber.Map{"id": session.ID, "url": session.URL, "quote": quote})
}

// HandlePayPalCheckout creates a PayPal order for a credit pack.
func (cc *CheckoutController) HandlePayPalCheckout(c *fiber.Ctx) error {
	quote, ok, err := cc.quote(c, models.BillingProviderPayPal)
	if !ok {
		return err
	}
	if quote.IsPlan() {
		return errorJSON(c, fiber.StatusBadRequest, "plan_not_supported", "PayPal checkout sells credit packs only")
	}

	ctx, cancel := requestContext()
	defer cancel()

	order, err := cc.paypal.CreateOrder(ctx, quote, usercontext.GetUserID(c), cc.urls.SuccessURL, cc.urls.CancelURL)
	if err != nil {
		return checkoutError(c, "paypal", err)
	}
	return c.JSON(fiber.Map{"id": order.ID, "approveUrl": order.ApproveURL, "quote": quote})
}

// quote binds the request and resolves the price. A non-empty provider
// overrides the body. When ok is false the response has been written.
func (cc *CheckoutController) quote(c *fiber.Ctx, provider string) (catalog.Entry, bool, error) {
	var req QuoteRequest
	if msg, ok := bindJSON(c, &req); !ok {
		return catalog.Entry{}, false, errorJSON(c, fiber.StatusBadRequest, "invalid_request", msg)
	}
	if provider == "" {
		provider = strings.ToUpper(req.Provider)
	}
	if provider == "" {
		provider = models.BillingProviderStripe
	}

	ctx, cancel := requestContext()
	defer cancel()

	quote, err := cc.catalog.Quote(ctx, provider, req.SKU)
	if err != nil {
		return catalog.Entry{}, false, walletError(c, err)
	}
	return quote, true, nil
}

func checkoutError(c *fiber.Ctx, provider string, err error) error {
	if errors.Is(err, billing.ErrProviderNotConfigured) {
		return errorJSON(c, fiber.StatusServiceUnavailable, "provider_not_configured", provider+" checkout is not configured")
	}
	log.Errorf("[Checkout] %s checkout failed: %v", provider, err)
	return errorJSON(c, fiber.StatusBadGateway, "checkout_failed", "Payment provider request failed")
}
