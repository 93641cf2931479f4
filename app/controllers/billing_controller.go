package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/usercontext"
)

// BillingController receives provider webhooks and serves the caller's
// orders and subscriptions.
type BillingController struct {
	billing *billing.Service
	stripe  *billing.StripeClient
	paypal  *billing.PayPalClient
	now     func() time.Time
}

func NewBillingController(svc *billing.Service, stripe *billing.StripeClient, paypal *billing.PayPalClient) *BillingController {
	return &BillingController{billing: svc, stripe: stripe, paypal: paypal, now: time.Now}
}

// HandleStripeWebhook verifies and applies a Stripe delivery.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	secret := ""
	if bc.stripe != nil {
		secret = bc.stripe.WebhookSecret
	}
	if err := billing.VerifyStripeSignature(rawBody, c.Get("Stripe-Signature"), secret, bc.now()); err != nil {
		log.Warnf("[Billing] Rejected Stripe webhook: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	envelope, event, err := billing.ParseStripeEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	return bc.deliver(c, billing.Delivery{Envelope: envelope, Payload: rawBody, SignatureValid: true}, event)
}

// HandlePayPalWebhook verifies a delivery with PayPal and applies it.
func (bc *BillingController) HandlePayPalWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ctx, cancel := requestContext()
	defer cancel()

	headers := billing.PayPalHeadersFrom(func(key string) string { return c.Get(key) })
	if bc.paypal == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}
	if err := bc.paypal.VerifyWebhookSignature(ctx, headers, rawBody); err != nil {
		log.Warnf("[Billing] Rejected PayPal webhook: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	envelope, event, err := billing.ParsePayPalEvent(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	return bc.deliver(c, billing.Delivery{Envelope: envelope, Payload: rawBody, SignatureValid: true}, event)
}

func (bc *BillingController) deliver(c *fiber.Ctx, d billing.Delivery, event billing.Event) error {
	ctx, cancel := requestContext()
	defer cancel()

	outcome, err := bc.billing.HandleDelivery(ctx, d, event)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidPayload) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		log.Errorf("[Billing] %s webhook %s failed: %v", d.Provider, d.EventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	switch outcome {
	case billing.OutcomeDuplicate:
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	case billing.OutcomeIgnored:
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	default:
		// failed_order is acknowledged too; the order row and the alert carry it.
		return c.JSON(fiber.Map{"ok": true})
	}
}

// HandleOrders lists the caller's orders.
func (bc *BillingController) HandleOrders(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	orders, err := bc.billing.ListOrders(ctx, usercontext.GetUserID(c))
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"orders": orders})
}

// HandleSubscriptions lists the caller's subscriptions.
func (bc *BillingController) HandleSubscriptions(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	subs, err := bc.billing.ListSubscriptions(ctx, usercontext.GetUserID(c))
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs})
}
