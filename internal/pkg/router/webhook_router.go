package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditWallet/app/controllers"
)

// WebhookRouter exposes the provider callbacks. They authenticate by
// signature, so no JWT or rate limit applies.
type WebhookRouter struct {
	billing *controllers.BillingController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks")
	hooks.Post("/stripe", h.billing.HandleStripeWebhook)
	hooks.Post("/paypal", h.billing.HandlePayPalWebhook)
}

func NewWebhookRouter(billing *controllers.BillingController) *WebhookRouter {
	return &WebhookRouter{billing: billing}
}
