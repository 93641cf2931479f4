package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditWallet/app/controllers"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries everything the routers hand to their handlers.
type Dependencies struct {
	Wallet    *controllers.WalletController
	Billing   *controllers.BillingController
	Checkout  *controllers.CheckoutController
	Admin     *controllers.AdminController
	JWTSecret string
	Limiter   LimiterConfig
	Monitor   MonitorConfig
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Ops routes first so /healthz and /metrics stay outside the API limiter.
	setup(app, NewOpsRouter(deps.Monitor), NewWebhookRouter(deps.Billing), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
