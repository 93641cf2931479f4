package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong defines the ping response.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface represents all server handlers of public/docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error

	// (GET /wallet/balance)
	GetWalletBalance(c *fiber.Ctx) error
	// (GET /wallet/ledger)
	GetWalletLedger(c *fiber.Ctx) error
	// (POST /wallet/charge)
	PostWalletCharge(c *fiber.Ctx) error
	// (POST /wallet/actions/{action}/charge)
	PostWalletActionCharge(c *fiber.Ctx) error
	// (POST /wallet/grant)
	PostWalletGrant(c *fiber.Ctx) error
	// (POST /wallet/provision)
	PostWalletProvision(c *fiber.Ctx) error

	// (GET /orders)
	GetOrders(c *fiber.Ctx) error
	// (GET /subscriptions)
	GetSubscriptions(c *fiber.Ctx) error

	// (GET /catalog)
	GetCatalog(c *fiber.Ctx) error
	// (POST /checkout/quote)
	PostCheckoutQuote(c *fiber.Ctx) error
	// (POST /checkout/stripe)
	PostCheckoutStripe(c *fiber.Ctx) error
	// (POST /checkout/paypal)
	PostCheckoutPayPal(c *fiber.Ctx) error

	// (POST /admin/wallets/{userId}/provision)
	PostAdminWalletProvision(c *fiber.Ctx) error
	// (GET /admin/wallets/{userId}/audit)
	GetAdminWalletAudit(c *fiber.Ctx) error
	// (POST /admin/orders/{id}/refund)
	PostAdminOrderRefund(c *fiber.Ctx) error
	// (POST /admin/webhooks/replay)
	PostAdminWebhooksReplay(c *fiber.Ctx) error
}

// FiberServerOptions provides options for the Fiber server.
type FiberServerOptions struct {
	BaseURL string
	// Middlewares run on every route.
	Middlewares []fiber.Handler
	// Auth guards every route except /ping.
	Auth []fiber.Handler
	// Admin runs after Auth on /admin routes.
	Admin []fiber.Handler
}

// RegisterHandlers creates http.Handler with routing matching OpenAPI spec.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	for _, m := range options.Middlewares {
		router.Use(m)
	}

	with := func(chain []fiber.Handler, h fiber.Handler) []fiber.Handler {
		out := make([]fiber.Handler, 0, len(chain)+1)
		out = append(out, chain...)
		return append(out, h)
	}
	auth := options.Auth
	admin := append(append([]fiber.Handler{}, options.Auth...), options.Admin...)
	base := options.BaseURL

	router.Get(base+"/ping", si.GetPing)

	router.Get(base+"/wallet/balance", with(auth, si.GetWalletBalance)...)
	router.Get(base+"/wallet/ledger", with(auth, si.GetWalletLedger)...)
	router.Post(base+"/wallet/charge", with(auth, si.PostWalletCharge)...)
	router.Post(base+"/wallet/actions/:action/charge", with(auth, si.PostWalletActionCharge)...)
	router.Post(base+"/wallet/grant", with(auth, si.PostWalletGrant)...)
	router.Post(base+"/wallet/provision", with(auth, si.PostWalletProvision)...)

	router.Get(base+"/orders", with(auth, si.GetOrders)...)
	router.Get(base+"/subscriptions", with(auth, si.GetSubscriptions)...)

	router.Get(base+"/catalog", si.GetCatalog)
	router.Post(base+"/checkout/quote", with(auth, si.PostCheckoutQuote)...)
	router.Post(base+"/checkout/stripe", with(auth, si.PostCheckoutStripe)...)
	router.Post(base+"/checkout/paypal", with(auth, si.PostCheckoutPayPal)...)

	router.Post(base+"/admin/wallets/:userId/provision", with(admin, si.PostAdminWalletProvision)...)
	router.Get(base+"/admin/wallets/:userId/audit", with(admin, si.GetAdminWalletAudit)...)
	router.Post(base+"/admin/orders/:id/refund", with(admin, si.PostAdminOrderRefund)...)
	router.Post(base+"/admin/webhooks/replay", with(admin, si.PostAdminWebhooksReplay)...)
}
