package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the controllers to keep behavior consistent with the other routers
	"github.com/ManuelReschke/CreditWallet/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	wallet   *controllers.WalletController
	billing  *controllers.BillingController
	checkout *controllers.CheckoutController
	admin    *controllers.AdminController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(wallet *controllers.WalletController, billing *controllers.BillingController, checkout *controllers.CheckoutController, admin *controllers.AdminController) *APIServer {
	return &APIServer{wallet: wallet, billing: billing, checkout: checkout, admin: admin}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

func (s *APIServer) GetWalletBalance(c *fiber.Ctx) error { return s.wallet.HandleBalance(c) }

func (s *APIServer) GetWalletLedger(c *fiber.Ctx) error { return s.wallet.HandleLedger(c) }

func (s *APIServer) PostWalletCharge(c *fiber.Ctx) error { return s.wallet.HandleCharge(c) }

func (s *APIServer) PostWalletActionCharge(c *fiber.Ctx) error {
	return s.wallet.HandleChargeAction(c)
}

func (s *APIServer) PostWalletGrant(c *fiber.Ctx) error { return s.wallet.HandleGrant(c) }

func (s *APIServer) PostWalletProvision(c *fiber.Ctx) error { return s.wallet.HandleProvision(c) }

func (s *APIServer) GetOrders(c *fiber.Ctx) error { return s.billing.HandleOrders(c) }

func (s *APIServer) GetSubscriptions(c *fiber.Ctx) error { return s.billing.HandleSubscriptions(c) }

func (s *APIServer) GetCatalog(c *fiber.Ctx) error { return s.checkout.HandleCatalog(c) }

func (s *APIServer) PostCheckoutQuote(c *fiber.Ctx) error { return s.checkout.HandleQuote(c) }

func (s *APIServer) PostCheckoutStripe(c *fiber.Ctx) error {
	return s.checkout.HandleStripeCheckout(c)
}

func (s *APIServer) PostCheckoutPayPal(c *fiber.Ctx) error {
	return s.checkout.HandlePayPalCheckout(c)
}

// PostAdminWalletProvision provisions the wallet of the user in the path (admin only).
func (s *APIServer) PostAdminWalletProvision(c *fiber.Ctx) error {
	return s.admin.HandleProvisionWallet(c)
}

func (s *APIServer) GetAdminWalletAudit(c *fiber.Ctx) error { return s.admin.HandleAuditWallet(c) }

func (s *APIServer) PostAdminOrderRefund(c *fiber.Ctx) error { return s.admin.HandleRefundOrder(c) }

// PostAdminWebhooksReplay queues pending webhook deliveries for replay (admin only).
func (s *APIServer) PostAdminWebhooksReplay(c *fiber.Ctx) error {
	return s.admin.HandleReplayWebhooks(c)
}
