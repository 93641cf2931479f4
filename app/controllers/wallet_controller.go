package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/usercontext"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

// ChargeRequest is the body of POST /wallet/charge.
type ChargeRequest struct {
	Amount int64                  `json:"amount" validate:"required,gt=0"`
	Reason string                 `json:"reason" validate:"required,max=255"`
	Meta   map[string]interface{} `json:"meta"`
}

// ActionChargeRequest is the optional body of POST /wallet/actions/:action/charge.
type ActionChargeRequest struct {
	Meta map[string]interface{} `json:"meta"`
}

// GrantRequest is the body of POST /wallet/grant.
type GrantRequest struct {
	UserID uint                   `json:"user_id" validate:"required"`
	Amount int64                  `json:"amount" validate:"required,gt=0"`
	Reason string                 `json:"reason" validate:"required,max=255"`
	Meta   map[string]interface{} `json:"meta"`
}

// WalletController serves the caller's wallet.
type WalletController struct {
	wallet      *wallet.Service
	signupBonus int64
	isProd      bool
}

func NewWalletController(svc *wallet.Service, signupBonus int64, isProd bool) *WalletController {
	return &WalletController{wallet: svc, signupBonus: signupBonus, isProd: isProd}
}

// HandleBalance returns the caller's balance.
func (wc *WalletController) HandleBalance(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	balance, err := wc.wallet.GetBalance(ctx, usercontext.GetUserID(c))
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"balance": balance})
}

// HandleLedger returns one page of the caller's ledger, newest first.
func (wc *WalletController) HandleLedger(c *fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()

	page := c.QueryInt("page", 1)
	perPage := c.QueryInt("per_page", 20)
	entries, total, err := wc.wallet.ListLedger(ctx, usercontext.GetUserID(c), page, perPage)
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{
		"entries":  entries,
		"page":     page,
		"per_page": perPage,
		"total":    total,
	})
}

// HandleCharge debits the caller if the balance covers the amount.
func (wc *WalletController) HandleCharge(c *fiber.Ctx) error {
	var req ChargeRequest
	if msg, ok := bindJSON(c, &req); !ok {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", msg)
	}

	ctx, cancel := requestContext()
	defer cancel()

	m, err := wc.wallet.ChargeOrFail(ctx, usercontext.GetUserID(c), req.Amount, strings.TrimSpace(req.Reason), req.Meta)
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "balance": m.Wallet.Balance, "entry": m.Entry})
}

// HandleChargeAction charges the catalog price of a named action.
func (wc *WalletController) HandleChargeAction(c *fiber.Ctx) error {
	action := strings.TrimSpace(c.Params("action"))
	if action == "" {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", "action is required")
	}
	var req ActionChargeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "invalid_request", "Malformed JSON body")
		}
	}

	ctx, cancel := requestContext()
	defer cancel()

	m, err := wc.wallet.ChargeAction(ctx, usercontext.GetUserID(c), action, req.Meta)
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "balance": m.Wallet.Balance, "entry": m.Entry})
}

// HandleGrant credits a wallet. Admins may credit anyone; other callers only
// themselves and only outside production.
func (wc *WalletController) HandleGrant(c *fiber.Ctx) error {
	var req GrantRequest
	if msg, ok := bindJSON(c, &req); !ok {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", msg)
	}

	uc := usercontext.GetUserContext(c)
	if !uc.IsAdmin && (wc.isProd || req.UserID != uc.UserID) {
		return errorJSON(c, fiber.StatusForbidden, "forbidden", "Not allowed to grant credits")
	}

	ctx, cancel := requestContext()
	defer cancel()

	m, err := wc.wallet.Grant(ctx, req.UserID, req.Amount, strings.TrimSpace(req.Reason), req.Meta)
	if err != nil {
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "balance": m.Wallet.Balance, "entry": m.Entry})
}

// HandleProvision creates the caller's wallet with the signup bonus.
func (wc *WalletController) HandleProvision(c *fiber.Ctx) error {
	return provisionWallet(c, wc.wallet, usercontext.GetUserID(c), wc.signupBonus)
}

func provisionWallet(c *fiber.Ctx, svc *wallet.Service, userID uint, bonus int64) error {
	ctx, cancel := requestContext()
	defer cancel()

	w, created, err := svc.Provision(ctx, userID, bonus)
	if err != nil {
		return walletError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"created": created, "wallet": w})
}
