package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/billing"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

// ReplaySweeper queues unsettled webhook deliveries for another attempt.
type ReplaySweeper interface {
	RunReplaySweepOnce(ctx context.Context) (int, error)
}

// AdminController exposes operator actions.
type AdminController struct {
	wallet      *wallet.Service
	billing     *billing.Service
	sweeper     ReplaySweeper
	signupBonus int64
}

func NewAdminController(walletSvc *wallet.Service, billingSvc *billing.Service, sweeper ReplaySweeper, signupBonus int64) *AdminController {
	return &AdminController{wallet: walletSvc, billing: billingSvc, sweeper: sweeper, signupBonus: signupBonus}
}

// HandleProvisionWallet provisions the wallet of any user.
func (ac *AdminController) HandleProvisionWallet(c *fiber.Ctx) error {
	userID, ok := parseUintParam(c, "userId")
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", "userId must be a positive integer")
	}
	return provisionWallet(c, ac.wallet, userID, ac.signupBonus)
}

// HandleAuditWallet compares a wallet's balance with its ledger.
func (ac *AdminController) HandleAuditWallet(c *fiber.Ctx) error {
	userID, ok := parseUintParam(c, "userId")
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", "userId must be a positive integer")
	}

	ctx, cancel := requestContext()
	defer cancel()

	report, err := ac.wallet.Audit(ctx, userID)
	if err != nil {
		return walletError(c, err)
	}
	if !report.Consistent {
		log.Errorf("[Admin] Wallet of user %d is inconsistent: discrepancy=%d", userID, report.Discrepancy)
	}
	return c.JSON(report)
}

// HandleRefundOrder marks a completed order refunded. Credits already
// granted stay in the ledger.
func (ac *AdminController) HandleRefundOrder(c *fiber.Ctx) error {
	orderID, ok := parseUintParam(c, "id")
	if !ok {
		return errorJSON(c, fiber.StatusBadRequest, "invalid_request", "id must be a positive integer")
	}

	ctx, cancel := requestContext()
	defer cancel()

	order, err := ac.billing.RefundOrder(ctx, orderID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errorJSON(c, fiber.StatusNotFound, "order_not_found", "Order not found")
	case errors.Is(err, billing.ErrOrderNotRefundable):
		return errorJSON(c, fiber.StatusConflict, "order_not_refundable", err.Error())
	case err != nil:
		return walletError(c, err)
	}
	return c.JSON(fiber.Map{"order": order})
}

// HandleReplayWebhooks queues every pending webhook delivery for replay.
func (ac *AdminController) HandleReplayWebhooks(c *fiber.Ctx) error {
	if ac.sweeper == nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "replay_unavailable", "Job queue is not running")
	}

	ctx, cancel := requestContext()
	defer cancel()

	queued, err := ac.sweeper.RunReplaySweepOnce(ctx)
	if err != nil {
		log.Errorf("[Admin] Replay sweep failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "replay_failed", "Could not queue replays")
	}
	return c.JSON(fiber.Map{"queued": queued})
}
