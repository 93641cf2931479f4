package controllers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/wallet"
)

const requestTimeout = 15 * time.Second

var validate = validator.New()

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// bindJSON decodes the body into dst and runs its validate tags. On failure
// it returns the message for a 400 response.
func bindJSON(c *fiber.Ctx, dst interface{}) (string, bool) {
	if err := c.BodyParser(dst); err != nil {
		return "Malformed JSON body", false
	}
	if err := validate.Struct(dst); err != nil {
		return strings.Join(formatValidationError(err), "; "), false
	}
	return "", true
}

func formatValidationError(err error) []string {
	var errs []string
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	for _, e := range validationErrors {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs = append(errs, fmt.Sprintf("%s is required", field))
		case "gt":
			errs = append(errs, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "max":
			errs = append(errs, fmt.Sprintf("%s must have maximum length %s", field, e.Param()))
		case "oneof":
			errs = append(errs, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		default:
			errs = append(errs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return errs
}

func parseUintParam(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// walletError maps wallet and catalog failures onto the JSON error contract.
func walletError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, wallet.ErrInsufficientCredits):
		return errorJSON(c, fiber.StatusPaymentRequired, "insufficient_credits", "Not enough credits")
	case errors.Is(err, wallet.ErrWalletNotFound):
		return errorJSON(c, fiber.StatusNotFound, "wallet_not_found", "No wallet for this user")
	case errors.Is(err, wallet.ErrTransientConflict):
		return errorJSON(c, fiber.StatusConflict, "transient_conflict", "Concurrent update, please retry")
	case errors.Is(err, wallet.ErrInvalidAmount):
		return errorJSON(c, fiber.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, wallet.ErrReasonRequired):
		return errorJSON(c, fiber.StatusBadRequest, "reason_required", err.Error())
	case errors.Is(err, catalog.ErrSkuNotFound):
		return errorJSON(c, fiber.StatusNotFound, "sku_not_found", err.Error())
	default:
		log.Errorf("[API] Unexpected error: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "Unexpected error")
	}
}
