package billing

import (
	"errors"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/catalog"
)

var (
	// ErrSignatureInvalid means a delivery failed authenticity checks. No state
	// may change when this is returned.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrInvalidPayload means the delivery could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrProviderNotConfigured means credentials for a provider call are missing.
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrSkuNotFound is the catalog miss, re-exported for webhook callers.
	ErrSkuNotFound = catalog.ErrSkuNotFound
)
