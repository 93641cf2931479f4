package models

// Payment provider constants used across billing-related models.
const (
	BillingProviderStripe = "STRIPE"
	BillingProviderPayPal = "PAYPAL"
)

// IsKnownBillingProvider reports whether p is one of the supported providers.
func IsKnownBillingProvider(p string) bool {
	switch p {
	case BillingProviderStripe, BillingProviderPayPal:
		return true
	default:
		return false
	}
}
