package wallet

import "errors"

var (
	// ErrInsufficientCredits means the balance is below the requested charge.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrWalletNotFound means the user has no wallet. Wallets are created at
	// provisioning, so on a payment path this is a bug, not a user error.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrTransientConflict means the version-checked update kept losing to
	// concurrent writers. Safe to retry.
	ErrTransientConflict = errors.New("wallet update conflict")
	ErrInvalidAmount     = errors.New("amount must be a positive integer")
	ErrReasonRequired    = errors.New("reason is required")
)

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}
