package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these sentinels so the
// engine can classify a failure without knowing which exchange produced it.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange errors
	ErrExchangeUnavailable   = errors.New("exchange API is unavailable")
	ErrConnectionFailed      = errors.New("failed to connect to the exchange")
	ErrRateLimited           = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed  = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds     = errors.New("insufficient funds for operation")
	ErrOrderNotFound         = errors.New("order not found on the exchange")
	ErrOrderRejected         = errors.New("order rejected by the exchange")
	ErrOrderCancelFailed     = errors.New("failed to cancel order")
	ErrExchangeInconsistency = errors.New("local state disagrees with exchange state")

	// Store errors
	ErrDuplicateEntry = errors.New("store record already exists")
	ErrQueryFailed    = errors.New("store query failed")
	ErrUpdateFailed   = errors.New("store update failed")
)

// IsTransient reports whether the error is worth retrying with backoff.
// Rejections and validation failures are permanent; connectivity, rate
// limits and timeouts are not.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrExchangeUnavailable),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrTimeout):
		return true
	}
	return false
}
