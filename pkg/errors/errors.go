package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Core engine errors
var (
	ErrValidation     = errors.New("validation failed")
	ErrStateCorrupt   = errors.New("state corruption detected")
	ErrPersistence    = errors.New("persistence failure")
	ErrRiskDenied     = errors.New("risk gate denied")
	ErrNotEnoughBars  = errors.New("not enough bars for indicator")
	ErrStrategyExists = errors.New("strategy already exists")
)

// IsTransient reports whether an exchange error is worth retrying on the
// next tick without operator intervention.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrExchangeMaintenance)
}
