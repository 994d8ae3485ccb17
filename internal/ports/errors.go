package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrFatal              = errors.New("unexpected fatal error")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderRejected        = errors.New("order rejected by the exchange")
	ErrDuplicateOrder       = errors.New("client order ID already used on the exchange")
	ErrTimestampOutOfSync   = errors.New("request timestamp outside the exchange's receive window")
	ErrSymbolNotFound       = errors.New("symbol not found on the exchange")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)

// ValidationReason explains why no exchange-legal order quantity could be produced.
type ValidationReason string

const (
	ReasonBelowMinQty      ValidationReason = "BelowMinQty"
	ReasonBelowMinNotional ValidationReason = "BelowMinNotional"
	ReasonNoBalance        ValidationReason = "NoBalance"
)

// ValidationError aborts a single symbol's trade for the current tick. It is never retried
// and never alerted as a system failure.
type ValidationError struct {
	Symbol string
	Side   string
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation failed for %s %s: %s", e.Side, e.Symbol, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s %s: %s (%s)", e.Side, e.Symbol, e.Reason, e.Detail)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is worth retrying with a fixed delay.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable) ||
		errors.Is(err, ErrConnectionFailed)
}
