package models

import "errors"

// Exchange failures. Network and rate-limit errors are transient;
// the rest are returned as-is to the caller.
var (
	ErrNetwork           = errors.New("exchange network error")
	ErrRateLimit         = errors.New("exchange rate limit exceeded")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrExchangeRejected  = errors.New("order rejected by exchange")
)

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimit)
}
