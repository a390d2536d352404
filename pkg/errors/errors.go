package apperrors

import "errors"

// Standardized Trading Errors
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientHolding = errors.New("insufficient holding")
	ErrUnknownTicker       = errors.New("unknown ticker")
	ErrOversold            = errors.New("holding oversold")
	ErrConflict            = errors.New("conflicting concurrent update")
	ErrUnavailable         = errors.New("dependency unavailable")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrInternal            = errors.New("internal error")
)
