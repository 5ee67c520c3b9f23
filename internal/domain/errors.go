package domain

import "errors"

// Ledger precondition errors. They are detected before any mutation.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketNotOpen       = errors.New("market not open")
	ErrInvalidBetAmount    = errors.New("invalid bet amount")
	ErrInvalidBetSide      = errors.New("invalid bet side")
)

// Host and infrastructure errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("snapshot version conflict")
	ErrLockHeld         = errors.New("lock already held")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrDuplicateMessage = errors.New("message already applied")
)

// IsLedgerRejection reports whether err is one of the ledger's precondition
// errors, as opposed to a storage or transport failure.
func IsLedgerRejection(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrMarketNotFound) ||
		errors.Is(err, ErrMarketNotOpen) ||
		errors.Is(err, ErrInvalidBetAmount) ||
		errors.Is(err, ErrInvalidBetSide) ||
		errors.Is(err, ErrUnknownOperation)
}
