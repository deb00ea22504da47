package engine

import "errors"

var (
	// ErrInvalidInput covers missing or malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidLeverage means the requested leverage is not in the allowed set.
	ErrInvalidLeverage = errors.New("leverage not allowed")
	// ErrNoPrice means there is no tradable price inside the freshness window.
	// Absent and stale prices are deliberately not distinguished.
	ErrNoPrice = errors.New("no usable price for asset")
	// ErrInsufficientBalance means the settlement balance cannot cover the
	// margin. The check failed inside the atomic unit; nothing was mutated.
	ErrInsufficientBalance = errors.New("insufficient settlement balance")
	// ErrPositionNotFound means the id is unknown or owned by another user.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionNotOpen means the position is already closed or liquidated.
	ErrPositionNotOpen = errors.New("position is not open")
)
