package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRangeInvalid        = errors.New("invalid range bounds")
	ErrChainUnsupported    = errors.New("chain unsupported")
	ErrNotLiquidatable     = errors.New("position not in a liquidatable state")
	ErrStaleTransition     = errors.New("stale status transition")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrLockHeld            = errors.New("lock already held")
	ErrNoCapital           = errors.New("no capital to allocate")
)
