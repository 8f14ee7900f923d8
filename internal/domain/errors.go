package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("position not in expected state")
	ErrExchangeCloseFailed    = errors.New("exchange rejected close order")
	ErrInconsistentCloseState = errors.New("closed on exchange but store update failed")
	ErrGatewayUnavailable     = errors.New("exchange gateway unavailable")
	ErrRateLimited            = errors.New("rate limited")
	ErrLockHeld               = errors.New("lock already held")
)
