package domain

import "errors"

var (
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrConcurrentTransition = errors.New("concurrent transition")
	ErrDuplicateSettlement  = errors.New("duplicate settlement")
	ErrCalculation          = errors.New("calculation error")
	ErrPricingNotFound      = errors.New("no pricing config in effect")
	ErrConservationViolated = errors.New("conservation invariant violated")
	ErrPayoutDispatch       = errors.New("payout dispatch failure")
	ErrRailTimeout          = errors.New("payment rail timeout")
	ErrRecipientBusy        = errors.New("recipient batch already in flight")
	ErrNotFound             = errors.New("not found")
)
