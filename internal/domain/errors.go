package domain

import "errors"

var (
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrOfferNotReservable     = errors.New("offer not reservable")
	ErrOfferNotFound          = errors.New("offer not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTokenNotFound          = errors.New("pickup token not found")
	ErrTokenExpired           = errors.New("pickup token expired")
	ErrAlreadyResolved        = errors.New("reservation already resolved")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInsufficientPoints     = errors.New("insufficient points")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidDuration        = errors.New("invalid duration")
	ErrExtensionLimit         = errors.New("extension limit exceeded")
	ErrInvalidTargetState     = errors.New("invalid target state")
	ErrNotYetExpired          = errors.New("reservation not yet expired")

	// ErrHookDeliveryFailure never reaches transition callers. It marks a
	// settlement hook that exhausted its retries and needs an operator.
	ErrHookDeliveryFailure = errors.New("settlement hook delivery failure")
)

// IsLostRace reports whether err means another caller resolved or touched
// the record first. Sweepers discard these.
func IsLostRace(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrNotYetExpired)
}
