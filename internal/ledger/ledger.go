// Package ledger declares the external ledgers the lifecycle engine and
// its settlement hooks talk to. Every mutating call carries an idempotency
// key; replaying a key that was already applied is a successful no-op.
package ledger

import (
	"context"

	"reservation-engine/internal/domain"
)

// OfferCatalog returns offers or domain.ErrOfferNotFound.
type OfferCatalog interface {
	GetOffer(ctx context.Context, offerID string) (domain.Offer, error)
}

// Inventory is the source of truth for units available per offer.
// Decrement is atomic and fails with domain.ErrInsufficientInventory
// rather than going negative.
type Inventory interface {
	Decrement(ctx context.Context, offerID string, qty int, key string) error
	Release(ctx context.Context, offerID string, qty int, key string) error
}

// Points holds customer balances. Debit fails with
// domain.ErrInsufficientPoints when the balance is too low.
type Points interface {
	Debit(ctx context.Context, customerID string, amount int64, key string) error
	Credit(ctx context.Context, customerID string, amount int64, key string) error
}

// Penalties accrues no-show strikes against customers.
type Penalties interface {
	RecordNoShow(ctx context.Context, customerID, reservationID, key string) error
}

// Key builds the idempotency key for one effect of one reservation.
func Key(reservationID, scope string) string {
	return reservationID + ":" + scope
}
