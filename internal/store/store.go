// Package store defines the versioned reservation repository.
package store

import (
	"context"
	"errors"
	"time"

	"reservation-engine/internal/domain"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrDuplicateToken  = errors.New("store: duplicate pickup token")
	ErrDuplicateID     = errors.New("store: duplicate reservation id")
	ErrImmutableField  = errors.New("store: immutable field changed")
)

// Store persists reservations with per-record optimistic versioning.
//
// Update writes next only if the stored version still equals next.Version
// and returns the stored record with its version incremented. Every
// implementation keeps the token index and the ACTIVE expiry index in step
// with the record inside the same conditional write.
type Store interface {
	Create(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error)
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	GetByToken(ctx context.Context, token string) (*domain.Reservation, error)
	Update(ctx context.Context, next *domain.Reservation) (*domain.Reservation, error)

	// ListExpired returns ids of ACTIVE reservations with expires_at <= now,
	// oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListUnsettled returns ids of terminal reservations resolved at or
	// before the cutoff whose settlement has not been acknowledged.
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error)
	MarkSettled(ctx context.Context, id string, at time.Time) error

	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Unsettled int64 `json:"unsettled"`
}

// CheckImmutable rejects updates that touch fields fixed at creation.
func CheckImmutable(cur, next *domain.Reservation) error {
	if cur.ID != next.ID ||
		cur.OfferID != next.OfferID ||
		cur.CustomerID != next.CustomerID ||
		cur.Quantity != next.Quantity ||
		cur.PointsCommitted != next.PointsCommitted ||
		cur.PickupToken != next.PickupToken ||
		!cur.CreatedAt.Equal(next.CreatedAt) {
		return ErrImmutableField
	}
	if cur.State.Terminal() {
		if next.State != cur.State || next.ResolvedAt == nil || !next.ResolvedAt.Equal(*cur.ResolvedAt) {
			return ErrImmutableField
		}
	}
	return nil
}
