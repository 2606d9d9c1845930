package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger"
	"reservation-engine/internal/store"
)

type ReserveInput struct {
	OfferID    string
	CustomerID string
	Quantity   int
}

// Reserve claims units of an offer for a customer. Inventory and points are
// taken before the record is written; if anything after the decrement fails
// both are given back.
func (e *Engine) Reserve(ctx context.Context, in ReserveInput) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "reserve",
		attribute.String("offer_id", in.OfferID),
		attribute.String("customer_id", in.CustomerID),
		attribute.Int("quantity", in.Quantity))
	defer func() { done(err) }()

	if in.OfferID == "" || in.CustomerID == "" {
		return nil, fmt.Errorf("%w: offer and customer are required", domain.ErrInvalidQuantity)
	}
	if in.Quantity < 1 || in.Quantity > e.maxQuantity {
		return nil, domain.ErrInvalidQuantity
	}

	offer, err := e.offers.GetOffer(ctx, in.OfferID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if !offer.Reservable(now) {
		return nil, domain.ErrOfferNotReservable
	}

	id := e.newID()
	if err := e.inventory.Decrement(ctx, offer.ID, in.Quantity, ledger.Key(id, "reserve")); err != nil {
		return nil, err
	}

	points := int64(in.Quantity) * offer.PointsPerUnit
	if points > 0 {
		if err := e.points.Debit(ctx, in.CustomerID, points, ledger.Key(id, "debit")); err != nil {
			e.compensate(ctx, id, offer.ID, in.CustomerID, in.Quantity, 0)
			return nil, err
		}
	}

	r := &domain.Reservation{
		ID:              id,
		OfferID:         offer.ID,
		CustomerID:      in.CustomerID,
		PartnerID:       offer.PartnerID,
		Quantity:        in.Quantity,
		PointsCommitted: points,
		State:           domain.StateActive,
		CreatedAt:       now.UTC(),
		ExpiresAt:       offer.ExpiryFor(now, e.holdDuration).UTC(),
	}

	stored, err := e.persist(ctx, r)
	if err != nil {
		e.compensate(ctx, id, offer.ID, in.CustomerID, in.Quantity, points)
		return nil, err
	}

	e.logger.Info("reservation created",
		zap.String("reservation_id", stored.ID),
		zap.String("offer_id", stored.OfferID),
		zap.String("customer_id", stored.CustomerID),
		zap.Int("quantity", stored.Quantity),
		zap.Time("expires_at", stored.ExpiresAt))
	return stored, nil
}

// persist mints a token and creates the record, retrying on token collisions.
func (e *Engine) persist(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	var lastErr error
	for attempt := 0; attempt < e.tokenAttempts; attempt++ {
		tok, err := e.tokens.Mint()
		if err != nil {
			return nil, fmt.Errorf("mint pickup token: %w", err)
		}
		r.PickupToken = tok
		stored, err := e.store.Create(ctx, r)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, store.ErrDuplicateToken) {
			return nil, fmt.Errorf("create reservation: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create reservation: %w", lastErr)
}

// compensate returns what Reserve took when the record never got written.
func (e *Engine) compensate(ctx context.Context, id, offerID, customerID string, qty int, points int64) {
	ctx = context.WithoutCancel(ctx)
	if err := e.inventory.Release(ctx, offerID, qty, ledger.Key(id, "reserve_rollback")); err != nil {
		e.logger.Error("failed to roll back inventory",
			zap.String("reservation_id", id), zap.String("offer_id", offerID), zap.Error(err))
	}
	if points == 0 {
		return
	}
	if err := e.points.Credit(ctx, customerID, points, ledger.Key(id, "debit_rollback")); err != nil {
		e.logger.Error("failed to roll back points",
			zap.String("reservation_id", id), zap.String("customer_id", customerID), zap.Error(err))
	}
}
