package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/store"
	"reservation-engine/internal/token"
)

// errUnchanged lets a decision return the current record without writing.
var errUnchanged = errors.New("unchanged")

// decideFunc inspects a copy of the current record and returns the record
// to write, or an error to abort without writing.
type decideFunc func(cur *domain.Reservation, now time.Time) (*domain.Reservation, error)

// transition is the single read-decide-conditional-write path every
// mutation goes through. A lost version race surfaces as
// domain.ErrConcurrentModification and is never retried here.
func (e *Engine) transition(ctx context.Context, cur *domain.Reservation, decide decideFunc) (*domain.Reservation, error) {
	now := e.clock.Now()
	next, err := decide(cur.Clone(), now)
	if errors.Is(err, errUnchanged) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	stored, err := e.store.Update(ctx, next)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if !cur.State.Terminal() && stored.State.Terminal() {
		e.logger.Info("reservation resolved",
			zap.String("reservation_id", stored.ID),
			zap.String("state", string(stored.State)),
			zap.String("resolved_by", stored.ResolvedBy))
		e.settle(ctx, stored)
	}
	return stored, nil
}

func (e *Engine) load(ctx context.Context, id string) (*domain.Reservation, error) {
	if id == "" {
		return nil, domain.ErrReservationNotFound
	}
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return r, nil
}

// resolve moves r into a terminal state reached by ev.
func resolve(r *domain.Reservation, ev domain.Event, now time.Time, actor domain.Actor, note string) (*domain.Reservation, error) {
	tr, ok := domain.TransitionFor(r.State, ev)
	if !ok {
		return nil, domain.ErrInvalidStateTransition
	}
	at := now.UTC()
	r.State = tr.To
	r.ResolvedAt = &at
	r.ResolvedBy = actor.ID
	r.ResolutionNote = note
	return r, nil
}

// settle hands the hooks to the dispatcher. The transition has already
// committed, so failures are logged and left for reconciliation.
func (e *Engine) settle(ctx context.Context, r *domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	if err := e.dispatcher.Dispatch(ctx, domain.EventFor(r)); err != nil {
		e.logger.Warn("settlement dispatch failed, left for reconciliation",
			zap.String("reservation_id", r.ID),
			zap.String("state", string(r.State)),
			zap.Error(err))
		return
	}
	if err := e.store.MarkSettled(ctx, r.ID, e.clock.Now()); err != nil {
		e.logger.Warn("failed to mark reservation settled",
			zap.String("reservation_id", r.ID), zap.Error(err))
	}
}

type CancelInput struct {
	ReservationID string
	Actor         domain.Actor
	// Idempotent turns a cancel of an already CANCELLED reservation into a
	// successful no-op.
	Idempotent bool
}

// Cancel moves an ACTIVE reservation to CANCELLED. Customers may only
// cancel their own reservations.
func (e *Engine) Cancel(ctx context.Context, in CancelInput) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "cancel", attribute.String("reservation_id", in.ReservationID))
	defer func() { done(err) }()

	if !in.Actor.Valid() {
		return nil, domain.ErrForbidden
	}
	cur, err := e.load(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}
	if in.Actor.Role == domain.RoleCustomer && cur.CustomerID != in.Actor.ID {
		return nil, domain.ErrForbidden
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if r.State.Terminal() {
			if in.Idempotent && r.State == domain.StateCancelled {
				return nil, errUnchanged
			}
			return nil, domain.ErrInvalidStateTransition
		}
		return resolve(r, domain.EventCancel, now, in.Actor, "")
	})
}

// Redeem consumes a pickup token. The token stays indexed after use so a
// second scan reports ErrAlreadyResolved rather than ErrTokenNotFound.
func (e *Engine) Redeem(ctx context.Context, pickupToken string, actor domain.Actor) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "redeem")
	defer func() { done(err) }()

	if !actor.Valid() || !actor.CanRedeemFor("") {
		return nil, domain.ErrForbidden
	}
	cur, err := e.store.GetByToken(ctx, token.Normalize(pickupToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if !actor.CanRedeemFor(r.PartnerID) {
			return nil, domain.ErrForbidden
		}
		if r.State.Terminal() {
			return nil, domain.ErrAlreadyResolved
		}
		if r.ExpiredAt(now) {
			return nil, domain.ErrTokenExpired
		}
		return resolve(r, domain.EventRedeem, now, actor, "")
	})
}

type ExtendInput struct {
	ReservationID string
	By            time.Duration
	Actor         domain.Actor
}

// Extend pushes expires_at forward. The sum of all extensions of one
// reservation is capped.
func (e *Engine) Extend(ctx context.Context, in ExtendInput) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "extend",
		attribute.String("reservation_id", in.ReservationID),
		attribute.String("by", in.By.String()))
	defer func() { done(err) }()

	if !in.Actor.Valid() || !in.Actor.IsStaff() {
		return nil, domain.ErrForbidden
	}
	if in.By <= 0 {
		return nil, domain.ErrInvalidDuration
	}
	cur, err := e.load(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if r.State.Terminal() {
			return nil, domain.ErrInvalidStateTransition
		}
		if r.ExpiredAt(now) {
			return nil, domain.ErrTokenExpired
		}
		if r.Extended+in.By > e.maxTotalExtension {
			return nil, domain.ErrExtensionLimit
		}
		r.ExpiresAt = r.ExpiresAt.Add(in.By)
		r.Extended += in.By
		return r, nil
	})
}

type OverrideInput struct {
	ReservationID string
	Target        domain.State
	Actor         domain.Actor
	Notes         string
}

// AdminOverride resolves a reservation to PICKED_UP or CANCELLED regardless
// of expiry. It still refuses to resolve twice.
func (e *Engine) AdminOverride(ctx context.Context, in OverrideInput) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "override",
		attribute.String("reservation_id", in.ReservationID),
		attribute.String("target", string(in.Target)))
	defer func() { done(err) }()

	if !in.Actor.Valid() || in.Actor.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	var ev domain.Event
	switch in.Target {
	case domain.StatePickedUp:
		ev = domain.EventOverridePickup
	case domain.StateCancelled:
		ev = domain.EventOverrideCancel
	default:
		return nil, domain.ErrInvalidTargetState
	}
	cur, err := e.load(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if r.State.Terminal() {
			return nil, domain.ErrAlreadyResolved
		}
		return resolve(r, ev, now, in.Actor, in.Notes)
	})
}

type FailedPickupInput struct {
	ReservationID string
	Actor         domain.Actor
	Notes         string
}

// MarkFailedPickup records that the customer showed up but the handoff did
// not happen. Only staff and admins can signal it.
func (e *Engine) MarkFailedPickup(ctx context.Context, in FailedPickupInput) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "failed_pickup", attribute.String("reservation_id", in.ReservationID))
	defer func() { done(err) }()

	if !in.Actor.Valid() || !in.Actor.IsStaff() {
		return nil, domain.ErrForbidden
	}
	cur, err := e.load(ctx, in.ReservationID)
	if err != nil {
		return nil, err
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if r.State.Terminal() {
			return nil, domain.ErrAlreadyResolved
		}
		return resolve(r, domain.EventFailPickup, now, in.Actor, in.Notes)
	})
}

// Expire is the scheduler's transition. It fails with ErrNotYetExpired when
// the reservation was extended after the sweep listed it.
func (e *Engine) Expire(ctx context.Context, id string) (res *domain.Reservation, err error) {
	ctx, done := e.begin(ctx, "expire", attribute.String("reservation_id", id))
	defer func() { done(err) }()

	cur, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.transition(ctx, cur, func(r *domain.Reservation, now time.Time) (*domain.Reservation, error) {
		if r.State.Terminal() {
			return nil, domain.ErrAlreadyResolved
		}
		if !r.ExpiredAt(now) {
			return nil, domain.ErrNotYetExpired
		}
		return resolve(r, domain.EventExpire, now, domain.SystemActor, "")
	})
}

// Resettle re-dispatches hooks for a terminal reservation whose settlement
// was never acknowledged. It reports whether a dispatch happened.
func (e *Engine) Resettle(ctx context.Context, id string) (bool, error) {
	r, err := e.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !r.State.Terminal() || r.SettledAt != nil {
		return false, nil
	}
	e.logger.Info("re-dispatching settlement", zap.String("reservation_id", r.ID), zap.String("state", string(r.State)))
	e.settle(ctx, r)
	return true, nil
}
