package domain

import (
	"fmt"
	"time"
)

type State string

const (
	StateActive       State = "ACTIVE"
	StatePickedUp     State = "PICKED_UP"
	StateCancelled    State = "CANCELLED"
	StateExpired      State = "EXPIRED"
	StateFailedPickup State = "FAILED_PICKUP"
)

// Terminal reports whether s is one of the resolved states.
func (s State) Terminal() bool {
	switch s {
	case StatePickedUp, StateCancelled, StateExpired, StateFailedPickup:
		return true
	}
	return false
}

func (s State) Valid() bool {
	return s == StateActive || s.Terminal()
}

// Reservation is a customer's time-bounded claim on units of one offer.
type Reservation struct {
	ID              string        `json:"id"`
	OfferID         string        `json:"offer_id"`
	CustomerID      string        `json:"customer_id"`
	PartnerID       string        `json:"partner_id,omitempty"`
	Quantity        int           `json:"quantity"`
	PointsCommitted int64         `json:"points_committed"`
	State           State         `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	PickupToken     string        `json:"pickup_token"`
	Version         int64         `json:"version"`
	Extended        time.Duration `json:"extended,omitempty"`
	ResolvedBy      string        `json:"resolved_by,omitempty"`
	ResolutionNote  string        `json:"resolution_note,omitempty"`
	SettledAt       *time.Time    `json:"settled_at,omitempty"`
}

// Validate checks the structural invariants every persisted record must hold.
func (r *Reservation) Validate() error {
	if r.ID == "" || r.OfferID == "" || r.CustomerID == "" {
		return fmt.Errorf("reservation: missing identifier")
	}
	if r.Quantity < 1 {
		return ErrInvalidQuantity
	}
	if r.PointsCommitted < 0 {
		return fmt.Errorf("reservation %s: negative points", r.ID)
	}
	if !r.State.Valid() {
		return fmt.Errorf("reservation %s: unknown state %q", r.ID, r.State)
	}
	if r.PickupToken == "" {
		return fmt.Errorf("reservation %s: missing pickup token", r.ID)
	}
	if r.State.Terminal() != (r.ResolvedAt != nil) {
		return fmt.Errorf("reservation %s: resolved_at must be set exactly when terminal", r.ID)
	}
	return nil
}

// ExpiredAt reports whether the reservation window has closed at now.
// The boundary instant counts as expired.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// TerminalEvent is emitted once per reservation when it leaves ACTIVE.
type TerminalEvent struct {
	ReservationID   string    `json:"reservation_id"`
	OfferID         string    `json:"offer_id"`
	CustomerID      string    `json:"customer_id"`
	PartnerID       string    `json:"partner_id,omitempty"`
	From            State     `json:"from"`
	To              State     `json:"to"`
	Quantity        int       `json:"quantity"`
	PointsCommitted int64     `json:"points_committed"`
	ResolvedAt      time.Time `json:"resolved_at"`
	ResolvedBy      string    `json:"resolved_by,omitempty"`
}

// EventFor builds the terminal event for a resolved reservation.
func EventFor(r *Reservation) TerminalEvent {
	ev := TerminalEvent{
		ReservationID:   r.ID,
		OfferID:         r.OfferID,
		CustomerID:      r.CustomerID,
		PartnerID:       r.PartnerID,
		From:            StateActive,
		To:              r.State,
		Quantity:        r.Quantity,
		PointsCommitted: r.PointsCommitted,
		ResolvedBy:      r.ResolvedBy,
	}
	if r.ResolvedAt != nil {
		ev.ResolvedAt = *r.ResolvedAt
	}
	return ev
}
