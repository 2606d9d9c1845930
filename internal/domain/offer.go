package domain

import "time"

type OfferStatus string

const (
	OfferOpen   OfferStatus = "open"
	OfferPaused OfferStatus = "paused"
	OfferClosed OfferStatus = "closed"
)

// Offer is the read-only view of a partner listing the engine needs.
type Offer struct {
	ID            string        `json:"id"`
	PartnerID     string        `json:"partner_id"`
	PointsPerUnit int64         `json:"points_per_unit"`
	Status        OfferStatus   `json:"status"`
	PickupStart   time.Time     `json:"pickup_start"`
	PickupEnd     time.Time     `json:"pickup_end"`
	HoldDuration  time.Duration `json:"hold_duration"`
}

// Reservable reports whether new reservations may be placed at now.
func (o Offer) Reservable(now time.Time) bool {
	if o.Status != OfferOpen {
		return false
	}
	return o.PickupEnd.IsZero() || now.Before(o.PickupEnd)
}

// ExpiryFor computes the pickup deadline for a reservation made at now.
func (o Offer) ExpiryFor(now time.Time, fallback time.Duration) time.Time {
	hold := o.HoldDuration
	if hold <= 0 {
		hold = fallback
	}
	expires := now.Add(hold)
	if !o.PickupEnd.IsZero() && o.PickupEnd.Before(expires) {
		expires = o.PickupEnd
	}
	return expires
}
