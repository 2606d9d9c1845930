// Package settlement turns terminal transitions into side effects:
// inventory release, point refunds, penalties, notifications and events.
package settlement

import (
	"fmt"

	"reservation-engine/internal/domain"
)

type Hook string

const (
	HookInventoryRelease Hook = "inventory_release"
	HookPointsRefund     Hook = "points_refund"
	HookPenalty          Hook = "penalty"
	HookNotify           Hook = "notify"
	HookPublish          Hook = "publish"
)

// FailedPickupPolicy decides whether a customer whose handoff failed gets
// their points back.
type FailedPickupPolicy string

const (
	FailedPickupRefund  FailedPickupPolicy = "refund"
	FailedPickupForfeit FailedPickupPolicy = "forfeit"
)

func ParseFailedPickupPolicy(s string) (FailedPickupPolicy, error) {
	switch p := FailedPickupPolicy(s); p {
	case FailedPickupRefund, FailedPickupForfeit:
		return p, nil
	}
	return "", fmt.Errorf("unknown failed-pickup policy %q", s)
}

type Policy struct {
	FailedPickup          FailedPickupPolicy
	PenaltyOnExpiry       bool
	PenaltyOnFailedPickup bool
}

func DefaultPolicy() Policy {
	return Policy{
		FailedPickup:    FailedPickupRefund,
		PenaltyOnExpiry: true,
	}
}

// Plan lists the hooks owed for a terminal event. FAILED_PICKUP never
// releases inventory: the goods were set aside and are not resold.
func Plan(ev domain.TerminalEvent, p Policy) []Hook {
	var hooks []Hook
	switch ev.To {
	case domain.StateCancelled:
		hooks = append(hooks, HookInventoryRelease, HookPointsRefund)
	case domain.StateExpired:
		hooks = append(hooks, HookInventoryRelease, HookPointsRefund)
		if p.PenaltyOnExpiry {
			hooks = append(hooks, HookPenalty)
		}
	case domain.StateFailedPickup:
		if p.FailedPickup == FailedPickupRefund {
			hooks = append(hooks, HookPointsRefund)
		}
		if p.PenaltyOnFailedPickup {
			hooks = append(hooks, HookPenalty)
		}
	case domain.StatePickedUp:
	default:
		return nil
	}
	return append(hooks, HookNotify, HookPublish)
}

// Job is one hook owed for one terminal event.
type Job struct {
	Hook  Hook                 `json:"hook"`
	Event domain.TerminalEvent `json:"event"`
}

// Key is the idempotency key handed to ledgers and the task queue.
func (j Job) Key() string {
	return fmt.Sprintf("%s:%s:%s", j.Event.ReservationID, j.Event.To, j.Hook)
}

// Jobs expands an event into its planned jobs.
func Jobs(ev domain.TerminalEvent, p Policy) []Job {
	hooks := Plan(ev, p)
	jobs := make([]Job, 0, len(hooks))
	for _, h := range hooks {
		jobs = append(jobs, Job{Hook: h, Event: ev})
	}
	return jobs
}
