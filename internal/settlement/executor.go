package settlement

import (
	"context"
	"fmt"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger"
)

// Notifier tells a customer their reservation was resolved.
type Notifier interface {
	Notify(ctx context.Context, ev domain.TerminalEvent) error
}

// Publisher emits the terminal event to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.TerminalEvent) error
}

// Executor performs a single hook against the collaborators. Ledgers
// deduplicate on the job key, so re-running a job is harmless.
type Executor struct {
	inventory ledger.Inventory
	points    ledger.Points
	penalties ledger.Penalties
	notifier  Notifier
	publisher Publisher
}

func NewExecutor(inv ledger.Inventory, pts ledger.Points, pen ledger.Penalties, n Notifier, p Publisher) *Executor {
	return &Executor{inventory: inv, points: pts, penalties: pen, notifier: n, publisher: p}
}

func (e *Executor) Execute(ctx context.Context, job Job) error {
	ev := job.Event
	var err error
	switch job.Hook {
	case HookInventoryRelease:
		err = e.inventory.Release(ctx, ev.OfferID, ev.Quantity, job.Key())
	case HookPointsRefund:
		if ev.PointsCommitted == 0 {
			return nil
		}
		err = e.points.Credit(ctx, ev.CustomerID, ev.PointsCommitted, job.Key())
	case HookPenalty:
		err = e.penalties.RecordNoShow(ctx, ev.CustomerID, ev.ReservationID, job.Key())
	case HookNotify:
		if e.notifier == nil {
			return nil
		}
		err = e.notifier.Notify(ctx, ev)
	case HookPublish:
		if e.publisher == nil {
			return nil
		}
		err = e.publisher.Publish(ctx, ev)
	default:
		return fmt.Errorf("unknown hook %q", job.Hook)
	}
	if err != nil {
		return fmt.Errorf("hook %s for %s: %w", job.Hook, ev.ReservationID, err)
	}
	return nil
}
