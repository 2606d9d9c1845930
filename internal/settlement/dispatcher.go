package settlement

import (
	"context"

	"reservation-engine/internal/domain"
)

// Dispatcher hands a terminal event's hooks off for delivery. A nil error
// means every hook is durably queued or already running; it does not mean
// the hooks have completed.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.TerminalEvent) error
}
