// Package notify tells customers when their reservation is resolved.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/obs"
)

// Message is the payload pushed to a customer's channel.
type Message struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	Title         string       `json:"title"`
	Text          string       `json:"text"`
	ReservationID string       `json:"reservation_id"`
	State         domain.State `json:"state"`
	Timestamp     time.Time    `json:"timestamp"`
}

// MessageFor renders the customer-facing message for a terminal event.
func MessageFor(ev domain.TerminalEvent) Message {
	m := Message{
		ID:            fmt.Sprintf("%s:%s", ev.ReservationID, ev.To),
		Type:          "reservation_" + strings.ToLower(string(ev.To)),
		ReservationID: ev.ReservationID,
		State:         ev.To,
		Timestamp:     ev.ResolvedAt,
	}
	switch ev.To {
	case domain.StatePickedUp:
		m.Title = "Enjoy your pickup"
		m.Text = "Your reservation was collected."
	case domain.StateCancelled:
		m.Title = "Reservation cancelled"
		m.Text = fmt.Sprintf("Your reservation was cancelled and %d points were returned.", ev.PointsCommitted)
	case domain.StateExpired:
		m.Title = "Reservation expired"
		m.Text = "The pickup window closed before collection."
	case domain.StateFailedPickup:
		m.Title = "Pickup could not be completed"
		m.Text = "The partner could not hand over your order. Contact support if this is unexpected."
	}
	return m
}

// LogNotifier writes notifications to the log. Used when no realtime
// provider is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: obs.OrNop(logger)}
}

func (n *LogNotifier) Notify(_ context.Context, ev domain.TerminalEvent) error {
	m := MessageFor(ev)
	n.logger.Info("sending notification",
		zap.String("customer_id", ev.CustomerID),
		zap.String("type", m.Type),
		zap.String("text", m.Text))
	return nil
}
