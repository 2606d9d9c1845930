package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reservation-engine/internal/domain"
)

func TestMessageFor(t *testing.T) {
	ev := domain.TerminalEvent{
		ReservationID:   "r1",
		CustomerID:      "c1",
		To:              domain.StateCancelled,
		PointsCommitted: 150,
		ResolvedAt:      time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	m := MessageFor(ev)
	require.Equal(t, "r1:CANCELLED", m.ID)
	require.Equal(t, "reservation_cancelled", m.Type)
	require.Contains(t, m.Text, "150 points")
	require.Equal(t, ev.ResolvedAt, m.Timestamp)

	ev.To = domain.StateFailedPickup
	require.Equal(t, "reservation_failed_pickup", MessageFor(ev).Type)
}

func TestChannelFor(t *testing.T) {
	require.Equal(t, "channel-c1", ChannelFor("c1"))
}

func TestNewPubNubValidation(t *testing.T) {
	_, err := NewPubNub(nil)
	require.Error(t, err)
	_, err = NewPubNub(&PubNubConfig{PublishKey: "pub"})
	require.Error(t, err)

	p, err := NewPubNub(&PubNubConfig{PublishKey: "pub-c-x", SubscribeKey: "sub-c-x", UserID: "reservation-engine"})
	require.NoError(t, err)
	require.Equal(t, 60, p.grantTTL)
}

func TestLogNotifier(t *testing.T) {
	require.NoError(t, NewLogNotifier(nil).Notify(context.Background(), domain.TerminalEvent{To: domain.StateExpired}))
}
