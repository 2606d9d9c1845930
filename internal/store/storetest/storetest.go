// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/store"
)

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// NewReservation builds a valid ACTIVE record for tests.
func NewReservation(id string, expiresIn time.Duration) *domain.Reservation {
	return &domain.Reservation{
		ID:              id,
		OfferID:         "offer-1",
		CustomerID:      "cust-1",
		PartnerID:       "partner-1",
		Quantity:        1,
		PointsCommitted: 100,
		State:           domain.StateActive,
		CreatedAt:       base,
		ExpiresAt:       base.Add(expiresIn),
		PickupToken:     "TOKEN-" + id,
	}
}

func resolve(r *domain.Reservation, state domain.State, at time.Time) *domain.Reservation {
	next := r.Clone()
	next.State = state
	next.ResolvedAt = &at
	return next
}

// Run exercises s against the shared contract. newStore must return an
// empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		created, err := s.Create(ctx, NewReservation("r1", 15*time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 1, created.Version)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, domain.StateActive, got.State)
		require.True(t, got.ExpiresAt.Equal(base.Add(15*time.Minute)))

		byTok, err := s.GetByToken(ctx, "TOKEN-r1")
		require.NoError(t, err)
		require.Equal(t, "r1", byTok.ID)
	})

	t.Run("missing records", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetByToken(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("duplicate token rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)

		dup := NewReservation("r2", time.Minute)
		dup.PickupToken = "TOKEN-r1"
		_, err = s.Create(ctx, dup)
		require.ErrorIs(t, err, store.ErrDuplicateToken)

		_, err = s.Get(ctx, "r2")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update bumps version and rejects stale writes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cur, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)

		next := cur.Clone()
		next.ExpiresAt = next.ExpiresAt.Add(5 * time.Minute)
		updated, err := s.Update(ctx, next)
		require.NoError(t, err)
		require.EqualValues(t, 2, updated.Version)

		_, err = s.Update(ctx, next)
		require.ErrorIs(t, err, store.ErrVersionConflict)
	})

	t.Run("immutable fields", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cur, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)

		next := cur.Clone()
		next.Quantity = 5
		_, err = s.Update(ctx, next)
		require.ErrorIs(t, err, store.ErrImmutableField)
	})

	t.Run("terminal state is sticky", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cur, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)

		done, err := s.Update(ctx, resolve(cur, domain.StateCancelled, base.Add(time.Second)))
		require.NoError(t, err)

		_, err = s.Update(ctx, resolve(done, domain.StatePickedUp, base.Add(2*time.Second)))
		require.ErrorIs(t, err, store.ErrImmutableField)
	})

	t.Run("concurrent updates of one version: exactly one wins", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cur, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)

		const workers = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				state := domain.StateCancelled
				if i%2 == 0 {
					state = domain.StatePickedUp
				}
				_, err := s.Update(ctx, resolve(cur, state, base.Add(time.Duration(i)*time.Second)))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, store.ErrVersionConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		require.EqualValues(t, 1, wins.Load())
		require.EqualValues(t, workers-1, conflicts.Load())
	})

	t.Run("expiry index", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for i, d := range []time.Duration{30 * time.Minute, 5 * time.Minute, 10 * time.Minute, time.Hour} {
			_, err := s.Create(ctx, NewReservation(fmt.Sprintf("r%d", i), d))
			require.NoError(t, err)
		}

		ids, err := s.ListExpired(ctx, base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		require.Equal(t, []string{"r1", "r2"}, ids)

		ids, err = s.ListExpired(ctx, base.Add(2*time.Hour), 2)
		require.NoError(t, err)
		require.Equal(t, []string{"r1", "r2"}, ids)

		// Resolved records leave the index.
		r1, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		_, err = s.Update(ctx, resolve(r1, domain.StateExpired, base.Add(10*time.Minute)))
		require.NoError(t, err)

		ids, err = s.ListExpired(ctx, base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		require.Equal(t, []string{"r2"}, ids)

		// Extension moves the score.
		r2, err := s.Get(ctx, "r2")
		require.NoError(t, err)
		r2.ExpiresAt = base.Add(20 * time.Minute)
		_, err = s.Update(ctx, r2)
		require.NoError(t, err)

		ids, err = s.ListExpired(ctx, base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("unsettled index", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		cur, err := s.Create(ctx, NewReservation("r1", time.Minute))
		require.NoError(t, err)
		_, err = s.Create(ctx, NewReservation("r2", time.Minute))
		require.NoError(t, err)

		resolvedAt := base.Add(30 * time.Second)
		_, err = s.Update(ctx, resolve(cur, domain.StateCancelled, resolvedAt))
		require.NoError(t, err)

		ids, err := s.ListUnsettled(ctx, resolvedAt.Add(-time.Second), 0)
		require.NoError(t, err)
		require.Empty(t, ids)

		ids, err = s.ListUnsettled(ctx, resolvedAt, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"r1"}, ids)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, store.Stats{Total: 2, Active: 1, Unsettled: 1}, st)

		require.NoError(t, s.MarkSettled(ctx, "r1", resolvedAt.Add(time.Second)))
		require.NoError(t, s.MarkSettled(ctx, "r1", resolvedAt.Add(2*time.Second)))

		ids, err = s.ListUnsettled(ctx, resolvedAt.Add(time.Hour), 0)
		require.NoError(t, err)
		require.Empty(t, ids)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, got.SettledAt)
		require.True(t, got.SettledAt.Equal(resolvedAt.Add(time.Second)))
		require.Equal(t, domain.StateCancelled, got.State)

		require.ErrorIs(t, s.MarkSettled(ctx, "missing", base), store.ErrNotFound)
	})
}
