package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"reservation-engine/internal/store"
	"reservation-engine/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestRedisStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestCreateWritesIndexes(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	r := storetest.NewReservation("r1", 15*time.Minute)
	_, err := s.Create(ctx, r)
	require.NoError(t, err)

	require.True(t, mr.Exists("reservation:r1"))
	id, err := mr.Get("reservation_token:TOKEN-r1")
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	sc, err := mr.ZScore(activeIndexKey, "r1")
	require.NoError(t, err)
	require.Equal(t, float64(r.ExpiresAt.UnixMilli()), sc)
}

func TestFailedCreateReleasesToken(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.Create(ctx, storetest.NewReservation("r1", time.Minute))
	require.NoError(t, err)

	again := storetest.NewReservation("r1", time.Minute)
	again.PickupToken = "OTHER"
	_, err = s.Create(ctx, again)
	require.ErrorIs(t, err, store.ErrDuplicateID)
	require.False(t, mr.Exists("reservation_token:OTHER"))
}

func TestGetCorruptRecord(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("reservation:bad", "{not json"))
	_, err := s.Get(context.Background(), "bad")
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrNotFound)
}
