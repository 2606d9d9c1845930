// Package redisstore persists reservations in Redis. Each record is a JSON
// value; conditional writes use WATCH/MULTI on the record key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/store"
)

const (
	activeIndexKey    = "reservations:active"
	unsettledIndexKey = "reservations:unsettled"
	totalKey          = "reservations:total"

	settleAttempts = 3
)

var _ store.Store = (*Store)(nil)

type Store struct {
	redis *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{redis: client}
}

func recordKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

func tokenKey(token string) string {
	return fmt.Sprintf("reservation_token:%s", token)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *Store) Create(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	stored := r.Clone()
	stored.Version = 1
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reservation: %w", err)
	}

	claimed, err := s.redis.SetNX(ctx, tokenKey(stored.PickupToken), stored.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim pickup token: %w", err)
	}
	if !claimed {
		return nil, store.ErrDuplicateToken
	}

	key := recordKey(stored.ID)
	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return store.ErrDuplicateID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score(stored.ExpiresAt), Member: stored.ID})
			pipe.Incr(ctx, totalKey)
			return nil
		})
		return err
	}, key)
	if err != nil {
		s.redis.Del(context.WithoutCancel(ctx), tokenKey(stored.PickupToken))
		if errors.Is(err, redis.TxFailedErr) {
			return nil, store.ErrDuplicateID
		}
		if errors.Is(err, store.ErrDuplicateID) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}
	return stored, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	return load(ctx, s.redis, id)
}

func (s *Store) GetByToken(ctx context.Context, token string) (*domain.Reservation, error) {
	id, err := s.redis.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pickup token: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Update(ctx context.Context, next *domain.Reservation) (*domain.Reservation, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	key := recordKey(next.ID)

	var stored *domain.Reservation
	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := load(ctx, tx, next.ID)
		if err != nil {
			return err
		}
		if cur.Version != next.Version {
			return store.ErrVersionConflict
		}
		if err := store.CheckImmutable(cur, next); err != nil {
			return err
		}

		candidate := next.Clone()
		candidate.Version = cur.Version + 1
		payload, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if candidate.State == domain.StateActive {
				pipe.ZAdd(ctx, activeIndexKey, redis.Z{Score: score(candidate.ExpiresAt), Member: candidate.ID})
				return nil
			}
			pipe.ZRem(ctx, activeIndexKey, candidate.ID)
			if candidate.SettledAt == nil {
				pipe.ZAdd(ctx, unsettledIndexKey, redis.Z{Score: score(*candidate.ResolvedAt), Member: candidate.ID})
			} else {
				pipe.ZRem(ctx, unsettledIndexKey, candidate.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		stored = candidate
		return nil
	}, key)

	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, store.ErrVersionConflict
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrImmutableField):
		return nil, err
	default:
		return nil, fmt.Errorf("failed to update reservation: %w", err)
	}
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rangeByScore(ctx, activeIndexKey, now, limit)
}

func (s *Store) ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.rangeByScore(ctx, unsettledIndexKey, before, limit)
}

func (s *Store) rangeByScore(ctx context.Context, key string, upTo time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(upTo.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.redis.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", key, err)
	}
	return ids, nil
}

func (s *Store) MarkSettled(ctx context.Context, id string, at time.Time) error {
	key := recordKey(id)
	for attempt := 0; attempt < settleAttempts; attempt++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := load(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur.SettledAt != nil || !cur.State.Terminal() {
				return nil
			}
			cur.SettledAt = &at
			cur.Version++
			payload, err := json.Marshal(cur)
			if err != nil {
				return fmt.Errorf("failed to marshal reservation: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.ZRem(ctx, unsettledIndexKey, id)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to mark reservation settled: %w", err)
		}
		return err
	}
	return store.ErrVersionConflict
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	pipe := s.redis.Pipeline()
	total := pipe.Get(ctx, totalKey)
	active := pipe.ZCard(ctx, activeIndexKey)
	unsettled := pipe.ZCard(ctx, unsettledIndexKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return store.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	st := store.Stats{Active: active.Val(), Unsettled: unsettled.Val()}
	if n, err := total.Int64(); err == nil {
		st.Total = n
	}
	return st, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, id string) (*domain.Reservation, error) {
	raw, err := c.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %s: %w", id, err)
	}
	var r domain.Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation %s: %w", id, err)
	}
	return &r, nil
}
