// Package memory is an in-process Store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps reservations in a map. The mutex only makes each single-record
// compare-and-set atomic; it is never held across engine logic.
type Store struct {
	mu      sync.Mutex
	records map[string]*domain.Reservation
	tokens  map[string]string
}

func New() *Store {
	return &Store{
		records: make(map[string]*domain.Reservation),
		tokens:  make(map[string]string),
	}
}

func (s *Store) Create(_ context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; ok {
		return nil, store.ErrDuplicateID
	}
	if _, ok := s.tokens[r.PickupToken]; ok {
		return nil, store.ErrDuplicateToken
	}
	stored := r.Clone()
	stored.Version = 1
	s.records[stored.ID] = stored
	s.tokens[stored.PickupToken] = stored.ID
	return stored.Clone(), nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) GetByToken(ctx context.Context, token string) (*domain.Reservation, error) {
	s.mu.Lock()
	id, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) Update(_ context.Context, next *domain.Reservation) (*domain.Reservation, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[next.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur.Version != next.Version {
		return nil, store.ErrVersionConflict
	}
	if err := store.CheckImmutable(cur, next); err != nil {
		return nil, err
	}
	stored := next.Clone()
	stored.Version = cur.Version + 1
	s.records[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Reservation
	for _, r := range s.records {
		if r.State == domain.StateActive && r.ExpiredAt(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	return collectIDs(due, limit), nil
}

func (s *Store) ListUnsettled(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Reservation
	for _, r := range s.records {
		if r.State.Terminal() && r.SettledAt == nil && !r.ResolvedAt.After(before) {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ResolvedAt.Before(*pending[j].ResolvedAt) })
	return collectIDs(pending, limit), nil
}

func (s *Store) MarkSettled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.SettledAt != nil || !r.State.Terminal() {
		return nil
	}
	next := r.Clone()
	next.SettledAt = &at
	next.Version++
	s.records[id] = next
	return nil
}

func (s *Store) Stats(context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := store.Stats{Total: int64(len(s.records))}
	for _, r := range s.records {
		switch {
		case r.State == domain.StateActive:
			st.Active++
		case r.SettledAt == nil:
			st.Unsettled++
		}
	}
	return st, nil
}

func collectIDs(rs []*domain.Reservation, limit int) []string {
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	return ids
}
