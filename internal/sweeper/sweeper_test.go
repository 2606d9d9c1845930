package sweeper

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"reservation-engine/internal/clock"
	"reservation-engine/internal/domain"
	"reservation-engine/internal/engine"
	"reservation-engine/internal/ledger/memory"
	"reservation-engine/internal/settlement"
	"reservation-engine/internal/store"
	memstore "reservation-engine/internal/store/memory"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type countingDispatcher struct {
	exec *settlement.Executor

	mu     sync.Mutex
	byID   map[string]int
	failOn map[string]bool
}

func (d *countingDispatcher) Dispatch(ctx context.Context, ev domain.TerminalEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn[ev.ReservationID] {
		return errors.New("enqueue failed")
	}
	d.byID[ev.ReservationID]++
	for _, job := range settlement.Jobs(ev, settlement.DefaultPolicy()) {
		if err := d.exec.Execute(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	engine    *engine.Engine
	store     store.Store
	clock     *clock.Manual
	inventory *memory.Inventory
	disp      *countingDispatcher
}

func newFixture(t *testing.T, units int) *fixture {
	t.Helper()
	f := &fixture{
		store:     memstore.New(),
		clock:     clock.NewManual(t0),
		inventory: memory.NewInventory(),
	}
	points := memory.NewPoints()
	points.Set("cust-1", 1_000_000)
	f.inventory.Set("offer-1", units)
	f.disp = &countingDispatcher{
		exec:   settlement.NewExecutor(f.inventory, points, memory.NewPenalties(), nil, nil),
		byID:   make(map[string]int),
		failOn: make(map[string]bool),
	}
	catalog := memory.NewCatalog(domain.Offer{ID: "offer-1", PointsPerUnit: 10, Status: domain.OfferOpen})

	e, err := engine.New(engine.Deps{
		Store: f.store, Offers: catalog, Inventory: f.inventory, Points: points,
		Dispatcher: f.disp, Clock: f.clock,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) reserveMany(t *testing.T, n int) []*domain.Reservation {
	t.Helper()
	out := make([]*domain.Reservation, 0, n)
	for i := 0; i < n; i++ {
		r, err := f.engine.Reserve(context.Background(), engine.ReserveInput{OfferID: "offer-1", CustomerID: "cust-1", Quantity: 1})
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestSweepOnceExpiresDueReservations(t *testing.T) {
	f := newFixture(t, 10)
	due := f.reserveMany(t, 5)
	f.clock.Advance(10 * time.Minute)
	fresh := f.reserveMany(t, 2)
	f.clock.Advance(6 * time.Minute)

	s := New(f.engine, f.store, f.clock, Config{BatchSize: 2, Parallelism: 2}, nil, nil)
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 5}, res)

	for _, r := range due {
		got, err := f.engine.Get(context.Background(), r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateExpired, got.State)
	}
	for _, r := range fresh {
		got, err := f.engine.Get(context.Background(), r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateActive, got.State)
	}
	require.Equal(t, 8, f.inventory.Available("offer-1"))

	res, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestConcurrentSweepersExpireExactlyOnce(t *testing.T) {
	const n = 40
	f := newFixture(t, n)
	rs := f.reserveMany(t, n)
	f.clock.Advance(16 * time.Minute)

	a := New(f.engine, f.store, f.clock, Config{BatchSize: 7, Parallelism: 4}, nil, nil)
	b := New(f.engine, f.store, f.clock, Config{BatchSize: 7, Parallelism: 4}, nil, nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i, s := range []*Sweeper{a, b} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.SweepOnce(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	require.Equal(t, n, results[0].Expired+results[1].Expired)
	require.Zero(t, results[0].Errors+results[1].Errors)
	for _, r := range rs {
		got, err := f.engine.Get(context.Background(), r.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StateExpired, got.State)
		require.Equal(t, 1, f.disp.byID[r.ID], "settlement for %s", r.ID)
	}
	require.Equal(t, n, f.inventory.Available("offer-1"))
}

type flakyEngine struct {
	mu      sync.Mutex
	expired []string
	failing string
}

func (e *flakyEngine) Expire(_ context.Context, id string) (*domain.Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failing != "" && strings.HasPrefix(id, e.failing) {
		return nil, errors.New("store timeout")
	}
	switch id {
	case "raced":
		return nil, fmt.Errorf("expire: %w", domain.ErrConcurrentModification)
	case "extended":
		return nil, domain.ErrNotYetExpired
	}
	e.expired = append(e.expired, id)
	return &domain.Reservation{ID: id, State: domain.StateExpired}, nil
}

func (e *flakyEngine) Resettle(context.Context, string) (bool, error) { return false, nil }

type staticIndex struct{ ids []string }

func (i staticIndex) ListExpired(_ context.Context, _ time.Time, limit int) ([]string, error) {
	if limit > 0 && len(i.ids) > limit {
		return i.ids[:limit], nil
	}
	return i.ids, nil
}

func (staticIndex) ListUnsettled(context.Context, time.Time, int) ([]string, error) { return nil, nil }

func TestSweepContinuesPastErrors(t *testing.T) {
	eng := &flakyEngine{failing: "bad"}
	idx := staticIndex{ids: []string{"a", "bad", "raced", "extended", "b"}}
	s := New(eng, idx, clock.NewFixed(t0), Config{BatchSize: 10}, nil, nil)

	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 2, Races: 2, Errors: 1}, res)
	require.ElementsMatch(t, []string{"a", "b"}, eng.expired)
}

func TestSweepStopsWhenOnlyFailuresRemain(t *testing.T) {
	eng := &flakyEngine{failing: "bad"}
	s := New(eng, staticIndex{ids: []string{"bad"}}, clock.NewFixed(t0), Config{BatchSize: 1}, nil, nil)
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Errors)
}

// drainingIndex lists ids in order and drops the ones the engine expired,
// like the store's expiry index.
type drainingIndex struct {
	ids []string
	eng *flakyEngine
}

func (i drainingIndex) ListExpired(_ context.Context, _ time.Time, limit int) ([]string, error) {
	i.eng.mu.Lock()
	defer i.eng.mu.Unlock()
	var out []string
	for _, id := range i.ids {
		if slices.Contains(i.eng.expired, id) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, id)
	}
	return out, nil
}

func (drainingIndex) ListUnsettled(context.Context, time.Time, int) ([]string, error) { return nil, nil }

func TestSweepMovesPastPersistentFailures(t *testing.T) {
	eng := &flakyEngine{failing: "bad"}
	// A full page of failing ids sits in front of the due ones.
	idx := drainingIndex{ids: []string{"bad-1", "bad-2", "a", "b", "c", "bad-3", "d"}, eng: eng}
	s := New(eng, idx, clock.NewFixed(t0), Config{BatchSize: 2}, nil, nil)

	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Expired: 4, Errors: 3}, res)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, eng.expired)

	res, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Errors: 3}, res)
}

func TestReconcileRedispatchesAfterGrace(t *testing.T) {
	f := newFixture(t, 5)
	rs := f.reserveMany(t, 1)
	ctx := context.Background()

	f.disp.failOn[rs[0].ID] = true
	_, err := f.engine.Cancel(ctx, engine.CancelInput{ReservationID: rs[0].ID, Actor: domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}})
	require.NoError(t, err)
	require.Equal(t, 4, f.inventory.Available("offer-1"))
	f.disp.failOn[rs[0].ID] = false

	s := New(f.engine, f.store, f.clock, Config{SettleGrace: time.Minute}, nil, nil)

	n, err := s.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "still inside the grace period")

	f.clock.Advance(2 * time.Minute)
	n, err = s.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 5, f.inventory.Available("offer-1"))

	n, err = s.ReconcileOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunSweepsImmediately(t *testing.T) {
	f := newFixture(t, 2)
	rs := f.reserveMany(t, 1)
	f.clock.Advance(20 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	s := New(f.engine, f.store, f.clock, Config{Interval: time.Hour}, nil, nil)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.engine.Get(context.Background(), rs[0].ID)
		return err == nil && got.State == domain.StateExpired
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Interval: time.Millisecond}.withDefaults()
	require.Equal(t, minInterval, c.Interval)
	require.Equal(t, defaultBatchSize, c.BatchSize)
	require.Equal(t, defaultParallelism, c.Parallelism)
	require.Equal(t, defaultSettleGrace, c.SettleGrace)
}

func TestTaskHandlers(t *testing.T) {
	eng := &flakyEngine{}
	s := New(eng, staticIndex{ids: []string{"a"}}, clock.NewFixed(t0), Config{}, nil, nil)
	require.NoError(t, s.HandleSweepExpired(context.Background(), asynq.NewTask(TypeSweepExpired, nil)))
	require.Equal(t, []string{"a"}, eng.expired)
	require.NoError(t, s.HandleReconcile(context.Background(), asynq.NewTask(TypeReconcile, nil)))
}

func TestRegister(t *testing.T) {
	mr := miniredis.RunT(t)
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: mr.Addr()}, nil)
	require.NoError(t, Register(scheduler, 30*time.Second))
}
