// Package sweeper drives reservations past their deadline into EXPIRED and
// re-dispatches settlements that never got acknowledged.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reservation-engine/internal/clock"
	"reservation-engine/internal/domain"
	"reservation-engine/internal/obs"
)

const (
	defaultInterval    = 30 * time.Second
	minInterval        = time.Second
	defaultBatchSize   = 100
	defaultParallelism = 8
	defaultSettleGrace = 2 * time.Minute
)

// Engine is the part of the lifecycle engine the sweeper drives.
type Engine interface {
	Expire(ctx context.Context, id string) (*domain.Reservation, error)
	Resettle(ctx context.Context, id string) (bool, error)
}

// Index lists sweep candidates.
type Index interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	SettleGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.SettleGrace <= 0 {
		c.SettleGrace = defaultSettleGrace
	}
	return c
}

type Sweeper struct {
	engine  Engine
	index   Index
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *obs.Metrics
}

func New(engine Engine, index Index, clk clock.Clock, cfg Config, logger *zap.Logger, metrics *obs.Metrics) *Sweeper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if metrics == nil {
		metrics = obs.NewMetrics(nil)
	}
	return &Sweeper{
		engine:  engine,
		index:   index,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		logger:  obs.OrNop(logger),
		metrics: metrics,
	}
}

// Result summarises one sweep.
type Result struct {
	Expired int
	Races   int
	Errors  int
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
	}
	if _, err := s.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("settlement reconciliation failed", zap.Error(err))
	}
}

// SweepOnce expires every ACTIVE reservation that is due at the current
// instant. Losing a race to another writer is not an error. Other per-record
// failures are logged and counted and the sweep carries on.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.clock.Now()
	var total Result

	// failed holds ids that errored during this sweep. They stay in the
	// index, so each page is over-fetched by len(failed) and they are
	// filtered out to let the cursor move past them.
	failed := make(map[string]struct{})
	for {
		limit := s.cfg.BatchSize + len(failed)
		ids, err := s.index.ListExpired(ctx, now, limit)
		if err != nil {
			return total, fmt.Errorf("list expired: %w", err)
		}
		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := failed[id]; !ok {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			break
		}
		res, errored := s.expireBatch(ctx, fresh)
		total.Expired += res.Expired
		total.Races += res.Races
		total.Errors += res.Errors
		for _, id := range errored {
			failed[id] = struct{}{}
		}

		// A short page means the index is drained.
		if len(ids) < limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total.Expired > 0 || total.Errors > 0 {
		s.logger.Info("expiry sweep",
			zap.Int("expired", total.Expired),
			zap.Int("races", total.Races),
			zap.Int("errors", total.Errors),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()))
	}
	return total, nil
}

// expireBatch expires ids concurrently and returns the ids that failed
// with something other than a lost race.
func (s *Sweeper) expireBatch(ctx context.Context, ids []string) (Result, []string) {
	var expired, races atomic.Int64
	var (
		mu      sync.Mutex
		errored []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.engine.Expire(gctx, id)
			switch {
			case err == nil:
				expired.Add(1)
				s.metrics.SweepExpired.Inc()
			case domain.IsLostRace(err):
				races.Add(1)
				s.metrics.SweepRaces.Inc()
				s.logger.Debug("sweep lost race", zap.String("reservation_id", id), zap.Error(err))
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				mu.Lock()
				errored = append(errored, id)
				mu.Unlock()
				s.metrics.SweepErrors.Inc()
				s.logger.Error("failed to expire reservation", zap.String("reservation_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Expired: int(expired.Load()), Races: int(races.Load()), Errors: len(errored)}, errored
}

// ReconcileOnce re-dispatches hooks for reservations resolved more than the
// grace period ago whose settlement was never acknowledged.
func (s *Sweeper) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.SettleGrace)
	ids, err := s.index.ListUnsettled(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unsettled: %w", err)
	}

	n := 0
	for _, id := range ids {
		dispatched, err := s.engine.Resettle(ctx, id)
		if err != nil {
			s.logger.Error("failed to re-dispatch settlement", zap.String("reservation_id", id), zap.Error(err))
			continue
		}
		if dispatched {
			n++
			s.metrics.Reconciled.Inc()
		}
	}
	return n, nil
}
