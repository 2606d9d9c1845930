package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/obs"
)

type InlineConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultInlineConfig() InlineConfig {
	return InlineConfig{
		MaxRetries:      8,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// InlineDispatcher runs hooks in background goroutines of the current
// process and retries each with exponential backoff. Work in flight is lost
// on crash; the sweeper's reconciliation pass re-dispatches it.
type InlineDispatcher struct {
	exec    *Executor
	policy  Policy
	cfg     InlineConfig
	logger  *zap.Logger
	metrics *obs.Metrics

	wg sync.WaitGroup
}

var _ Dispatcher = (*InlineDispatcher)(nil)

func NewInlineDispatcher(exec *Executor, policy Policy, cfg InlineConfig, logger *zap.Logger, metrics *obs.Metrics) *InlineDispatcher {
	if metrics == nil {
		metrics = obs.NewMetrics(nil)
	}
	return &InlineDispatcher{
		exec:    exec,
		policy:  policy,
		cfg:     cfg,
		logger:  obs.OrNop(logger),
		metrics: metrics,
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, ev domain.TerminalEvent) error {
	// Hooks outlive the request that triggered them.
	bg := context.WithoutCancel(ctx)
	for _, job := range Jobs(ev, d.policy) {
		d.wg.Add(1)
		go func(job Job) {
			defer d.wg.Done()
			d.run(bg, job)
		}(job)
	}
	return nil
}

// Wait blocks until every dispatched hook finished or gave up.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

func (d *InlineDispatcher) run(ctx context.Context, job Job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := d.exec.Execute(ctx, job)
		if err != nil {
			d.logger.Warn("settlement hook failed, retrying",
				zap.String("hook", string(job.Hook)),
				zap.String("reservation_id", job.Event.ReservationID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.MaxRetries), ctx))

	if err != nil {
		d.metrics.HookFailures.WithLabelValues(string(job.Hook)).Inc()
		d.logger.Error("settlement hook delivery failed",
			zap.String("hook", string(job.Hook)),
			zap.String("reservation_id", job.Event.ReservationID),
			zap.String("state", string(job.Event.To)),
			zap.String("key", job.Key()),
			zap.Error(errors.Join(domain.ErrHookDeliveryFailure, err)))
		return
	}
	d.metrics.HookDeliveries.WithLabelValues(string(job.Hook)).Inc()
}
