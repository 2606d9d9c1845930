package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeSweepExpired = "sweep:expired"
	TypeReconcile    = "settlement:reconcile"
	Queue            = "critical"
)

func (s *Sweeper) HandleSweepExpired(ctx context.Context, _ *asynq.Task) error {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("sweep task done", zap.Int("expired", res.Expired), zap.Int("races", res.Races))
	return nil
}

func (s *Sweeper) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	_, err := s.ReconcileOnce(ctx)
	return err
}

// Register schedules the periodic sweep and reconciliation tasks. Several
// instances may register the same schedule; the tasks are unique per
// interval and the expiry write is conditional.
func Register(scheduler *asynq.Scheduler, interval time.Duration) error {
	if interval < minInterval {
		interval = minInterval
	}
	cronspec := fmt.Sprintf("@every %s", interval)
	opts := []asynq.Option{
		asynq.Queue(Queue),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	}
	if _, err := scheduler.Register(cronspec, asynq.NewTask(TypeSweepExpired, nil, opts...)); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	if _, err := scheduler.Register(cronspec, asynq.NewTask(TypeReconcile, nil, opts...)); err != nil {
		return fmt.Errorf("register reconcile: %w", err)
	}
	return nil
}
