package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/obs"
)

const (
	TypeSettleHook = "settlement:hook"
	Queue          = "settlement"
)

// AsynqDispatcher enqueues one task per hook. The task id is the job key,
// so concurrent or repeated dispatches of the same event collapse.
type AsynqDispatcher struct {
	client   *asynq.Client
	policy   Policy
	maxRetry int
	timeout  time.Duration
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

func NewAsynqDispatcher(client *asynq.Client, policy Policy, maxRetry int) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, policy: policy, maxRetry: maxRetry, timeout: 30 * time.Second}
}

// NewHookTask builds the queue task for one job.
func NewHookTask(job Job, maxRetry int, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSettleHook, payload,
		asynq.TaskID(job.Key()),
		asynq.Queue(Queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(timeout),
	), nil
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, ev domain.TerminalEvent) error {
	var errs error
	for _, job := range Jobs(ev, d.policy) {
		task, err := NewHookTask(job, d.maxRetry, d.timeout)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to build %s task: %w", job.Hook, err))
			continue
		}
		_, err = d.client.EnqueueContext(ctx, task)
		if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
			errs = errors.Join(errs, fmt.Errorf("failed to enqueue %s: %w", job.Key(), err))
		}
	}
	return errs
}

// TaskHandler executes hook tasks pulled from the queue.
type TaskHandler struct {
	exec    *Executor
	logger  *zap.Logger
	metrics *obs.Metrics
}

func NewTaskHandler(exec *Executor, logger *zap.Logger, metrics *obs.Metrics) *TaskHandler {
	if metrics == nil {
		metrics = obs.NewMetrics(nil)
	}
	return &TaskHandler{exec: exec, logger: obs.OrNop(logger), metrics: metrics}
}

func (h *TaskHandler) HandleSettleHook(ctx context.Context, t *asynq.Task) error {
	var job Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("%w: bad payload: %v", asynq.SkipRetry, err)
	}
	if err := h.exec.Execute(ctx, job); err != nil {
		return err
	}
	h.metrics.HookDeliveries.WithLabelValues(string(job.Hook)).Inc()
	return nil
}

// ErrorHandler reports hook tasks that used their last retry. Those need an
// operator: the reservation is resolved but a ledger is out of step.
func (h *TaskHandler) ErrorHandler() asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
		if t.Type() != TypeSettleHook {
			return
		}
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
			return
		}
		var job Job
		_ = json.Unmarshal(t.Payload(), &job)
		h.metrics.HookFailures.WithLabelValues(string(job.Hook)).Inc()
		h.logger.Error("settlement hook delivery failed",
			zap.String("hook", string(job.Hook)),
			zap.String("reservation_id", job.Event.ReservationID),
			zap.String("state", string(job.Event.To)),
			zap.String("key", job.Key()),
			zap.Error(errors.Join(domain.ErrHookDeliveryFailure, err)))
	})
}
