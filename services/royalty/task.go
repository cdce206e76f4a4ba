package royalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vortex-royalty/pkg/errutil"
	"vortex-royalty/pkg/task"
	"vortex-royalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type DispatchPayload struct {
	PlanID string `json:"plan_id"`
}

func NewDispatchTask(planID string) (*asynq.Task, error) {
	payload, err := json.Marshal(DispatchPayload{PlanID: planID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.RoyaltyPlanDispatch, payload,
		asynq.Queue(task.QueueCritical),
		asynq.TaskID(taskname.RoyaltyPlanDispatch+":"+planID),
		asynq.MaxRetry(10),
	), nil
}

func errorsIsTaskConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// EnqueueDispatch schedules a dispatch of planID on the task queue. A plan
// that is already queued is not queued twice.
func (s *Service) EnqueueDispatch(ctx context.Context, planID string) error {
	if s.enqueuer == nil {
		return errutil.ServiceUnavailable("task queue not configured", nil)
	}

	t, err := NewDispatchTask(planID)
	if err != nil {
		return err
	}

	info, err := s.enqueuer.Enqueue(ctx, t)
	if err != nil {
		if errorsIsTaskConflict(err) {
			zap.L().Debug("dispatch already queued", zap.String("plan_id", planID))
			return nil
		}
		return err
	}

	zap.L().Info("dispatch enqueued",
		zap.String("plan_id", planID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// HandleDispatchTask runs one dispatch cycle for the plan in the payload.
// Busy and paused plans are retried by asynq; unknown plans are dropped.
func (s *Service) HandleDispatchTask(ctx context.Context, t *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid dispatch payload", zap.Error(err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	zap.L().Info("Processing dispatch task", zap.String("plan_id", payload.PlanID))

	res, err := s.dispatcher.Dispatch(ctx, payload.PlanID)
	switch {
	case err == nil:
	case errors.Is(err, ErrPlanNotFound):
		zap.L().Warn("dispatch task for unknown plan", zap.String("plan_id", payload.PlanID))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case res != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil:
		zap.L().Info("dispatch task cancelled", zap.String("plan_id", payload.PlanID))
		return nil
	default:
		zap.L().Warn("failed to process dispatch task", zap.String("plan_id", payload.PlanID), zap.Error(err))
		return err
	}

	zap.L().Info("Finished dispatch task",
		zap.String("plan_id", payload.PlanID),
		zap.String("status", string(res.Status)),
	)
	return nil
}

// HandleResumeTask sweeps pending plans.
func (s *Service) HandleResumeTask(ctx context.Context, t *asynq.Task) error {
	n, err := s.ResumePending(ctx)
	if err != nil {
		zap.L().Error("failed to resume pending plans", zap.Error(err))
		return err
	}
	zap.L().Info("Finished resume task", zap.Int("resumed", n))
	return nil
}

func registerTasks(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.RoyaltyPlanDispatch, svc.HandleDispatchTask)
	mux.HandleFunc(taskname.RoyaltyPlansResume, svc.HandleResumeTask)
}
