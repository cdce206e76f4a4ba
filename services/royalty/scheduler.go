package royalty

import (
	"context"
	"time"

	"vortex-royalty/pkg/task"
	"vortex-royalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler sweeps pending plans at start-up and then every interval, either
// inline or through the royalty:plans:resume task.
type Scheduler struct {
	service  *Service
	enqueuer task.Enqueuer
	interval time.Duration
	async    bool

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(svc *Service, enqueuer task.Enqueuer, interval time.Duration, async bool) *Scheduler {
	return &Scheduler{
		service:  svc,
		enqueuer: enqueuer,
		interval: interval,
		async:    async,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	zap.L().Info("[Scheduler] started royalty resume scheduler", zap.Duration("interval", s.interval))

	s.sweep(ctx)
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	start := time.Now()

	if s.async && s.enqueuer != nil {
		opts := []asynq.Option{asynq.Queue(task.QueueLow)}
		if s.interval > 0 {
			opts = append(opts, asynq.Unique(s.interval))
		}
		_, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.RoyaltyPlansResume, nil), opts...)
		if err != nil && !errorsIsTaskConflict(err) {
			zap.L().Error("[Scheduler] failed to enqueue resume sweep", zap.Error(err))
		}
		return
	}

	n, err := s.service.ResumePending(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] resume sweep failed", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] Finished resume sweep",
		zap.Int("resumed", n),
		zap.Duration("duration", time.Since(start)),
	)
}
