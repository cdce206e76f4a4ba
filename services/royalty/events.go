package royalty

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"vortex-royalty/pkg/money"
	"vortex-royalty/pkg/task"
	"vortex-royalty/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// PlanEvent is emitted when a plan is recorded and on every status change.
type PlanEvent struct {
	PlanID     string       `json:"plan_id"`
	ArtworkID  string       `json:"artwork_id"`
	Status     PlanStatus   `json:"status"`
	Previous   PlanStatus   `json:"previous,omitempty"`
	SaleAmount money.Amount `json:"sale_amount"`
	Currency   string       `json:"currency"`
	At         time.Time    `json:"at"`
}

// PayoutEvent is emitted after every recorded transfer attempt.
type PayoutEvent struct {
	PlanID        string         `json:"plan_id"`
	BeneficiaryID string         `json:"beneficiary_id"`
	Role          Role           `json:"role"`
	Attempt       int            `json:"attempt"`
	Outcome       AttemptOutcome `json:"outcome"`
	Status        PayoutStatus   `json:"status"`
	Amount        money.Amount   `json:"amount"`
	Currency      string         `json:"currency"`
	ExternalRef   string         `json:"external_ref,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	At            time.Time      `json:"at"`
}

// Observer receives plan and payout transitions. Implementations must not
// block; slow work belongs on a queue.
type Observer interface {
	OnPlan(PlanEvent)
	OnPayout(PayoutEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Plan   func(PlanEvent)
	Payout func(PayoutEvent)
}

func (f ObserverFuncs) OnPlan(e PlanEvent) {
	if f.Plan != nil {
		f.Plan(e)
	}
}

func (f ObserverFuncs) OnPayout(e PayoutEvent) {
	if f.Payout != nil {
		f.Payout(e)
	}
}

// Events is the subscription registry shared by the engine components.
type Events struct {
	mu   sync.RWMutex
	next int
	subs map[int]Observer
}

func NewEvents() *Events {
	return &Events{subs: make(map[int]Observer)}
}

// Subscribe registers o and returns a func removing it again.
func (e *Events) Subscribe(o Observer) (unsubscribe func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = o
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Events) observers() []Observer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Observer, 0, len(e.subs))
	for i := 0; i < e.next; i++ {
		if o, ok := e.subs[i]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (e *Events) EmitPlan(ev PlanEvent) {
	if e == nil {
		return
	}
	for _, o := range e.observers() {
		safeNotify(func() { o.OnPlan(ev) })
	}
}

func (e *Events) EmitPayout(ev PayoutEvent) {
	if e == nil {
		return
	}
	for _, o := range e.observers() {
		safeNotify(func() { o.OnPayout(ev) })
	}
}

// safeNotify keeps a panicking observer from aborting a dispatch.
func safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("royalty observer panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

type logObserver struct{}

// NewLogObserver writes every transition to the global zap logger.
func NewLogObserver() Observer {
	return logObserver{}
}

func (logObserver) OnPlan(e PlanEvent) {
	zap.L().Info("royalty plan transition",
		zap.String("plan_id", e.PlanID),
		zap.String("artwork_id", e.ArtworkID),
		zap.String("status", string(e.Status)),
		zap.String("previous", string(e.Previous)),
		zap.Int64("amount", int64(e.SaleAmount)),
	)
}

func (logObserver) OnPayout(e PayoutEvent) {
	fields := []zap.Field{
		zap.String("plan_id", e.PlanID),
		zap.String("beneficiary_id", e.BeneficiaryID),
		zap.Int("attempt", e.Attempt),
		zap.String("outcome", string(e.Outcome)),
		zap.String("status", string(e.Status)),
		zap.Int64("amount", int64(e.Amount)),
	}
	if e.ErrorKind != "" {
		zap.L().Warn("royalty payout attempt failed", append(fields, zap.String("error_kind", e.ErrorKind), zap.String("error", e.Error))...)
		return
	}
	zap.L().Info("royalty payout attempt", append(fields, zap.String("external_ref", e.ExternalRef))...)
}

// SettledPayload is the body of the royalty:plan:settled task.
type SettledPayload struct {
	PlanEvent
}

type taskPublisher struct {
	enqueuer task.Enqueuer
	timeout  time.Duration
}

// NewTaskPublisher fans terminal plan events out as asynq tasks so other
// services can react to settled plans.
func NewTaskPublisher(enqueuer task.Enqueuer) Observer {
	return &taskPublisher{enqueuer: enqueuer, timeout: 5 * time.Second}
}

func (p *taskPublisher) OnPlan(e PlanEvent) {
	if !e.Status.Terminal() {
		return
	}

	payload, err := json.Marshal(SettledPayload{PlanEvent: e})
	if err != nil {
		zap.L().Error("marshal settled payload", zap.String("plan_id", e.PlanID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	t := asynq.NewTask(taskname.RoyaltyPlanSettled, payload)
	if _, err := p.enqueuer.Enqueue(ctx, t,
		asynq.Queue(task.QueueDefault),
		asynq.TaskID(taskname.RoyaltyPlanSettled+":"+e.PlanID+":"+string(e.Status)),
		asynq.MaxRetry(10),
	); err != nil && !errorsIsTaskConflict(err) {
		zap.L().Error("publish settled plan", zap.String("plan_id", e.PlanID), zap.Error(err))
	}
}

func (p *taskPublisher) OnPayout(PayoutEvent) {}
