package royalty

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/featureflags"
	"vortex-royalty/pkg/lease"
	"vortex-royalty/pkg/logger"
	"vortex-royalty/pkg/money"
	"vortex-royalty/pkg/rediskey"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DispatchPausedFlag closes the dispatch gate while enabled.
const DispatchPausedFlag = "royalty_dispatch_paused"

var tracer = otel.Tracer("vortex-royalty/services/royalty")

// DispatchResult is the state of a plan after a dispatch cycle.
type DispatchResult struct {
	PlanID  string
	Status  PlanStatus
	Payouts []PayoutRecord
}

// Dispatcher executes the transfers of a recorded plan. One cycle per plan
// runs at a time, guarded by a lease.
type Dispatcher struct {
	ledger   *Ledger
	transfer Transferrer
	wallets  WalletDirectory
	locker   lease.Locker
	flags    featureflags.FeatureFlag
	events   *Events
	metrics  *Metrics
	cfg      config.Dispatch
	currency money.Currency

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

type DispatcherParams struct {
	Ledger   *Ledger
	Transfer Transferrer
	Wallets  WalletDirectory
	Locker   lease.Locker
	Flags    featureflags.FeatureFlag
	Events   *Events
	Metrics  *Metrics
	Config   config.Dispatch
	Currency money.Currency
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	cfg := p.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}

	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static{}
	}

	return &Dispatcher{
		ledger:   p.Ledger,
		transfer: p.Transfer,
		wallets:  p.Wallets,
		locker:   p.Locker,
		flags:    flags,
		events:   p.Events,
		metrics:  p.Metrics,
		cfg:      cfg,
		currency: p.Currency,
		sleep:    sleepContext,
		inflight: make(map[string]context.CancelFunc),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the wait before attempt n+1 after n failed attempts:
// base × 2^(n-1), capped, without jitter.
func Backoff(base, limit time.Duration, n int) time.Duration {
	if n < 1 || base <= 0 {
		return 0
	}
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = limit
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Cancel stops an in-process dispatch of planID before its next
// beneficiary. It reports whether a dispatch was running.
func (d *Dispatcher) Cancel(planID string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[planID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) track(planID string, cancel context.CancelFunc) func() {
	d.mu.Lock()
	d.inflight[planID] = cancel
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.inflight, planID)
		d.mu.Unlock()
		cancel()
	}
}

// Dispatch pays every pending payout of a plan. Payouts that already
// succeeded or failed are left alone, so calling it again is safe.
func (d *Dispatcher) Dispatch(ctx context.Context, planID string) (*DispatchResult, error) {
	return d.run(ctx, "royalty.Dispatch", planID, nil)
}

// Redispatch gives the failed payouts of a plan a fresh retry budget and
// runs a cycle. Both happen under the plan lease, so a busy plan is left
// untouched.
func (d *Dispatcher) Redispatch(ctx context.Context, planID string) (*DispatchResult, error) {
	return d.run(ctx, "royalty.Redispatch", planID, d.reopen)
}

func (d *Dispatcher) reopen(store context.Context, planID string) error {
	prev, err := d.ledger.GetPlanStatus(store, planID)
	if err != nil {
		return err
	}

	reopened, err := d.ledger.ReopenFailedPayouts(store, planID)
	if err != nil || reopened == 0 {
		return err
	}
	logger.FromContext(store).Info("failed payouts reopened",
		zap.String("plan_id", planID),
		zap.Int64("reopened", reopened),
	)
	if prev == PlanStatusPending {
		return nil
	}

	plan, err := d.ledger.GetPlan(store, planID)
	if err != nil {
		return err
	}
	d.events.EmitPlan(PlanEvent{
		PlanID:     planID,
		ArtworkID:  plan.ArtworkID,
		Status:     PlanStatusPending,
		Previous:   prev,
		SaleAmount: plan.SaleAmount,
		Currency:   plan.Currency,
		At:         time.Now().UTC(),
	})
	return nil
}

// run holds the plan lease for one cycle. prepare, when set, runs under the
// lease before any payout is read.
func (d *Dispatcher) run(ctx context.Context, name, planID string, prepare func(store context.Context, planID string) error) (*DispatchResult, error) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attribute.String("plan_id", planID)))
	defer span.End()

	log := logger.FromContext(ctx).With(zap.String("plan_id", planID))

	if d.flags.Enabled(ctx, DispatchPausedFlag) {
		log.Warn("dispatch gate closed")
		return nil, dispatchPaused()
	}

	held, err := d.locker.Acquire(ctx, rediskey.BuildPlanLeaseKey(planID), d.cfg.LeaseTTL, d.cfg.LeaseWait)
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			d.metrics.LeaseBusy()
			span.SetStatus(codes.Error, "lease busy")
			return nil, &ResourceBusyError{PlanID: planID}
		}
		return nil, err
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release plan lease", zap.Error(err))
		}
	}()

	d.metrics.DispatchStarted()
	defer d.metrics.DispatchFinished()

	// writes must land even if the caller goes away mid-cycle
	store := context.WithoutCancel(ctx)
	cycle, cancel := context.WithCancel(ctx)
	defer d.track(planID, cancel)()

	if prepare != nil {
		if err := prepare(store, planID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	plan, err := d.ledger.GetPlan(store, planID)
	if err != nil {
		return nil, err
	}

	var cancelled error
	if plan.Status == PlanStatusPending {
		for i := range plan.Payouts {
			if err := cycle.Err(); err != nil {
				cancelled = err
				log.Info("dispatch cancelled between beneficiaries", zap.Int("remaining", len(plan.Payouts)-i))
				break
			}

			rec := &plan.Payouts[i]
			if rec.Status != PayoutStatusPending {
				continue
			}
			if err := d.payout(cycle, store, plan, rec); err != nil {
				span.RecordError(err)
				return nil, err
			}
		}
	}

	prev, next, err := d.ledger.RefreshPlanStatus(store, planID)
	if err != nil {
		return nil, err
	}
	if prev != next {
		d.events.EmitPlan(PlanEvent{
			PlanID:     plan.ID,
			ArtworkID:  plan.ArtworkID,
			Status:     next,
			Previous:   prev,
			SaleAmount: plan.SaleAmount,
			Currency:   plan.Currency,
			At:         time.Now().UTC(),
		})
	}
	span.SetAttributes(attribute.String("status", string(next)))

	result := &DispatchResult{PlanID: planID, Status: next, Payouts: plan.Payouts}
	if cancelled != nil {
		return result, cancelled
	}
	return result, nil
}

// payout runs the attempt loop of one beneficiary and updates rec in place.
// Only ledger failures are returned; transfer failures end up on the record.
func (d *Dispatcher) payout(cycle, store context.Context, plan *DistributionPlan, rec *PayoutRecord) error {
	log := logger.FromContext(cycle).With(
		zap.String("plan_id", plan.ID),
		zap.String("beneficiary_id", rec.BeneficiaryID),
	)

	budget := d.cfg.MaxAttempts - rec.RoundAttempts
	if budget <= 0 {
		log.Warn("retry budget already spent, failing payout")
		return d.record(store, plan, rec, attemptResult{
			outcome: OutcomePermanentFailure,
			status:  PayoutStatusFailed,
			err:     &PermanentError{Reason: "retry budget exhausted"},
		})
	}

	destination, err := d.wallets.Wallet(store, rec.BeneficiaryID)
	if err != nil {
		if !errors.Is(err, ErrWalletNotFound) {
			return err
		}
		// no transfer call was made, but the failure still goes on record
		return d.record(store, plan, rec, attemptResult{
			outcome: OutcomePermanentFailure,
			status:  PayoutStatusFailed,
			err:     &PermanentError{Reason: "invalid destination", Err: err},
		})
	}

	for i := 0; i < budget; i++ {
		res := d.attempt(store, plan, rec, destination)
		last := i == budget-1

		switch {
		case res.err == nil:
			res.outcome, res.status = OutcomeSucceeded, PayoutStatusSucceeded
		case IsPermanent(res.err):
			res.outcome, res.status = OutcomePermanentFailure, PayoutStatusFailed
		case last:
			res.outcome, res.status = OutcomeTransientFailure, PayoutStatusFailed
		default:
			res.outcome, res.status = OutcomeTransientFailure, PayoutStatusPending
		}

		if err := d.record(store, plan, rec, res); err != nil {
			return err
		}
		if rec.Status != PayoutStatusPending {
			return nil
		}

		wait := Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, rec.RoundAttempts)
		log.Info("transient transfer failure, backing off",
			zap.Int("attempt", rec.AttemptCount),
			zap.Duration("backoff", wait),
			zap.Error(res.err),
		)
		if err := d.sleep(cycle, wait); err != nil {
			// cancelled during backoff; the payout stays pending for the next cycle
			return nil
		}
	}
	return nil
}

type attemptResult struct {
	ref      string
	err      error
	outcome  AttemptOutcome
	status   PayoutStatus
	duration time.Duration
}

// attempt performs one transfer call under the per-attempt timeout. The call
// is detached from plan cancellation so it is never cut short halfway.
func (d *Dispatcher) attempt(store context.Context, plan *DistributionPlan, rec *PayoutRecord, destination string) attemptResult {
	ctx, cancel := context.WithTimeout(store, d.cfg.AttemptTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "royalty.Transfer", trace.WithAttributes(
		attribute.String("plan_id", plan.ID),
		attribute.String("beneficiary_id", rec.BeneficiaryID),
		attribute.Int("attempt", rec.AttemptCount+1),
	))
	defer span.End()

	start := time.Now()
	out, err := d.transfer.Transfer(ctx, TransferRequest{
		Destination:      destination,
		Amount:           rec.Amount,
		Currency:         d.currency,
		IdempotencyToken: rec.IdempotencyToken,
		PlanID:           plan.ID,
		BeneficiaryID:    rec.BeneficiaryID,
	})
	res := attemptResult{duration: time.Since(start)}

	switch {
	case err == nil && (out == nil || out.TransactionRef == ""):
		res.err = &TransientError{Reason: "transfer returned no transaction reference"}
	case err == nil:
		res.ref = out.TransactionRef
	case IsPermanent(err):
		res.err = err
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		res.err = &TransientError{Reason: "transfer timed out", Err: err}
	case IsTransient(err):
		res.err = err
	default:
		res.err = &TransientError{Reason: "unclassified transfer error", Err: err}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, errorKind(res.err))
	}
	return res
}

func (d *Dispatcher) record(store context.Context, plan *DistributionPlan, rec *PayoutRecord, res attemptResult) error {
	_, updated, err := d.ledger.RecordPayoutAttempt(store, AttemptInput{
		PayoutID:    rec.ID,
		Outcome:     res.outcome,
		Status:      res.status,
		ExternalRef: res.ref,
		Err:         res.err,
		Duration:    res.duration,
		Metadata: map[string]any{
			"plan_code": plan.Code,
			"currency":  d.currency.Code,
		},
	})
	if errors.Is(err, ErrAlreadySucceeded) {
		// another writer settled it; reflect the stored state
		rec.Status = PayoutStatusSucceeded
		return nil
	}
	if err != nil {
		return err
	}
	*rec = *updated

	d.metrics.ObserveAttempt(res.outcome, errorKind(res.err), res.duration)

	ev := PayoutEvent{
		PlanID:        plan.ID,
		BeneficiaryID: rec.BeneficiaryID,
		Role:          rec.Role,
		Attempt:       rec.AttemptCount,
		Outcome:       res.outcome,
		Status:        rec.Status,
		Amount:        rec.Amount,
		Currency:      d.currency.Code,
		ExternalRef:   res.ref,
		ErrorKind:     errorKind(res.err),
		At:            time.Now().UTC(),
	}
	if res.err != nil {
		ev.Error = res.err.Error()
	}
	d.events.EmitPayout(ev)
	return nil
}
