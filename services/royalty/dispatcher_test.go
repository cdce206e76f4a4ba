package royalty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/db/pagination"
	"vortex-royalty/pkg/featureflags"
	"vortex-royalty/pkg/lease"
	"vortex-royalty/pkg/money"
	"vortex-royalty/pkg/rediskey"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type dispatchFixture struct {
	ledger     *Ledger
	wallets    *StaticConfigSource
	locker     *lease.LocalLocker
	events     *Events
	dispatcher *Dispatcher

	mu     sync.Mutex
	sleeps []time.Duration
}

func newDispatchFixture(t *testing.T, transfer Transferrer, mutate func(*DispatcherParams)) *dispatchFixture {
	t.Helper()

	l, _ := newTestLedger(t)
	f := &dispatchFixture{
		ledger:  l,
		wallets: NewStaticConfigSource(),
		locker:  lease.NewLocalLocker(),
		events:  NewEvents(),
	}
	for _, id := range []string{"a", "b", "c", "artist", "platform"} {
		f.wallets.SetWallet(id, "wallet-"+id)
	}

	params := DispatcherParams{
		Ledger:   l,
		Transfer: transfer,
		Wallets:  f.wallets,
		Locker:   f.locker,
		Flags:    featureflags.Static{},
		Events:   f.events,
		Config: config.Dispatch{
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffCap:     30 * time.Second,
			AttemptTimeout: 15 * time.Second,
			LeaseTTL:       time.Minute,
			LeaseWait:      20 * time.Millisecond,
		},
		Currency: money.USD,
	}
	if mutate != nil {
		mutate(&params)
	}

	f.dispatcher = NewDispatcher(params)
	f.dispatcher.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	return f
}

func (f *dispatchFixture) payouts(t *testing.T, planID string) map[string]PayoutRecord {
	t.Helper()
	plan, err := f.ledger.GetPlan(context.Background(), planID)
	require.NoError(t, err)
	out := make(map[string]PayoutRecord, len(plan.Payouts))
	for _, p := range plan.Payouts {
		out[p.BeneficiaryID] = p
	}
	return out
}

func succeedWith(ref string) func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	return func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		return &TransferResult{TransactionRef: ref + "-" + req.BeneficiaryID}, nil
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 2*time.Second, 30*time.Second

	require.Equal(t, time.Duration(0), Backoff(base, limit, 0))
	require.Equal(t, 2*time.Second, Backoff(base, limit, 1))
	require.Equal(t, 4*time.Second, Backoff(base, limit, 2))
	require.Equal(t, 8*time.Second, Backoff(base, limit, 3))
	require.Equal(t, 16*time.Second, Backoff(base, limit, 4))
	require.Equal(t, 30*time.Second, Backoff(base, limit, 5))
	require.Equal(t, 30*time.Second, Backoff(base, limit, 50))
}

func TestDispatch_SingleArtistPaid(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, nil)

	computed, err := NewCalculator(money.USD).Compute(SaleEvent{
		ReferenceID: "sale-1",
		ArtworkID:   "art-1",
		SaleAmount:  usd("1000.00"),
		Kind:        SaleKindSecondary,
	}, []BeneficiaryShare{{BeneficiaryID: "artist", Percentage: pct("2.5"), Role: RoleArtist}})
	require.NoError(t, err)
	plan, _, err := f.ledger.RecordPlan(context.Background(), computed)
	require.NoError(t, err)

	transfer.EXPECT().Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
			require.Equal(t, "wallet-artist", req.Destination)
			require.Equal(t, usd("25.00"), req.Amount)
			require.Equal(t, IdempotencyToken(plan.ID, "artist"), req.IdempotencyToken)
			_, hasDeadline := ctx.Deadline()
			require.True(t, hasDeadline)
			return &TransferResult{TransactionRef: "tx-1"}, nil
		})

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, res.Status)

	rec := f.payouts(t, plan.ID)["artist"]
	require.Equal(t, PayoutStatusSucceeded, rec.Status)
	require.Equal(t, "tx-1", *rec.ExternalTransactionRef)
	require.Equal(t, "25.00", rec.Amount.Format(money.USD))
}

func TestDispatch_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("90.00"), collabShares("a", "b", "c")...)

	transfer.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(succeedWith("tx")).Times(3)

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, res.Status)

	// a second dispatch must not reach the collaborator at all
	res, err = f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, res.Status)

	attempts, err := f.ledger.ListAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	seen := map[string]int{}
	for _, a := range attempts {
		require.Equal(t, OutcomeSucceeded, a.Outcome)
		seen[a.BeneficiaryID]++
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestDispatch_PartialFailure(t *testing.T) {
	calls := map[string]int{}
	var mu sync.Mutex
	f := newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		mu.Lock()
		calls[req.BeneficiaryID]++
		mu.Unlock()
		if req.BeneficiaryID == "c" {
			return nil, &PermanentError{Reason: "invalid destination"}
		}
		return &TransferResult{TransactionRef: "tx-" + req.BeneficiaryID}, nil
	}), nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("90.00"), collabShares("a", "b", "c")...)

	var planEvents []PlanEvent
	var payoutEvents []PayoutEvent
	f.events.Subscribe(ObserverFuncs{
		Plan:   func(e PlanEvent) { planEvents = append(planEvents, e) },
		Payout: func(e PayoutEvent) { payoutEvents = append(payoutEvents, e) },
	})

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPartiallyPaid, res.Status)

	recs := f.payouts(t, plan.ID)
	require.Equal(t, PayoutStatusSucceeded, recs["a"].Status)
	require.Equal(t, PayoutStatusSucceeded, recs["b"].Status)
	require.Equal(t, PayoutStatusFailed, recs["c"].Status)
	require.Contains(t, *recs["c"].LastError, "invalid destination")

	require.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls, "permanent errors are not retried")
	require.Empty(t, f.sleeps)

	require.Len(t, payoutEvents, 3)
	require.Equal(t, "permanent", payoutEvents[2].ErrorKind)
	require.Len(t, planEvents, 1)
	require.Equal(t, PlanStatusPartiallyPaid, planEvents[0].Status)
	require.Equal(t, PlanStatusPending, planEvents[0].Previous)
}

func TestDispatch_RetriesTransientWithBackoff(t *testing.T) {
	var tokens []string
	f := newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		tokens = append(tokens, req.IdempotencyToken)
		if len(tokens) < 3 {
			return nil, &TransientError{Reason: "rate limited"}
		}
		return &TransferResult{TransactionRef: "tx"}, nil
	}), nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, res.Status)

	require.Len(t, tokens, 3)
	require.Equal(t, tokens[0], tokens[1])
	require.Equal(t, tokens[1], tokens[2])
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.sleeps)

	rec := f.payouts(t, plan.ID)["a"]
	require.Equal(t, 3, rec.AttemptCount)

	attempts, err := f.ledger.ListAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, OutcomeTransientFailure, attempts[0].Outcome)
	require.Equal(t, OutcomeTransientFailure, attempts[1].Outcome)
	require.Equal(t, OutcomeSucceeded, attempts[2].Outcome)
}

func TestDispatch_ExhaustedRetriesFail(t *testing.T) {
	var calls int
	f := newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		calls++
		return nil, errors.New("connection reset")
	}), nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusFailed, res.Status)
	require.Equal(t, 3, calls)
	require.Len(t, f.sleeps, 2)

	rec := f.payouts(t, plan.ID)["a"]
	require.Equal(t, PayoutStatusFailed, rec.Status)
	require.Equal(t, 3, rec.AttemptCount)
}

func TestDispatch_AttemptTimeoutIsTransient(t *testing.T) {
	f := newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), func(p *DispatcherParams) {
		p.Config.MaxAttempts = 1
		p.Config.AttemptTimeout = 20 * time.Millisecond
	})
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusFailed, res.Status)

	attempts, err := f.ledger.ListAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, OutcomeTransientFailure, attempts[0].Outcome)
	require.Equal(t, "timeout", attempts[0].ErrorKind)
}

func TestDispatch_MissingWalletIsPermanent(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a", "nowallet")...)

	transfer.EXPECT().Transfer(gomock.Any(), gomock.Any()).DoAndReturn(succeedWith("tx")).Times(1)

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPartiallyPaid, res.Status)

	rec := f.payouts(t, plan.ID)["nowallet"]
	require.Equal(t, PayoutStatusFailed, rec.Status)
	require.Contains(t, *rec.LastError, "invalid destination")

	attempts, err := f.ledger.ListAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "permanent", attempts[1].ErrorKind)
}

func TestDispatch_BusyLease(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	held, err := f.locker.Acquire(context.Background(), rediskey.BuildPlanLeaseKey(plan.ID), time.Minute, time.Second)
	require.NoError(t, err)
	defer held.Release(context.Background())

	_, err = f.dispatcher.Dispatch(context.Background(), plan.ID)
	var busy *ResourceBusyError
	require.True(t, errors.As(err, &busy), "got %v", err)
	require.Equal(t, plan.ID, busy.PlanID)

	rec := f.payouts(t, plan.ID)["a"]
	require.Equal(t, PayoutStatusPending, rec.Status)
	require.Zero(t, rec.AttemptCount)
}

func TestDispatch_GateClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, func(p *DispatcherParams) {
		p.Flags = featureflags.Static{DispatchPausedFlag: true}
	})
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	_, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.ErrorIs(t, err, ErrDispatchPaused)
}

func TestDispatch_CancelBetweenBeneficiaries(t *testing.T) {
	var f *dispatchFixture
	var planID string
	var calls []string
	f = newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		calls = append(calls, req.BeneficiaryID)
		require.True(t, f.dispatcher.Cancel(planID))
		// the call in progress still completes
		require.NoError(t, ctx.Err())
		return &TransferResult{TransactionRef: "tx-" + req.BeneficiaryID}, nil
	}), nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a", "b")...)
	planID = plan.ID

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.Equal(t, PlanStatusPending, res.Status)
	require.Equal(t, []string{"a"}, calls)

	recs := f.payouts(t, plan.ID)
	require.Equal(t, PayoutStatusSucceeded, recs["a"].Status)
	require.Equal(t, PayoutStatusPending, recs["b"].Status)

	require.False(t, f.dispatcher.Cancel(plan.ID), "nothing is running any more")
}

func TestDispatch_SpentBudgetFailsWithoutCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	transfer := NewMockTransferrer(ctrl)
	f := newDispatchFixture(t, transfer, nil)
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a")...)

	// three transient attempts recorded before a crash left the payout pending
	for i := 0; i < 3; i++ {
		_, _, err := f.ledger.RecordPayoutAttempt(context.Background(), AttemptInput{
			PayoutID: plan.Payouts[0].ID,
			Outcome:  OutcomeTransientFailure,
			Status:   PayoutStatusPending,
			Err:      &TransientError{Reason: "timeout"},
		})
		require.NoError(t, err)
	}

	var events []PayoutEvent
	f.events.Subscribe(ObserverFuncs{Payout: func(e PayoutEvent) { events = append(events, e) }})

	res, err := f.dispatcher.Dispatch(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusFailed, res.Status)

	require.Len(t, events, 1)
	require.Equal(t, PayoutStatusFailed, events[0].Status)
	require.Equal(t, OutcomePermanentFailure, events[0].Outcome)
	require.Equal(t, "permanent", events[0].ErrorKind)

	attempts, err := f.ledger.ListAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	require.Equal(t, OutcomePermanentFailure, attempts[3].Outcome)

	n, err := f.ledger.VerifyAttempts(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestRedispatch_BusyLeaseLeavesPayoutsUntouched(t *testing.T) {
	f := newDispatchFixture(t, FuncTransferrer(succeedWith("tx")), nil)
	ctx := context.Background()
	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a", "b")...)
	recs := f.payouts(t, plan.ID)

	_, _, err := f.ledger.RecordPayoutAttempt(ctx, AttemptInput{PayoutID: recs["a"].ID, Outcome: OutcomeSucceeded, Status: PayoutStatusSucceeded, ExternalRef: "tx-a"})
	require.NoError(t, err)
	_, _, err = f.ledger.RecordPayoutAttempt(ctx, AttemptInput{PayoutID: recs["b"].ID, Outcome: OutcomePermanentFailure, Status: PayoutStatusFailed, Err: &PermanentError{Reason: "account frozen"}})
	require.NoError(t, err)
	_, _, err = f.ledger.RefreshPlanStatus(ctx, plan.ID)
	require.NoError(t, err)

	held, err := f.locker.Acquire(ctx, rediskey.BuildPlanLeaseKey(plan.ID), time.Minute, time.Second)
	require.NoError(t, err)

	_, err = f.dispatcher.Redispatch(ctx, plan.ID)
	var busy *ResourceBusyError
	require.ErrorAs(t, err, &busy)

	status, err := f.ledger.GetPlanStatus(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPartiallyPaid, status)
	rec := f.payouts(t, plan.ID)["b"]
	require.Equal(t, PayoutStatusFailed, rec.Status)
	require.Equal(t, 1, rec.RoundAttempts)

	require.NoError(t, held.Release(ctx))

	res, err := f.dispatcher.Redispatch(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, res.Status)
	require.Equal(t, PayoutStatusSucceeded, f.payouts(t, plan.ID)["b"].Status)
}

func TestDispatch_ResumesAfterCrash(t *testing.T) {
	calls := map[string]int{}
	f := newDispatchFixture(t, FuncTransferrer(func(ctx context.Context, req TransferRequest) (*TransferResult, error) {
		calls[req.BeneficiaryID]++
		return &TransferResult{TransactionRef: "tx-" + req.BeneficiaryID}, nil
	}), nil)
	ctx := context.Background()

	plan := recordTestPlan(t, f.ledger, "sale-1", usd("10.00"), collabShares("a", "b")...)

	// "a" was paid and "b" got one failed attempt before the process died
	_, _, err := f.ledger.RecordPayoutAttempt(ctx, AttemptInput{PayoutID: plan.Payouts[0].ID, Outcome: OutcomeSucceeded, Status: PayoutStatusSucceeded, ExternalRef: "tx-a"})
	require.NoError(t, err)
	_, _, err = f.ledger.RecordPayoutAttempt(ctx, AttemptInput{PayoutID: plan.Payouts[1].ID, Outcome: OutcomeTransientFailure, Status: PayoutStatusPending, Err: &TransientError{Reason: "timeout"}})
	require.NoError(t, err)

	pending, _, err := f.ledger.ListPendingPlans(ctx, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, plan.ID, pending[0].ID)

	svc := NewService(ServiceParams{Ledger: f.ledger, Dispatcher: f.dispatcher, Events: f.events})
	n, err := svc.ResumePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, map[string]int{"b": 1}, calls)

	pending, _, err = f.ledger.ListPendingPlans(ctx, pagination.Pagination{})
	require.NoError(t, err)
	require.Empty(t, pending)

	n, err = svc.ResumePending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, map[string]int{"b": 1}, calls)

	status, err := f.ledger.GetPlanStatus(ctx, plan.ID)
	require.NoError(t, err)
	require.Equal(t, PlanStatusPaid, status)
}
