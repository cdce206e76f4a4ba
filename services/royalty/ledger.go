package royalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vortex-royalty/pkg/db/option"
	"vortex-royalty/pkg/db/pagination"
	"vortex-royalty/pkg/errutil"
	"vortex-royalty/pkg/repository"
	"vortex-royalty/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var payoutNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vortex-royalty:payout"))

// IdempotencyToken is the transfer key of a beneficiary's payout in a plan.
// It is stable across retries, re-dispatches and process restarts.
func IdempotencyToken(planID, beneficiaryID string) string {
	return uuid.NewSHA1(payoutNamespace, []byte(planID+":"+beneficiaryID)).String()
}

// Ledger is the durable record of plans, payouts and transfer attempts.
// Dispatch writes are attempt inserts plus single payout row updates.
type Ledger struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator
	now  func() time.Time

	plans    repository.Repository[DistributionPlan]
	shares   repository.Repository[PlanShare]
	payouts  repository.Repository[PayoutRecord]
	attempts repository.Repository[PayoutAttempt]
}

func NewLedger(db *gorm.DB, node *snowflake.Node, seq sequence.Generator) *Ledger {
	return &Ledger{
		db:   db,
		node: node,
		seq:  seq,
		now:  func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },

		plans:    repository.ProvideStore[DistributionPlan](db),
		shares:   repository.ProvideStore[PlanShare](db),
		payouts:  repository.ProvideStore[PayoutRecord](db),
		attempts: repository.ProvideStore[PayoutAttempt](db),
	}
}

// Migrate creates the royalty tables. The at-most-one-success index is
// partial, which MySQL cannot express; there the conditional payout update
// alone enforces it.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempt_single_success
		ON payout_attempts (plan_id, beneficiary_id) WHERE outcome = 'succeeded'`).Error
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "Duplicate entry")
}

// RecordPlan persists a computed plan with its shares and one payout record
// per share. Replaying a ReferenceID returns the stored plan and false.
func (l *Ledger) RecordPlan(ctx context.Context, plan *DistributionPlan) (*DistributionPlan, bool, error) {
	if plan.ReferenceID != "" {
		existing, err := l.plans.FindOne(ctx, &DistributionPlan{ReferenceID: plan.ReferenceID})
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			stored, err := l.GetPlan(ctx, existing.ID)
			return stored, false, err
		}
	}

	now := l.now()
	plan.ID = l.node.Generate().String()
	if plan.ReferenceID == "" {
		plan.ReferenceID = plan.ID
	}
	if plan.SoldAt.IsZero() {
		plan.SoldAt = now
	}
	plan.CreatedAt = now
	plan.UpdatedAt = now

	code, err := l.seq.NextPlanCode(ctx)
	if err != nil {
		zap.L().Warn("plan code unavailable, falling back to id", zap.String("plan_id", plan.ID), zap.Error(err))
		code = plan.ID
	}
	plan.Code = code

	shares := make([]*PlanShare, len(plan.Shares))
	payouts := make([]*PayoutRecord, len(plan.Shares))
	for i := range plan.Shares {
		s := &plan.Shares[i]
		s.ID = l.node.Generate().String()
		s.PlanID = plan.ID
		s.CreatedAt = now
		shares[i] = s

		status := PayoutStatusPending
		if s.Amount == 0 {
			// nothing to transfer
			status = PayoutStatusSucceeded
		}
		payouts[i] = &PayoutRecord{
			ID:               l.node.Generate().String(),
			PlanID:           plan.ID,
			BeneficiaryID:    s.BeneficiaryID,
			Position:         s.Position,
			Role:             s.Role,
			Amount:           s.Amount,
			IdempotencyToken: IdempotencyToken(plan.ID, s.BeneficiaryID),
			Status:           status,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	plan.Payouts = make([]PayoutRecord, len(payouts))
	for i, p := range payouts {
		plan.Payouts[i] = *p
	}
	plan.Status = DerivePlanStatus(plan.Payouts)

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.plans.WithTrx(tx).Create(ctx, plan); err != nil {
			return err
		}
		if err := l.shares.WithTrx(tx).BatchCreate(ctx, shares); err != nil {
			return err
		}
		return l.payouts.WithTrx(tx).BatchCreate(ctx, payouts)
	})
	if err != nil {
		if isDuplicateKey(err) {
			existing, findErr := l.plans.FindOne(ctx, &DistributionPlan{ReferenceID: plan.ReferenceID})
			if findErr == nil && existing != nil {
				stored, err := l.GetPlan(ctx, existing.ID)
				return stored, false, err
			}
		}
		return nil, false, fmt.Errorf("record plan: %w", err)
	}

	return plan, true, nil
}

// GetPlan loads a plan with its shares and payout records.
func (l *Ledger) GetPlan(ctx context.Context, planID string) (*DistributionPlan, error) {
	plan, err := l.plans.FindOne(ctx, &DistributionPlan{ID: planID})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, planNotFound(planID)
	}

	byPosition := option.WithSortBy(option.QuerySortBy{SortBy: "position", Allow: map[string]bool{"position": true}})

	shares, err := l.shares.Find(ctx, &PlanShare{PlanID: planID}, byPosition)
	if err != nil {
		return nil, err
	}
	payouts, err := l.payouts.Find(ctx, &PayoutRecord{PlanID: planID}, byPosition)
	if err != nil {
		return nil, err
	}

	plan.Shares = make([]PlanShare, len(shares))
	for i, s := range shares {
		plan.Shares[i] = *s
	}
	plan.Payouts = make([]PayoutRecord, len(payouts))
	for i, p := range payouts {
		plan.Payouts[i] = *p
	}
	return plan, nil
}

func (l *Ledger) GetPlanStatus(ctx context.Context, planID string) (PlanStatus, error) {
	plan, err := l.plans.FindOne(ctx, &DistributionPlan{ID: planID})
	if err != nil {
		return "", err
	}
	if plan == nil {
		return "", planNotFound(planID)
	}
	return plan.Status, nil
}

// ListPendingPlans pages through plans not yet settled, oldest first.
func (l *Ledger) ListPendingPlans(ctx context.Context, page pagination.Pagination) ([]*DistributionPlan, *pagination.PageInfo, error) {
	page = page.Normalize()

	opts := []option.QueryOption{
		func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC").Order("id ASC") },
		option.WithLimit(page.Limit + 1),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("(created_at > ? OR (created_at = ? AND id > ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		})
	}

	plans, err := l.plans.Find(ctx, &DistributionPlan{Status: PlanStatusPending}, opts...)
	if err != nil {
		return nil, nil, err
	}

	return pagination.BuildCursorPageInfo(plans, page.Limit, func(p *DistributionPlan) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	})
}

// AttemptInput describes one finished transfer call for a payout record.
type AttemptInput struct {
	PayoutID    string
	Outcome     AttemptOutcome
	Status      PayoutStatus
	ExternalRef string
	Err         error
	Duration    time.Duration
	Metadata    map[string]any
}

// RecordPayoutAttempt appends an attempt to the plan's chain and moves the
// payout record to in.Status. A payout that already succeeded is never
// touched again and yields ErrAlreadySucceeded.
func (l *Ledger) RecordPayoutAttempt(ctx context.Context, in AttemptInput) (*PayoutAttempt, *PayoutRecord, error) {
	var (
		attempt *PayoutAttempt
		record  *PayoutRecord
	)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := l.payouts.WithTrx(tx).FindOne(ctx, &PayoutRecord{ID: in.PayoutID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if rec == nil {
			return errutil.NotFound("payout "+in.PayoutID, nil)
		}
		if rec.Status == PayoutStatusSucceeded {
			return ErrAlreadySucceeded
		}

		last, err := l.attempts.WithTrx(tx).FindOne(ctx, &PayoutAttempt{PlanID: rec.PlanID}, func(db *gorm.DB) *gorm.DB {
			return db.Order("chain_seq DESC")
		})
		if err != nil {
			return err
		}

		now := l.now()
		attempt = &PayoutAttempt{
			ID:               l.node.Generate().String(),
			PlanID:           rec.PlanID,
			BeneficiaryID:    rec.BeneficiaryID,
			Seq:              rec.AttemptCount + 1,
			ChainSeq:         1,
			Outcome:          in.Outcome,
			Amount:           rec.Amount,
			IdempotencyToken: rec.IdempotencyToken,
			ExternalRef:      in.ExternalRef,
			ErrorKind:        errorKind(in.Err),
			DurationMs:       in.Duration.Milliseconds(),
			CreatedAt:        now,
		}
		if in.Err != nil {
			attempt.ErrorMessage = in.Err.Error()
		}
		if last != nil {
			attempt.ChainSeq = last.ChainSeq + 1
			attempt.PreviousHash = last.Hash
		}
		if len(in.Metadata) > 0 {
			raw, err := json.Marshal(in.Metadata)
			if err != nil {
				return err
			}
			attempt.Metadata = datatypes.JSON(raw)
		}
		attempt.Hash = attempt.GenerateHash()

		if err := l.attempts.WithTrx(tx).Create(ctx, attempt); err != nil {
			if isDuplicateKey(err) && in.Outcome == OutcomeSucceeded {
				return ErrAlreadySucceeded
			}
			return err
		}

		updates := map[string]any{
			"status":         in.Status,
			"attempt_count":  gorm.Expr("attempt_count + 1"),
			"round_attempts": gorm.Expr("round_attempts + 1"),
			"updated_at":     now,
		}
		if in.ExternalRef != "" {
			updates["external_transaction_ref"] = in.ExternalRef
		}
		if in.Err != nil {
			updates["last_error"] = attempt.ErrorMessage
		} else {
			updates["last_error"] = nil
		}

		res := tx.Model(&PayoutRecord{}).
			Where("id = ? AND status <> ?", rec.ID, PayoutStatusSucceeded).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadySucceeded
		}

		rec.Status = in.Status
		rec.AttemptCount++
		rec.RoundAttempts++
		rec.UpdatedAt = now
		if in.ExternalRef != "" {
			ref := in.ExternalRef
			rec.ExternalTransactionRef = &ref
		}
		if in.Err != nil {
			msg := attempt.ErrorMessage
			rec.LastError = &msg
		} else {
			rec.LastError = nil
		}
		record = rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return attempt, record, nil
}

// RefreshPlanStatus recomputes the plan status from its payouts and stores
// it when it changed.
func (l *Ledger) RefreshPlanStatus(ctx context.Context, planID string) (prev, next PlanStatus, err error) {
	plan, err := l.plans.FindOne(ctx, &DistributionPlan{ID: planID})
	if err != nil {
		return "", "", err
	}
	if plan == nil {
		return "", "", planNotFound(planID)
	}

	payouts, err := l.payouts.Find(ctx, &PayoutRecord{PlanID: planID})
	if err != nil {
		return "", "", err
	}
	records := make([]PayoutRecord, len(payouts))
	for i, p := range payouts {
		records[i] = *p
	}

	prev, next = plan.Status, DerivePlanStatus(records)
	if prev == next {
		return prev, next, nil
	}

	err = l.db.WithContext(ctx).Model(&DistributionPlan{}).
		Where("id = ? AND status = ?", planID, prev).
		Updates(map[string]any{"status": next, "updated_at": l.now()}).Error
	return prev, next, err
}

// ReopenFailedPayouts moves the failed payouts of a plan back to pending with
// a fresh retry budget. Attempt history and idempotency tokens are kept.
func (l *Ledger) ReopenFailedPayouts(ctx context.Context, planID string) (int64, error) {
	var reopened int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PayoutRecord{}).
			Where("plan_id = ? AND status = ?", planID, PayoutStatusFailed).
			Updates(map[string]any{
				"status":         PayoutStatusPending,
				"round_attempts": 0,
				"updated_at":     l.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		reopened = res.RowsAffected
		if reopened == 0 {
			return nil
		}
		return tx.Model(&DistributionPlan{}).
			Where("id = ?", planID).
			Updates(map[string]any{"status": PlanStatusPending, "updated_at": l.now()}).Error
	})
	return reopened, err
}

func (l *Ledger) ListAttempts(ctx context.Context, planID string) ([]*PayoutAttempt, error) {
	return l.attempts.Find(ctx, &PayoutAttempt{PlanID: planID}, func(db *gorm.DB) *gorm.DB {
		return db.Order("chain_seq ASC")
	})
}

// VerifyAttempts walks the attempt chain of a plan and returns how many rows
// it checked. Any gap, reordering or edited row yields ErrChainBroken.
func (l *Ledger) VerifyAttempts(ctx context.Context, planID string) (int, error) {
	attempts, err := l.ListAttempts(ctx, planID)
	if err != nil {
		return 0, err
	}

	prevHash := ""
	for i, a := range attempts {
		switch {
		case a.ChainSeq != int64(i+1):
			return i, fmt.Errorf("%w: attempt %s has chain position %d, want %d", ErrChainBroken, a.ID, a.ChainSeq, i+1)
		case a.PreviousHash != prevHash:
			return i, fmt.Errorf("%w: attempt %s does not link to its predecessor", ErrChainBroken, a.ID)
		case a.GenerateHash() != a.Hash:
			return i, fmt.Errorf("%w: attempt %s content does not match its hash", ErrChainBroken, a.ID)
		}
		prevHash = a.Hash
	}
	return len(attempts), nil
}
