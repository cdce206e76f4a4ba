package royalty

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"vortex-royalty/pkg/money"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type SaleKind string

const (
	SaleKindPrimary       SaleKind = "primary"
	SaleKindSecondary     SaleKind = "secondary"
	SaleKindCollaboration SaleKind = "collaboration"
)

func (k SaleKind) Valid() bool {
	switch k {
	case SaleKindPrimary, SaleKindSecondary, SaleKindCollaboration:
		return true
	}
	return false
}

type Role string

const (
	RoleArtist       Role = "artist"
	RoleCollaborator Role = "collaborator"
	RolePlatform     Role = "platform"
)

func (r Role) Valid() bool {
	switch r {
	case RoleArtist, RoleCollaborator, RolePlatform:
		return true
	}
	return false
}

type PlanStatus string

const (
	PlanStatusPending       PlanStatus = "pending"
	PlanStatusPartiallyPaid PlanStatus = "partially_paid"
	PlanStatusPaid          PlanStatus = "paid"
	PlanStatusFailed        PlanStatus = "failed"
)

func (s PlanStatus) Terminal() bool {
	return s != PlanStatusPending
}

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusSucceeded PayoutStatus = "succeeded"
	PayoutStatusFailed    PayoutStatus = "failed"
)

type AttemptOutcome string

const (
	OutcomeSucceeded        AttemptOutcome = "succeeded"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// SaleEvent is a sale reported by the marketplace. Shares is only honoured
// for collaboration sales and then replaces the registered share table.
type SaleEvent struct {
	ReferenceID string
	ArtworkID   string
	SaleAmount  money.Amount
	SellerID    string
	Timestamp   time.Time
	Kind        SaleKind
	Shares      []BeneficiaryShare
}

type BeneficiaryShare struct {
	BeneficiaryID string
	Percentage    decimal.Decimal
	Role          Role
}

// DistributionPlan is immutable once recorded except for Status.
type DistributionPlan struct {
	ID          string       `gorm:"column:id;primaryKey"`
	Code        string       `gorm:"column:code;index"`
	ReferenceID string       `gorm:"column:reference_id;uniqueIndex"`
	ArtworkID   string       `gorm:"column:artwork_id;index"`
	SellerID    string       `gorm:"column:seller_id"`
	SaleKind    SaleKind     `gorm:"column:sale_kind"`
	SaleAmount  money.Amount `gorm:"column:sale_amount"`
	Currency    string       `gorm:"column:currency"`
	Status      PlanStatus   `gorm:"column:status;index:idx_plan_status_created,priority:1"`
	SoldAt      time.Time    `gorm:"column:sold_at"`
	CreatedAt   time.Time    `gorm:"column:created_at;index:idx_plan_status_created,priority:2"`
	UpdatedAt   time.Time    `gorm:"column:updated_at"`

	Shares  []PlanShare    `gorm:"-"`
	Payouts []PayoutRecord `gorm:"-"`
}

func (DistributionPlan) TableName() string { return "distribution_plans" }

// Total is the sum of the computed share amounts.
func (p *DistributionPlan) Total() money.Amount {
	var total money.Amount
	for _, s := range p.Shares {
		total += s.Amount
	}
	return total
}

type PlanShare struct {
	ID            string          `gorm:"column:id;primaryKey"`
	PlanID        string          `gorm:"column:plan_id;uniqueIndex:idx_share_plan_position,priority:1"`
	Position      int             `gorm:"column:position;uniqueIndex:idx_share_plan_position,priority:2"`
	BeneficiaryID string          `gorm:"column:beneficiary_id"`
	Role          Role            `gorm:"column:role"`
	Percentage    decimal.Decimal `gorm:"column:percentage;type:decimal(9,6)"`
	Amount        money.Amount    `gorm:"column:amount"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

func (PlanShare) TableName() string { return "plan_shares" }

// PayoutRecord tracks one beneficiary of one plan. RoundAttempts counts the
// attempts since the record was last opened and bounds the retry budget.
type PayoutRecord struct {
	ID                     string       `gorm:"column:id;primaryKey"`
	PlanID                 string       `gorm:"column:plan_id;uniqueIndex:idx_payout_plan_beneficiary,priority:1"`
	BeneficiaryID          string       `gorm:"column:beneficiary_id;uniqueIndex:idx_payout_plan_beneficiary,priority:2"`
	Position               int          `gorm:"column:position"`
	Role                   Role         `gorm:"column:role"`
	Amount                 money.Amount `gorm:"column:amount"`
	IdempotencyToken       string       `gorm:"column:idempotency_token;uniqueIndex"`
	AttemptCount           int          `gorm:"column:attempt_count"`
	RoundAttempts          int          `gorm:"column:round_attempts"`
	Status                 PayoutStatus `gorm:"column:status"`
	ExternalTransactionRef *string      `gorm:"column:external_transaction_ref"`
	LastError              *string      `gorm:"column:last_error"`
	CreatedAt              time.Time    `gorm:"column:created_at"`
	UpdatedAt              time.Time    `gorm:"column:updated_at"`
}

func (PayoutRecord) TableName() string { return "payout_records" }

// PayoutAttempt is an append-only row written after every transfer call.
// Rows of a plan form a hash chain ordered by ChainSeq.
type PayoutAttempt struct {
	ID               string         `gorm:"column:id;primaryKey"`
	PlanID           string         `gorm:"column:plan_id;uniqueIndex:idx_attempt_beneficiary_seq,priority:1;uniqueIndex:idx_attempt_chain,priority:1"`
	BeneficiaryID    string         `gorm:"column:beneficiary_id;uniqueIndex:idx_attempt_beneficiary_seq,priority:2"`
	Seq              int            `gorm:"column:seq;uniqueIndex:idx_attempt_beneficiary_seq,priority:3"`
	ChainSeq         int64          `gorm:"column:chain_seq;uniqueIndex:idx_attempt_chain,priority:2"`
	Outcome          AttemptOutcome `gorm:"column:outcome"`
	Amount           money.Amount   `gorm:"column:amount"`
	IdempotencyToken string         `gorm:"column:idempotency_token"`
	ExternalRef      string         `gorm:"column:external_ref"`
	ErrorKind        string         `gorm:"column:error_kind"`
	ErrorMessage     string         `gorm:"column:error_message"`
	DurationMs       int64          `gorm:"column:duration_ms"`
	Metadata         datatypes.JSON `gorm:"column:metadata"`
	PreviousHash     string         `gorm:"column:previous_hash"`
	Hash             string         `gorm:"column:hash"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
}

func (PayoutAttempt) TableName() string { return "payout_attempts" }

func (a *PayoutAttempt) HashFields() map[string]string {
	return map[string]string{
		"id":                a.ID,
		"plan_id":           a.PlanID,
		"beneficiary_id":    a.BeneficiaryID,
		"seq":               fmt.Sprintf("%d", a.Seq),
		"chain_seq":         fmt.Sprintf("%d", a.ChainSeq),
		"outcome":           string(a.Outcome),
		"amount":            fmt.Sprintf("%d", a.Amount),
		"idempotency_token": a.IdempotencyToken,
		"external_ref":      a.ExternalRef,
		"error_kind":        a.ErrorKind,
		"created_at":        a.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":     a.PreviousHash,
	}
}

func (a *PayoutAttempt) GenerateHash() string {
	fields := a.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// ArtworkRoyalty registers the artist of an artwork and, optionally, a
// royalty percentage overriding the global default.
type ArtworkRoyalty struct {
	ArtworkID  string              `gorm:"column:artwork_id;primaryKey"`
	ArtistID   string              `gorm:"column:artist_id"`
	Percentage decimal.NullDecimal `gorm:"column:percentage;type:decimal(9,6)"`
	CreatedAt  time.Time           `gorm:"column:created_at"`
	UpdatedAt  time.Time           `gorm:"column:updated_at"`
}

func (ArtworkRoyalty) TableName() string { return "artwork_royalties" }

type CollaborationShare struct {
	ArtworkID     string          `gorm:"column:artwork_id;primaryKey"`
	BeneficiaryID string          `gorm:"column:beneficiary_id;primaryKey"`
	Position      int             `gorm:"column:position"`
	Role          Role            `gorm:"column:role"`
	Percentage    decimal.Decimal `gorm:"column:percentage;type:decimal(9,6)"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

func (CollaborationShare) TableName() string { return "collaboration_shares" }

type BeneficiaryWallet struct {
	BeneficiaryID string    `gorm:"column:beneficiary_id;primaryKey"`
	Address       string    `gorm:"column:address"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (BeneficiaryWallet) TableName() string { return "beneficiary_wallets" }

// Models lists every table owned by the royalty service.
func Models() []any {
	return []any{
		&DistributionPlan{},
		&PlanShare{},
		&PayoutRecord{},
		&PayoutAttempt{},
		&ArtworkRoyalty{},
		&CollaborationShare{},
		&BeneficiaryWallet{},
	}
}

// DerivePlanStatus folds payout statuses into the plan status. Any pending
// payout keeps the plan pending.
func DerivePlanStatus(payouts []PayoutRecord) PlanStatus {
	if len(payouts) == 0 {
		return PlanStatusPending
	}

	var succeeded, failed int
	for _, p := range payouts {
		switch p.Status {
		case PayoutStatusSucceeded:
			succeeded++
		case PayoutStatusFailed:
			failed++
		default:
			return PlanStatusPending
		}
	}

	switch {
	case failed == 0:
		return PlanStatusPaid
	case succeeded == 0:
		return PlanStatusFailed
	default:
		return PlanStatusPartiallyPaid
	}
}
