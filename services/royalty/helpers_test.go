package royalty

import (
	"context"
	"testing"
	"time"

	"vortex-royalty/pkg/db/option"
	"vortex-royalty/pkg/money"
	"vortex-royalty/pkg/repository"
	"vortex-royalty/pkg/sequence"
	"vortex-royalty/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func pct(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func usd(s string) money.Amount {
	a, err := money.ParseAmount(s, money.USD)
	if err != nil {
		panic(err)
	}
	return a
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	require.NoError(t, Migrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewLedger(db, node, &sequence.StaticGenerator{}), db
}

// recordTestPlan computes and records a plan for shares over amount.
func recordTestPlan(t *testing.T, l *Ledger, ref string, amount money.Amount, shares ...BeneficiaryShare) *DistributionPlan {
	t.Helper()

	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ReferenceID: ref,
		ArtworkID:   "art-" + ref,
		SaleAmount:  amount,
		Kind:        SaleKindCollaboration,
		Timestamp:   time.Now().UTC(),
	}, shares)
	require.NoError(t, err)

	recorded, created, err := l.RecordPlan(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, created)
	return recorded
}

type repoMock[T any] struct {
	repository.Repository[T]

	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	batchCreateFn func(ctx context.Context, resources []*T) error
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	return &repoMock[T]{
		Repository:    m.Repository.WithTrx(tx),
		findOneFn:     m.findOneFn,
		batchCreateFn: m.batchCreateFn,
	}
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return m.Repository.FindOne(ctx, query, opts...)
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return m.Repository.BatchCreate(ctx, resources)
}
