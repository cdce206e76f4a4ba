package royalty

import (
	"context"
	"errors"
	"strings"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/db/pagination"
	"vortex-royalty/pkg/errutil"
	"vortex-royalty/pkg/task"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	health "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// ConfigWriter persists the royalty configuration read by the resolver and
// the dispatcher.
type ConfigWriter interface {
	SetArtworkRoyalty(ctx context.Context, artworkID, artistID string, pct *decimal.Decimal) error
	ReplaceCollaborationShares(ctx context.Context, artworkID string, shares []BeneficiaryShare) error
	SetWallet(ctx context.Context, beneficiaryID, address string) error
}

// Service is the entry point used by the HTTP API, the task handlers and the
// resume scheduler.
type Service struct {
	health.UnimplementedHealthServer

	db         *gorm.DB
	ledger     *Ledger
	resolver   *Resolver
	calculator *Calculator
	dispatcher *Dispatcher
	configs    ConfigWriter
	events     *Events
	enqueuer   task.Enqueuer
	cfg        config.Dispatch
}

type ServiceParams struct {
	DB         *gorm.DB
	Ledger     *Ledger
	Resolver   *Resolver
	Calculator *Calculator
	Dispatcher *Dispatcher
	Configs    ConfigWriter
	Events     *Events
	Enqueuer   task.Enqueuer
	Config     config.Dispatch
}

func NewService(p ServiceParams) *Service {
	cfg := p.Config
	if cfg.ResumeConcurrency <= 0 {
		cfg.ResumeConcurrency = 4
	}
	return &Service{
		db:         p.DB,
		ledger:     p.Ledger,
		resolver:   p.Resolver,
		calculator: p.Calculator,
		dispatcher: p.Dispatcher,
		configs:    p.Configs,
		events:     p.Events,
		enqueuer:   p.Enqueuer,
		cfg:        cfg,
	}
}

// ProcessSale resolves, computes and records the plan of a sale, then starts
// its dispatch. A sale replayed with a known reference returns the stored
// plan without dispatching again.
//
// Dispatch problems do not fail the sale: the recorded plan stays pending and
// is picked up by Dispatch, Redispatch or the resume sweep.
func (s *Service) ProcessSale(ctx context.Context, sale SaleEvent) (*DistributionPlan, error) {
	log := zap.L().With(
		zap.String("reference_id", sale.ReferenceID),
		zap.String("artwork_id", sale.ArtworkID),
		zap.String("sale_kind", string(sale.Kind)),
	)

	shares, err := s.resolver.ResolveSale(ctx, sale)
	if err != nil {
		log.Warn("resolve royalty shares", zap.Error(err))
		return nil, err
	}

	computed, err := s.calculator.Compute(sale, shares)
	if err != nil {
		log.Warn("compute distribution plan", zap.Error(err))
		return nil, err
	}

	plan, created, err := s.ledger.RecordPlan(ctx, computed)
	if err != nil {
		log.Error("record distribution plan", zap.Error(err))
		return nil, err
	}
	if !created {
		log.Info("sale already recorded", zap.String("plan_id", plan.ID))
		return plan, nil
	}

	s.events.EmitPlan(PlanEvent{
		PlanID:     plan.ID,
		ArtworkID:  plan.ArtworkID,
		Status:     plan.Status,
		SaleAmount: plan.SaleAmount,
		Currency:   plan.Currency,
		At:         plan.CreatedAt,
	})

	if plan.Status.Terminal() {
		return plan, nil
	}

	if s.cfg.Async && s.enqueuer != nil {
		if err := s.EnqueueDispatch(ctx, plan.ID); err != nil {
			log.Warn("enqueue dispatch, plan left pending", zap.String("plan_id", plan.ID), zap.Error(err))
		}
		return plan, nil
	}

	if _, err := s.dispatcher.Dispatch(ctx, plan.ID); err != nil {
		log.Warn("dispatch after recording, plan left pending", zap.String("plan_id", plan.ID), zap.Error(err))
	}

	return s.ledger.GetPlan(context.WithoutCancel(ctx), plan.ID)
}

// Dispatch runs one dispatch cycle for a plan and returns its stored state.
// A cycle stopped by Cancel is not an error.
func (s *Service) Dispatch(ctx context.Context, planID string) (*DistributionPlan, error) {
	res, err := s.dispatcher.Dispatch(ctx, planID)
	return s.settled(ctx, planID, res, err)
}

// Redispatch gives the failed payouts of a plan a fresh retry budget and
// dispatches it again. Succeeded payouts are never paid twice.
func (s *Service) Redispatch(ctx context.Context, planID string) (*DistributionPlan, error) {
	res, err := s.dispatcher.Redispatch(ctx, planID)
	return s.settled(ctx, planID, res, err)
}

func (s *Service) settled(ctx context.Context, planID string, res *DispatchResult, err error) (*DistributionPlan, error) {
	if err != nil {
		if res == nil || !errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		zap.L().Info("dispatch cancelled", zap.String("plan_id", planID))
	}
	return s.ledger.GetPlan(context.WithoutCancel(ctx), planID)
}

// Cancel stops a running dispatch of planID before its next beneficiary.
func (s *Service) Cancel(planID string) bool {
	return s.dispatcher.Cancel(planID)
}

func (s *Service) GetPlan(ctx context.Context, planID string) (*DistributionPlan, error) {
	return s.ledger.GetPlan(ctx, planID)
}

func (s *Service) GetPlanStatus(ctx context.Context, planID string) (PlanStatus, error) {
	return s.ledger.GetPlanStatus(ctx, planID)
}

func (s *Service) ListPendingPlans(ctx context.Context, page pagination.Pagination) ([]*DistributionPlan, *pagination.PageInfo, error) {
	return s.ledger.ListPendingPlans(ctx, page)
}

func (s *Service) ListAttempts(ctx context.Context, planID string) ([]*PayoutAttempt, error) {
	if _, err := s.ledger.GetPlanStatus(ctx, planID); err != nil {
		return nil, err
	}
	return s.ledger.ListAttempts(ctx, planID)
}

// VerifyPlan checks the attempt hash chain of a plan.
func (s *Service) VerifyPlan(ctx context.Context, planID string) (int, error) {
	if _, err := s.ledger.GetPlanStatus(ctx, planID); err != nil {
		return 0, err
	}
	n, err := s.ledger.VerifyAttempts(ctx, planID)
	if errors.Is(err, ErrChainBroken) {
		zap.L().Error("attempt chain verification failed", zap.String("plan_id", planID), zap.Error(err))
		return n, errutil.Conflict("attempt chain broken", err)
	}
	return n, err
}

// ResumePending dispatches every pending plan with bounded concurrency. It is
// the recovery path after a crash: payouts already settled are skipped and
// the rest continue with their stored tokens. Plans held by another worker
// are left to that worker.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	var ids []string
	page := pagination.Pagination{Limit: pagination.MaxLimit}
	for {
		plans, info, err := s.ledger.ListPendingPlans(ctx, page)
		if err != nil {
			return 0, err
		}
		for _, p := range plans {
			ids = append(ids, p.ID)
		}
		if info == nil || !info.HasMore {
			break
		}
		page.Cursor = info.NextCursor
	}

	if len(ids) == 0 {
		return 0, nil
	}
	zap.L().Info("resuming pending plans", zap.Int("plans", len(ids)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ResumeConcurrency)

	results := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, err := s.dispatcher.Dispatch(gctx, id)
			var busy *ResourceBusyError
			switch {
			case err == nil:
				results[i] = true
			case errors.As(err, &busy):
				zap.L().Debug("plan busy, skipping", zap.String("plan_id", id))
			case errors.Is(err, ErrDispatchPaused):
				return err
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				return err
			default:
				zap.L().Warn("resume plan", zap.String("plan_id", id), zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()

	var resumed int
	for _, ok := range results {
		if ok {
			resumed++
		}
	}
	return resumed, err
}

// SetArtworkRoyalty registers the artist of an artwork and an optional
// royalty percentage overriding the default.
func (s *Service) SetArtworkRoyalty(ctx context.Context, artworkID, artistID string, pct *decimal.Decimal) error {
	artworkID, artistID = strings.TrimSpace(artworkID), strings.TrimSpace(artistID)
	switch {
	case artworkID == "":
		return &ValidationError{Field: "artwork_id", Reason: "must not be empty"}
	case artistID == "":
		return &ValidationError{Field: "artist_id", Reason: "must not be empty"}
	case pct != nil && (!pct.IsPositive() || pct.GreaterThan(hundred)):
		return &ValidationError{Field: "percentage", Reason: "must be in (0, 100]"}
	}

	if err := s.configs.SetArtworkRoyalty(ctx, artworkID, artistID, pct); err != nil {
		return err
	}
	s.resolver.Invalidate(artworkID)
	return nil
}

// SetCollaborators replaces the collaboration share table of an artwork. The
// table must add up to 100.
func (s *Service) SetCollaborators(ctx context.Context, artworkID string, shares []BeneficiaryShare) error {
	artworkID = strings.TrimSpace(artworkID)
	if artworkID == "" {
		return &ValidationError{Field: "artwork_id", Reason: "must not be empty"}
	}
	for i := range shares {
		if shares[i].Role == "" {
			shares[i].Role = RoleCollaborator
		}
	}
	if _, err := validateShares(shares, true); err != nil {
		return err
	}

	if err := s.configs.ReplaceCollaborationShares(ctx, artworkID, shares); err != nil {
		return err
	}
	s.resolver.Invalidate(artworkID)
	return nil
}

func (s *Service) SetWallet(ctx context.Context, beneficiaryID, address string) error {
	beneficiaryID, address = strings.TrimSpace(beneficiaryID), strings.TrimSpace(address)
	switch {
	case beneficiaryID == "":
		return &ValidationError{Field: "beneficiary_id", Reason: "must not be empty"}
	case address == "":
		return &ValidationError{Field: "address", Reason: "must not be empty"}
	}
	return s.configs.SetWallet(ctx, beneficiaryID, address)
}
