package royalty

import (
	"net/http"
	"strings"
	"time"

	"vortex-royalty/pkg/db/pagination"
	"vortex-royalty/pkg/errutil"
	"vortex-royalty/pkg/money"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler exposes the service over HTTP. Amounts travel as decimal strings in
// major units and are converted to minor units at this edge.
type Handler struct {
	svc      *Service
	currency money.Currency
}

func NewHandler(svc *Service, currency money.Currency) *Handler {
	return &Handler{svc: svc, currency: currency}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	v1.POST("/sales", h.ProcessSale)

	plans := v1.Group("/plans")
	plans.GET("", h.ListPendingPlans)
	plans.GET("/:id", h.GetPlan)
	plans.POST("/:id/dispatch", h.Dispatch)
	plans.POST("/:id/redispatch", h.Redispatch)
	plans.POST("/:id/cancel", h.Cancel)
	plans.GET("/:id/attempts", h.ListAttempts)
	plans.GET("/:id/verify", h.VerifyPlan)

	v1.PUT("/artworks/:id/royalty", h.SetArtworkRoyalty)
	v1.PUT("/artworks/:id/collaborators", h.SetCollaborators)
	v1.PUT("/beneficiaries/:id/wallet", h.SetWallet)
}

type shareRequest struct {
	BeneficiaryID string          `json:"beneficiary_id" binding:"required"`
	Percentage    decimal.Decimal `json:"percentage"`
	Role          Role            `json:"role"`
}

type saleRequest struct {
	ReferenceID string          `json:"reference_id" binding:"required"`
	ArtworkID   string          `json:"artwork_id" binding:"required"`
	SaleAmount  decimal.Decimal `json:"sale_amount"`
	SellerID    string          `json:"seller_id"`
	Timestamp   *time.Time      `json:"timestamp"`
	Kind        SaleKind        `json:"kind" binding:"required"`
	Shares      []shareRequest  `json:"shares"`
}

type shareView struct {
	BeneficiaryID string `json:"beneficiary_id"`
	Role          Role   `json:"role"`
	Percentage    string `json:"percentage"`
	Amount        string `json:"amount"`
}

type payoutView struct {
	BeneficiaryID          string       `json:"beneficiary_id"`
	Role                   Role         `json:"role"`
	Amount                 string       `json:"amount"`
	Status                 PayoutStatus `json:"status"`
	AttemptCount           int          `json:"attempt_count"`
	IdempotencyToken       string       `json:"idempotency_token"`
	ExternalTransactionRef *string      `json:"external_transaction_ref,omitempty"`
	LastError              *string      `json:"last_error,omitempty"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

type planView struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	ReferenceID string       `json:"reference_id"`
	ArtworkID   string       `json:"artwork_id"`
	SellerID    string       `json:"seller_id,omitempty"`
	SaleKind    SaleKind     `json:"sale_kind"`
	SaleAmount  string       `json:"sale_amount"`
	Currency    string       `json:"currency"`
	Status      PlanStatus   `json:"status"`
	SoldAt      time.Time    `json:"sold_at"`
	CreatedAt   time.Time    `json:"created_at"`
	Shares      []shareView  `json:"shares,omitempty"`
	Payouts     []payoutView `json:"payouts,omitempty"`
}

type attemptView struct {
	ID            string         `json:"id"`
	BeneficiaryID string         `json:"beneficiary_id"`
	Seq           int            `json:"seq"`
	ChainSeq      int64          `json:"chain_seq"`
	Outcome       AttemptOutcome `json:"outcome"`
	Amount        string         `json:"amount"`
	ExternalRef   string         `json:"external_ref,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	Hash          string         `json:"hash"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (h *Handler) planView(p *DistributionPlan) planView {
	v := planView{
		ID:          p.ID,
		Code:        p.Code,
		ReferenceID: p.ReferenceID,
		ArtworkID:   p.ArtworkID,
		SellerID:    p.SellerID,
		SaleKind:    p.SaleKind,
		SaleAmount:  p.SaleAmount.Format(h.currency),
		Currency:    p.Currency,
		Status:      p.Status,
		SoldAt:      p.SoldAt,
		CreatedAt:   p.CreatedAt,
	}
	for _, s := range p.Shares {
		v.Shares = append(v.Shares, shareView{
			BeneficiaryID: s.BeneficiaryID,
			Role:          s.Role,
			Percentage:    s.Percentage.String(),
			Amount:        s.Amount.Format(h.currency),
		})
	}
	for _, r := range p.Payouts {
		v.Payouts = append(v.Payouts, payoutView{
			BeneficiaryID:          r.BeneficiaryID,
			Role:                   r.Role,
			Amount:                 r.Amount.Format(h.currency),
			Status:                 r.Status,
			AttemptCount:           r.AttemptCount,
			IdempotencyToken:       r.IdempotencyToken,
			ExternalTransactionRef: r.ExternalTransactionRef,
			LastError:              r.LastError,
			UpdatedAt:              r.UpdatedAt,
		})
	}
	return v
}

func toShares(in []shareRequest, fallback Role) []BeneficiaryShare {
	out := make([]BeneficiaryShare, 0, len(in))
	for _, s := range in {
		role := s.Role
		if role == "" {
			role = fallback
		}
		out = append(out, BeneficiaryShare{
			BeneficiaryID: strings.TrimSpace(s.BeneficiaryID),
			Percentage:    s.Percentage,
			Role:          role,
		})
	}
	return out
}

func (h *Handler) ProcessSale(c *gin.Context) {
	var req saleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid sale payload", err))
		return
	}

	amount, err := money.FromDecimal(req.SaleAmount, h.currency)
	if err != nil {
		c.Error(&ValidationError{Field: "sale_amount", Reason: err.Error()})
		return
	}

	sale := SaleEvent{
		ReferenceID: req.ReferenceID,
		ArtworkID:   req.ArtworkID,
		SaleAmount:  amount,
		SellerID:    req.SellerID,
		Kind:        req.Kind,
		Shares:      toShares(req.Shares, RoleCollaborator),
	}
	if req.Timestamp != nil {
		sale.Timestamp = req.Timestamp.UTC()
	}

	plan, err := h.svc.ProcessSale(c.Request.Context(), sale)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, h.planView(plan))
}

func (h *Handler) ListPendingPlans(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	plans, info, err := h.svc.ListPendingPlans(c.Request.Context(), page)
	if err != nil {
		c.Error(err)
		return
	}

	data := make([]planView, 0, len(plans))
	for _, p := range plans {
		data = append(data, h.planView(p))
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.svc.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.planView(plan))
}

func (h *Handler) Dispatch(c *gin.Context) {
	plan, err := h.svc.Dispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.planView(plan))
}

func (h *Handler) Redispatch(c *gin.Context) {
	plan, err := h.svc.Redispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.planView(plan))
}

func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.svc.GetPlanStatus(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"plan_id": id, "cancelled": h.svc.Cancel(id)})
}

func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.svc.ListAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	data := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptView{
			ID:            a.ID,
			BeneficiaryID: a.BeneficiaryID,
			Seq:           a.Seq,
			ChainSeq:      a.ChainSeq,
			Outcome:       a.Outcome,
			Amount:        a.Amount.Format(h.currency),
			ExternalRef:   a.ExternalRef,
			ErrorKind:     a.ErrorKind,
			ErrorMessage:  a.ErrorMessage,
			DurationMs:    a.DurationMs,
			Hash:          a.Hash,
			CreatedAt:     a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (h *Handler) VerifyPlan(c *gin.Context) {
	id := c.Param("id")
	n, err := h.svc.VerifyPlan(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": id, "attempts": n, "valid": true})
}

type artworkRoyaltyRequest struct {
	ArtistID   string           `json:"artist_id" binding:"required"`
	Percentage *decimal.Decimal `json:"percentage"`
}

func (h *Handler) SetArtworkRoyalty(c *gin.Context) {
	var req artworkRoyaltyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid artwork royalty payload", err))
		return
	}
	if err := h.svc.SetArtworkRoyalty(c.Request.Context(), c.Param("id"), req.ArtistID, req.Percentage); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type collaboratorsRequest struct {
	Shares []shareRequest `json:"shares" binding:"required,min=1,dive"`
}

func (h *Handler) SetCollaborators(c *gin.Context) {
	var req collaboratorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid collaborators payload", err))
		return
	}
	if err := h.svc.SetCollaborators(c.Request.Context(), c.Param("id"), toShares(req.Shares, RoleCollaborator)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type walletRequest struct {
	Address string `json:"address" binding:"required"`
}

func (h *Handler) SetWallet(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid wallet payload", err))
		return
	}
	if err := h.svc.SetWallet(c.Request.Context(), c.Param("id"), req.Address); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
