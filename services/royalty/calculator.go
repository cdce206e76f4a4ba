package royalty

import (
	"sort"
	"strings"

	"vortex-royalty/pkg/money"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	// Epsilon is the tolerance applied to percentage sums.
	Epsilon = decimal.RequireFromString("0.001")
)

// Calculator turns a sale and its shares into an unsaved DistributionPlan.
// It performs no I/O.
type Calculator struct {
	currency money.Currency
}

func NewCalculator(currency money.Currency) *Calculator {
	return &Calculator{currency: currency}
}

// Compute rounds every share half to even in minor units. The shares then
// receive round_half_even(sale × Σpct / 100) in total; a split summing to 100
// (within Epsilon) adds up to the sale amount exactly. The rounding remainder goes to the share
// with the largest percentage, ties broken by the lowest beneficiary id.
func (c *Calculator) Compute(sale SaleEvent, shares []BeneficiaryShare) (*DistributionPlan, error) {
	if err := validateSale(sale); err != nil {
		return nil, err
	}

	sum, err := validateShares(shares, sale.Kind == SaleKindCollaboration)
	if err != nil {
		return nil, err
	}

	amounts := make([]money.Amount, len(shares))
	var allocated money.Amount
	for i, s := range shares {
		amounts[i] = sale.SaleAmount.MulPercent(s.Percentage)
		allocated += amounts[i]
	}

	target := sale.SaleAmount.MulPercent(sum)
	if target > sale.SaleAmount || sum.Sub(hundred).Abs().LessThanOrEqual(Epsilon) {
		target = sale.SaleAmount
	}
	applyRemainder(amounts, shares, target-allocated)

	plan := &DistributionPlan{
		ReferenceID: strings.TrimSpace(sale.ReferenceID),
		ArtworkID:   sale.ArtworkID,
		SellerID:    sale.SellerID,
		SaleKind:    sale.Kind,
		SaleAmount:  sale.SaleAmount,
		Currency:    c.currency.Code,
		Status:      PlanStatusPending,
		SoldAt:      sale.Timestamp,
		Shares:      make([]PlanShare, len(shares)),
	}
	for i, s := range shares {
		plan.Shares[i] = PlanShare{
			Position:      i,
			BeneficiaryID: s.BeneficiaryID,
			Role:          s.Role,
			Percentage:    s.Percentage,
			Amount:        amounts[i],
		}
	}

	return plan, nil
}

// applyRemainder adds a positive remainder to the designated share. A
// negative remainder is taken from shares in the same priority order without
// driving any of them below zero.
func applyRemainder(amounts []money.Amount, shares []BeneficiaryShare, remainder money.Amount) {
	if remainder == 0 {
		return
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := shares[order[a]], shares[order[b]]
		if cmp := sa.Percentage.Cmp(sb.Percentage); cmp != 0 {
			return cmp > 0
		}
		return sa.BeneficiaryID < sb.BeneficiaryID
	})

	if remainder > 0 {
		amounts[order[0]] += remainder
		return
	}

	owed := -remainder
	for _, i := range order {
		if owed == 0 {
			return
		}
		take := amounts[i]
		if take > owed {
			take = owed
		}
		amounts[i] -= take
		owed -= take
	}
}

func validateSale(sale SaleEvent) error {
	if strings.TrimSpace(sale.ArtworkID) == "" {
		return &ValidationError{Field: "artwork_id", Reason: "must not be empty"}
	}
	if sale.SaleAmount <= 0 {
		return &ValidationError{Field: "sale_amount", Reason: "must be greater than zero"}
	}
	if !sale.Kind.Valid() {
		return &ValidationError{Field: "sale_kind", Reason: "unknown sale kind " + string(sale.Kind)}
	}
	return nil
}

// validateShares checks a share set and returns the sum of its percentages.
func validateShares(shares []BeneficiaryShare, requireFull bool) (decimal.Decimal, error) {
	if len(shares) == 0 {
		return decimal.Zero, &ValidationError{Field: "shares", Reason: "at least one share is required"}
	}

	seen := make(map[string]struct{}, len(shares))
	sum := decimal.Zero
	for _, s := range shares {
		id := strings.TrimSpace(s.BeneficiaryID)
		if id == "" {
			return decimal.Zero, &ValidationError{Field: "beneficiary_id", Reason: "must not be empty"}
		}
		if _, dup := seen[id]; dup {
			return decimal.Zero, &ValidationError{Field: "beneficiary_id", Reason: "duplicate beneficiary " + id}
		}
		seen[id] = struct{}{}

		if !s.Role.Valid() {
			return decimal.Zero, &ValidationError{Field: "role", Reason: "unknown role " + string(s.Role)}
		}
		if !s.Percentage.IsPositive() || s.Percentage.GreaterThan(hundred) {
			return decimal.Zero, &ValidationError{Field: "percentage", Reason: "must be in (0, 100], got " + s.Percentage.String()}
		}
		sum = sum.Add(s.Percentage)
	}

	if sum.GreaterThan(hundred.Add(Epsilon)) {
		return decimal.Zero, &ValidationError{Field: "shares", Reason: "percentages sum to " + sum.String() + ", more than 100"}
	}
	if requireFull && sum.Sub(hundred).Abs().GreaterThan(Epsilon) {
		return decimal.Zero, &ValidationError{Field: "shares", Reason: "collaboration percentages must sum to 100, got " + sum.String()}
	}

	return sum, nil
}
