package royalty

import (
	"errors"
	"math/rand"
	"testing"

	"vortex-royalty/pkg/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCompute_SingleArtistShare(t *testing.T) {
	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ArtworkID:  "art-1",
		SaleAmount: usd("1000.00"),
		Kind:       SaleKindSecondary,
	}, []BeneficiaryShare{
		{BeneficiaryID: "artist", Percentage: pct("2.5"), Role: RoleArtist},
	})
	require.NoError(t, err)

	require.Len(t, plan.Shares, 1)
	require.Equal(t, "25.00", plan.Shares[0].Amount.Format(money.USD))
	require.Equal(t, usd("25.00"), plan.Total())
	require.Equal(t, PlanStatusPending, plan.Status)
	require.Equal(t, "USD", plan.Currency)
}

func TestCompute_RemainderCorrection(t *testing.T) {
	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ArtworkID:  "art-1",
		SaleAmount: usd("100.00"),
		Kind:       SaleKindCollaboration,
	}, []BeneficiaryShare{
		{BeneficiaryID: "a", Percentage: pct("60.003"), Role: RoleCollaborator},
		{BeneficiaryID: "b", Percentage: pct("39.997"), Role: RoleCollaborator},
	})
	require.NoError(t, err)

	require.Equal(t, "60.00", plan.Shares[0].Amount.Format(money.USD))
	require.Equal(t, "40.00", plan.Shares[1].Amount.Format(money.USD))
	require.Equal(t, usd("100.00"), plan.Total())
}

func TestCompute_RemainderGoesToLargestShare(t *testing.T) {
	// three equal thirds of 1.00 round to 0.33 each
	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ArtworkID:  "art-1",
		SaleAmount: usd("1.00"),
		Kind:       SaleKindCollaboration,
	}, []BeneficiaryShare{
		{BeneficiaryID: "c", Percentage: pct("33.3333"), Role: RoleCollaborator},
		{BeneficiaryID: "a", Percentage: pct("33.3333"), Role: RoleCollaborator},
		{BeneficiaryID: "b", Percentage: pct("33.3334"), Role: RoleCollaborator},
	})
	require.NoError(t, err)

	byID := map[string]money.Amount{}
	for _, s := range plan.Shares {
		byID[s.BeneficiaryID] = s.Amount
	}
	require.Equal(t, money.Amount(34), byID["b"])
	require.Equal(t, money.Amount(33), byID["a"])
	require.Equal(t, money.Amount(33), byID["c"])
	require.Equal(t, usd("1.00"), plan.Total())
}

func TestCompute_TieBreaksOnLowestBeneficiaryID(t *testing.T) {
	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ArtworkID:  "art-1",
		SaleAmount: money.Amount(101),
		Kind:       SaleKindCollaboration,
	}, []BeneficiaryShare{
		{BeneficiaryID: "zed", Percentage: pct("50"), Role: RoleCollaborator},
		{BeneficiaryID: "amy", Percentage: pct("50"), Role: RoleCollaborator},
	})
	require.NoError(t, err)

	// 50.5 rounds half to even, so both get 50 and amy takes the extra unit
	require.Equal(t, money.Amount(50), plan.Shares[0].Amount)
	require.Equal(t, money.Amount(51), plan.Shares[1].Amount)
}

func TestCompute_NegativeRemainderNeverOverpays(t *testing.T) {
	// 1.5 and 2.5 round to 2 each, one unit more than the sale
	plan, err := NewCalculator(money.USD).Compute(SaleEvent{
		ArtworkID:  "art-1",
		SaleAmount: money.Amount(3),
		Kind:       SaleKindCollaboration,
	}, []BeneficiaryShare{
		{BeneficiaryID: "a", Percentage: pct("50"), Role: RoleCollaborator},
		{BeneficiaryID: "b", Percentage: pct("50"), Role: RoleCollaborator},
	})
	require.NoError(t, err)
	require.Equal(t, money.Amount(3), plan.Total())
}

func TestCompute_FullSplitsSumToSaleAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	calc := NewCalculator(money.USD)

	for i := 0; i < 500; i++ {
		amount := money.Amount(rng.Int63n(10_000_000) + 1)
		n := rng.Intn(6) + 1

		// random weights scaled to percentages with four decimals that add to 100
		weights := make([]int64, n)
		var total int64
		for j := range weights {
			weights[j] = rng.Int63n(1000) + 1
			total += weights[j]
		}
		shares := make([]BeneficiaryShare, n)
		allocated := decimal.Zero
		for j := range shares {
			p := decimal.NewFromInt(weights[j] * 1_000_000 / total).Shift(-4)
			if j == n-1 {
				p = hundred.Sub(allocated)
			}
			allocated = allocated.Add(p)
			shares[j] = BeneficiaryShare{BeneficiaryID: string(rune('a' + j)), Percentage: p, Role: RoleCollaborator}
		}

		plan, err := calc.Compute(SaleEvent{ArtworkID: "art", SaleAmount: amount, Kind: SaleKindCollaboration}, shares)
		require.NoError(t, err, "shares %v", shares)
		require.Equal(t, amount, plan.Total(), "amount %d shares %v", amount, shares)
		for _, s := range plan.Shares {
			require.GreaterOrEqual(t, int64(s.Amount), int64(0))
		}
	}
}

func TestCompute_PartialSplitNeverExceedsSale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	calc := NewCalculator(money.USD)

	for i := 0; i < 300; i++ {
		amount := money.Amount(rng.Int63n(1_000_000) + 1)
		shares := []BeneficiaryShare{
			{BeneficiaryID: "artist", Percentage: decimal.NewFromInt(rng.Int63n(5000) + 1).Shift(-2), Role: RoleArtist},
			{BeneficiaryID: "platform", Percentage: decimal.NewFromInt(rng.Int63n(4000) + 1).Shift(-2), Role: RolePlatform},
		}

		plan, err := calc.Compute(SaleEvent{ArtworkID: "art", SaleAmount: amount, Kind: SaleKindSecondary}, shares)
		require.NoError(t, err)
		require.LessOrEqual(t, int64(plan.Total()), int64(amount))
	}
}

func TestCompute_CollaborationMustSumToHundred(t *testing.T) {
	calc := NewCalculator(money.USD)

	cases := map[string][]string{
		"under":          {"60", "39.99"},
		"over":           {"60", "40.01"},
		"single partial": {"99"},
	}
	for name, pcts := range cases {
		t.Run(name, func(t *testing.T) {
			shares := make([]BeneficiaryShare, len(pcts))
			for i, p := range pcts {
				shares[i] = BeneficiaryShare{BeneficiaryID: string(rune('a' + i)), Percentage: pct(p), Role: RoleCollaborator}
			}
			_, err := calc.Compute(SaleEvent{ArtworkID: "art", SaleAmount: usd("10.00"), Kind: SaleKindCollaboration}, shares)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
		})
	}

	_, err := calc.Compute(SaleEvent{ArtworkID: "art", SaleAmount: usd("10.00"), Kind: SaleKindCollaboration}, []BeneficiaryShare{
		{BeneficiaryID: "a", Percentage: pct("60"), Role: RoleCollaborator},
		{BeneficiaryID: "b", Percentage: pct("39.9995"), Role: RoleCollaborator},
	})
	require.NoError(t, err, "within tolerance")
}

func TestCompute_Rejects(t *testing.T) {
	calc := NewCalculator(money.USD)
	artist := []BeneficiaryShare{{BeneficiaryID: "artist", Percentage: pct("10"), Role: RoleArtist}}

	cases := []struct {
		name   string
		sale   SaleEvent
		shares []BeneficiaryShare
		field  string
	}{
		{"zero amount", SaleEvent{ArtworkID: "art", Kind: SaleKindSecondary}, artist, "sale_amount"},
		{"negative amount", SaleEvent{ArtworkID: "art", SaleAmount: -1, Kind: SaleKindSecondary}, artist, "sale_amount"},
		{"missing artwork", SaleEvent{SaleAmount: 100, Kind: SaleKindSecondary}, artist, "artwork_id"},
		{"unknown kind", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: "auction"}, artist, "sale_kind"},
		{"no shares", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary}, nil, "shares"},
		{"zero percentage", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary},
			[]BeneficiaryShare{{BeneficiaryID: "a", Percentage: decimal.Zero, Role: RoleArtist}}, "percentage"},
		{"above hundred", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary},
			[]BeneficiaryShare{{BeneficiaryID: "a", Percentage: pct("100.5"), Role: RoleArtist}}, "percentage"},
		{"sum above hundred", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary},
			[]BeneficiaryShare{
				{BeneficiaryID: "a", Percentage: pct("70"), Role: RoleArtist},
				{BeneficiaryID: "b", Percentage: pct("30.01"), Role: RolePlatform},
			}, "shares"},
		{"duplicate beneficiary", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary},
			[]BeneficiaryShare{
				{BeneficiaryID: "a", Percentage: pct("10"), Role: RoleArtist},
				{BeneficiaryID: "a", Percentage: pct("10"), Role: RolePlatform},
			}, "beneficiary_id"},
		{"unknown role", SaleEvent{ArtworkID: "art", SaleAmount: 100, Kind: SaleKindSecondary},
			[]BeneficiaryShare{{BeneficiaryID: "a", Percentage: pct("10"), Role: "curator"}}, "role"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := calc.Compute(tc.sale, tc.shares)
			require.Nil(t, plan)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}
