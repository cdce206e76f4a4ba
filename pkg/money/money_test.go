package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want Amount
	}{
		{"1000.00", 100000},
		{"100", 10000},
		{"0.01", 1},
		{"12.345", 1234},
		{"12.355", 1236},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAmount(tc.in, USD)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseAmount_Rejects(t *testing.T) {
	_, err := ParseAmount("abc", USD)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("0.004", USD)
	require.ErrorIs(t, err, ErrPrecision)
}

func TestAmount_Format(t *testing.T) {
	require.Equal(t, "25.00", Amount(2500).Format(USD))
	require.Equal(t, "0.07", Amount(7).Format(USD))
	require.Equal(t, "1000", Amount(1000).Format(Currency{Code: "JPY"}))
}

func TestAmount_MulPercent(t *testing.T) {
	require.Equal(t, Amount(2500), Amount(100000).MulPercent(decimal.RequireFromString("2.5")))
	// 0.5 of a cent rounds to even
	require.Equal(t, Amount(0), Amount(1).MulPercent(decimal.NewFromInt(50)))
	require.Equal(t, Amount(2), Amount(3).MulPercent(decimal.NewFromInt(50)))
}
