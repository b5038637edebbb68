package dec

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRoundToTick_BuyRoundsUp(t *testing.T) {
	t.Parallel()
	p, err := NewPrice("99.803")
	require.NoError(t, err)
	tick, err := NewPrice("0.01")
	require.NoError(t, err)

	rounded := p.RoundToTick(tick, true)
	require.True(t, rounded.Equal(decimal.RequireFromString("99.81")), "got %s", rounded)
}

func TestRoundToTick_SellRoundsDown(t *testing.T) {
	t.Parallel()
	p, err := NewPrice("99.809")
	require.NoError(t, err)
	tick, err := NewPrice("0.01")
	require.NoError(t, err)

	rounded := p.RoundToTick(tick, false)
	require.True(t, rounded.Equal(decimal.RequireFromString("99.80")), "got %s", rounded)
}

func TestRoundToLot_Truncates(t *testing.T) {
	t.Parallel()
	s, err := NewSize("1.2349")
	require.NoError(t, err)
	lot, err := NewSize("0.001")
	require.NoError(t, err)

	rounded := s.RoundToLot(lot)
	require.True(t, rounded.Equal(decimal.RequireFromString("1.234")), "got %s", rounded)
}

func TestRoundToLot_DustTruncatesToZero(t *testing.T) {
	t.Parallel()
	s, err := NewSize("0.0004")
	require.NoError(t, err)
	lot, err := NewSize("0.001")
	require.NoError(t, err)

	rounded := s.RoundToLot(lot)
	require.True(t, rounded.IsZero())
}

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		val         string
		sigDigits   int
		maxDecimals int
		want        string
	}{
		{"trailing zeros stripped", "99.800", 5, 6, "99.8"},
		{"max decimals wins", "1.123456", 9, 3, "1.123"},
		{"sig digit budget wins", "123.456", 5, 6, "123.45"},
		{"whole number", "100", 5, 6, "100"},
		{"leading-zero fraction not counted", "0.00012345", 3, 8, "0.000123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := decimal.RequireFromString(tt.val)
			got := Format(d, tt.sigDigits, tt.maxDecimals)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPrice_RoundTrip(t *testing.T) {
	t.Parallel()

	tick, err := NewPrice("0.01")
	require.NoError(t, err)

	p, err := NewPrice("99.803")
	require.NoError(t, err)

	buy := p.RoundToTick(tick, true).FormatPrice(5, 6)
	reparsedBuy, err := NewPrice(buy)
	require.NoError(t, err)
	require.True(t, reparsedBuy.GreaterThanOrEqual(p.Decimal))
	require.True(t, reparsedBuy.Sub(p.Decimal).LessThanOrEqual(tick.Decimal))

	sell := p.RoundToTick(tick, false).FormatPrice(5, 6)
	reparsedSell, err := NewPrice(sell)
	require.NoError(t, err)
	require.True(t, reparsedSell.LessThanOrEqual(p.Decimal))
	require.True(t, p.Decimal.Sub(reparsedSell.Decimal).LessThanOrEqual(tick.Decimal))
}
