package intent

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeeFloorsTowardPlatform(t *testing.T) {
	cases := []struct {
		amount  int64
		feeBps  int64
		wantFee int64
	}{
		{1_000_000, 150, 15_000}, // 1.5%
		{1_000_000, 0, 0},
		{999, 150, 14},   // 14.985 floors to 14
		{1, 150, 0},      // below one raw unit of fee
		{10_000, 1, 1},           // single bp
		{10_001, 1, 1},           // 1.0001 floors to 1
		{3, 3333, 0},             // 0.9999 floors to 0
		{100_000, 10000, 100_000}, // 100% fee
	}

	for _, tc := range cases {
		got := Fee(big.NewInt(tc.amount), tc.feeBps)
		assert.Equal(t, tc.wantFee, got.Int64(), "fee(%d, %d)", tc.amount, tc.feeBps)
	}
}

func TestBuyerTotalDeterministic(t *testing.T) {
	amount := big.NewInt(1_000_000)

	first := BuyerTotal(amount, 150)
	assert.Equal(t, int64(1_015_000), first.Int64())

	// recomputed during audit: bit-for-bit identical
	second := BuyerTotal(big.NewInt(1_000_000), 150)
	assert.Zero(t, first.Cmp(second))
}

func TestRawUnits(t *testing.T) {
	raw, err := RawUnits(decimal.RequireFromString("1.5"), 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", raw.String())

	raw, err = RawUnits(decimal.RequireFromString("0.000001"), 6)
	require.NoError(t, err)
	assert.Equal(t, "1", raw.String())

	_, err = RawUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.ErrorIs(t, err, ErrValidation, "sub-raw-unit precision is rejected, not rounded")

	_, err = RawUnits(decimal.Zero, 6)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMinorUnits(t *testing.T) {
	minor, err := MinorUnits(decimal.RequireFromString("5000"))
	require.NoError(t, err)
	assert.Equal(t, int64(500000), minor)

	minor, err = MinorUnits(decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), minor)

	_, err = MinorUnits(decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = MinorUnits(decimal.RequireFromString("-5"))
	assert.ErrorIs(t, err, ErrValidation)
}
