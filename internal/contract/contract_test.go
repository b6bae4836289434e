package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderKeyDeterministic(t *testing.T) {
	a := OrderKey("order-123")
	b := OrderKey("order-123")
	assert.Equal(t, a, b)

	c := OrderKey("order-124")
	assert.NotEqual(t, a, c)
}

func TestDepositCallData(t *testing.T) {
	b, err := NewBuilder()
	require.NoError(t, err)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	seller := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	call, err := b.Deposit(escrow, OrderKey("order-1"), seller, big.NewInt(1_015_000))
	require.NoError(t, err)
	assert.Equal(t, escrow, call.To)
	// selector + 3 words
	assert.Len(t, call.Data, 4+32*3)

	again, err := b.Deposit(escrow, OrderKey("order-1"), seller, big.NewInt(1_015_000))
	require.NoError(t, err)
	assert.Equal(t, call.Data, again.Data, "encoding must be deterministic")
}

func TestReleaseCallData(t *testing.T) {
	b, err := NewBuilder()
	require.NoError(t, err)

	escrow := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	call, err := b.Release(escrow, OrderKey("order-1"))
	require.NoError(t, err)
	assert.Len(t, call.Data, 4+32)
}

func TestApproveCallData(t *testing.T) {
	b, err := NewBuilder()
	require.NoError(t, err)

	token := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	spender := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	call, err := b.Approve(token, spender, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, token, call.To)
	assert.Len(t, call.Data, 4+32*2)
}
