package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditAndBalance(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	res, err := engine.Credit(ctx, "u1/NGN", 500000, "ref-1", KindDeposit, nil)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(500000), res.Entry.Amount)

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), balance)
}

func TestCreditIdempotentOnReference(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	first, err := engine.Credit(ctx, "u1/NGN", 500000, "ref-1", KindDeposit, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := engine.Credit(ctx, "u1/NGN", 500000, "ref-1", KindDeposit, nil)
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, first.Entry.ID, res.Entry.ID)
	}

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), balance, "replays must not change the balance")

	entries, err := engine.History(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSameReferenceDifferentAccounts(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	a, err := engine.Credit(ctx, "u1/NGN", 100, "shared-ref", KindDeposit, nil)
	require.NoError(t, err)
	assert.False(t, a.Replayed)

	b, err := engine.Credit(ctx, "u2/NGN", 100, "shared-ref", KindDeposit, nil)
	require.NoError(t, err)
	assert.False(t, b.Replayed, "uniqueness is per (account, reference)")
}

func TestDebitRejectsOverdraw(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	_, err := engine.Credit(ctx, "u1/NGN", 1000, "ref-1", KindDeposit, nil)
	require.NoError(t, err)

	_, err = engine.Debit(ctx, "u1/NGN", 1500, "ref-2", KindWithdrawal, nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance, "rejected debit must leave no entry")

	entries, err := engine.History(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebitToExactlyZero(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	_, err := engine.Credit(ctx, "u1/NGN", 1000, "ref-1", KindDeposit, nil)
	require.NoError(t, err)

	res, err := engine.Debit(ctx, "u1/NGN", 1000, "ref-2", KindWithdrawal, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), res.Entry.Amount)

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestDebitIdempotentOnReference(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	_, err := engine.Credit(ctx, "u1/NGN", 1000, "ref-1", KindDeposit, nil)
	require.NoError(t, err)

	first, err := engine.Debit(ctx, "u1/NGN", 1000, "ref-2", KindWithdrawal, nil)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// balance is now zero, but the replay must not be mistaken for an overdraw
	res, err := engine.Debit(ctx, "u1/NGN", 1000, "ref-2", KindWithdrawal, nil)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, first.Entry.ID, res.Entry.ID)

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestValidation(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	_, err := engine.Credit(ctx, "", 100, "ref", KindDeposit, nil)
	assert.ErrorIs(t, err, ErrEmptyAccount)

	_, err = engine.Credit(ctx, "u1/NGN", 100, "", KindDeposit, nil)
	assert.ErrorIs(t, err, ErrEmptyReference)

	_, err = engine.Credit(ctx, "u1/NGN", 0, "ref", KindDeposit, nil)
	assert.ErrorIs(t, err, ErrAmountNotPositive)

	_, err = engine.Debit(ctx, "u1/NGN", -5, "ref", KindWithdrawal, nil)
	assert.ErrorIs(t, err, ErrAmountNotPositive)
}

func TestConcurrentCreditsSameReference(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Credit(ctx, "u1/NGN", 250, "ref-race", KindDeposit, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()

	_, err := engine.Credit(ctx, "u1/NGN", 1000, "seed", KindDeposit, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// distinct references, each a full-balance debit: at most one can win
			_, _ = engine.Debit(ctx, "u1/NGN", 1000, fmt.Sprintf("drain-%d", n), KindWithdrawal, nil)
		}(i)
	}
	wg.Wait()

	balance, err := engine.BalanceOf(ctx, "u1/NGN")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.Equal(t, int64(0), balance)
}
