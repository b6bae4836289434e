package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryLookups(t *testing.T) {
	d := NewMemoryDirectory(
		User{ID: "u1", Email: "a@example.com", BankAccountNumber: "111"},
		User{ID: "u2", Email: "b@example.com", BankAccountNumber: "222"},
	)
	ctx := context.Background()

	u, err := d.ByBankAccount(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)

	u, err = d.ByEmail(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	_, err = d.ByBankAccount(ctx, "999")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = d.ByEmail(ctx, "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAmbiguousMatchIsError(t *testing.T) {
	d := NewMemoryDirectory(
		User{ID: "u1", Email: "shared@example.com"},
		User{ID: "u2", Email: "shared@example.com"},
		User{ID: "u3", BankAccountNumber: "333"},
		User{ID: "u4", BankAccountNumber: "333"},
	)
	ctx := context.Background()

	_, err := d.ByEmail(ctx, "shared@example.com")
	assert.ErrorIs(t, err, ErrAmbiguousMatch)

	_, err = d.ByBankAccount(ctx, "333")
	assert.ErrorIs(t, err, ErrAmbiguousMatch)
}
