package chains

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigs() []Config {
	return []Config{
		{ID: "base", Name: "Base", ConfirmationsRequired: 3},
		{ID: "polygon", Name: "Polygon", ConfirmationsRequired: 12, Active: true},
	}
}

func TestPreferenceWins(t *testing.T) {
	r := NewResolver(NewStaticRegistry(testConfigs()))

	c, err := r.Preferred(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "base", c.ID)
}

func TestActiveFlagFallback(t *testing.T) {
	r := NewResolver(NewStaticRegistry(testConfigs()))

	c, err := r.Preferred(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "polygon", c.ID)
}

func TestUnknownPreferenceFallsThrough(t *testing.T) {
	r := NewResolver(NewStaticRegistry(testConfigs()))

	c, err := r.Preferred(context.Background(), "solana")
	require.NoError(t, err)
	assert.Equal(t, "polygon", c.ID)
}

func TestFirstConfiguredWhenNoneActive(t *testing.T) {
	cfgs := testConfigs()
	cfgs[1].Active = false
	r := NewResolver(NewStaticRegistry(cfgs))

	c, err := r.Preferred(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "base", c.ID)
}

func TestEmptyRegistry(t *testing.T) {
	r := NewResolver(NewStaticRegistry(nil))

	_, err := r.Preferred(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoChain)
}

func TestCacheRevalidatedOnDeactivation(t *testing.T) {
	reg := NewStaticRegistry(testConfigs())
	r := NewResolver(reg)
	ctx := context.Background()

	c, err := r.Preferred(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "polygon", c.ID)

	// deactivate the cached chain between calls
	reg.Replace([]Config{
		{ID: "base", Name: "Base", Active: true},
		{ID: "polygon", Name: "Polygon"},
	})

	c, err = r.Preferred(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "base", c.ID, "stale cached chain must not be reused")
}

func TestByIDIgnoresActiveFlag(t *testing.T) {
	cfgs := testConfigs()
	cfgs[0].Active = false
	r := NewResolver(NewStaticRegistry(cfgs))

	c, err := r.ByID(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.ConfirmationsRequired)

	_, err = r.ByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoChain)
}
