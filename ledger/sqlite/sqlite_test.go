package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/ledger/ledgertest"
	"github.com/ineyio/quotagate/ledger/sqlite"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLiteConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, clock *ledgertest.Clock) quotagate.Ledger {
		return newTestStore(t, sqlite.WithClock(clock.Now))
	})
}

func TestMigrateTwice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Ping(ctx))
}

func TestMemoryDSN(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.SetPricing(ctx, quotagate.Pricing{Application: "a", Tier: quotagate.TierTrial, Credit: 1}))
	p, err := store.Pricing(ctx, "a", quotagate.TierTrial)
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Credit)
}
