package strategy

import (
	"context"
	"testing"

	"copy-signal-router/internal/dbtest"
	"copy-signal-router/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTest(t *testing.T) *Registry {
	db := dbtest.Open(t)
	return NewRegistry(db, 2, zap.NewNop())
}

func TestCreateStrategyAndLookup(t *testing.T) {
	ctx := context.Background()
	r := setupTest(t)

	st, secrets, err := r.CreateStrategy(ctx, NewStrategy{
		Name: "XAUUSD-Scalper", Symbol: "xauusd", DefaultQuantity: 0.5, CopyTradingEnabled: true, Directional: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", st.Symbol)
	assert.Len(t, secrets.Combined, 2*secretBytes)
	assert.NotEqual(t, secrets.Combined, secrets.Buy)
	assert.NotEqual(t, secrets.Buy, secrets.Sell)

	t.Run("CombinedSecret", func(t *testing.T) {
		found, scope, err := r.LookupSecret(ctx, secrets.Combined)
		require.NoError(t, err)
		assert.Equal(t, st.ID, found.ID)
		assert.Equal(t, models.SecretScopeAny, scope)
	})

	t.Run("ScopedSecret", func(t *testing.T) {
		_, scope, err := r.LookupSecret(ctx, secrets.Sell)
		require.NoError(t, err)
		assert.Equal(t, models.SecretScopeSell, scope)
	})

	t.Run("UnknownSecret", func(t *testing.T) {
		_, _, err := r.LookupSecret(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PausedStrategyNotResolved", func(t *testing.T) {
		require.NoError(t, r.SetStatus(ctx, st.ID, models.StrategyPaused))
		_, _, err := r.LookupSecret(ctx, secrets.Combined)
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, r.SetStatus(ctx, st.ID, models.StrategyActive))
	})

	t.Run("RegenerateInvalidatesOld", func(t *testing.T) {
		fresh, err := r.RegenerateSecret(ctx, st.ID, models.SecretScopeAny)
		require.NoError(t, err)
		assert.NotEqual(t, secrets.Combined, fresh)

		_, _, err = r.LookupSecret(ctx, secrets.Combined)
		assert.ErrorIs(t, err, ErrNotFound)

		found, _, err := r.LookupSecret(ctx, fresh)
		require.NoError(t, err)
		assert.Equal(t, st.ID, found.ID)

		// Scoped secrets are untouched.
		_, _, err = r.LookupSecret(ctx, secrets.Buy)
		assert.NoError(t, err)
	})

	t.Run("RegenerateBadScope", func(t *testing.T) {
		_, err := r.RegenerateSecret(ctx, st.ID, "LONG")
		assert.ErrorIs(t, err, ErrInvalidScope)
	})
}

func TestRegisterMasterLimit(t *testing.T) {
	ctx := context.Background()
	r := setupTest(t)

	_, err := r.RegisterMaster(ctx, 7, 70, 10)
	require.NoError(t, err)
	_, err = r.RegisterMaster(ctx, 7, 71, 10)
	require.NoError(t, err)

	_, err = r.RegisterMaster(ctx, 7, 72, 10)
	assert.ErrorIs(t, err, ErrTooManyProfiles)

	// Another user is unaffected.
	_, err = r.RegisterMaster(ctx, 8, 80, 10)
	assert.NoError(t, err)
}

func TestResolveOrdersActiveMasters(t *testing.T) {
	ctx := context.Background()
	r := setupTest(t)

	st, _, err := r.CreateStrategy(ctx, NewStrategy{Name: "EURUSD-Trend", CopyTradingEnabled: true})
	require.NoError(t, err)

	m1, _ := r.RegisterMaster(ctx, 1, 10, 0)
	m2, _ := r.RegisterMaster(ctx, 2, 20, 0)
	m3, _ := r.RegisterMaster(ctx, 3, 30, 0)
	for _, m := range []*models.MasterTrader{m1, m2} {
		require.NoError(t, r.SetMasterStatus(ctx, m.ID, models.MasterActive))
	}
	require.NoError(t, r.SetMasterStatus(ctx, m3.ID, models.MasterSuspended))
	require.NoError(t, r.LinkMasters(ctx, st.ID, m2.ID, m3.ID, m1.ID))

	snap, err := r.Resolve(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, snap.Masters, 2)
	assert.Equal(t, m2.ID, snap.Masters[0].ID)
	assert.Equal(t, m1.ID, snap.Masters[1].ID)

	t.Run("Relink", func(t *testing.T) {
		require.NoError(t, r.LinkMasters(ctx, st.ID, m1.ID))
		snap, err := r.Resolve(ctx, st.ID)
		require.NoError(t, err)
		require.Len(t, snap.Masters, 1)
		assert.Equal(t, m1.ID, snap.Masters[0].ID)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := r.Resolve(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	r := setupTest(t)

	st, _, err := r.CreateStrategy(ctx, NewStrategy{Name: "Stats"})
	require.NoError(t, err)

	require.NoError(t, r.RecordOpen(ctx, st.ID, 2))
	require.NoError(t, r.RecordClose(ctx, st.ID, []float64{30, -10}))
	require.NoError(t, r.RecordClose(ctx, st.ID, []float64{5}))

	snap, err := r.Resolve(ctx, st.ID)
	require.NoError(t, err)
	got := snap.Strategy
	assert.Equal(t, int64(3), got.TotalSignals)
	assert.Equal(t, int64(2), got.TotalTrades)
	assert.Equal(t, int64(2), got.WinningTrades)
	assert.Equal(t, int64(1), got.LosingTrades)
	assert.InDelta(t, 25.0, got.TotalPnL, 1e-9)
	assert.InDelta(t, 66.666, got.WinRate, 0.01)

	t.Run("FollowerCloseAccruesCommission", func(t *testing.T) {
		m, err := r.RegisterMaster(ctx, 1, 10, 20)
		require.NoError(t, err)
		sub, err := r.Subscribe(ctx, NewSubscription{
			MasterTraderID: m.ID, FollowerUserID: 2, FollowerAccountID: 20, CopyMode: models.CopyMultiplier, CopyValue: 1,
		})
		require.NoError(t, err)
		require.NoError(t, r.RecordFollowerOpen(ctx, sub.ID))
		require.NoError(t, r.RecordFollowerOpen(ctx, sub.ID))

		require.NoError(t, r.RecordFollowerClose(ctx, *sub, 50, m.CommissionPct))
		require.NoError(t, r.RecordFollowerClose(ctx, *sub, -20, m.CommissionPct))

		got, err := r.Subscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.CopiedTrades)
		assert.Equal(t, int64(0), got.OpenTrades)
		assert.Equal(t, int64(2), got.ClosedTrades)
		assert.InDelta(t, 50.0, got.TotalProfit, 1e-9)
		assert.InDelta(t, 20.0, got.TotalLoss, 1e-9)
		assert.InDelta(t, 30.0, got.NetPnL, 1e-9)

		master, err := r.Master(ctx, m.ID)
		require.NoError(t, err)
		assert.InDelta(t, 10.0, master.TotalEarnings, 1e-9)
		assert.Equal(t, int64(1), master.TotalFollowers)
	})

	t.Run("SubscribeRejectsUnknownMode", func(t *testing.T) {
		_, err := r.Subscribe(ctx, NewSubscription{MasterTraderID: 1, CopyMode: "MIRROR"})
		assert.Error(t, err)
	})
}
