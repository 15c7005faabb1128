package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"copy-signal-router/internal/dbtest"
	"copy-signal-router/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const window = 10 * time.Minute

func newSignal(key string) *models.Signal {
	return &models.Signal{IdempotencyKey: &key, Action: models.ActionBuy, Symbol: "XAUUSD", Side: models.SideBuy, Quantity: 1}
}

func contentSignal(hash string, at time.Time) *models.Signal {
	return &models.Signal{ContentHash: hash, ReceivedAt: at, Action: models.ActionBuy, Symbol: "XAUUSD", Side: models.SideBuy, Quantity: 1}
}

func TestCreateReceived(t *testing.T) {
	ctx := context.Background()
	s := NewSignalStore(dbtest.Open(t))

	first, err := s.CreateReceived(ctx, newSignal("k1"), window)
	require.NoError(t, err)
	assert.NotEmpty(t, first.PublicID)
	assert.Equal(t, models.SignalReceived, first.Status)

	t.Run("DuplicateReturnsStored", func(t *testing.T) {
		dup, err := s.CreateReceived(ctx, newSignal("k1"), window)
		assert.ErrorIs(t, err, ErrDuplicate)
		require.NotNil(t, dup)
		assert.Equal(t, first.ID, dup.ID)
		assert.Equal(t, first.PublicID, dup.PublicID)
	})

	t.Run("ConcurrentDeliveriesStoreOnce", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateReceived(ctx, newSignal("k2"), window)
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

func TestCreateReceivedContentWindow(t *testing.T) {
	ctx := context.Background()
	s := NewSignalStore(dbtest.Open(t))
	// One second either side of a ten minute boundary.
	boundary := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.CreateReceived(ctx, contentSignal("h1", boundary.Add(-time.Second)), window)
	require.NoError(t, err)

	t.Run("RedeliveryAcrossBoundary", func(t *testing.T) {
		dup, err := s.CreateReceived(ctx, contentSignal("h1", boundary.Add(time.Second)), window)
		assert.ErrorIs(t, err, ErrDuplicate)
		require.NotNil(t, dup)
		assert.Equal(t, first.ID, dup.ID)
	})

	t.Run("OtherContent", func(t *testing.T) {
		_, err := s.CreateReceived(ctx, contentSignal("h2", boundary.Add(time.Second)), window)
		assert.NoError(t, err)
	})

	t.Run("AfterWindow", func(t *testing.T) {
		_, err := s.CreateReceived(ctx, contentSignal("h1", boundary.Add(window)), window)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentDeliveriesStoreOnce", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateReceived(ctx, contentSignal("h3", boundary), window)
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	s := NewSignalStore(dbtest.Open(t))

	sig, err := s.CreateReceived(ctx, newSignal("f1"), window)
	require.NoError(t, err)

	err = s.Finalize(ctx, sig.ID, Outcome{
		Status:      models.SignalExecuted,
		Message:     "opened 1 master trade",
		CopyResults: &models.CopyResults{Masters: 1, Total: 2, Success: 1, Failed: 1},
		Diagnostics: map[string]any{"symbol": "XAUUSD"},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalExecuted, got.Status)
	assert.True(t, got.IsTerminal())
	assert.NotNil(t, got.ResolvedAt)
	var cr models.CopyResults
	require.NoError(t, json.Unmarshal(got.CopyResults, &cr))
	assert.Equal(t, 1, cr.Failed)

	t.Run("SecondFinalizeRejected", func(t *testing.T) {
		err := s.Finalize(ctx, sig.ID, Outcome{Status: models.SignalError, Error: "late"})
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err := s.Get(ctx, sig.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SignalExecuted, got.Status)
	})

	t.Run("ReceivedIsNotTerminal", func(t *testing.T) {
		assert.Error(t, s.Finalize(ctx, sig.ID, Outcome{Status: models.SignalReceived}))
	})
}

func TestListAndChronological(t *testing.T) {
	ctx := context.Background()
	s := NewSignalStore(dbtest.Open(t))

	for i, action := range []string{models.ActionBuy, models.ActionAlert, models.ActionClose} {
		sig := newSignal(string(rune('a' + i)))
		sig.Action = action
		_, err := s.CreateReceived(ctx, sig, window)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, Filter{Symbol: "xauusd"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, models.ActionClose, all[0].Action)

	chrono, err := s.Chronological(ctx)
	require.NoError(t, err)
	require.Len(t, chrono, 2)
	assert.Equal(t, models.ActionBuy, chrono[0].Action)
	assert.Equal(t, models.ActionClose, chrono[1].Action)
}
