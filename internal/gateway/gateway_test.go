package gateway

import (
	"context"
	"errors"
	"testing"

	"copy-signal-router/internal/models"
	"copy-signal-router/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MockSecretIndex struct {
	mock.Mock
}

func (m *MockSecretIndex) LookupSecret(ctx context.Context, secret string) (*models.Strategy, string, error) {
	args := m.Called(ctx, secret)
	st, _ := args.Get(0).(*models.Strategy)
	return st, args.String(1), args.Error(2)
}

func setupTest(globalSecret string) (*Gateway, *MockSecretIndex) {
	index := new(MockSecretIndex)
	scalper := &models.Strategy{Model: gorm.Model{ID: 1}, Name: "XAUUSD-Scalper", DefaultQuantity: 0.5, Status: models.StrategyActive}
	index.On("LookupSecret", mock.Anything, "s3cret").Return(scalper, models.SecretScopeAny, nil)
	index.On("LookupSecret", mock.Anything, "buy-only").Return(scalper, models.SecretScopeBuy, nil)
	index.On("LookupSecret", mock.Anything, "broken").Return(nil, "", errors.New("db down"))
	index.On("LookupSecret", mock.Anything, mock.Anything).Return(nil, "", strategy.ErrNotFound)
	return NewGateway(index, globalSecret, 1, zap.NewNop()), index
}

func decode(t *testing.T, body string) *Payload {
	p, err := DecodePayload([]byte(body))
	require.NoError(t, err)
	return p
}

func TestAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("NormalizesOpen", func(t *testing.T) {
		g, _ := setupTest("")
		d, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"buy","symbol":"xauusd","quantity":"0.25","price":2400.5,"take_profit":"2410"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ActionBuy, d.Action)
		assert.Equal(t, "XAUUSD", d.Symbol)
		assert.Equal(t, models.SideBuy, d.Side)
		assert.Equal(t, 0.25, d.Quantity)
		assert.Equal(t, 2400.5, d.Price)
		require.NotNil(t, d.TakeProfit)
		assert.Equal(t, 2410.0, *d.TakeProfit)
		assert.Nil(t, d.StopLoss)
		assert.Equal(t, uint(1), *d.StrategyID())
	})

	t.Run("QuantityDefaultsToStrategy", func(t *testing.T) {
		g, _ := setupTest("")
		d, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"SELL","symbol":"XAUUSD"}`))
		require.NoError(t, err)
		assert.Equal(t, 0.5, d.Quantity)
		assert.Equal(t, models.SideSell, d.Side)
	})

	t.Run("CloseAllPromotion", func(t *testing.T) {
		g, _ := setupTest("")
		d, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"close","symbol":"XAUUSD","close_all":true}`))
		require.NoError(t, err)
		assert.Equal(t, models.ActionCloseAll, d.Action)
	})

	t.Run("InvalidSecretBeforeValidation", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"wrong"}`))
		assert.ErrorIs(t, err, ErrInvalidSecret)
	})

	t.Run("GlobalSecretFallback", func(t *testing.T) {
		g, _ := setupTest("global-key")
		d, err := g.Accept(ctx, decode(t, `{"secret":"global-key","action":"BUY","symbol":"EURUSD"}`))
		require.NoError(t, err)
		assert.Nil(t, d.StrategyID())
		assert.Equal(t, 1.0, d.Quantity)
	})

	t.Run("EmptySecretNeverMatchesDisabledGlobal", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"","action":"BUY","symbol":"EURUSD"}`))
		assert.ErrorIs(t, err, ErrInvalidSecret)
	})

	t.Run("MissingFields", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"BUY"}`))
		assert.ErrorIs(t, err, ErrMissingFields)
	})

	t.Run("InvalidAction", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"HODL","symbol":"BTCUSD"}`))
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("InvalidNumber", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"s3cret","action":"BUY","symbol":"BTCUSD","price":"abc"}`))
		assert.ErrorIs(t, err, ErrInvalidField)
	})

	t.Run("ScopedSecretDirection", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"buy-only","action":"SELL","symbol":"XAUUSD"}`))
		assert.ErrorIs(t, err, ErrInvalidSecret)

		d, err := g.Accept(ctx, decode(t, `{"secret":"buy-only","action":"CLOSE","symbol":"XAUUSD"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ActionClose, d.Action)
	})

	t.Run("LookupFailureIsNotAuthFailure", func(t *testing.T) {
		g, _ := setupTest("")
		_, err := g.Accept(ctx, decode(t, `{"secret":"broken","action":"BUY","symbol":"XAUUSD"}`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidSecret)
	})
}

func TestDecodePayloadMalformed(t *testing.T) {
	_, err := DecodePayload([]byte(`{"secret":`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDeliveryKeys(t *testing.T) {
	st := &models.Strategy{Model: gorm.Model{ID: 3}}
	d := &Draft{Strategy: st, Action: models.ActionBuy, Symbol: "XAUUSD", Side: models.SideBuy, Quantity: 1}

	t.Run("ContentHashStable", func(t *testing.T) {
		again := *d
		assert.Equal(t, d.ContentHash(), again.ContentHash())
		assert.Len(t, d.ContentHash(), 64)
	})

	t.Run("ContentMatters", func(t *testing.T) {
		other := *d
		other.Quantity = 2
		assert.NotEqual(t, d.ContentHash(), other.ContentHash())

		global := *d
		global.Strategy = nil
		assert.NotEqual(t, d.ContentHash(), global.ContentHash())
	})

	t.Run("AlertKey", func(t *testing.T) {
		assert.Empty(t, d.AlertKey())
		withID := *d
		withID.AlertID = "tv-123"
		assert.NotEmpty(t, withID.AlertKey())

		sameID := withID
		sameID.Quantity = 5
		assert.Equal(t, withID.AlertKey(), sameID.AlertKey())
	})
}
