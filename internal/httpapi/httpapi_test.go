package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"copy-signal-router/internal/cache"
	"copy-signal-router/internal/dbtest"
	"copy-signal-router/internal/gateway"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/models"
	"copy-signal-router/internal/trader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockAcceptor struct {
	mock.Mock
}

func (m *MockAcceptor) Accept(ctx context.Context, p *gateway.Payload) (*gateway.Draft, error) {
	args := m.Called(ctx, p)
	if d := args.Get(0); d != nil {
		return d.(*gateway.Draft), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, draft *gateway.Draft) (*trader.Result, error) {
	args := m.Called(ctx, draft)
	if r := args.Get(0); r != nil {
		return r.(*trader.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestWebhook(t *testing.T) {
	draft := &gateway.Draft{Action: models.ActionBuy, Symbol: "XAUUSD", Side: models.SideBuy, Quantity: 0.1}

	testCases := []struct {
		name       string
		body       string
		acceptErr  error
		result     *trader.Result
		submitErr  error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "Executed",
			body:       `{"secret":"s","action":"buy","symbol":"xauusd"}`,
			result:     &trader.Result{SignalID: "abc", Status: models.SignalExecuted, Message: "opened", CopyResults: &models.CopyResults{Masters: 1, Total: 2, Success: 2}},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": true, "signal_id": "abc", "status": "EXECUTED"},
		},
		{
			name:       "Duplicate",
			body:       `{"secret":"s","action":"buy","symbol":"xauusd","alert_id":"1"}`,
			result:     &trader.Result{SignalID: "abc", Status: models.SignalExecuted, Duplicate: true},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": true, "duplicate": true},
		},
		{
			name:       "ResolvedToError",
			body:       `{"secret":"s","action":"buy","symbol":"xauusd"}`,
			result:     &trader.Result{SignalID: "abc", Status: models.SignalError, Error: "no active master accounts"},
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": false, "status": "ERROR", "error": "no active master accounts"},
		},
		{
			name:       "StoreFailure",
			body:       `{"secret":"s","action":"buy","symbol":"xauusd"}`,
			submitErr:  errors.New("database is locked"),
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"success": false, "status": "ERROR"},
		},
		{
			name:       "InvalidSecret",
			body:       `{"secret":"nope","action":"buy","symbol":"xauusd"}`,
			acceptErr:  gateway.ErrInvalidSecret,
			wantStatus: http.StatusUnauthorized,
			wantBody:   map[string]any{"success": false, "error": "invalid-secret"},
		},
		{
			name:       "MissingFields",
			body:       `{"secret":"s"}`,
			acceptErr:  fmt.Errorf("%w: action, symbol", gateway.ErrMissingFields),
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "missing-fields"},
		},
		{
			name:       "InvalidAction",
			body:       `{"secret":"s","action":"hold","symbol":"x"}`,
			acceptErr:  gateway.ErrInvalidAction,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "invalid-action"},
		},
		{
			name:       "LookupFailure",
			body:       `{"secret":"s","action":"buy","symbol":"x"}`,
			acceptErr:  errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Malformed",
			body:       `{"secret":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": gateway.ErrMalformed.Error()},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			acceptor := new(MockAcceptor)
			submitter := new(MockSubmitter)
			if tc.name != "Malformed" {
				if tc.acceptErr != nil {
					acceptor.On("Accept", mock.Anything, mock.Anything).Return(nil, tc.acceptErr)
				} else {
					acceptor.On("Accept", mock.Anything, mock.Anything).Return(draft, nil)
					submitter.On("Submit", mock.Anything, draft).Return(tc.result, tc.submitErr)
				}
			}
			r := NewEngine(zap.NewNop(), false, &WebhookHandler{Gateway: acceptor, Engine: submitter, Logger: zap.NewNop()})

			// Act
			w := post(r, "/webhook", tc.body, nil)

			// Assert
			assert.Equal(t, tc.wantStatus, w.Code)
			body := decode(t, w)
			for k, v := range tc.wantBody {
				assert.Equal(t, v, body[k], k)
			}
			acceptor.AssertExpectations(t)
			submitter.AssertExpectations(t)
			if tc.acceptErr != nil {
				submitter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestWebhookCopyResultsShape(t *testing.T) {
	acceptor := new(MockAcceptor)
	submitter := new(MockSubmitter)
	draft := &gateway.Draft{Action: models.ActionBuy, Symbol: "XAUUSD"}
	acceptor.On("Accept", mock.Anything, mock.Anything).Return(draft, nil)
	submitter.On("Submit", mock.Anything, draft).Return(&trader.Result{
		SignalID:    "abc",
		Status:      models.SignalExecuted,
		CopyResults: &models.CopyResults{Masters: 2, Total: 6, Success: 6},
	}, nil)
	r := NewEngine(zap.NewNop(), false, &WebhookHandler{Gateway: acceptor, Engine: submitter, Logger: zap.NewNop()})

	w := post(r, "/webhook", `{"secret":"s","action":"buy","symbol":"XAUUSD"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, map[string]any{"masters": float64(2), "total": float64(6), "success": float64(6), "failed": float64(0)}, body["copyResults"])
}

func signed(secret, path, body string, ts time.Time) map[string]string {
	stamp := strconv.FormatInt(ts.UnixMilli(), 10)
	return map[string]string{
		lp.HeaderAPIKey:    "lp-key",
		lp.HeaderTimestamp: stamp,
		lp.HeaderSignature: lp.Sign(secret, stamp, http.MethodPost, path, []byte(body)),
	}
}

func TestLPInbound(t *testing.T) {
	ctx := context.Background()
	db := dbtest.Open(t)
	instruments := lp.NewInstrumentStore(db)
	prices := cache.NewPriceCache(cache.NewMemoryStore(), "test:", time.Minute)
	h := &LPHandler{
		Verifier:    lp.NewVerifier("lp-key", "lp-secret"),
		Instruments: instruments,
		Prices:      prices,
		Logger:      zap.NewNop(),
	}
	r := NewEngine(zap.NewNop(), false, h)

	t.Run("SingleInstrument", func(t *testing.T) {
		body := `{"symbol":"xauusd","digits":2,"contract_size":100,"min_lot":0.01,"max_lot":50,"lot_step":0.01}`
		w := post(r, "/api/v1/lp/instruments", body, signed("lp-secret", "/api/v1/lp/instruments", body, time.Now()))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		inst, found, err := instruments.Get(ctx, "XAUUSD")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 100.0, inst.ContractSize)
		assert.True(t, inst.Enabled)
	})

	t.Run("BulkInstrumentsUpsert", func(t *testing.T) {
		body := `[{"symbol":"XAUUSD","contract_size":100,"lot_step":0.1},{"symbol":"EURUSD","contract_size":100000,"lot_step":0.01}]`
		w := post(r, "/api/v1/lp/instruments", body, signed("lp-secret", "/api/v1/lp/instruments", body, time.Now()))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		inst, _, err := instruments.Get(ctx, "XAUUSD")
		require.NoError(t, err)
		assert.Equal(t, 0.1, inst.LotStep)
		var count int64
		require.NoError(t, db.Model(&models.Instrument{}).Count(&count).Error)
		assert.Equal(t, int64(2), count)
	})

	t.Run("PriceBatch", func(t *testing.T) {
		body := `[{"symbol":"XAUUSD","bid":2400.1,"ask":2400.4},{"symbol":"EURUSD","bid":0,"ask":0}]`
		w := post(r, "/api/v1/lp/prices", body, signed("lp-secret", "/api/v1/lp/prices", body, time.Now()))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		data := decode(t, w)["data"].(map[string]any)
		assert.Equal(t, float64(2), data["received"])

		tick, found, err := prices.Get(ctx, "XAUUSD")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 2400.4, tick.Ask)
	})

	t.Run("BadSignature", func(t *testing.T) {
		body := `{"symbol":"XAUUSD","bid":1,"ask":2}`
		w := post(r, "/api/v1/lp/prices", body, signed("wrong", "/api/v1/lp/prices", body, time.Now()))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("StaleTimestamp", func(t *testing.T) {
		body := `{"symbol":"XAUUSD","bid":1,"ask":2}`
		w := post(r, "/api/v1/lp/prices", body, signed("lp-secret", "/api/v1/lp/prices", body, time.Now().Add(-10*time.Minute)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Disabled", func(t *testing.T) {
		off := NewEngine(zap.NewNop(), false, &LPHandler{Verifier: lp.NewVerifier("", ""), Logger: zap.NewNop()})
		w := post(off, "/api/v1/lp/prices", `{}`, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHealth(t *testing.T) {
	healthy := NewEngine(zap.NewNop(), false, &HealthHandler{Checks: map[string]Check{
		"database": func(context.Context) error { return nil },
	}})
	broken := NewEngine(zap.NewNop(), false, &HealthHandler{Checks: map[string]Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	}})

	get := func(r http.Handler, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get(healthy, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(healthy, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(broken, "/healthz").Code)

	w := get(broken, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")

	m := get(healthy, "/metrics")
	assert.Equal(t, http.StatusOK, m.Code)
	assert.Contains(t, m.Body.String(), "go_goroutines")
}
