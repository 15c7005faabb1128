// Package lp keeps A-Book trades mirrored at the liquidity provider over an
// HMAC-signed REST API and a best-effort socket feed.
package lp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"copy-signal-router/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	PushPath   = "/api/v1/broker/trades/push"
	ClosePath  = "/api/v1/broker/trades/close"
	UpdatePath = "/api/v1/broker/trades/update"

	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// ErrNotConfigured is returned when the REST channel lacks a URL, key or secret.
var ErrNotConfigured = errors.New("lp rest client not configured")

// RestClientInterface defines the LP broker trade endpoints.
type RestClientInterface interface {
	PushTrade(ctx context.Context, p TradePayload) error
	CloseTrade(ctx context.Context, p TradePayload) error
	UpdateTrade(ctx context.Context, p TradePayload) error
}

// RestClient signs every attempt with a fresh timestamp.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient returns ErrNotConfigured when the LP URL, key or secret is missing.
func NewRestClient(cfg *config.LP, logger *zap.Logger) (*RestClient, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.ApiURL, "/")).
		SetTimeout(cfg.Timeout)

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &RestClient{
		client:     client,
		apiKey:     cfg.ApiKey,
		secretKey:  cfg.ApiSecret,
		maxRetries: cfg.MaxRetries,
		backoff:    500 * time.Millisecond,
		now:        time.Now,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, max(cfg.RateLimitBurst, 1)),
	}, nil
}

// Sign returns the hex HMAC-SHA256 of timestamp + METHOD + path + body.
func Sign(secret, timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// TradePayload is the LP's view of one trade, keyed by ExternalTradeID. Push,
// close and update all carry the full field set.
type TradePayload struct {
	ExternalTradeID  string     `json:"external_trade_id"`
	UserID           uint       `json:"user_id"`
	TradingAccountID uint       `json:"trading_account_id"`
	Symbol           string     `json:"symbol"`
	Side             string     `json:"side"`
	Volume           float64    `json:"volume"`
	OpenPrice        float64    `json:"open_price"`
	ClosePrice       float64    `json:"close_price,omitempty"`
	SL               *float64   `json:"sl"`
	TP               *float64   `json:"tp"`
	Margin           float64    `json:"margin"`
	Leverage         int        `json:"leverage"`
	Commission       float64    `json:"commission"`
	Swap             float64    `json:"swap"`
	RealizedPnL      float64    `json:"realized_pnl"`
	Status           string     `json:"status"`
	ClosedBy         string     `json:"closed_by,omitempty"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	SourcePlatform   string     `json:"source_platform"`
}

func (c *RestClient) PushTrade(ctx context.Context, p TradePayload) error {
	if err := c.post(ctx, PushPath, p); err != nil {
		return fmt.Errorf("failed to push trade %s: %w", p.ExternalTradeID, err)
	}
	return nil
}

func (c *RestClient) CloseTrade(ctx context.Context, p TradePayload) error {
	if err := c.post(ctx, ClosePath, p); err != nil {
		return fmt.Errorf("failed to close trade %s: %w", p.ExternalTradeID, err)
	}
	return nil
}

func (c *RestClient) UpdateTrade(ctx context.Context, p TradePayload) error {
	if err := c.post(ctx, UpdatePath, p); err != nil {
		return fmt.Errorf("failed to update trade %s: %w", p.ExternalTradeID, err)
	}
	return nil
}

func (c *RestClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, path, body)
	return err
}

// doRequest handles the request execution with rate limiting and retry logic.
// The signature is recomputed for every attempt.
func (c *RestClient) doRequest(ctx context.Context, method, path string, body []byte) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	attempts := c.maxRetries + 1

	for i := 0; i < attempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader(HeaderAPIKey, c.apiKey).
			SetHeader(HeaderTimestamp, ts).
			SetHeader(HeaderSignature, Sign(c.secretKey, ts, method, path, body)).
			SetBody(body)

		c.logger.Debug("Executing LP request", zap.String("method", method), zap.String("path", path), zap.Int("attempt", i+1))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			err = fmt.Errorf("status %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
		} else if ctx.Err() == nil {
			shouldRetry = true
		}

		if !shouldRetry || i == attempts-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("LP request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed: %w", err)
}
