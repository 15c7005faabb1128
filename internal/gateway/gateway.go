// Package gateway authenticates and normalizes inbound alerts.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"copy-signal-router/internal/models"
	"copy-signal-router/internal/strategy"
	"go.uber.org/zap"
)

var (
	ErrInvalidSecret = errors.New("invalid-secret")
	ErrMissingFields = errors.New("missing-fields")
	ErrInvalidAction = errors.New("invalid-action")
	ErrInvalidField  = errors.New("invalid-field")
	ErrMalformed     = errors.New("malformed-payload")
)

// SecretIndex resolves a webhook secret to an ACTIVE strategy.
type SecretIndex interface {
	LookupSecret(ctx context.Context, secret string) (*models.Strategy, string, error)
}

// Draft is a normalized, authenticated alert that has not been persisted yet.
type Draft struct {
	Strategy   *models.Strategy
	Action     string
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64
	StopLoss   *float64
	TakeProfit *float64
	OrderType  string
	Comment    string
	AlertID    string
}

// StrategyID is nil for signals accepted with the global secret.
func (d *Draft) StrategyID() *uint {
	if d.Strategy == nil {
		return nil
	}
	id := d.Strategy.ID
	return &id
}

type Gateway struct {
	index           SecretIndex
	globalSecret    string
	defaultQuantity float64
	logger          *zap.Logger
}

func NewGateway(index SecretIndex, globalSecret string, defaultQuantity float64, logger *zap.Logger) *Gateway {
	if defaultQuantity <= 0 {
		defaultQuantity = 1
	}
	return &Gateway{index: index, globalSecret: globalSecret, defaultQuantity: defaultQuantity, logger: logger}
}

// Accept authenticates p and returns the normalized draft. It never writes anything.
func (g *Gateway) Accept(ctx context.Context, p *Payload) (*Draft, error) {
	st, scope, err := g.authenticate(ctx, p.Secret)
	if err != nil {
		return nil, err
	}

	action := strings.ToUpper(strings.TrimSpace(p.Action))
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if action == "" || symbol == "" {
		return nil, ErrMissingFields
	}
	switch action {
	case models.ActionBuy, models.ActionSell, models.ActionClose, models.ActionCloseAll, models.ActionAlert:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}
	if action == models.ActionClose && extractBool(p.CloseAll) {
		action = models.ActionCloseAll
	}

	if models.IsOpenAction(action) && scope != models.SecretScopeAny && scope != action {
		g.logger.Warn("Scoped secret used for the opposite direction",
			zap.Uint("strategy_id", st.ID), zap.String("scope", scope), zap.String("action", action))
		return nil, ErrInvalidSecret
	}

	d := &Draft{
		Strategy:  st,
		Action:    action,
		Symbol:    symbol,
		Side:      strings.ToUpper(strings.TrimSpace(p.Side)),
		OrderType: strings.ToUpper(strings.TrimSpace(p.OrderType)),
		Comment:   p.Comment,
		AlertID:   strings.TrimSpace(p.AlertID),
	}
	if models.IsOpenAction(action) {
		d.Side = action
	}

	qty, ok, err := extractFloat(p.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: quantity", ErrInvalidField)
	}
	switch {
	case ok && qty > 0:
		d.Quantity = qty
	case st != nil && st.DefaultQuantity > 0:
		d.Quantity = st.DefaultQuantity
	default:
		d.Quantity = g.defaultQuantity
	}

	if d.Price, _, err = extractFloat(p.Price); err != nil {
		return nil, fmt.Errorf("%w: price", ErrInvalidField)
	}
	if d.StopLoss, err = optionalFloat(p.StopLoss); err != nil {
		return nil, fmt.Errorf("%w: stop_loss", ErrInvalidField)
	}
	if d.TakeProfit, err = optionalFloat(p.TakeProfit); err != nil {
		return nil, fmt.Errorf("%w: take_profit", ErrInvalidField)
	}
	return d, nil
}

func (g *Gateway) authenticate(ctx context.Context, secret string) (*models.Strategy, string, error) {
	st, scope, err := g.index.LookupSecret(ctx, secret)
	if err == nil {
		return st, scope, nil
	}
	if !errors.Is(err, strategy.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to look up secret: %w", err)
	}
	if g.globalSecret != "" && secret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(g.globalSecret)) == 1 {
		return nil, models.SecretScopeAny, nil
	}
	return nil, "", ErrInvalidSecret
}

func optionalFloat(val any) (*float64, error) {
	f, ok, err := extractFloat(val)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

// AlertKey identifies a delivery by the sender's alert id. It is empty when the
// alert carries none.
func (d *Draft) AlertKey() string {
	if d.AlertID == "" {
		return ""
	}
	return digest("alert", d.strategyKey(), d.AlertID)
}

// ContentHash fingerprints the signal content. Re-deliveries of the same alert
// share it.
func (d *Draft) ContentHash() string {
	return digest(
		"content", d.strategyKey(), d.Action, d.Symbol, d.Side,
		fmtFloat(d.Quantity), fmtFloat(d.Price), fmtPtr(d.StopLoss), fmtPtr(d.TakeProfit),
		d.OrderType, d.Comment,
	)
}

func (d *Draft) strategyKey() string {
	if d.Strategy == nil {
		return "global"
	}
	return strconv.FormatUint(uint64(d.Strategy.ID), 10)
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func fmtPtr(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmtFloat(*f)
}
