package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"copy-signal-router/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Trade event types published by the ledger.
const (
	TradeClosed   = "trade.closed"
	TradeModified = "trade.modified"
)

var ErrUnknownEvent = errors.New("unknown trade event")

// TradeEvent is a ledger notification about a trade that changed outside the router.
type TradeEvent struct {
	Type    string `json:"type"`
	TradeID uint   `json:"trade_id"`
}

// TradeHandler reacts to ledger trade events.
type TradeHandler interface {
	TradeClosed(ctx context.Context, tradeID uint) error
	TradeModified(ctx context.Context, tradeID uint) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// TradeConsumer consumes ledger trade events from Kafka.
type TradeConsumer struct {
	reader  messageReader
	handler TradeHandler
	logger  *zap.Logger
}

// NewTradeConsumer creates a new Kafka consumer for ledger trade events.
func NewTradeConsumer(cfg config.Kafka, handler TradeHandler, logger *zap.Logger) *TradeConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.TradeTopic,
	})
	return &TradeConsumer{reader: reader, handler: handler, logger: logger}
}

// Run reads messages until ctx is done. A message that cannot be handled is
// logged and skipped.
func (c *TradeConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		if err := c.Handle(ctx, msg.Value); err != nil {
			c.logger.Warn("Failed to handle trade event",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle decodes one event and dispatches it.
func (c *TradeConsumer) Handle(ctx context.Context, value []byte) error {
	var ev TradeEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("unmarshal trade event: %w", err)
	}
	if ev.TradeID == 0 {
		return fmt.Errorf("trade event %q without trade_id", ev.Type)
	}
	switch ev.Type {
	case TradeClosed:
		return c.handler.TradeClosed(ctx, ev.TradeID)
	case TradeModified:
		return c.handler.TradeModified(ctx, ev.TradeID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// Close closes the underlying Kafka reader.
func (c *TradeConsumer) Close() error {
	return c.reader.Close()
}
