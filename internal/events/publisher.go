package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"copy-signal-router/internal/config"
	"copy-signal-router/internal/models"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SignalEvent is the bus form of a resolved signal.
type SignalEvent struct {
	SignalID   string     `json:"signal_id"`
	StrategyID *uint      `json:"strategy_id,omitempty"`
	Action     string     `json:"action"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side,omitempty"`
	Quantity   float64    `json:"quantity"`
	Price      float64    `json:"price"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func newSignalEvent(sig *models.Signal) SignalEvent {
	return SignalEvent{
		SignalID:   sig.PublicID,
		StrategyID: sig.StrategyID,
		Action:     sig.Action,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Price:      sig.Price,
		Status:     sig.Status,
		Message:    sig.Message,
		Error:      sig.ErrorDetail,
		ReceivedAt: sig.ReceivedAt,
		ResolvedAt: sig.ResolvedAt,
	}
}

// signalKey keeps every signal of a strategy on one partition.
func signalKey(sig *models.Signal) []byte {
	if sig.StrategyID == nil {
		return []byte("global")
	}
	return []byte(strconv.FormatUint(uint64(*sig.StrategyID), 10))
}

// SignalPublisher publishes resolved signals to Kafka.
type SignalPublisher struct {
	writer messageWriter
	Topic  string
}

func NewSignalPublisher(cfg config.Kafka) *SignalPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.SignalTopic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &SignalPublisher{writer: writer, Topic: cfg.SignalTopic}
}

// PublishSignal writes one resolved signal keyed by its strategy.
func (p *SignalPublisher) PublishSignal(ctx context.Context, sig *models.Signal) error {
	value, err := json.Marshal(newSignalEvent(sig))
	if err != nil {
		return fmt.Errorf("marshal signal event: %w", err)
	}
	msg := kafka.Message{
		Key:   signalKey(sig),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *SignalPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event. It stands in when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishSignal(context.Context, *models.Signal) error { return nil }

func (NopPublisher) Close() error { return nil }
