package lp

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"copy-signal-router/internal/metrics"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Socket event names.
const (
	EventTradeOpened  = "abook:trade:opened"
	EventTradeClosed  = "abook:trade:closed"
	EventTradeUpdated = "abook:trade:updated"
	EventUserAdded    = "abook:user:added"
	EventUserRemoved  = "abook:user:removed"
)

// Mirror publishes best-effort real-time events to the LP.
type Mirror interface {
	Emit(event string, data any)
}

// Envelope is one socket frame.
type Envelope struct {
	Event          string `json:"event"`
	Data           any    `json:"data,omitempty"`
	SourcePlatform string `json:"source_platform"`
	Timestamp      int64  `json:"timestamp"`
}

type authFrame struct {
	Event       string `json:"event"`
	PlatformKey string `json:"platform_key"`
}

type SocketOptions struct {
	URL               string
	PlatformKey       string
	SourcePlatform    string
	QueueSize         int
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// Socket is a persistent, auto-reconnecting writer. Emit never blocks; frames
// that cannot be queued are dropped and logged.
type Socket struct {
	opts  SocketOptions
	queue chan Envelope
	now   func() time.Time
}

var _ Mirror = (*Socket)(nil)

func NewSocket(opts SocketOptions) *Socket {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Socket{opts: opts, queue: make(chan Envelope, opts.QueueSize), now: time.Now}
}

func (s *Socket) Emit(event string, data any) {
	env := Envelope{
		Event:          event,
		Data:           data,
		SourcePlatform: s.opts.SourcePlatform,
		Timestamp:      s.now().UnixMilli(),
	}
	select {
	case s.queue <- env:
	default:
		metrics.IncSocketEvent(event, "dropped")
		s.opts.Logger.Warn("LP socket queue full, event dropped", zap.String("event", event))
	}
}

// UserAdded announces a user moving to the A-Book.
func (s *Socket) UserAdded(_ context.Context, userID uint) {
	s.Emit(EventUserAdded, map[string]uint{"user_id": userID})
}

// UserRemoved announces a user leaving the A-Book.
func (s *Socket) UserRemoved(_ context.Context, userID uint) {
	s.Emit(EventUserRemoved, map[string]uint{"user_id": userID})
}

// Run keeps a connection open until ctx is done, reconnecting with jittered backoff.
func (s *Socket) Run(ctx context.Context) error {
	backoff := s.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.connect(ctx)
		if err != nil {
			s.opts.Logger.Warn("LP socket connect failed", zap.Error(err))
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, s.opts.BackoffMax)
			continue
		}
		s.opts.Logger.Info("LP socket connected")
		backoff = s.opts.BackoffMin

		err = s.pump(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		s.opts.Logger.Warn("LP socket disconnected", zap.Error(err))
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.opts.BackoffMax)
	}
}

func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	auth, _ := json.Marshal(authFrame{Event: "auth", PlatformKey: s.opts.PlatformKey})
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, auth); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "auth failed")
		return nil, err
	}
	return conn, nil
}

// pump writes queued frames and pings until the connection breaks.
func (s *Socket) pump(ctx context.Context, conn *websocket.Conn) error {
	// The LP never sends application frames; CloseRead services control frames.
	readCtx := conn.CloseRead(ctx)
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readCtx.Done():
			return errors.New("connection closed by peer")
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case env := <-s.queue:
			payload, err := json.Marshal(env)
			if err != nil {
				s.opts.Logger.Error("LP socket event not encodable", zap.String("event", env.Event), zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				metrics.IncSocketEvent(env.Event, "failed")
				s.opts.Logger.Warn("LP socket write failed", zap.String("event", env.Event), zap.Error(err))
				return err
			}
			metrics.IncSocketEvent(env.Event, "sent")
		}
	}
}

// NopMirror discards events; used when no socket URL is configured.
type NopMirror struct{}

func (NopMirror) Emit(string, any)                  {}
func (NopMirror) UserAdded(context.Context, uint)   {}
func (NopMirror) UserRemoved(context.Context, uint) {}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	var jitter time.Duration
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
