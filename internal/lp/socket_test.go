package lp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// setupSocketServer accepts one connection and forwards every text frame it reads.
func setupSocketServer(t *testing.T) (string, <-chan []byte) {
	frames := make(chan []byte, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), frames
}

func nextFrame(t *testing.T, frames <-chan []byte) map[string]any {
	select {
	case data := <-frames:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestSocketAuthenticatesThenStreams(t *testing.T) {
	url, frames := setupSocketServer(t)
	s := NewSocket(SocketOptions{URL: url, PlatformKey: "pk-1", SourcePlatform: "router", Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	auth := nextFrame(t, frames)
	assert.Equal(t, "auth", auth["event"])
	assert.Equal(t, "pk-1", auth["platform_key"])

	s.UserAdded(ctx, 7)
	s.Emit(EventTradeOpened, map[string]string{"external_trade_id": "42"})

	added := nextFrame(t, frames)
	assert.Equal(t, EventUserAdded, added["event"])
	assert.Equal(t, "router", added["source_platform"])
	assert.NotZero(t, added["timestamp"])
	assert.Equal(t, float64(7), added["data"].(map[string]any)["user_id"])

	opened := nextFrame(t, frames)
	assert.Equal(t, EventTradeOpened, opened["event"])
	assert.Equal(t, "42", opened["data"].(map[string]any)["external_trade_id"])
}

func TestSocketEmitNeverBlocks(t *testing.T) {
	s := NewSocket(SocketOptions{URL: "ws://127.0.0.1:1", QueueSize: 1, Logger: zap.NewNop()})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Emit(EventTradeClosed, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked without a connection")
	}
}
