package cronrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ctxKey struct{}

func TestRunner(t *testing.T) {
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	r := New(zap.NewNop(), base)

	var runs int32
	var gotBase atomic.Bool
	_, err := r.Add("tick", "@every 1s", func(ctx context.Context) {
		gotBase.Store(ctx.Value(ctxKey{}) == "base")
		atomic.AddInt32(&runs, 1)
	})
	require.NoError(t, err)

	_, err = r.Add("panics", "@every 1s", func(context.Context) { panic("boom") })
	require.NoError(t, err)

	r.Start()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 5*time.Second, 50*time.Millisecond)
	r.Stop()

	assert.True(t, gotBase.Load())
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	r := New(zap.NewNop(), nil)
	_, err := r.Add("bad", "not a schedule", func(context.Context) {})
	assert.Error(t, err)
}
