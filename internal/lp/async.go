package lp

import (
	"context"
	"time"

	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type job struct {
	op      Op
	tradeID uint
}

// AsyncSyncer queues LP work so callers never wait on the LP. Jobs for the same
// trade always land on the same worker and run in submission order.
type AsyncSyncer struct {
	syncer  *Syncer
	db      *gorm.DB
	queues  []chan job
	timeout time.Duration
	logger  *zap.Logger
}

func NewAsyncSyncer(syncer *Syncer, db *gorm.DB, workers, queueSize int, timeout time.Duration, logger *zap.Logger) *AsyncSyncer {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	queues := make([]chan job, workers)
	for i := range queues {
		queues[i] = make(chan job, queueSize)
	}
	return &AsyncSyncer{syncer: syncer, db: db, queues: queues, timeout: timeout, logger: logger}
}

// Dispatch enqueues op for an A-Book trade. The trade is marked PENDING first,
// so a dropped job is still picked up by re-sync.
func (a *AsyncSyncer) Dispatch(ctx context.Context, op Op, t *models.Trade) {
	if t.Book != models.BookA {
		return
	}
	if err := a.syncer.MarkPending(ctx, t); err != nil {
		a.logger.Warn("Failed to mark trade pending before dispatch", zap.Uint("trade_id", t.ID), zap.Error(err))
	}
	q := a.queues[int(t.ID)%len(a.queues)]
	select {
	case q <- job{op: op, tradeID: t.ID}:
	default:
		a.logger.Warn("LP sync queue full, leaving trade for re-sync",
			zap.String("op", string(op)), zap.Uint("trade_id", t.ID))
	}
}

// Run processes jobs until ctx is done.
func (a *AsyncSyncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range a.queues {
		q := q
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-q:
					a.handle(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

func (a *AsyncSyncer) handle(ctx context.Context, j job) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	var t models.Trade
	if err := a.db.WithContext(ctx).First(&t, j.tradeID).Error; err != nil {
		a.logger.Error("LP sync job for unknown trade", zap.Uint("trade_id", j.tradeID), zap.Error(err))
		return
	}
	a.syncer.Dispatch(ctx, j.op, &t)
}
