package resync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/metrics"
	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pusher is the REST side of the LP syncer.
type Pusher interface {
	RESTConfigured() bool
	Push(ctx context.Context, t *models.Trade) error
	PushThenClose(ctx context.Context, t *models.Trade) error
}

// Router stamps the book on a trade that was stored without one.
type Router interface {
	Route(ctx context.Context, t *models.Trade) error
}

// Report summarizes one run.
type Report struct {
	Routed    int           `json:"routed"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Took      time.Duration `json:"took"`
}

// Resyncer replays A-Book trades the LP has not confirmed.
type Resyncer struct {
	db        *gorm.DB
	pusher    Pusher
	router    Router
	batchSize int
	logger    *zap.Logger
}

func NewResyncer(db *gorm.DB, pusher Pusher, batchSize int, logger *zap.Logger) *Resyncer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Resyncer{db: db, pusher: pusher, batchSize: batchSize, logger: logger}
}

// WithRouter makes every run first route trades that have no book.
func (r *Resyncer) WithRouter(router Router) *Resyncer {
	r.router = router
	return r
}

// Run walks every stale A-Book trade once, in id order. OPEN trades are pushed,
// CLOSED trades are pushed and then closed. Trades that sync successfully drop
// out of the selection, so running again only retries what is still stale.
// Unrouted trades are routed first so A-Book ones join the same pass.
func (r *Resyncer) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report
	defer metrics.IncResyncRun()

	if r.router != nil {
		if err := r.routeUnassigned(ctx, &rep); err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
	}

	if !r.pusher.RESTConfigured() {
		r.logger.Warn("LP REST channel not configured, skipping re-sync")
		return rep, lp.ErrNotConfigured
	}

	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			rep.Took = time.Since(start)
			return rep, err
		}
		var batch []models.Trade
		err := r.db.WithContext(ctx).
			Where("book = ? AND id > ?", models.BookA, lastID).
			Where("(lp_sync_status IN ? OR lp_sync_status IS NULL)",
				[]string{models.SyncFailed, models.SyncPending, ""}).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error
		if err != nil {
			rep.Took = time.Since(start)
			return rep, fmt.Errorf("failed to load stale trades: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			r.one(ctx, &batch[i], &rep)
		}
		lastID = batch[len(batch)-1].ID
	}

	rep.Took = time.Since(start)
	r.logger.Info("Re-sync finished",
		zap.Int("routed", rep.Routed),
		zap.Int("total", rep.Total),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Duration("took", rep.Took))
	return rep, nil
}

func (r *Resyncer) routeUnassigned(ctx context.Context, rep *Report) error {
	var lastID uint
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batch []models.Trade
		err := r.db.WithContext(ctx).
			Where("(book IS NULL OR book = '') AND id > ?", lastID).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error
		if err != nil {
			return fmt.Errorf("failed to load unrouted trades: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			if err := r.router.Route(ctx, &batch[i]); err != nil {
				r.logger.Warn("Failed to route trade", zap.Uint("trade_id", batch[i].ID), zap.Error(err))
				continue
			}
			rep.Routed++
		}
		lastID = batch[len(batch)-1].ID
	}
}

func (r *Resyncer) one(ctx context.Context, t *models.Trade, rep *Report) {
	rep.Total++
	var err error
	switch t.Status {
	case models.TradeOpen:
		err = r.pusher.Push(ctx, t)
	case models.TradeClosed:
		err = r.pusher.PushThenClose(ctx, t)
	default:
		rep.Skipped++
		return
	}
	switch {
	case err == nil:
		rep.Succeeded++
	case errors.Is(err, lp.ErrNotConfigured):
		rep.Skipped++
	default:
		rep.Failed++
		r.logger.Warn("Re-sync failed", zap.Uint("trade_id", t.ID), zap.String("status", t.Status), zap.Error(err))
	}
}
