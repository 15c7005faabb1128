package lp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"copy-signal-router/internal/metrics"
	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Op is an LP-bound trade lifecycle change.
type Op string

const (
	OpOpen   Op = "open"
	OpClose  Op = "close"
	OpUpdate Op = "update"
)

var socketEvents = map[Op]string{
	OpOpen:   EventTradeOpened,
	OpClose:  EventTradeClosed,
	OpUpdate: EventTradeUpdated,
}

// Syncer drives both LP channels for A-Book trades and records the REST outcome
// in the trade's LP sync status.
type Syncer struct {
	db             *gorm.DB
	rest           RestClientInterface
	mirror         Mirror
	sourcePlatform string
	now            func() time.Time
	logger         *zap.Logger
}

// NewSyncer accepts a nil rest client, in which case only the socket is used
// and sync statuses are left alone.
func NewSyncer(db *gorm.DB, rest RestClientInterface, mirror Mirror, sourcePlatform string, logger *zap.Logger) *Syncer {
	if mirror == nil {
		mirror = NopMirror{}
	}
	return &Syncer{
		db:             db,
		rest:           rest,
		mirror:         mirror,
		sourcePlatform: sourcePlatform,
		now:            time.Now,
		logger:         logger,
	}
}

// RESTConfigured reports whether REST pushes will be attempted.
func (s *Syncer) RESTConfigured() bool {
	return s.rest != nil
}

func ExternalID(tradeID uint) string {
	return strconv.FormatUint(uint64(tradeID), 10)
}

// Payload builds the LP body for t. Closed trades carry their close fields.
func (s *Syncer) Payload(t *models.Trade) TradePayload {
	p := TradePayload{
		ExternalTradeID:  ExternalID(t.ID),
		UserID:           t.UserID,
		TradingAccountID: t.TradingAccountID,
		Symbol:           t.Symbol,
		Side:             t.Side,
		Volume:           t.Quantity,
		OpenPrice:        t.OpenPrice,
		SL:               t.StopLoss,
		TP:               t.TakeProfit,
		Margin:           t.Margin,
		Leverage:         t.Leverage,
		Commission:       t.Commission,
		Swap:             t.Swap,
		Status:           t.Status,
		OpenedAt:         t.OpenedAt,
		SourcePlatform:   s.sourcePlatform,
	}
	if t.Status == models.TradeClosed {
		p.ClosePrice = t.ClosePrice
		p.RealizedPnL = t.RealizedPnL
		p.ClosedBy = t.ClosedBy
		p.ClosedAt = t.ClosedAt
	}
	return p
}

// Dispatch runs op on both channels concurrently and waits for both.
// The REST outcome is recorded on the trade and logged, never returned.
func (s *Syncer) Dispatch(ctx context.Context, op Op, t *models.Trade) {
	if t.Book != models.BookA {
		return
	}
	event, data := socketEvents[op], s.Payload(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if event != "" {
			s.mirror.Emit(event, data)
		}
	}()

	var err error
	switch op {
	case OpOpen:
		err = s.Push(ctx, t)
	case OpClose:
		err = s.Close(ctx, t)
	case OpUpdate:
		err = s.Update(ctx, t)
	default:
		err = fmt.Errorf("unknown lp op %q", op)
	}
	wg.Wait()

	if err != nil && !errors.Is(err, ErrNotConfigured) {
		s.logger.Warn("LP REST sync failed", zap.String("op", string(op)), zap.Uint("trade_id", t.ID), zap.Error(err))
	}
}

// Push upserts the trade at the LP over REST.
func (s *Syncer) Push(ctx context.Context, t *models.Trade) error {
	if s.rest == nil {
		return ErrNotConfigured
	}
	if err := s.MarkPending(ctx, t); err != nil {
		return err
	}
	err := s.rest.PushTrade(ctx, s.Payload(t))
	s.record(ctx, "push", t, err)
	return err
}

// Close reports a closed trade. A trade the LP never confirmed is pushed first;
// when that push fails the close is not attempted.
func (s *Syncer) Close(ctx context.Context, t *models.Trade) error {
	return s.closeREST(ctx, t, t.LPSyncedAt == nil)
}

// PushThenClose always upserts before closing.
func (s *Syncer) PushThenClose(ctx context.Context, t *models.Trade) error {
	return s.closeREST(ctx, t, true)
}

func (s *Syncer) closeREST(ctx context.Context, t *models.Trade, pushFirst bool) error {
	if s.rest == nil {
		return ErrNotConfigured
	}
	if err := s.MarkPending(ctx, t); err != nil {
		return err
	}
	if pushFirst {
		if err := s.rest.PushTrade(ctx, s.Payload(t)); err != nil {
			s.record(ctx, "push", t, err)
			return err
		}
		metrics.IncLPSync("push", "ok")
	}
	err := s.rest.CloseTrade(ctx, s.Payload(t))
	s.record(ctx, "close", t, err)
	return err
}

// Update reports new SL/TP levels. A trade the LP never confirmed is pushed instead.
func (s *Syncer) Update(ctx context.Context, t *models.Trade) error {
	if t.LPSyncedAt == nil {
		return s.Push(ctx, t)
	}
	if s.rest == nil {
		return ErrNotConfigured
	}
	if err := s.MarkPending(ctx, t); err != nil {
		return err
	}
	err := s.rest.UpdateTrade(ctx, s.Payload(t))
	s.record(ctx, "update", t, err)
	return err
}

// MarkPending moves an A-Book trade back to PENDING ahead of a new attempt.
// Without a REST channel the status is left untouched.
func (s *Syncer) MarkPending(ctx context.Context, t *models.Trade) error {
	if s.rest == nil || t.Book != models.BookA {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND book = ?", t.ID, models.BookA).
		Update("lp_sync_status", models.SyncPending).Error
	if err != nil {
		return fmt.Errorf("failed to mark trade %d pending: %w", t.ID, err)
	}
	t.LPSyncStatus = models.SyncPending
	return nil
}

// record settles a PENDING trade as SYNCED or FAILED.
func (s *Syncer) record(ctx context.Context, op string, t *models.Trade, callErr error) {
	q := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND lp_sync_status = ?", t.ID, models.SyncPending)

	var err error
	if callErr == nil {
		now := s.now()
		err = q.Updates(map[string]interface{}{"lp_sync_status": models.SyncSynced, "lp_synced_at": &now}).Error
		if err == nil {
			t.LPSyncStatus, t.LPSyncedAt = models.SyncSynced, &now
		}
		metrics.IncLPSync(op, "ok")
	} else {
		err = q.Update("lp_sync_status", models.SyncFailed).Error
		if err == nil {
			t.LPSyncStatus = models.SyncFailed
		}
		metrics.IncLPSync(op, "failed")
	}
	if err != nil {
		s.logger.Error("Failed to record LP sync status", zap.Uint("trade_id", t.ID), zap.Error(err))
	}
}
