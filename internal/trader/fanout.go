package trader

import (
	"context"
	"fmt"
	"sync"

	"copy-signal-router/internal/ledger"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/metrics"
	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// tally counts fan-out outcomes from concurrent workers.
type tally struct {
	mu      sync.Mutex
	total   int
	success int
}

func (t *tally) add(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	if ok {
		t.success++
	}
}

// fanOut runs fn for every item on at most copy.workers goroutines. A failing or
// panicking item never cancels its siblings.
func (e *Engine) fanOut(l *zap.Logger, n int, fn func(i int) error) (total, success int) {
	var t tally
	var g errgroup.Group
	workers := e.cfg.Copy.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return fn(i)
			}()
			if err != nil {
				l.Warn("Follower operation failed", zap.Error(err))
				metrics.IncCopy("failed")
			} else {
				metrics.IncCopy("success")
			}
			t.add(err == nil)
			return nil
		})
	}
	_ = g.Wait()
	return t.total, t.success
}

// copyToFollowers opens a sized copy of the master trade for every subscription.
func (e *Engine) copyToFollowers(ctx context.Context, l *zap.Logger, sig *models.Signal, master models.MasterTrader,
	masterAcc *models.TradingAccount, masterTrade *models.Trade, subs []models.FollowerSubscription) (int, int) {
	if len(subs) == 0 {
		return 0, 0
	}
	rules := e.lotRules(ctx, masterTrade.Symbol)

	return e.fanOut(l, len(subs), func(i int) error {
		sub := subs[i]
		fl := l.With(zap.Uint("subscription_id", sub.ID), zap.Uint("follower_account_id", sub.FollowerAccountID))

		acc, err := e.deps.Accounts.Account(ctx, sub.FollowerAccountID)
		if err != nil {
			return fmt.Errorf("subscription %d: %w", sub.ID, err)
		}
		if acc.Status != models.AccountActive {
			return fmt.Errorf("subscription %d: %w", sub.ID, ledger.ErrAccountInactive)
		}

		lot, err := FollowerLot(LotInput{
			Mode:          sub.CopyMode,
			Value:         sub.CopyValue,
			MasterLot:     masterTrade.Quantity,
			SubMaxLot:     sub.MaxLotSize,
			GlobalMaxLot:  e.cfg.Copy.MaxLot,
			MasterBalance: masterAcc.Balance,
			MasterEquity:  masterAcc.Equity,
			FollowerBal:   acc.Balance,
			FollowerEq:    acc.Equity,
			Rules:         rules,
		})
		if err != nil {
			return fmt.Errorf("subscription %d: %w", sub.ID, err)
		}

		signalID := sig.ID
		trade, err := e.deps.Ledger.OpenTrade(ctx, ledger.OpenRequest{
			AccountID:  acc.ID,
			SignalID:   &signalID,
			Symbol:     masterTrade.Symbol,
			Side:       masterTrade.Side,
			Quantity:   lot,
			Price:      masterTrade.OpenPrice,
			StopLoss:   masterTrade.StopLoss,
			TakeProfit: masterTrade.TakeProfit,
		})
		if err != nil {
			return fmt.Errorf("subscription %d: %w", sub.ID, err)
		}

		link := models.CopyTrade{
			SubscriptionID:    sub.ID,
			MasterTradeID:     masterTrade.ID,
			FollowerTradeID:   trade.ID,
			FollowerLotSize:   lot,
			FollowerOpenPrice: trade.OpenPrice,
			Status:            models.TradeOpen,
		}
		if err := e.deps.DB.WithContext(ctx).Create(&link).Error; err != nil {
			return fmt.Errorf("subscription %d: failed to link copy: %w", sub.ID, err)
		}
		if err := e.deps.Registry.RecordFollowerOpen(ctx, sub.ID); err != nil {
			fl.Warn("Failed to update subscription statistics", zap.Error(err))
		}
		e.routeAndSync(ctx, fl, lp.OpOpen, trade)
		fl.Debug("Copied trade", zap.Uint("trade_id", trade.ID), zap.Float64("lot", lot), zap.String("lot_rules", rules.Source))
		return nil
	})
}

// closeCopies closes every OPEN copy of a closed master trade. price 0 means
// each copy closes at the cached tick.
func (e *Engine) closeCopies(ctx context.Context, l *zap.Logger, masterTrade *models.Trade, price float64, commissionPct float64) (int, int) {
	copies, err := e.matcher.OpenCopies(ctx, masterTrade.ID)
	if err != nil {
		l.Error("Failed to load follower copies", zap.Uint("master_trade_id", masterTrade.ID), zap.Error(err))
		return 0, 0
	}
	if len(copies) == 0 {
		return 0, 0
	}

	return e.fanOut(l, len(copies), func(i int) error {
		ct := copies[i]
		closeAt, err := closePrice(ctx, e.deps.Prices, masterTrade.Symbol, masterTrade.Side, price)
		if err != nil {
			return fmt.Errorf("copy %d: %w", ct.ID, err)
		}
		trade, err := e.deps.Ledger.CloseTrade(ctx, ct.FollowerTradeID, closeAt, models.ClosedByAlgo)
		if err != nil {
			return fmt.Errorf("copy %d: %w", ct.ID, err)
		}

		err = e.deps.DB.WithContext(ctx).Model(&models.CopyTrade{}).
			Where("id = ? AND status = ?", ct.ID, models.TradeOpen).
			Updates(map[string]interface{}{
				"status":               models.TradeClosed,
				"follower_close_price": trade.ClosePrice,
				"follower_pnl":         trade.RealizedPnL,
			}).Error
		if err != nil {
			l.Error("Failed to mark copy closed", zap.Uint("copy_id", ct.ID), zap.Error(err))
		}

		sub, err := e.deps.Registry.Subscription(ctx, ct.SubscriptionID)
		if err == nil {
			err = e.deps.Registry.RecordFollowerClose(ctx, *sub, trade.RealizedPnL, commissionPct)
		}
		if err != nil {
			l.Warn("Failed to update subscription statistics", zap.Uint("subscription_id", ct.SubscriptionID), zap.Error(err))
		}
		e.dispatch(ctx, lp.OpClose, trade)
		return nil
	})
}
