package trader

import (
	"context"
	"fmt"

	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/models"
	"go.uber.org/zap"
)

// TradeClosed reacts to a trade the ledger closed on its own (SL, TP, stop-out,
// user or admin). The LP is told, and a master trade's copies are closed at the
// master's close price.
func (e *Engine) TradeClosed(ctx context.Context, tradeID uint) error {
	var trade models.Trade
	if err := e.deps.DB.WithContext(ctx).First(&trade, tradeID).Error; err != nil {
		return fmt.Errorf("failed to load trade %d: %w", tradeID, err)
	}
	if trade.Status != models.TradeClosed {
		return fmt.Errorf("trade %d is %s", tradeID, trade.Status)
	}
	l := e.logger.With(zap.Uint("trade_id", trade.ID), zap.String("closed_by", trade.ClosedBy))
	e.dispatch(ctx, lp.OpClose, &trade)

	if !trade.IsMaster {
		return nil
	}
	var commission float64
	if master, err := e.deps.Registry.MasterByAccount(ctx, trade.TradingAccountID); err == nil {
		commission = master.CommissionPct
	}
	total, success := e.closeCopies(ctx, l, &trade, trade.ClosePrice, commission)
	if total > 0 {
		l.Info("Closed follower copies", zap.Int("total", total), zap.Int("success", success))
	}
	return nil
}

// TradeModified forwards new SL/TP levels of an OPEN trade to the LP.
func (e *Engine) TradeModified(ctx context.Context, tradeID uint) error {
	var trade models.Trade
	if err := e.deps.DB.WithContext(ctx).First(&trade, tradeID).Error; err != nil {
		return fmt.Errorf("failed to load trade %d: %w", tradeID, err)
	}
	e.dispatch(ctx, lp.OpUpdate, &trade)
	return nil
}
