package trader

import (
	"context"

	"copy-signal-router/internal/models"
	"gorm.io/gorm"
)

// Matcher finds the positions a close signal applies to. There is no explicit
// link between an open and a close signal: every OPEN trade on the account for
// the symbol matches.
type Matcher struct {
	db *gorm.DB
}

func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// OpenTrades returns OPEN trades of the account whose symbol equals symbol, ignoring case.
func (m *Matcher) OpenTrades(ctx context.Context, accountID uint, symbol string) ([]models.Trade, error) {
	var trades []models.Trade
	err := m.db.WithContext(ctx).
		Where("trading_account_id = ? AND status = ? AND UPPER(symbol) = UPPER(?)", accountID, models.TradeOpen, symbol).
		Order("opened_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

// AllOpenTrades returns every OPEN trade of the account.
func (m *Matcher) AllOpenTrades(ctx context.Context, accountID uint) ([]models.Trade, error) {
	var trades []models.Trade
	err := m.db.WithContext(ctx).
		Where("trading_account_id = ? AND status = ?", accountID, models.TradeOpen).
		Order("opened_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

// OpenCopies returns the OPEN follower copies of a master trade.
func (m *Matcher) OpenCopies(ctx context.Context, masterTradeID uint) ([]models.CopyTrade, error) {
	var copies []models.CopyTrade
	err := m.db.WithContext(ctx).
		Where("master_trade_id = ? AND status = ?", masterTradeID, models.TradeOpen).
		Order("id ASC").
		Find(&copies).Error
	return copies, err
}
