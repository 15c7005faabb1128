package models

import "gorm.io/gorm"

const (
	StrategyActive  = "ACTIVE"
	StrategyPaused  = "PAUSED"
	StrategyStopped = "STOPPED"

	SecretScopeAny  = "ANY"
	SecretScopeBuy  = "BUY"
	SecretScopeSell = "SELL"
)

// Strategy is a named trading configuration that alerts are addressed to.
type Strategy struct {
	gorm.Model
	Name               string  `gorm:"uniqueIndex;not null" json:"name"`
	Symbol             string  `json:"symbol"`
	Timeframe          string  `json:"timeframe"`
	DefaultQuantity    float64 `json:"default_quantity"`
	CopyTradingEnabled bool    `json:"copy_trading_enabled"`
	Status             string  `gorm:"index;not null" json:"status"`

	TotalSignals  int64   `json:"total_signals"`
	TotalTrades   int64   `json:"total_trades"`
	WinningTrades int64   `json:"winning_trades"`
	LosingTrades  int64   `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `gorm:"column:total_pnl" json:"total_pnl"`

	Secrets []StrategySecret `json:"-"`
	Masters []StrategyMaster `json:"-"`
}

// StrategySecret indexes one webhook secret to its strategy.
// Scope restricts which open direction the secret may authenticate.
type StrategySecret struct {
	gorm.Model
	StrategyID uint   `gorm:"index;not null"`
	Secret     string `gorm:"uniqueIndex;size:128;not null"`
	Scope      string `gorm:"not null"`
}

// StrategyMaster is the ordered link between a strategy and its master traders.
type StrategyMaster struct {
	gorm.Model
	StrategyID     uint `gorm:"uniqueIndex:idx_strategy_master;not null"`
	MasterTraderID uint `gorm:"uniqueIndex:idx_strategy_master;not null"`
	Position       int  `gorm:"not null"`
}
