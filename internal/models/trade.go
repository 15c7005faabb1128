package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"

	SideBuy  = "BUY"
	SideSell = "SELL"

	BookA = "A"
	BookB = "B"
)

// Close reasons.
const (
	ClosedBySL      = "SL"
	ClosedByTP      = "TP"
	ClosedByUser    = "USER"
	ClosedByAdmin   = "ADMIN"
	ClosedByStopOut = "STOP_OUT"
	ClosedByAlgo    = "ALGO"
)

// LP sync states.
const (
	SyncNotApplicable = "NOT_APPLICABLE"
	SyncPending       = "PENDING"
	SyncSynced        = "SYNCED"
	SyncFailed        = "FAILED"
)

// Trade is one position, either a master's own trade or a follower copy.
type Trade struct {
	gorm.Model
	TradingAccountID uint       `gorm:"index;not null" json:"trading_account_id"`
	UserID           uint       `gorm:"index" json:"user_id"`
	SignalID         *uint      `gorm:"index" json:"signal_id,omitempty"`
	IsMaster         bool       `json:"is_master"`
	Symbol           string     `gorm:"index;not null" json:"symbol"`
	Side             string     `json:"side"` // "BUY" or "SELL"
	Quantity         float64    `json:"quantity"`
	OpenPrice        float64    `json:"open_price"`
	ClosePrice       float64    `json:"close_price,omitempty"`
	StopLoss         *float64   `json:"stop_loss"`
	TakeProfit       *float64   `json:"take_profit"`
	Commission       float64    `json:"commission"`
	Swap             float64    `json:"swap"`
	Margin           float64    `json:"margin"`
	Leverage         int        `json:"leverage"`
	RealizedPnL      float64    `gorm:"column:realized_pnl" json:"realized_pnl"`
	FloatingPnL      float64    `gorm:"column:floating_pnl" json:"floating_pnl"`
	Status           string     `gorm:"index;not null" json:"status"`
	ClosedBy         string     `json:"closed_by,omitempty"`
	Book             string     `gorm:"size:1" json:"book"`
	LPSyncStatus     string     `gorm:"index" json:"lp_sync_status"`
	LPSyncedAt       *time.Time `json:"lp_synced_at,omitempty"`
	OpenedAt         time.Time  `json:"opened_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// CopyTrade links a follower's copied execution back to the master trade it mirrors.
type CopyTrade struct {
	gorm.Model
	SubscriptionID     uint    `gorm:"index;not null" json:"subscription_id"`
	MasterTradeID      uint    `gorm:"index;not null" json:"master_trade_id"`
	FollowerTradeID    uint    `gorm:"uniqueIndex;not null" json:"follower_trade_id"`
	FollowerLotSize    float64 `json:"follower_lot_size"`
	FollowerOpenPrice  float64 `json:"follower_open_price"`
	FollowerClosePrice float64 `json:"follower_close_price,omitempty"`
	FollowerPnL        float64 `gorm:"column:follower_pnl" json:"follower_pnl"`
	Status             string  `gorm:"index" json:"status"`
}
