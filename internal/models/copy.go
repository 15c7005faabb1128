package models

import "gorm.io/gorm"

const (
	MasterPending   = "PENDING"
	MasterActive    = "ACTIVE"
	MasterSuspended = "SUSPENDED"
	MasterRejected  = "REJECTED"

	SubscriptionActive  = "ACTIVE"
	SubscriptionPaused  = "PAUSED"
	SubscriptionStopped = "STOPPED"
)

// Copy sizing modes.
const (
	CopyFixedLot     = "FIXED_LOT"
	CopyBalanceBased = "BALANCE_BASED"
	CopyEquityBased  = "EQUITY_BASED"
	CopyMultiplier   = "MULTIPLIER"
)

// MasterTrader is one master profile of a user acting as a signal source.
type MasterTrader struct {
	gorm.Model
	UserID           uint    `gorm:"index;not null" json:"user_id"`
	TradingAccountID uint    `gorm:"not null" json:"trading_account_id"`
	Status           string  `gorm:"index;not null" json:"status"`
	CommissionPct    float64 `json:"commission_pct"`
	TotalFollowers   int64   `json:"total_followers"`
	TotalEarnings    float64 `json:"total_earnings"`
}

// FollowerSubscription is one user's subscription to one master profile.
type FollowerSubscription struct {
	gorm.Model
	MasterTraderID    uint    `gorm:"index;not null" json:"master_trader_id"`
	FollowerUserID    uint    `gorm:"index;not null" json:"follower_user_id"`
	FollowerAccountID uint    `gorm:"not null" json:"follower_account_id"`
	CopyMode          string  `gorm:"not null" json:"copy_mode"`
	CopyValue         float64 `json:"copy_value"`
	MaxLotSize        float64 `json:"max_lot_size"`
	Status            string  `gorm:"index;not null" json:"status"`

	CopiedTrades int64   `json:"copied_trades"`
	OpenTrades   int64   `json:"open_trades"`
	ClosedTrades int64   `json:"closed_trades"`
	TotalProfit  float64 `json:"total_profit"`
	TotalLoss    float64 `json:"total_loss"`
	NetPnL       float64 `gorm:"column:net_pnl" json:"net_pnl"`
}
