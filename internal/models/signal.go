package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Signal actions.
const (
	ActionBuy      = "BUY"
	ActionSell     = "SELL"
	ActionClose    = "CLOSE"
	ActionCloseAll = "CLOSE_ALL"
	ActionAlert    = "ALERT"
)

// Signal resolution states. Everything except SignalReceived is terminal.
const (
	SignalReceived   = "RECEIVED"
	SignalExecuted   = "EXECUTED"
	SignalClosed     = "CLOSED"
	SignalClosedAll  = "CLOSED_ALL"
	SignalNoPosition = "NO_POSITION"
	SignalError      = "ERROR"
	SignalOnly       = "SIGNAL_ONLY"
	SignalAlert      = "ALERT"
)

// Signal is one inbound alert and the record of how it was resolved.
type Signal struct {
	gorm.Model
	PublicID       string         `gorm:"uniqueIndex;size:36;not null" json:"signal_id"`
	IdempotencyKey *string        `gorm:"uniqueIndex;size:128" json:"-"`
	ContentHash    string         `gorm:"index;size:64" json:"-"`
	ReceivedAt     time.Time      `gorm:"index" json:"received_at"`
	StrategyID     *uint          `gorm:"index" json:"strategy_id,omitempty"`
	Action         string         `gorm:"not null" json:"action"`
	Symbol         string         `gorm:"index;not null" json:"symbol"`
	Side           string         `json:"side"`
	Quantity       float64        `json:"quantity"`
	Price          float64        `json:"price"`
	StopLoss       *float64       `json:"stop_loss"`
	TakeProfit     *float64       `json:"take_profit"`
	OrderType      string         `json:"order_type,omitempty"`
	Comment        string         `gorm:"type:text" json:"comment,omitempty"`
	Status         string         `gorm:"index;not null" json:"status"`
	Message        string         `gorm:"type:text" json:"message,omitempty"`
	ErrorDetail    string         `gorm:"type:text" json:"error,omitempty"`
	CopyResults    datatypes.JSON `json:"copy_results,omitempty"`
	Diagnostics    datatypes.JSON `json:"diagnostics,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// IsTerminal reports whether the signal has been resolved.
func (s *Signal) IsTerminal() bool {
	return s.Status != "" && s.Status != SignalReceived
}

// IsOpenAction reports whether the action opens positions.
func IsOpenAction(action string) bool {
	return action == ActionBuy || action == ActionSell
}

// IsCloseAction reports whether the action closes positions.
func IsCloseAction(action string) bool {
	return action == ActionClose || action == ActionCloseAll
}

// CopyResults summarizes one fan-out.
type CopyResults struct {
	Masters int `json:"masters"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}
