package models

import "gorm.io/gorm"

const AccountActive = "Active"

// TradingAccount is owned by the account service; the router only reads it
// and lets the ledger adjust its balance.
type TradingAccount struct {
	gorm.Model
	UserID   uint    `gorm:"index;not null" json:"user_id"`
	Status   string  `gorm:"not null" json:"status"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Leverage int     `json:"leverage"`
}

// User carries only the fields book routing needs.
type User struct {
	gorm.Model
	Email   string `gorm:"uniqueIndex" json:"email"`
	Book    string `gorm:"size:1" json:"book"`
	Blocked bool   `json:"blocked"`
	Banned  bool   `json:"banned"`
}

// Instrument holds the trading rules pushed by the LP.
type Instrument struct {
	gorm.Model
	Symbol       string  `gorm:"uniqueIndex;not null" json:"symbol"`
	Digits       int     `json:"digits"`
	ContractSize float64 `json:"contract_size"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	LotStep      float64 `json:"lot_step"`
	Enabled      bool    `gorm:"default:true" json:"enabled"`
}
