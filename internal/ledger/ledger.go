// Package ledger is the minimal trade ledger the router opens, closes and modifies positions through.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"copy-signal-router/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTradeNotOpen        = errors.New("trade is not open")
	ErrAccountInactive     = errors.New("trading account is not active")
	ErrAccountNotFound     = errors.New("trading account not found")
)

// Ledger opens, closes and modifies trades.
type Ledger interface {
	OpenTrade(ctx context.Context, req OpenRequest) (*models.Trade, error)
	CloseTrade(ctx context.Context, tradeID uint, price float64, closedBy string) (*models.Trade, error)
	ModifyTrade(ctx context.Context, tradeID uint, stopLoss, takeProfit *float64) (*models.Trade, error)
}

// Accounts looks up balances and status by trading account id.
type Accounts interface {
	Account(ctx context.Context, accountID uint) (*models.TradingAccount, error)
}

// OpenRequest describes a market open.
type OpenRequest struct {
	AccountID  uint
	SignalID   *uint
	IsMaster   bool
	Symbol     string
	Side       string
	Quantity   float64
	Price      float64
	StopLoss   *float64
	TakeProfit *float64
}

// BookAssigner picks the book and initial LP sync status of a new trade.
type BookAssigner interface {
	Assign(tx *gorm.DB, userID uint) (book, syncStatus string, err error)
}

// GormLedger keeps trades and account balances in the shared database.
type GormLedger struct {
	db     *gorm.DB
	books  BookAssigner
	now    func() time.Time
	logger *zap.Logger
}

var (
	_ Ledger   = (*GormLedger)(nil)
	_ Accounts = (*GormLedger)(nil)
)

func NewGormLedger(db *gorm.DB, logger *zap.Logger) *GormLedger {
	return &GormLedger{db: db, now: time.Now, logger: logger}
}

// WithBooks makes OpenTrade stamp the book in the transaction that creates the
// trade. A failed assignment fails the open.
func (l *GormLedger) WithBooks(books BookAssigner) *GormLedger {
	l.books = books
	return l
}

func (l *GormLedger) Account(ctx context.Context, accountID uint) (*models.TradingAccount, error) {
	var acc models.TradingAccount
	if err := l.db.WithContext(ctx).First(&acc, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func contractSize(tx *gorm.DB, symbol string) decimal.Decimal {
	var inst models.Instrument
	if err := tx.Where("symbol = ?", strings.ToUpper(symbol)).First(&inst).Error; err != nil || inst.ContractSize <= 0 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromFloat(inst.ContractSize)
}

// OpenTrade reserves margin against the account balance and stores an OPEN trade.
// With a BookAssigner the trade is created already routed.
func (l *GormLedger) OpenTrade(ctx context.Context, req OpenRequest) (*models.Trade, error) {
	if req.Quantity <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("invalid open request: quantity %v price %v", req.Quantity, req.Price)
	}
	var trade *models.Trade
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc models.TradingAccount
		if err := tx.First(&acc, req.AccountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if acc.Status != models.AccountActive {
			return ErrAccountInactive
		}

		leverage := acc.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		notional := decimal.NewFromFloat(req.Quantity).
			Mul(decimal.NewFromFloat(req.Price)).
			Mul(contractSize(tx, req.Symbol))
		margin := notional.Div(decimal.NewFromInt(int64(leverage)))

		var used float64
		if err := tx.Model(&models.Trade{}).
			Where("trading_account_id = ? AND status = ?", acc.ID, models.TradeOpen).
			Select("COALESCE(SUM(margin), 0)").Scan(&used).Error; err != nil {
			return err
		}
		free := decimal.NewFromFloat(acc.Balance).Sub(decimal.NewFromFloat(used))
		if margin.GreaterThan(free) {
			return fmt.Errorf("account %d needs %s, has %s free: %w", acc.ID, margin.StringFixed(2), free.StringFixed(2), ErrInsufficientBalance)
		}

		m, _ := margin.Float64()
		trade = &models.Trade{
			TradingAccountID: acc.ID,
			UserID:           acc.UserID,
			SignalID:         req.SignalID,
			IsMaster:         req.IsMaster,
			Symbol:           strings.ToUpper(req.Symbol),
			Side:             req.Side,
			Quantity:         req.Quantity,
			OpenPrice:        req.Price,
			StopLoss:         req.StopLoss,
			TakeProfit:       req.TakeProfit,
			Margin:           m,
			Leverage:         leverage,
			Status:           models.TradeOpen,
			OpenedAt:         l.now(),
		}
		if l.books != nil {
			book, status, err := l.books.Assign(tx, acc.UserID)
			if err != nil {
				return fmt.Errorf("failed to assign book: %w", err)
			}
			trade.Book, trade.LPSyncStatus = book, status
		}
		return tx.Create(trade).Error
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Trade opened", zap.Uint("trade_id", trade.ID), zap.Uint("account_id", trade.TradingAccountID),
		zap.String("symbol", trade.Symbol), zap.String("side", trade.Side), zap.Float64("quantity", trade.Quantity))
	return trade, nil
}

// RealizedPnL is (close-open) × quantity × contract size, negated for SELL.
func RealizedPnL(side string, open, close, quantity, contract float64) decimal.Decimal {
	diff := decimal.NewFromFloat(close).Sub(decimal.NewFromFloat(open))
	if side == models.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(quantity)).Mul(decimal.NewFromFloat(contract))
}

// CloseTrade closes an OPEN trade at price and credits the realized PnL to the account.
func (l *GormLedger) CloseTrade(ctx context.Context, tradeID uint, price float64, closedBy string) (*models.Trade, error) {
	var trade models.Trade
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&trade, tradeID).Error; err != nil {
			return err
		}
		if trade.Status != models.TradeOpen {
			return ErrTradeNotOpen
		}
		contract, _ := contractSize(tx, trade.Symbol).Float64()
		pnl := RealizedPnL(trade.Side, trade.OpenPrice, price, trade.Quantity, contract).Round(8)
		pnlF, _ := pnl.Float64()
		now := l.now()

		res := tx.Model(&models.Trade{}).
			Where("id = ? AND status = ?", trade.ID, models.TradeOpen).
			Updates(map[string]interface{}{
				"status":       models.TradeClosed,
				"close_price":  price,
				"realized_pnl": pnlF,
				"floating_pnl": 0,
				"closed_by":    closedBy,
				"closed_at":    &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTradeNotOpen
		}
		if err := tx.Model(&models.TradingAccount{}).Where("id = ?", trade.TradingAccountID).
			Updates(map[string]interface{}{
				"balance": gorm.Expr("balance + ?", pnlF),
				"equity":  gorm.Expr("equity + ?", pnlF),
			}).Error; err != nil {
			return err
		}

		trade.Status = models.TradeClosed
		trade.ClosePrice = price
		trade.RealizedPnL = pnlF
		trade.FloatingPnL = 0
		trade.ClosedBy = closedBy
		trade.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// ModifyTrade replaces the SL/TP of an OPEN trade. Nil clears the level.
func (l *GormLedger) ModifyTrade(ctx context.Context, tradeID uint, stopLoss, takeProfit *float64) (*models.Trade, error) {
	res := l.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", tradeID, models.TradeOpen).
		Updates(map[string]interface{}{"stop_loss": stopLoss, "take_profit": takeProfit})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrTradeNotOpen
	}
	var trade models.Trade
	if err := l.db.WithContext(ctx).First(&trade, tradeID).Error; err != nil {
		return nil, err
	}
	return &trade, nil
}
