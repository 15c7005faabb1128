// Package strategy resolves webhook secrets to strategies and snapshots the
// master traders and follower subscriptions a signal fans out to.
package strategy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"copy-signal-router/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("strategy not found")
	ErrTooManyProfiles = errors.New("master profile limit reached")
	ErrInvalidScope    = errors.New("invalid secret scope")
)

const secretBytes = 24

// Registry owns strategies, their secret index and master/follower links.
type Registry struct {
	db                *gorm.DB
	maxMasterProfiles int
	logger            *zap.Logger
}

func NewRegistry(db *gorm.DB, maxMasterProfiles int, logger *zap.Logger) *Registry {
	return &Registry{db: db, maxMasterProfiles: maxMasterProfiles, logger: logger}
}

// NewStrategy describes a strategy to create.
type NewStrategy struct {
	Name               string
	Symbol             string
	Timeframe          string
	DefaultQuantity    float64
	CopyTradingEnabled bool
	// Directional additionally issues BUY-only and SELL-only secrets.
	Directional bool
}

// Secrets are returned once at creation; only the index stores them afterwards.
type Secrets struct {
	Combined string `json:"combined"`
	Buy      string `json:"buy,omitempty"`
	Sell     string `json:"sell,omitempty"`
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateStrategy stores an ACTIVE strategy and indexes its freshly generated secrets.
func (r *Registry) CreateStrategy(ctx context.Context, in NewStrategy) (*models.Strategy, Secrets, error) {
	var secrets Secrets
	scopes := []string{models.SecretScopeAny}
	if in.Directional {
		scopes = append(scopes, models.SecretScopeBuy, models.SecretScopeSell)
	}

	st := &models.Strategy{
		Name:               in.Name,
		Symbol:             strings.ToUpper(in.Symbol),
		Timeframe:          in.Timeframe,
		DefaultQuantity:    in.DefaultQuantity,
		CopyTradingEnabled: in.CopyTradingEnabled,
		Status:             models.StrategyActive,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(st).Error; err != nil {
			return fmt.Errorf("failed to create strategy %q: %w", in.Name, err)
		}
		for _, scope := range scopes {
			secret, err := generateSecret()
			if err != nil {
				return err
			}
			if err := tx.Create(&models.StrategySecret{StrategyID: st.ID, Secret: secret, Scope: scope}).Error; err != nil {
				return fmt.Errorf("failed to index secret: %w", err)
			}
			switch scope {
			case models.SecretScopeAny:
				secrets.Combined = secret
			case models.SecretScopeBuy:
				secrets.Buy = secret
			case models.SecretScopeSell:
				secrets.Sell = secret
			}
		}
		return nil
	})
	if err != nil {
		return nil, Secrets{}, err
	}

	r.logger.Info("Strategy created", zap.Uint("strategy_id", st.ID), zap.String("name", st.Name))
	return st, secrets, nil
}

// RegenerateSecret replaces the secret of the given scope. The old secret stops
// authenticating as soon as the transaction commits.
func (r *Registry) RegenerateSecret(ctx context.Context, strategyID uint, scope string) (string, error) {
	switch scope {
	case models.SecretScopeAny, models.SecretScopeBuy, models.SecretScopeSell:
	default:
		return "", ErrInvalidScope
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st models.Strategy
		if err := tx.First(&st, strategyID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Unscoped().
			Where("strategy_id = ? AND scope = ?", strategyID, scope).
			Delete(&models.StrategySecret{}).Error; err != nil {
			return fmt.Errorf("failed to revoke secret: %w", err)
		}
		return tx.Create(&models.StrategySecret{StrategyID: strategyID, Secret: secret, Scope: scope}).Error
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("Strategy secret regenerated", zap.Uint("strategy_id", strategyID), zap.String("scope", scope))
	return secret, nil
}

// SetStatus moves a strategy between ACTIVE, PAUSED and STOPPED.
func (r *Registry) SetStatus(ctx context.Context, strategyID uint, status string) error {
	res := r.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", strategyID).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupSecret returns the ACTIVE strategy indexed under secret and the scope of that secret.
func (r *Registry) LookupSecret(ctx context.Context, secret string) (*models.Strategy, string, error) {
	if secret == "" {
		return nil, "", ErrNotFound
	}
	var idx models.StrategySecret
	if err := r.db.WithContext(ctx).Where("secret = ?", secret).First(&idx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	var st models.Strategy
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", idx.StrategyID, models.StrategyActive).
		First(&st).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return &st, idx.Scope, nil
}

// RegisterMaster creates a PENDING master profile for a user, bounded by the per-user limit.
func (r *Registry) RegisterMaster(ctx context.Context, userID, accountID uint, commissionPct float64) (*models.MasterTrader, error) {
	master := &models.MasterTrader{
		UserID:           userID,
		TradingAccountID: accountID,
		Status:           models.MasterPending,
		CommissionPct:    commissionPct,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.MasterTrader{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if r.maxMasterProfiles > 0 && count >= int64(r.maxMasterProfiles) {
			return fmt.Errorf("user %d has %d profiles: %w", userID, count, ErrTooManyProfiles)
		}
		return tx.Create(master).Error
	})
	if err != nil {
		return nil, err
	}
	return master, nil
}

// SetMasterStatus approves, suspends or rejects a master profile.
func (r *Registry) SetMasterStatus(ctx context.Context, masterID uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.MasterTrader{}).Where("id = ?", masterID).Update("status", status).Error
}

// LinkMasters replaces the ordered master list of a strategy.
func (r *Registry) LinkMasters(ctx context.Context, strategyID uint, masterIDs ...uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("strategy_id = ?", strategyID).Delete(&models.StrategyMaster{}).Error; err != nil {
			return err
		}
		for i, id := range masterIDs {
			link := models.StrategyMaster{StrategyID: strategyID, MasterTraderID: id, Position: i}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("failed to link master %d: %w", id, err)
			}
		}
		return nil
	})
}

// NewSubscription describes a follower subscribing to a master profile.
type NewSubscription struct {
	MasterTraderID    uint
	FollowerUserID    uint
	FollowerAccountID uint
	CopyMode          string
	CopyValue         float64
	MaxLotSize        float64
}

// Subscribe creates an ACTIVE subscription and bumps the master's follower count.
func (r *Registry) Subscribe(ctx context.Context, in NewSubscription) (*models.FollowerSubscription, error) {
	switch in.CopyMode {
	case models.CopyFixedLot, models.CopyBalanceBased, models.CopyEquityBased, models.CopyMultiplier:
	default:
		return nil, fmt.Errorf("unknown copy mode %q", in.CopyMode)
	}
	sub := &models.FollowerSubscription{
		MasterTraderID:    in.MasterTraderID,
		FollowerUserID:    in.FollowerUserID,
		FollowerAccountID: in.FollowerAccountID,
		CopyMode:          in.CopyMode,
		CopyValue:         in.CopyValue,
		MaxLotSize:        in.MaxLotSize,
		Status:            models.SubscriptionActive,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		return tx.Model(&models.MasterTrader{}).Where("id = ?", in.MasterTraderID).
			Update("total_followers", gorm.Expr("total_followers + 1")).Error
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Snapshot is the strategy and its eligible masters as seen when a signal is resolved.
type Snapshot struct {
	Strategy models.Strategy
	Masters  []models.MasterTrader
}

// Resolve loads a strategy with its ACTIVE masters in link order.
func (r *Registry) Resolve(ctx context.Context, strategyID uint) (*Snapshot, error) {
	var st models.Strategy
	if err := r.db.WithContext(ctx).First(&st, strategyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var masters []models.MasterTrader
	err := r.db.WithContext(ctx).
		Joins("JOIN strategy_masters ON strategy_masters.master_trader_id = master_traders.id AND strategy_masters.deleted_at IS NULL").
		Where("strategy_masters.strategy_id = ? AND master_traders.status = ?", strategyID, models.MasterActive).
		Order("strategy_masters.position ASC").
		Find(&masters).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load masters of strategy %d: %w", strategyID, err)
	}
	return &Snapshot{Strategy: st, Masters: masters}, nil
}

// ActiveFollowers lists the ACTIVE subscriptions to a master profile.
func (r *Registry) ActiveFollowers(ctx context.Context, masterID uint) ([]models.FollowerSubscription, error) {
	var subs []models.FollowerSubscription
	err := r.db.WithContext(ctx).
		Where("master_trader_id = ? AND status = ?", masterID, models.SubscriptionActive).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

// RecordOpen counts an open signal and the master trades it produced.
func (r *Registry) RecordOpen(ctx context.Context, strategyID uint, mastersOpened int) error {
	return r.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", strategyID).
		Updates(map[string]interface{}{
			"total_signals": gorm.Expr("total_signals + 1"),
			"total_trades":  gorm.Expr("total_trades + ?", mastersOpened),
		}).Error
}

// RecordClose counts a close signal and folds the realized master PnLs into the win statistics.
func (r *Registry) RecordClose(ctx context.Context, strategyID uint, masterPnLs []float64) error {
	var wins, losses int
	var total float64
	for _, pnl := range masterPnLs {
		total += pnl
		switch {
		case pnl > 0:
			wins++
		case pnl < 0:
			losses++
		}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Strategy{}).Where("id = ?", strategyID).
			Updates(map[string]interface{}{
				"total_signals":  gorm.Expr("total_signals + 1"),
				"winning_trades": gorm.Expr("winning_trades + ?", wins),
				"losing_trades":  gorm.Expr("losing_trades + ?", losses),
				"total_pnl":      gorm.Expr("total_pnl + ?", total),
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.Strategy{}).Where("id = ?", strategyID).
			Update("win_rate", gorm.Expr(
				"CASE WHEN winning_trades + losing_trades > 0 THEN winning_trades * 100.0 / (winning_trades + losing_trades) ELSE 0 END",
			)).Error
	})
}

// RecordSignal counts a signal that neither opened nor closed anything.
func (r *Registry) RecordSignal(ctx context.Context, strategyID uint) error {
	return r.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", strategyID).
		Update("total_signals", gorm.Expr("total_signals + 1")).Error
}

// RecordFollowerClose folds a closed copy into the subscription statistics and
// accrues the master's commission on profitable closes.
func (r *Registry) RecordFollowerClose(ctx context.Context, sub models.FollowerSubscription, pnl float64, commissionPct float64) error {
	updates := map[string]interface{}{
		"open_trades":   gorm.Expr("CASE WHEN open_trades > 0 THEN open_trades - 1 ELSE 0 END"),
		"closed_trades": gorm.Expr("closed_trades + 1"),
		"net_pnl":       gorm.Expr("net_pnl + ?", pnl),
	}
	if pnl >= 0 {
		updates["total_profit"] = gorm.Expr("total_profit + ?", pnl)
	} else {
		updates["total_loss"] = gorm.Expr("total_loss + ?", -pnl)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.FollowerSubscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}
		if pnl <= 0 || commissionPct <= 0 {
			return nil
		}
		return tx.Model(&models.MasterTrader{}).Where("id = ?", sub.MasterTraderID).
			Update("total_earnings", gorm.Expr("total_earnings + ?", pnl*commissionPct/100)).Error
	})
}

// RecordFollowerOpen counts a copied trade on the subscription.
func (r *Registry) RecordFollowerOpen(ctx context.Context, subID uint) error {
	return r.db.WithContext(ctx).Model(&models.FollowerSubscription{}).Where("id = ?", subID).
		Updates(map[string]interface{}{
			"copied_trades": gorm.Expr("copied_trades + 1"),
			"open_trades":   gorm.Expr("open_trades + 1"),
		}).Error
}

// Subscription loads one subscription.
func (r *Registry) Subscription(ctx context.Context, id uint) (*models.FollowerSubscription, error) {
	var sub models.FollowerSubscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// Master loads one master profile.
func (r *Registry) Master(ctx context.Context, id uint) (*models.MasterTrader, error) {
	var m models.MasterTrader
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// MasterByAccount finds the master profile trading on the given account, if any.
func (r *Registry) MasterByAccount(ctx context.Context, accountID uint) (*models.MasterTrader, error) {
	var m models.MasterTrader
	err := r.db.WithContext(ctx).
		Where("trading_account_id = ?", accountID).
		Order("id ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
