// Package store persists signals and their single resolution.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"copy-signal-router/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrDuplicate       = errors.New("duplicate signal")
	ErrAlreadyResolved = errors.New("signal already resolved")
	ErrNotFound        = errors.New("signal not found")
)

type SignalStore struct {
	db  *gorm.DB
	now func() time.Time

	// contentMu makes the window lookup and insert of key-less signals atomic.
	contentMu sync.Mutex
}

func NewSignalStore(db *gorm.DB) *SignalStore {
	return &SignalStore{db: db, now: time.Now}
}

// CreateReceived inserts sig in RECEIVED state. A signal with an idempotency key
// duplicates any stored signal with that key. Without a key it duplicates a
// signal with the same content hash received within window before it.
// Duplicates return the stored signal together with ErrDuplicate.
func (s *SignalStore) CreateReceived(ctx context.Context, sig *models.Signal, window time.Duration) (*models.Signal, error) {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = s.now()
	}
	if sig.IdempotencyKey == nil {
		s.contentMu.Lock()
		defer s.contentMu.Unlock()
	}

	if existing, err := s.findDuplicate(ctx, sig, window); err == nil {
		return existing, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if sig.PublicID == "" {
		sig.PublicID = uuid.NewString()
	}
	sig.Status = models.SignalReceived

	if err := s.db.WithContext(ctx).Create(sig).Error; err != nil {
		// Lost a race against a concurrent delivery of the same key.
		if sig.IdempotencyKey != nil {
			if existing, lookupErr := s.byKey(ctx, *sig.IdempotencyKey); lookupErr == nil {
				return existing, ErrDuplicate
			}
		}
		return nil, fmt.Errorf("failed to store signal: %w", err)
	}
	return sig, nil
}

func (s *SignalStore) findDuplicate(ctx context.Context, sig *models.Signal, window time.Duration) (*models.Signal, error) {
	if sig.IdempotencyKey != nil {
		return s.byKey(ctx, *sig.IdempotencyKey)
	}
	if window <= 0 || sig.ContentHash == "" {
		return nil, ErrNotFound
	}
	var found models.Signal
	err := s.db.WithContext(ctx).
		Where("content_hash = ? AND received_at >= ?", sig.ContentHash, sig.ReceivedAt.Add(-window)).
		Order("received_at DESC").
		First(&found).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &found, nil
}

func (s *SignalStore) byKey(ctx context.Context, key string) (*models.Signal, error) {
	var sig models.Signal
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&sig).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sig, nil
}

// Outcome is the terminal resolution of a signal.
type Outcome struct {
	Status      string
	Message     string
	Error       string
	CopyResults *models.CopyResults
	Diagnostics map[string]any
}

// Finalize writes the outcome exactly once; a second call returns ErrAlreadyResolved.
func (s *SignalStore) Finalize(ctx context.Context, id uint, out Outcome) error {
	if out.Status == "" || out.Status == models.SignalReceived {
		return fmt.Errorf("invalid terminal status %q", out.Status)
	}
	now := s.now()
	updates := map[string]interface{}{
		"status":       out.Status,
		"message":      out.Message,
		"error_detail": out.Error,
		"resolved_at":  &now,
	}
	if out.CopyResults != nil {
		b, err := json.Marshal(out.CopyResults)
		if err != nil {
			return err
		}
		updates["copy_results"] = datatypes.JSON(b)
	}
	if out.Diagnostics != nil {
		b, err := json.Marshal(out.Diagnostics)
		if err != nil {
			return err
		}
		updates["diagnostics"] = datatypes.JSON(b)
	}

	res := s.db.WithContext(ctx).Model(&models.Signal{}).
		Where("id = ? AND status = ?", id, models.SignalReceived).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to finalize signal %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *SignalStore) Get(ctx context.Context, id uint) (*models.Signal, error) {
	var sig models.Signal
	if err := s.db.WithContext(ctx).First(&sig, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sig, nil
}

// Filter narrows List. Zero values mean no restriction.
type Filter struct {
	StrategyID uint
	Status     string
	Symbol     string
	Since      time.Time
	Limit      int
	Offset     int
}

// List returns signals newest first.
func (s *SignalStore) List(ctx context.Context, f Filter) ([]models.Signal, error) {
	q := s.db.WithContext(ctx).Model(&models.Signal{})
	if f.StrategyID != 0 {
		q = q.Where("strategy_id = ?", f.StrategyID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Symbol != "" {
		q = q.Where("UPPER(symbol) = UPPER(?)", f.Symbol)
	}
	if !f.Since.IsZero() {
		q = q.Where("received_at >= ?", f.Since)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []models.Signal
	err := q.Order("received_at DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&out).Error
	return out, err
}

// Chronological returns every position-affecting signal in receipt order.
func (s *SignalStore) Chronological(ctx context.Context) ([]models.Signal, error) {
	var out []models.Signal
	err := s.db.WithContext(ctx).
		Where("action IN ?", []string{models.ActionBuy, models.ActionSell, models.ActionClose, models.ActionCloseAll}).
		Order("received_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// Ping is used by the readiness probe.
func (s *SignalStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
