package lp

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"copy-signal-router/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBadSignature = errors.New("invalid signature")
	ErrStale        = errors.New("timestamp outside window")
	ErrBadAPIKey    = errors.New("invalid api key")
)

const DefaultWindow = 5 * time.Minute

// Verifier checks inbound LP requests signed with the same scheme the router uses outbound.
type Verifier struct {
	apiKey string
	secret string
	window time.Duration
	now    func() time.Time
}

func NewVerifier(apiKey, secret string) *Verifier {
	return &Verifier{apiKey: apiKey, secret: secret, window: DefaultWindow, now: time.Now}
}

// Enabled is false when no inbound secret is configured; the LP routes are then refused.
func (v *Verifier) Enabled() bool {
	return v.secret != ""
}

// Verify validates key, millisecond timestamp and signature over timestamp + METHOD + path + body.
func (v *Verifier) Verify(apiKey, timestamp, signature, method, path string, body []byte) error {
	if v.apiKey != "" && !hmac.Equal([]byte(apiKey), []byte(v.apiKey)) {
		return ErrBadAPIKey
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrStale, timestamp)
	}
	age := v.now().Sub(time.UnixMilli(ms))
	if age < 0 {
		age = -age
	}
	if age > v.window {
		return ErrStale
	}
	expected := Sign(v.secret, timestamp, method, path, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// InstrumentStore keeps the LP-provided trading rules per symbol.
type InstrumentStore struct {
	db *gorm.DB
}

func NewInstrumentStore(db *gorm.DB) *InstrumentStore {
	return &InstrumentStore{db: db}
}

// Upsert inserts or replaces instruments by symbol.
func (s *InstrumentStore) Upsert(ctx context.Context, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	for i := range instruments {
		instruments[i].Symbol = strings.ToUpper(strings.TrimSpace(instruments[i].Symbol))
		if instruments[i].Symbol == "" {
			return errors.New("instrument without symbol")
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"digits", "contract_size", "min_lot", "max_lot", "lot_step", "enabled", "updated_at"}),
	}).Create(&instruments).Error
}

// Get returns the instrument for symbol, matching case-insensitively.
func (s *InstrumentStore) Get(ctx context.Context, symbol string) (*models.Instrument, bool, error) {
	var inst models.Instrument
	err := s.db.WithContext(ctx).Where("symbol = ?", strings.ToUpper(symbol)).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &inst, true, nil
}
