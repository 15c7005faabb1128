package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"copy-signal-router/internal/cache"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InstrumentUpserter stores LP trading rules.
type InstrumentUpserter interface {
	Upsert(ctx context.Context, instruments []models.Instrument) error
}

// TickWriter stores LP quotes.
type TickWriter interface {
	Put(ctx context.Context, tick cache.Tick) error
}

// LPHandler receives instrument and price pushes from the LP.
type LPHandler struct {
	Verifier    *lp.Verifier
	Instruments InstrumentUpserter
	Prices      TickWriter
	Logger      *zap.Logger
}

func (h *LPHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/lp", h.verify)
	group.POST("/instruments", h.upsertInstruments)
	group.POST("/prices", h.putPrices)
}

// verify checks the HMAC headers and leaves the body readable for the handler.
func (h *LPHandler) verify(c *gin.Context) {
	if h.Verifier == nil || !h.Verifier.Enabled() {
		Error(c, http.StatusServiceUnavailable, "lp inbound disabled", nil)
		c.Abort()
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		Error(c, http.StatusBadRequest, "unreadable body", nil)
		c.Abort()
		return
	}
	err = h.Verifier.Verify(
		c.GetHeader(lp.HeaderAPIKey),
		c.GetHeader(lp.HeaderTimestamp),
		c.GetHeader(lp.HeaderSignature),
		c.Request.Method,
		c.Request.URL.Path,
		body,
	)
	if err != nil {
		h.Logger.Warn("Rejected LP request", zap.String("path", c.Request.URL.Path), zap.Error(err))
		Error(c, http.StatusUnauthorized, err.Error(), nil)
		c.Abort()
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Next()
}

type instrumentPayload struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	ContractSize float64 `json:"contract_size"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	LotStep      float64 `json:"lot_step"`
	Enabled      *bool   `json:"enabled"`
}

func (p instrumentPayload) model() models.Instrument {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return models.Instrument{
		Symbol:       p.Symbol,
		Digits:       p.Digits,
		ContractSize: p.ContractSize,
		MinLot:       p.MinLot,
		MaxLot:       p.MaxLot,
		LotStep:      p.LotStep,
		Enabled:      enabled,
	}
}

func (h *LPHandler) upsertInstruments(c *gin.Context) {
	var items []instrumentPayload
	if err := bindOneOrMany(c, &items); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	instruments := make([]models.Instrument, 0, len(items))
	for _, it := range items {
		instruments = append(instruments, it.model())
	}
	if err := h.Instruments.Upsert(c.Request.Context(), instruments); err != nil {
		h.Logger.Error("Failed to upsert instruments", zap.Int("count", len(instruments)), zap.Error(err))
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"upserted": len(instruments)}, nil)
}

func (h *LPHandler) putPrices(c *gin.Context) {
	var ticks []cache.Tick
	if err := bindOneOrMany(c, &ticks); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	stored := 0
	for _, t := range ticks {
		if t.Time.IsZero() {
			t.Time = time.Now()
		}
		if err := h.Prices.Put(c.Request.Context(), t); err != nil {
			h.Logger.Warn("Failed to store tick", zap.String("symbol", t.Symbol), zap.Error(err))
			continue
		}
		stored++
	}
	Ok(c, gin.H{"received": len(ticks), "stored": stored}, nil)
}

// bindOneOrMany decodes either a JSON array or a single object into out.
func bindOneOrMany[T any](c *gin.Context, out *[]T) error {
	body, err := c.GetRawData()
	if err != nil {
		return err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if body[0] == '[' {
		return json.Unmarshal(body, out)
	}
	var one T
	if err := json.Unmarshal(body, &one); err != nil {
		return err
	}
	*out = []T{one}
	return nil
}
