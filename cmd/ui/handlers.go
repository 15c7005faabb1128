package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"copy-signal-router/internal/httpapi"
	"copy-signal-router/internal/models"
	"copy-signal-router/internal/store"
	"copy-signal-router/internal/trader"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log     *zap.Logger
	db      *gorm.DB
	signals *store.SignalStore
	now     func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db, signals: store.NewSignalStore(db), now: time.Now}
}

func (h *APIHandler) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/status", h.StatusHandler)
	api.GET("/signals", h.SignalsHandler)
	api.GET("/trades", h.TradesHandler)
	api.GET("/statistics", h.StatisticsHandler)
	api.GET("/positions/pending", h.PendingPositionsHandler)
}

// StatusResponse is a quick overview of the router's state.
type StatusResponse struct {
	OpenTrades    int64 `json:"open_trades"`
	Signals24h    int64 `json:"signals_24h"`
	PendingLPSync int64 `json:"pending_lp_sync"`
	FailedLPSync  int64 `json:"failed_lp_sync"`
}

// StatusHandler returns counters for the dashboard header.
func (h *APIHandler) StatusHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var resp StatusResponse
	err := h.db.WithContext(ctx).Model(&models.Trade{}).Where("status = ?", models.TradeOpen).Count(&resp.OpenTrades).Error
	if err == nil {
		err = h.db.WithContext(ctx).Model(&models.Signal{}).Where("received_at >= ?", h.now().Add(-24*time.Hour)).Count(&resp.Signals24h).Error
	}
	if err == nil {
		err = h.db.WithContext(ctx).Model(&models.Trade{}).Where("lp_sync_status = ?", models.SyncPending).Count(&resp.PendingLPSync).Error
	}
	if err == nil {
		err = h.db.WithContext(ctx).Model(&models.Trade{}).Where("lp_sync_status = ?", models.SyncFailed).Count(&resp.FailedLPSync).Error
	}
	if err != nil {
		h.log.Error("Failed to get status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get status"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SignalsHandler lists signals newest first.
func (h *APIHandler) SignalsHandler(c *gin.Context) {
	f := store.Filter{
		Status: strings.ToUpper(c.Query("status")),
		Symbol: c.Query("symbol"),
		Limit:  httpapi.IntQuery(c, "limit", 100),
		Offset: httpapi.IntQuery(c, "offset", 0),
	}
	if id, err := strconv.ParseUint(c.Query("strategy_id"), 10, 64); err == nil {
		f.StrategyID = uint(id)
	}
	if since, err := time.Parse(time.RFC3339, c.Query("since")); err == nil {
		f.Since = since
	}
	signals, err := h.signals.List(c.Request.Context(), f)
	if err != nil {
		h.log.Error("Failed to get signals from database", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get signals"})
		return
	}
	c.JSON(http.StatusOK, signals)
}

// TradesHandler returns trades, most recent first.
func (h *APIHandler) TradesHandler(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Model(&models.Trade{})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", strings.ToUpper(status))
	}
	if book := c.Query("book"); book != "" {
		q = q.Where("book = ?", strings.ToUpper(book))
	}
	if acc, err := strconv.ParseUint(c.Query("account_id"), 10, 64); err == nil {
		q = q.Where("trading_account_id = ?", acc)
	}
	limit := httpapi.IntQuery(c, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var trades []models.Trade
	if err := q.Order("opened_at desc, id desc").Limit(limit).Offset(httpapi.IntQuery(c, "offset", 0)).Find(&trades).Error; err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get trades"})
		return
	}
	c.JSON(http.StatusOK, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(pnl float64) {
	s.TotalTrades++
	if pnl > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += pnl
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler computes win rate and realized PnL of closed master trades.
// scope=all includes follower copies.
func (h *APIHandler) StatisticsHandler(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Where("status = ?", models.TradeClosed)
	if c.Query("scope") != "all" {
		q = q.Where("is_master = ?", true)
	}
	var closed []models.Trade
	if err := q.Find(&closed).Error; err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to calculate statistics"})
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	var resp StatisticsResponse
	for _, trade := range closed {
		resp.AllTime.add(trade.RealizedPnL)
		if trade.ClosedAt != nil && trade.ClosedAt.After(since24h) {
			resp.Since24h.add(trade.RealizedPnL)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	c.JSON(http.StatusOK, resp)
}

// PendingPositionsHandler replays the signal history into the open markers no
// close has consumed yet.
func (h *APIHandler) PendingPositionsHandler(c *gin.Context) {
	signals, err := h.signals.Chronological(c.Request.Context())
	if err != nil {
		h.log.Error("Failed to get signal history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get signal history"})
		return
	}
	pending := trader.ReconcileHistory(signals)
	if pending == nil {
		pending = []trader.PendingPosition{}
	}
	c.JSON(http.StatusOK, pending)
}
