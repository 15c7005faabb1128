package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"copy-signal-router/internal/config"
	"copy-signal-router/internal/gateway"
	"copy-signal-router/internal/ledger"
	"copy-signal-router/internal/lp"
	"copy-signal-router/internal/metrics"
	"copy-signal-router/internal/models"
	"copy-signal-router/internal/store"
	"copy-signal-router/internal/strategy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BookRouter stamps the A/B book on a freshly opened trade.
type BookRouter interface {
	Route(ctx context.Context, trade *models.Trade) error
}

// LPDispatcher hands an A-Book trade change to the LP channels.
type LPDispatcher interface {
	Dispatch(ctx context.Context, op lp.Op, trade *models.Trade)
}

// InstrumentLookup returns the LP trading rules of a symbol.
type InstrumentLookup interface {
	Get(ctx context.Context, symbol string) (*models.Instrument, bool, error)
}

// SignalPublisher announces finalized signals.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig *models.Signal) error
}

// Deps are the collaborators of the Engine.
type Deps struct {
	DB          *gorm.DB
	Signals     *store.SignalStore
	Registry    *strategy.Registry
	Ledger      ledger.Ledger
	Accounts    ledger.Accounts
	Book        BookRouter
	LP          LPDispatcher
	Prices      PriceSource
	Instruments InstrumentLookup
	Publisher   SignalPublisher
}

// Engine resolves signals: it opens or closes master trades and fans them out to followers.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config
	deps   Deps

	matcher *Matcher
	locks   *keyedLock
	now     func() time.Time
}

// NewEngine creates a new copy engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		logger:  logger,
		cfg:     cfg,
		deps:    deps,
		matcher: NewMatcher(deps.DB),
		locks:   newKeyedLock(),
		now:     time.Now,
	}
}

// Result is what the webhook caller gets back.
type Result struct {
	SignalID    string              `json:"signal_id"`
	Status      string              `json:"status"`
	Message     string              `json:"message"`
	Error       string              `json:"error,omitempty"`
	CopyResults *models.CopyResults `json:"copyResults,omitempty"`
	Duplicate   bool                `json:"duplicate,omitempty"`
}

// Submit records the draft, resolves it exactly once and returns the outcome.
// A re-delivery of an already stored signal returns the stored outcome.
// Processing continues even if ctx is cancelled after the signal is stored.
func (e *Engine) Submit(ctx context.Context, draft *gateway.Draft) (*Result, error) {
	sig := &models.Signal{
		ContentHash: draft.ContentHash(),
		ReceivedAt:  e.now(),
		StrategyID:  draft.StrategyID(),
		Action:      draft.Action,
		Symbol:      draft.Symbol,
		Side:        draft.Side,
		Quantity:    draft.Quantity,
		Price:       draft.Price,
		StopLoss:    draft.StopLoss,
		TakeProfit:  draft.TakeProfit,
		OrderType:   draft.OrderType,
		Comment:     draft.Comment,
	}
	if key := draft.AlertKey(); key != "" {
		sig.IdempotencyKey = &key
	}

	stored, err := e.deps.Signals.CreateReceived(ctx, sig, e.cfg.Webhook.DedupeWindow)
	if errors.Is(err, store.ErrDuplicate) {
		metrics.IncDuplicate()
		e.logger.Info("Duplicate signal delivery", zap.String("signal_id", stored.PublicID), zap.String("status", stored.Status))
		return duplicateResult(stored), nil
	}
	if err != nil {
		return nil, err
	}
	sig = stored

	lockKey := "global"
	if sig.StrategyID != nil {
		lockKey = strconv.FormatUint(uint64(*sig.StrategyID), 10)
	}
	unlock := e.locks.Lock(lockKey)
	defer unlock()

	ctx = context.WithoutCancel(ctx)
	l := e.logger.With(
		zap.String("signal_id", sig.PublicID),
		zap.String("action", sig.Action),
		zap.String("symbol", sig.Symbol),
	)

	out := e.safeProcess(ctx, l, sig, draft.Strategy)
	if err := e.deps.Signals.Finalize(ctx, sig.ID, out); err != nil {
		l.Error("Failed to finalize signal", zap.Error(err))
	}
	metrics.IncSignal(out.Status)
	l.Info("Signal resolved", zap.String("status", out.Status), zap.String("message", out.Message))

	sig.Status, sig.Message, sig.ErrorDetail = out.Status, out.Message, out.Error
	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.PublishSignal(ctx, sig); err != nil {
			l.Warn("Failed to publish signal outcome", zap.Error(err))
		}
	}

	return &Result{
		SignalID:    sig.PublicID,
		Status:      out.Status,
		Message:     out.Message,
		Error:       out.Error,
		CopyResults: out.CopyResults,
	}, nil
}

func duplicateResult(sig *models.Signal) *Result {
	res := &Result{
		SignalID:  sig.PublicID,
		Status:    sig.Status,
		Message:   sig.Message,
		Error:     sig.ErrorDetail,
		Duplicate: true,
	}
	if sig.Status == models.SignalReceived {
		res.Message = "signal is being processed"
	}
	if len(sig.CopyResults) > 0 {
		var cr models.CopyResults
		if err := json.Unmarshal(sig.CopyResults, &cr); err == nil {
			res.CopyResults = &cr
		}
	}
	return res
}

// safeProcess turns a panic anywhere in processing into an ERROR outcome.
func (e *Engine) safeProcess(ctx context.Context, l *zap.Logger, sig *models.Signal, st *models.Strategy) (out store.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("Signal processing panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = store.Outcome{Status: models.SignalError, Message: "internal error", Error: fmt.Sprint(r)}
		}
	}()
	return e.process(ctx, l, sig, st)
}

func (e *Engine) process(ctx context.Context, l *zap.Logger, sig *models.Signal, st *models.Strategy) store.Outcome {
	if sig.Action == models.ActionAlert {
		return store.Outcome{Status: models.SignalAlert, Message: "alert recorded"}
	}
	if st == nil {
		return store.Outcome{Status: models.SignalOnly, Message: "no strategy attached; signal recorded only"}
	}

	snap, err := e.deps.Registry.Resolve(ctx, st.ID)
	if err != nil {
		l.Error("Failed to resolve strategy", zap.Uint("strategy_id", st.ID), zap.Error(err))
		return errorOutcome("failed to resolve strategy", err)
	}
	if !snap.Strategy.CopyTradingEnabled {
		if err := e.deps.Registry.RecordSignal(ctx, st.ID); err != nil {
			l.Warn("Failed to count signal", zap.Error(err))
		}
		return store.Outcome{Status: models.SignalOnly, Message: "copy trading disabled for strategy"}
	}

	switch {
	case models.IsOpenAction(sig.Action):
		return e.open(ctx, l, sig, snap)
	case models.IsCloseAction(sig.Action):
		return e.close(ctx, l, sig, snap)
	default:
		return errorOutcome("unsupported action", fmt.Errorf("action %q", sig.Action))
	}
}

func errorOutcome(message string, err error) store.Outcome {
	return store.Outcome{Status: models.SignalError, Message: message, Error: err.Error()}
}

// open opens one trade per eligible master in link order, then copies each to its followers.
func (e *Engine) open(ctx context.Context, l *zap.Logger, sig *models.Signal, snap *strategy.Snapshot) store.Outcome {
	price, err := openPrice(ctx, e.deps.Prices, sig.Symbol, sig.Side, sig.Price)
	if err != nil {
		return errorOutcome(fmt.Sprintf("no price available for %s", sig.Symbol), err)
	}

	results := &models.CopyResults{}
	var eligible, skipped int
	var lastErr error

	for _, master := range snap.Masters {
		ml := l.With(zap.Uint("master_id", master.ID), zap.Uint("account_id", master.TradingAccountID))
		acc, err := e.deps.Accounts.Account(ctx, master.TradingAccountID)
		if err != nil || acc.Status != models.AccountActive {
			ml.Info("Skipping master without an active account", zap.Error(err))
			skipped++
			continue
		}
		eligible++

		signalID := sig.ID
		trade, err := e.deps.Ledger.OpenTrade(ctx, ledger.OpenRequest{
			AccountID:  acc.ID,
			SignalID:   &signalID,
			IsMaster:   true,
			Symbol:     sig.Symbol,
			Side:       sig.Side,
			Quantity:   sig.Quantity,
			Price:      price,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
		})
		if err != nil {
			ml.Warn("Master open failed", zap.Error(err))
			lastErr = err
			continue
		}
		e.routeAndSync(ctx, ml, lp.OpOpen, trade)
		results.Masters++

		followers, err := e.deps.Registry.ActiveFollowers(ctx, master.ID)
		if err != nil {
			ml.Error("Failed to load followers", zap.Error(err))
			continue
		}
		total, success := e.copyToFollowers(ctx, ml, sig, master, acc, trade, followers)
		results.Total += total
		results.Success += success
		results.Failed += total - success
	}

	if results.Masters == 0 {
		if eligible == 0 {
			return store.Outcome{
				Status:      models.SignalError,
				Message:     "no active master accounts",
				Error:       "no active master accounts",
				Diagnostics: map[string]any{"masters": len(snap.Masters), "skipped": skipped},
			}
		}
		return store.Outcome{
			Status:      models.SignalError,
			Message:     "all master opens failed",
			Error:       lastErr.Error(),
			Diagnostics: map[string]any{"masters": len(snap.Masters), "skipped": skipped},
		}
	}

	if err := e.deps.Registry.RecordOpen(ctx, snap.Strategy.ID, results.Masters); err != nil {
		l.Warn("Failed to update strategy statistics", zap.Error(err))
	}
	return store.Outcome{
		Status:      models.SignalExecuted,
		Message:     fmt.Sprintf("opened %d master trade(s), copied %d/%d", results.Masters, results.Success, results.Total),
		CopyResults: results,
	}
}

// close closes every matching OPEN trade on each master account and then the
// follower copies of each closed trade.
func (e *Engine) close(ctx context.Context, l *zap.Logger, sig *models.Signal, snap *strategy.Snapshot) store.Outcome {
	all := sig.Action == models.ActionCloseAll
	results := &models.CopyResults{}
	var matched, closed int
	var pnls []float64
	var lastErr error

	for _, master := range snap.Masters {
		ml := l.With(zap.Uint("master_id", master.ID), zap.Uint("account_id", master.TradingAccountID))
		var trades []models.Trade
		var err error
		if all {
			trades, err = e.matcher.AllOpenTrades(ctx, master.TradingAccountID)
		} else {
			trades, err = e.matcher.OpenTrades(ctx, master.TradingAccountID, sig.Symbol)
		}
		if err != nil {
			ml.Error("Failed to match open trades", zap.Error(err))
			lastErr = err
			continue
		}
		matched += len(trades)

		for i := range trades {
			trade := &trades[i]
			price, err := closePrice(ctx, e.deps.Prices, trade.Symbol, trade.Side, sig.Price)
			if err != nil {
				ml.Warn("No close price for trade", zap.Uint("trade_id", trade.ID), zap.Error(err))
				lastErr = err
				continue
			}
			done, err := e.deps.Ledger.CloseTrade(ctx, trade.ID, price, models.ClosedByAlgo)
			if err != nil {
				ml.Warn("Master close failed", zap.Uint("trade_id", trade.ID), zap.Error(err))
				lastErr = err
				continue
			}
			closed++
			results.Masters++
			pnls = append(pnls, done.RealizedPnL)
			e.dispatch(ctx, lp.OpClose, done)

			total, success := e.closeCopies(ctx, ml, done, sig.Price, master.CommissionPct)
			results.Total += total
			results.Success += success
			results.Failed += total - success
		}
	}

	if matched == 0 {
		return store.Outcome{
			Status:      models.SignalNoPosition,
			Message:     fmt.Sprintf("no open position for %s", sig.Symbol),
			Diagnostics: map[string]any{"accounts_checked": len(snap.Masters), "symbol": sig.Symbol},
		}
	}
	if closed == 0 {
		out := store.Outcome{
			Status:      models.SignalError,
			Message:     fmt.Sprintf("failed to close %d matching trade(s)", matched),
			Diagnostics: map[string]any{"matched": matched},
		}
		if lastErr != nil {
			out.Error = lastErr.Error()
		}
		return out
	}

	if err := e.deps.Registry.RecordClose(ctx, snap.Strategy.ID, pnls); err != nil {
		l.Warn("Failed to update strategy statistics", zap.Error(err))
	}
	status := models.SignalClosed
	if all {
		status = models.SignalClosedAll
	}
	return store.Outcome{
		Status:      status,
		Message:     fmt.Sprintf("closed %d of %d master trade(s), closed %d/%d copies", closed, matched, results.Success, results.Total),
		CopyResults: results,
	}
}

// routeAndSync assigns the book and hands A-Book trades to the LP. A trade the
// ledger stored without a book and that fails to route here is routed by the
// next re-sync run.
func (e *Engine) routeAndSync(ctx context.Context, l *zap.Logger, op lp.Op, trade *models.Trade) {
	if err := e.deps.Book.Route(ctx, trade); err != nil {
		l.Error("Failed to route trade", zap.Uint("trade_id", trade.ID), zap.Error(err))
		return
	}
	e.dispatch(ctx, op, trade)
}

func (e *Engine) dispatch(ctx context.Context, op lp.Op, trade *models.Trade) {
	if trade.Book != models.BookA || e.deps.LP == nil {
		return
	}
	e.deps.LP.Dispatch(ctx, op, trade)
}

func (e *Engine) lotRules(ctx context.Context, symbol string) LotRules {
	rules := LotRules{Step: e.cfg.Copy.DefaultLotStep, Min: e.cfg.Copy.DefaultMinLot, Source: "default"}
	if e.deps.Instruments == nil {
		return rules
	}
	inst, found, err := e.deps.Instruments.Get(ctx, symbol)
	if err != nil || !found {
		return rules
	}
	if inst.LotStep > 0 {
		rules.Step = inst.LotStep
	}
	if inst.MinLot > 0 {
		rules.Min = inst.MinLot
	}
	rules.Max = inst.MaxLot
	rules.Source = "instrument"
	return rules
}
