package trader

import (
	"time"

	"copy-signal-router/internal/models"
)

// PendingPosition is an open marker left by a BUY/SELL signal that no later
// close has consumed yet.
type PendingPosition struct {
	SignalID   string    `json:"signal_id"`
	StrategyID *uint     `json:"strategy_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	ReceivedAt time.Time `json:"received_at"`
}

type historyKey struct {
	strategy uint
	global   bool
	symbol   string
}

func keyFor(sig *models.Signal) historyKey {
	if sig.StrategyID == nil {
		return historyKey{global: true, symbol: sig.Symbol}
	}
	return historyKey{strategy: *sig.StrategyID, symbol: sig.Symbol}
}

// ReconcileHistory replays signals in receipt order. Each BUY/SELL pushes onto the
// FIFO of its (symbol, strategy); each CLOSE pops the oldest entry and CLOSE_ALL
// empties every FIFO of its strategy. Signals that resolved to ERROR opened
// nothing and are ignored. This is a read-side view only.
func ReconcileHistory(signals []models.Signal) []PendingPosition {
	queues := make(map[historyKey][]PendingPosition)
	var order []historyKey

	for i := range signals {
		sig := &signals[i]
		if sig.Status == models.SignalError {
			continue
		}
		k := keyFor(sig)
		switch sig.Action {
		case models.ActionBuy, models.ActionSell:
			if _, seen := queues[k]; !seen {
				order = append(order, k)
			}
			queues[k] = append(queues[k], PendingPosition{
				SignalID:   sig.PublicID,
				StrategyID: sig.StrategyID,
				Symbol:     sig.Symbol,
				Side:       sig.Side,
				Quantity:   sig.Quantity,
				Price:      sig.Price,
				ReceivedAt: sig.ReceivedAt,
			})
		case models.ActionClose:
			if q := queues[k]; len(q) > 0 {
				queues[k] = q[1:]
			}
		case models.ActionCloseAll:
			for qk := range queues {
				if qk.global == k.global && qk.strategy == k.strategy {
					queues[qk] = nil
				}
			}
		}
	}

	var pending []PendingPosition
	for _, k := range order {
		pending = append(pending, queues[k]...)
	}
	return pending
}
