package trader

import (
	"errors"
	"fmt"

	"copy-signal-router/internal/models"
	"github.com/shopspring/decimal"
)

var ErrLotBelowMinimum = errors.New("lot below instrument minimum")

// LotRules are the volume constraints of one instrument.
type LotRules struct {
	Step   float64
	Min    float64
	Max    float64
	Source string
}

// LotInput is everything a follower lot depends on. Balances are read live for every signal.
type LotInput struct {
	Mode          string
	Value         float64
	MasterLot     float64
	SubMaxLot     float64
	GlobalMaxLot  float64
	MasterBalance float64
	MasterEquity  float64
	FollowerBal   float64
	FollowerEq    float64
	Rules         LotRules
}

// FollowerLot sizes a follower copy, caps it, and floors it to the lot step.
func FollowerLot(in LotInput) (float64, error) {
	master := decimal.NewFromFloat(in.MasterLot)
	var lot decimal.Decimal

	switch in.Mode {
	case models.CopyFixedLot:
		lot = decimal.NewFromFloat(in.Value)
	case models.CopyMultiplier:
		lot = master.Mul(decimal.NewFromFloat(in.Value))
	case models.CopyBalanceBased:
		if in.MasterBalance <= 0 {
			return 0, fmt.Errorf("master balance %.2f cannot scale a copy", in.MasterBalance)
		}
		lot = master.Mul(decimal.NewFromFloat(in.FollowerBal)).Div(decimal.NewFromFloat(in.MasterBalance))
	case models.CopyEquityBased:
		if in.MasterEquity <= 0 {
			return 0, fmt.Errorf("master equity %.2f cannot scale a copy", in.MasterEquity)
		}
		lot = master.Mul(decimal.NewFromFloat(in.FollowerEq)).Div(decimal.NewFromFloat(in.MasterEquity))
	default:
		return 0, fmt.Errorf("unknown copy mode %q", in.Mode)
	}

	for _, limit := range []float64{in.SubMaxLot, in.GlobalMaxLot, in.Rules.Max} {
		if limit > 0 {
			lot = decimal.Min(lot, decimal.NewFromFloat(limit))
		}
	}

	floored := floorToStep(lot, in.Rules.Step)
	if floored.LessThanOrEqual(decimal.Zero) || floored.LessThan(decimal.NewFromFloat(in.Rules.Min)) {
		return 0, fmt.Errorf("%w: %s < %v", ErrLotBelowMinimum, floored.String(), in.Rules.Min)
	}
	f, _ := floored.Float64()
	return f, nil
}

// floorToStep rounds quantity down to a whole number of steps.
// e.g. quantity=1.23456, step=0.01 -> 1.23
func floorToStep(quantity decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return quantity
	}
	s := decimal.NewFromFloat(step)
	return quantity.Div(s).Floor().Mul(s)
}
