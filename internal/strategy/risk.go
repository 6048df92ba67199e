package strategy

import (
	"delta-trend-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// InitialSLTP returns the stop-loss and take-profit prices for an entry.
func InitialSLTP(entryPrice float64, side models.Side, stopPct, targetPct float64) (sl, tp float64, err error) {
	entry := decimal.NewFromFloat(entryPrice)
	stop := decimal.NewFromFloat(stopPct)
	target := decimal.NewFromFloat(targetPct)

	switch side {
	case models.SideLong:
		sl = entry.Mul(one.Sub(stop)).InexactFloat64()
		tp = entry.Mul(one.Add(target)).InexactFloat64()
	case models.SideShort:
		sl = entry.Mul(one.Add(stop)).InexactFloat64()
		tp = entry.Mul(one.Sub(target)).InexactFloat64()
	default:
		return 0, 0, &models.InvalidSideError{Side: side}
	}
	return sl, tp, nil
}

// TrailingStopUpdate returns a tighter trailing stop when price has moved past
// the best price seen since entry, or false when the stop should stay.
func TrailingStopUpdate(currentPrice float64, state models.PositionState, trailPct float64) (float64, bool) {
	if !state.InPosition {
		return 0, false
	}
	price := decimal.NewFromFloat(currentPrice)
	trail := decimal.NewFromFloat(trailPct)

	switch state.Side {
	case models.SideLong:
		if currentPrice <= state.HighestSince {
			return 0, false
		}
		candidate := price.Mul(one.Sub(trail)).InexactFloat64()
		if state.TrailingSL != nil && candidate <= *state.TrailingSL {
			return 0, false
		}
		return candidate, true
	case models.SideShort:
		if currentPrice >= state.LowestSince {
			return 0, false
		}
		candidate := price.Mul(one.Add(trail)).InexactFloat64()
		if state.TrailingSL != nil && candidate >= *state.TrailingSL {
			return 0, false
		}
		return candidate, true
	}
	return 0, false
}
