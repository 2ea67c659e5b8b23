package monitor

import (
	"github.com/shopspring/decimal"

	"tradeengine/src/model"
)

func avgLow(candles []model.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(c.Low)
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles))))
}

func avgHigh(candles []model.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(c.High)
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles))))
}

// nextTrailingStop proposes a new trailing stop from recent candles.
//
// Long:
// - gate: previous candle bullish
// - floor: avg(low) over lookback
// - clamp: candidate <= prev.Low
// - only moves up
//
// Short:
// - gate: previous candle bearish
// - ceiling: avg(high) over lookback
// - clamp: candidate >= prev.High
// - only moves down
func nextTrailingStop(
	side model.Side,
	currentStop decimal.Decimal,
	candles []model.Candle,
	lookback int,
) (newStop decimal.Decimal, moved bool) {
	if len(candles) < 2 {
		return currentStop, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}

	prev := candles[len(candles)-2]
	window := candles[len(candles)-lookback:]

	switch side {
	case model.SideLong:
		if !prev.IsBullish() {
			return currentStop, false
		}
		candidate := avgLow(window)
		if candidate.GreaterThan(prev.Low) {
			candidate = prev.Low
		}
		if candidate.GreaterThan(currentStop) {
			return candidate, true
		}
		return currentStop, false

	case model.SideShort:
		if !prev.IsBearish() {
			return currentStop, false
		}
		candidate := avgHigh(window)
		// do not set the stop below the last bearish candle high
		if candidate.LessThan(prev.High) {
			candidate = prev.High
		}
		if candidate.LessThan(currentStop) {
			return candidate, true
		}
		return currentStop, false

	default:
		return currentStop, false
	}
}
