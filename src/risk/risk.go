package risk

import (
	"github.com/shopspring/decimal"

	"tradeengine/src/model"
)

// ----- config -----

type Config struct {
	RiskPct              decimal.Decimal // fraction of equity risked per trade, e.g. 0.02
	MaxPositionValue     decimal.Decimal // cap on a single position's leveraged value
	MaxTotalExposure     decimal.Decimal // cap on summed leveraged value across positions
	MarginSafetyFactor   decimal.Decimal // fraction of available margin usable, e.g. 0.9
	LiquidationBufferPct decimal.Decimal // proximity to liquidation that counts as risk, e.g. 5
}

// DefaultConfig reasonable defaults, tweak per deployment.
func DefaultConfig() Config {
	return Config{
		RiskPct:              decimal.NewFromFloat(0.02),
		MaxPositionValue:     decimal.NewFromInt(50000),
		MaxTotalExposure:     decimal.NewFromInt(150000),
		MarginSafetyFactor:   decimal.NewFromFloat(0.9),
		LiquidationBufferPct: decimal.NewFromInt(5),
	}
}

var hundred = decimal.NewFromInt(100)

// ----- position sizing -----

// Caps bounds a single sizing decision with the account state at call time.
type Caps struct {
	MaxPositionValue   decimal.Decimal
	ExposureRemaining  decimal.Decimal
	AvailableMargin    decimal.Decimal
	MarginSafetyFactor decimal.Decimal
}

// PositionSize computes the order quantity for a trade risking
// equity*riskPct between entry and stop. Leverage always multiplies the
// unleveraged value; sizing without it under-sizes by a factor of leverage.
// Returns zero when the inputs cannot produce a positive bounded quantity.
func PositionSize(
	equity decimal.Decimal,
	riskPct decimal.Decimal,
	entryPrice decimal.Decimal,
	stopPrice decimal.Decimal,
	leverage int,
	caps Caps,
) decimal.Decimal {
	if equity.LessThanOrEqual(decimal.Zero) ||
		riskPct.LessThanOrEqual(decimal.Zero) ||
		entryPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if leverage < 1 {
		leverage = 1
	}

	stopDistancePct := entryPrice.Sub(stopPrice).Abs().Div(entryPrice)
	if stopDistancePct.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	riskAmount := equity.Mul(riskPct)
	unleveragedValue := riskAmount.Div(stopDistancePct)
	leveragedValue := unleveragedValue.Mul(decimal.NewFromInt(int64(leverage)))

	value := leveragedValue
	if caps.MaxPositionValue.GreaterThan(decimal.Zero) && value.GreaterThan(caps.MaxPositionValue) {
		value = caps.MaxPositionValue
	}
	if caps.ExposureRemaining.GreaterThan(decimal.Zero) && value.GreaterThan(caps.ExposureRemaining) {
		value = caps.ExposureRemaining
	}

	safety := caps.MarginSafetyFactor
	if safety.LessThanOrEqual(decimal.Zero) {
		safety = decimal.NewFromInt(1)
	}
	marginCap := caps.AvailableMargin.Mul(safety)
	if caps.AvailableMargin.GreaterThan(decimal.Zero) && value.GreaterThan(marginCap) {
		value = marginCap
	}

	if value.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	return value.Div(entryPrice)
}

// ----- price math, single source of truth -----

// PriceKind selects which bracket price PriceFor produces.
type PriceKind int

const (
	StopLoss PriceKind = iota
	TakeProfit
)

// PriceFor is the one stop-loss/take-profit formula. pct is a PnL percentage
// on posted margin, so the price distance shrinks with leverage:
//
//	long stop loss:    entry * (1 - pct/(leverage*100))
//	long take profit:  entry * (1 + pct/(leverage*100))
//
// and mirrored for shorts. Every call site must route through here; leverage
// unaware variants put the stop off by a factor of leverage.
func PriceFor(entryPrice decimal.Decimal, side model.Side, kind PriceKind, pct decimal.Decimal, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}

	distance := pct.Div(decimal.NewFromInt(int64(leverage)).Mul(hundred))

	adverse := kind == StopLoss
	if side == model.SideShort {
		adverse = !adverse
	}

	if adverse {
		return entryPrice.Mul(decimal.NewFromInt(1).Sub(distance))
	}
	return entryPrice.Mul(decimal.NewFromInt(1).Add(distance))
}

// LiquidationPrice returns the isolated-margin bankruptcy price:
// entry*(1 - 1/leverage) for longs, entry*(1 + 1/leverage) for shorts.
func LiquidationPrice(entryPrice decimal.Decimal, side model.Side, leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}

	inverse := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	if side == model.SideLong {
		return entryPrice.Mul(decimal.NewFromInt(1).Sub(inverse))
	}
	return entryPrice.Mul(decimal.NewFromInt(1).Add(inverse))
}

// IsAtLiquidationRisk reports whether currentPrice is within bufferPct
// percent of the liquidation price, on the adverse side.
func IsAtLiquidationRisk(currentPrice, liquidationPrice decimal.Decimal, side model.Side, bufferPct decimal.Decimal) bool {
	if liquidationPrice.LessThanOrEqual(decimal.Zero) {
		return false
	}

	buffer := liquidationPrice.Mul(bufferPct.Div(hundred))
	if side == model.SideLong {
		return currentPrice.LessThanOrEqual(liquidationPrice.Add(buffer))
	}
	return currentPrice.GreaterThanOrEqual(liquidationPrice.Sub(buffer))
}

// UnrealizedPnl is (current - entry) * quantity signed by side.
func UnrealizedPnl(entryPrice, currentPrice, quantity decimal.Decimal, side model.Side) decimal.Decimal {
	return currentPrice.Sub(entryPrice).Mul(quantity).Mul(side.Sign())
}

// RealizedPnl is the terminal close formula:
// (exit - entry) * quantity * sign(side) - commission - funding.
func RealizedPnl(entryPrice, exitPrice, quantity decimal.Decimal, side model.Side, commission, fundingFees decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).Mul(quantity).Mul(side.Sign()).Sub(commission).Sub(fundingFees)
}
