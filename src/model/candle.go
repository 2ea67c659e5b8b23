package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar from the market data feed.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

func (c Candle) IsBullish() bool { return c.Close.GreaterThan(c.Open) }
func (c Candle) IsBearish() bool { return c.Close.LessThan(c.Open) }
