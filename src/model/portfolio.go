package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is a snapshot of account-level state. It is mutated only as a
// side effect of position transitions, never directly by signal processing.
type Portfolio struct {
	Balance           decimal.Decimal `json:"balance"`
	AvailableMargin   decimal.Decimal `json:"available_margin"`
	LockedMargin      decimal.Decimal `json:"locked_margin"`
	DailyRealizedPnl  decimal.Decimal `json:"daily_realized_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	TradingEnabled    bool            `json:"trading_enabled"`
	CooldownUntil     *time.Time      `json:"cooldown_until,omitempty"`
}

// TradeRecord is the persisted history row written when a position reaches a
// terminal state.
type TradeRecord struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	PositionID  string          `gorm:"index;size:36" json:"position_id"`
	Symbol      string          `gorm:"index;size:50;not null" json:"symbol"`
	Side        Side            `gorm:"size:10;not null" json:"side"`
	Status      string          `gorm:"size:50;not null" json:"status"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(30,10)" json:"entry_price"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(30,10)" json:"exit_price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(30,10)" json:"quantity"`
	Leverage    int             `gorm:"not null;default:1" json:"leverage"`
	RealizedPnl decimal.Decimal `gorm:"type:decimal(30,10)" json:"realized_pnl"`
	Commission  decimal.Decimal `gorm:"type:decimal(30,10)" json:"commission"`
	FundingFees decimal.Decimal `gorm:"type:decimal(30,10)" json:"funding_fees"`
	CloseReason string          `gorm:"size:50" json:"close_reason"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (TradeRecord) TableName() string {
	return "trade_history"
}
