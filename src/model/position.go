package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for longs and -1 for shorts, the PnL direction multiplier.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type MarginMode string

const (
	MarginModeIsolated MarginMode = "isolated"
	MarginModeCross    MarginMode = "cross"
)

const (
	PositionStatusPendingOpen     = "pending_open"
	PositionStatusPartiallyFilled = "partially_filled"
	PositionStatusOpen            = "open"
	PositionStatusPendingClose    = "pending_close"
	PositionStatusClosed          = "closed"
	PositionStatusCancelled       = "cancelled"
	PositionStatusRejected        = "rejected"
)

// Position is the central entity of the engine. Quantity always equals the
// sum of applied fill quantities and EntryPrice is the fill-weighted average.
type Position struct {
	ID                string           `gorm:"primaryKey;size:36" json:"id"`
	Symbol            string           `gorm:"index;size:50;not null" json:"symbol"`
	Side              Side             `gorm:"size:10;not null" json:"side"`
	Status            string           `gorm:"size:50;not null;default:pending_open" json:"status"`
	EntryPrice        decimal.Decimal  `gorm:"type:decimal(30,10)" json:"entry_price"`
	Quantity          decimal.Decimal  `gorm:"type:decimal(30,10)" json:"quantity"`
	RequestedQuantity decimal.Decimal  `gorm:"type:decimal(30,10)" json:"requested_quantity"`
	Leverage          int              `gorm:"not null;default:1" json:"leverage"`
	MarginMode        MarginMode       `gorm:"size:10;not null;default:isolated" json:"margin_mode"`
	StopLossPrice     decimal.Decimal  `gorm:"type:decimal(30,10)" json:"stop_loss_price"`
	TakeProfitPrice   decimal.Decimal  `gorm:"type:decimal(30,10)" json:"take_profit_price"`
	TrailingStopPrice *decimal.Decimal `gorm:"type:decimal(30,10)" json:"trailing_stop_price,omitempty"`
	UnrealizedPnl     decimal.Decimal  `gorm:"type:decimal(30,10)" json:"unrealized_pnl"`
	RealizedPnl       *decimal.Decimal `gorm:"type:decimal(30,10)" json:"realized_pnl,omitempty"`
	CommissionPaid    decimal.Decimal  `gorm:"type:decimal(30,10)" json:"commission_paid"`
	FundingFees       decimal.Decimal  `gorm:"type:decimal(30,10)" json:"funding_fees"`
	OpenedAt          time.Time        `json:"opened_at"`
	ClosedAt          *time.Time       `json:"closed_at,omitempty"`
	SignalID          string           `gorm:"size:64;column:originating_signal_id" json:"originating_signal_id,omitempty"`
	CloseReason       string           `gorm:"size:50" json:"close_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// IsTerminal reports whether the position has reached a final state and must
// be removed from the active registry.
func (p *Position) IsTerminal() bool {
	switch p.Status {
	case PositionStatusClosed, PositionStatusCancelled, PositionStatusRejected:
		return true
	}
	return false
}

// IsOpen reports whether the position holds (or is accumulating) exposure.
func (p *Position) IsOpen() bool {
	switch p.Status {
	case PositionStatusPartiallyFilled, PositionStatusOpen, PositionStatusPendingClose:
		return true
	}
	return false
}

// Notional is quantity times entry price, the unleveraged exposure.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// Margin is the capital actually posted for the position.
func (p *Position) Margin() decimal.Decimal {
	if p.Leverage < 1 {
		return p.Notional()
	}
	return p.Notional().Div(decimal.NewFromInt(int64(p.Leverage)))
}

// Close reasons recorded on PendingClose requests.
const (
	CloseReasonSignalReversal  = "signal_reversal"
	CloseReasonStopLoss        = "stop_loss"
	CloseReasonTakeProfit      = "take_profit"
	CloseReasonTrailingStop    = "trailing_stop"
	CloseReasonLiquidationRisk = "liquidation_risk"
	CloseReasonManual          = "manual"
	CloseReasonEmergencyStop   = "emergency_stop"
	CloseReasonReconciliation  = "reconciliation"
)
