package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderKindOpen       = "open"
	OrderKindClose      = "close"
	OrderKindStopLoss   = "stop_loss"
	OrderKindTakeProfit = "take_profit"
)

const (
	OrderStatusPending         = "pending"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// Order represents an order the engine sends to the venue. ClientOrderID is
// generated once and never reused, which makes duplicate fill delivery safe
// to ignore.
type Order struct {
	ClientOrderID  string          `gorm:"primaryKey;size:36" json:"client_order_id"`
	VenueOrderID   string          `gorm:"index;size:64" json:"venue_order_id,omitempty"`
	PositionID     string          `gorm:"index;size:36" json:"position_id"`
	Symbol         string          `gorm:"size:50;not null" json:"symbol"`
	Side           Side            `gorm:"size:10;not null" json:"side"`
	Kind           string          `gorm:"size:20;not null" json:"kind"`
	RequestedQty   decimal.Decimal `gorm:"type:decimal(30,10)" json:"requested_quantity"`
	FilledQty      decimal.Decimal `gorm:"type:decimal(30,10)" json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `gorm:"type:decimal(30,10)" json:"avg_fill_price"`
	Status         string          `gorm:"size:50;not null;default:pending" json:"status"`
	RejectReason   string          `gorm:"size:255" json:"reject_reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	LastFillAt     *time.Time      `json:"last_fill_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	Logs []OrderLog `gorm:"foreignKey:ClientOrderID;references:ClientOrderID" json:"order_logs,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderLog is an audit record appended on every order status change.
type OrderLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ClientOrderID string    `gorm:"index;size:36" json:"client_order_id"`
	Status        string    `gorm:"size:50;not null" json:"status"`
	Reason        string    `gorm:"size:255" json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

func (OrderLog) TableName() string {
	return "order_logs"
}
