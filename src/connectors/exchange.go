package connectors

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/src/model"
)

// PlaceOrderRequest is the venue-agnostic order the dispatcher submits.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          model.Side
	// Buy or Sell on the venue; reduce-only close orders carry the
	// position side with ReduceOnly set.
	Quantity   decimal.Decimal
	OrderType  string // "market" or "limit"
	Price      decimal.Decimal
	ReduceOnly bool
}

// PlaceOrderResponse echoes the venue's acknowledgement.
type PlaceOrderResponse struct {
	VenueOrderID string
	Status       string
}

// OrderStatus is the venue's view of a previously placed order.
type OrderStatus struct {
	ClientOrderID string
	VenueOrderID  string
	Status        string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
}

// VenuePosition is the venue's authoritative view of an open position, used
// by reconciliation.
type VenuePosition struct {
	Symbol     string
	Side       model.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// AccountBalance is the venue's account snapshot.
type AccountBalance struct {
	Currency        string
	Balance         decimal.Decimal
	AvailableMargin decimal.Decimal
	LockedMargin    decimal.Decimal
}

// ExchangeClient is the capability the engine requires from a venue. Calls
// may fail transiently (network, 5xx) or permanently (business rejection);
// implementations signal the difference through the model error taxonomy.
type ExchangeClient interface {
	SetMarginMode(ctx context.Context, symbol string, mode model.MarginMode) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderStatus, error)
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)
}

// FillEvent is one (possibly redelivered) execution report. Consumers must
// be idempotent by ClientOrderID plus cumulative filled quantity.
type FillEvent struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	FilledQty     decimal.Decimal `json:"filled_quantity"`
	CumulativeQty decimal.Decimal `json:"cumulative_quantity"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	Commission    decimal.Decimal `json:"commission"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FillStream delivers fill events until the context is cancelled.
type FillStream interface {
	Fills(ctx context.Context) (<-chan FillEvent, error)
}
