package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

// PaperConfig models the imperfections of a real venue.
type PaperConfig struct {
	InitialBalance  decimal.Decimal
	SlippageBps     decimal.Decimal // adverse slippage applied to every fill
	CommissionRate  decimal.Decimal // taker commission as a fraction of notional
	PartialFillProb float64         // probability an order fills in two parts
	FillDelay       time.Duration   // latency between placement and fill
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialBalance:  decimal.NewFromInt(10000),
		SlippageBps:     decimal.NewFromInt(2),
		CommissionRate:  decimal.NewFromFloat(0.0006),
		PartialFillProb: 0.25,
		FillDelay:       50 * time.Millisecond,
	}
}

type paperPosition struct {
	symbol   string
	side     model.Side
	quantity decimal.Decimal
	entry    decimal.Decimal
}

// PaperVenue simulates the live venue in process: orders fill against the
// last observed price with modeled slippage, commission, and an occasional
// partial fill. It implements both ExchangeClient and FillStream so the
// engine wiring is identical across modes.
type PaperVenue struct {
	cfg PaperConfig

	mu         sync.Mutex
	balance    decimal.Decimal
	locked     decimal.Decimal
	prices     map[string]decimal.Decimal
	leverage   map[string]int
	marginMode map[string]model.MarginMode
	positions  map[string]*paperPosition // keyed symbol|side
	seenOrders map[string]bool
	fills      chan FillEvent
	rng        *rand.Rand
}

func NewPaperVenue(cfg PaperConfig) *PaperVenue {
	return &PaperVenue{
		cfg:        cfg,
		balance:    cfg.InitialBalance,
		prices:     make(map[string]decimal.Decimal),
		leverage:   make(map[string]int),
		marginMode: make(map[string]model.MarginMode),
		positions:  make(map[string]*paperPosition),
		seenOrders: make(map[string]bool),
		fills:      make(chan FillEvent, 256),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UpdatePrice feeds the simulated order book. Market orders fill at the last
// price seen here.
func (v *PaperVenue) UpdatePrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	v.prices[symbol] = price
	v.mu.Unlock()
}

func (v *PaperVenue) SetMarginMode(_ context.Context, symbol string, mode model.MarginMode) error {
	v.mu.Lock()
	v.marginMode[symbol] = mode
	v.mu.Unlock()
	return nil
}

func (v *PaperVenue) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return &model.ExchangeRejected{Op: "SetLeverage", Code: 400, Reason: "leverage below 1"}
	}
	v.mu.Lock()
	v.leverage[symbol] = leverage
	v.mu.Unlock()
	return nil
}

func posKey(symbol string, side model.Side) string {
	return symbol + "|" + string(side)
}

// PlaceOrder synthesizes one or two fills for the order. Duplicate client
// order IDs are acknowledged without filling again.
func (v *PaperVenue) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seenOrders[req.ClientOrderID] {
		return &PlaceOrderResponse{VenueOrderID: "paper-" + req.ClientOrderID, Status: "Duplicate"}, nil
	}

	price, ok := v.prices[req.Symbol]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return nil, &model.ExchangeRejected{Op: "PlaceOrder", Code: 404, Reason: fmt.Sprintf("no price for %s", req.Symbol)}
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &model.ExchangeRejected{Op: "PlaceOrder", Code: 400, Reason: "non-positive quantity"}
	}

	fillPrice := v.slip(price, req.Side, req.ReduceOnly)

	if !req.ReduceOnly {
		lev := v.leverage[req.Symbol]
		if lev < 1 {
			lev = 1
		}
		required := req.Quantity.Mul(fillPrice).Div(decimal.NewFromInt(int64(lev)))
		if v.balance.Sub(v.locked).LessThan(required) {
			return nil, &model.ExchangeRejected{Op: "PlaceOrder", Code: 110007, Reason: "insufficient available balance"}
		}
		v.locked = v.locked.Add(required)
	}

	v.seenOrders[req.ClientOrderID] = true

	parts := []decimal.Decimal{req.Quantity}
	if v.rng.Float64() < v.cfg.PartialFillProb {
		half := req.Quantity.Div(decimal.NewFromInt(2))
		parts = []decimal.Decimal{half, req.Quantity.Sub(half)}
	}

	go v.emitFills(req, parts, fillPrice)

	return &PlaceOrderResponse{VenueOrderID: "paper-" + req.ClientOrderID, Status: "New"}, nil
}

func (v *PaperVenue) slip(price decimal.Decimal, side model.Side, reduceOnly bool) decimal.Decimal {
	slip := price.Mul(v.cfg.SlippageBps).Div(decimal.NewFromInt(10000))

	// slippage is always adverse: buys fill higher, sells fill lower
	buying := side == model.SideLong
	if reduceOnly {
		buying = !buying
	}
	if buying {
		return price.Add(slip)
	}
	return price.Sub(slip)
}

func (v *PaperVenue) emitFills(req PlaceOrderRequest, parts []decimal.Decimal, fillPrice decimal.Decimal) {
	cumulative := decimal.Zero

	for _, qty := range parts {
		time.Sleep(v.cfg.FillDelay)

		cumulative = cumulative.Add(qty)
		commission := qty.Mul(fillPrice).Mul(v.cfg.CommissionRate)

		v.applyFill(req, qty, fillPrice, commission)

		v.fills <- FillEvent{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			FilledQty:     qty,
			CumulativeQty: cumulative,
			FillPrice:     fillPrice,
			Commission:    commission,
			Timestamp:     time.Now().UTC(),
		}
	}
}

func (v *PaperVenue) applyFill(req PlaceOrderRequest, qty, price, commission decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.balance = v.balance.Sub(commission)

	key := posKey(req.Symbol, req.Side)
	pos := v.positions[key]

	if req.ReduceOnly {
		if pos == nil {
			return
		}

		lev := v.leverage[req.Symbol]
		if lev < 1 {
			lev = 1
		}

		closed := qty
		if closed.GreaterThan(pos.quantity) {
			closed = pos.quantity
		}

		pnl := price.Sub(pos.entry).Mul(closed).Mul(req.Side.Sign())
		v.balance = v.balance.Add(pnl)

		release := closed.Mul(pos.entry).Div(decimal.NewFromInt(int64(lev)))
		v.locked = v.locked.Sub(release)
		if v.locked.LessThan(decimal.Zero) {
			v.locked = decimal.Zero
		}

		pos.quantity = pos.quantity.Sub(closed)
		if pos.quantity.LessThanOrEqual(decimal.Zero) {
			delete(v.positions, key)
		}
		return
	}

	if pos == nil {
		v.positions[key] = &paperPosition{symbol: req.Symbol, side: req.Side, quantity: qty, entry: price}
		return
	}

	total := pos.quantity.Add(qty)
	pos.entry = pos.entry.Mul(pos.quantity).Add(price.Mul(qty)).Div(total)
	pos.quantity = total
}

func (v *PaperVenue) CancelOrder(_ context.Context, _, clientOrderID string) error {
	// paper fills are immediate; by the time a cancel arrives there is
	// nothing resting to cancel
	logger.WithField("client_order_id", clientOrderID).Debug("paper cancel is a no-op")
	return nil
}

func (v *PaperVenue) GetOrderStatus(_ context.Context, _, clientOrderID string) (*OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.seenOrders[clientOrderID] {
		return nil, &model.ExchangeRejected{Op: "GetOrderStatus", Code: 404, Reason: "unknown order"}
	}
	return &OrderStatus{ClientOrderID: clientOrderID, Status: "Filled"}, nil
}

func (v *PaperVenue) GetAccountBalance(_ context.Context) (*AccountBalance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return &AccountBalance{
		Currency:        "USDT",
		Balance:         v.balance,
		AvailableMargin: v.balance.Sub(v.locked),
		LockedMargin:    v.locked,
	}, nil
}

func (v *PaperVenue) GetPositions(_ context.Context) ([]VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]VenuePosition, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, VenuePosition{
			Symbol:     p.symbol,
			Side:       p.side,
			Quantity:   p.quantity,
			EntryPrice: p.entry,
			MarkPrice:  v.prices[p.symbol],
		})
	}
	return out, nil
}

// Fills exposes the synthesized execution stream.
func (v *PaperVenue) Fills(ctx context.Context) (<-chan FillEvent, error) {
	out := make(chan FillEvent, 256)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-v.fills:
				select {
				case out <- fill:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
