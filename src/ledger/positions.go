package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/events"
	"tradeengine/src/model"
	"tradeengine/src/risk"
)

// Storage is the durability capability the ledger needs. In-process state
// stays authoritative; storage exists for crash recovery and history.
type Storage interface {
	SavePosition(ctx context.Context, position *model.Position) error
	UpdatePosition(ctx context.Context, position *model.Position) error
	GetOpenPositions(ctx context.Context) ([]model.Position, error)
	SaveOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	GetPendingOrders(ctx context.Context) ([]model.Order, error)
	AppendTradeHistory(ctx context.Context, record *model.TradeRecord) error
	RecentTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)
	RealizedPnlSince(ctx context.Context, cutoff time.Time) (decimal.Decimal, error)
}

// PositionLedger is the in-memory registry of positions and their orders,
// and the single writer for position lifecycle transitions. Every mutation
// of a symbol's position happens under that symbol's lock, regardless of
// whether the request came from signal intake, the dispatcher, or the
// monitor. Field writes additionally hold the registry mutex, which is what
// lets readers hand out copies under the registry mutex alone. Lock order
// is always symbol lock first, registry mutex second.
type PositionLedger struct {
	mu         sync.Mutex
	positions  map[string]*model.Position // registry key -> position
	byID       map[string]*model.Position
	orders     map[string]*model.Order // client order id -> order
	locks      map[string]*sync.Mutex
	allowHedge bool

	portfolio *PortfolioLedger
	store     Storage
	bus       *events.Bus
	now       func() time.Time
}

func NewPositionLedger(portfolio *PortfolioLedger, store Storage, bus *events.Bus, allowHedge bool) *PositionLedger {
	return &PositionLedger{
		positions:  make(map[string]*model.Position),
		byID:       make(map[string]*model.Position),
		orders:     make(map[string]*model.Order),
		locks:      make(map[string]*sync.Mutex),
		allowHedge: allowHedge,
		portfolio:  portfolio,
		store:      store,
		bus:        bus,
		now:        time.Now,
	}
}

/// registryKey is the uniqueness domain for open positions: one per symbol,
// or one per symbol and side when hedge mode is on.
func (l *PositionLedger) registryKey(symbol string, side model.Side) string {
	if l.allowHedge {
		return symbol + "|" + string(side)
	}
	return symbol
}

// symbolLock returns the mutex serializing transitions for a symbol. All
// three transition origins must pass through here before read-then-write.
func (l *PositionLedger) symbolLock(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[symbol] = lock
	}
	return lock
}

// WithSymbolLock runs fn while holding the symbol's transition lock. fn must
// not perform venue I/O.
func (l *PositionLedger) WithSymbolLock(symbol string, fn func()) {
	lock := l.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// ProposeOpen registers a new position in PendingOpen together with its
// entry order. It fails if the symbol already has an active position in the
// same uniqueness domain.
func (l *PositionLedger) ProposeOpen(ctx context.Context, position *model.Position, order *model.Order) error {
	lock := l.symbolLock(position.Symbol)
	lock.Lock()

	key := l.registryKey(position.Symbol, position.Side)

	l.mu.Lock()
	if existing, ok := l.positions[key]; ok && !existing.IsTerminal() {
		l.mu.Unlock()
		lock.Unlock()
		return &model.ValidationError{
			Field:  "symbol",
			Reason: fmt.Sprintf("position %s already active on %s", existing.ID, position.Symbol),
		}
	}

	position.Status = model.PositionStatusPendingOpen
	position.CreatedAt = l.now().UTC()
	position.UpdatedAt = position.CreatedAt

	order.Status = model.OrderStatusPending
	order.SubmittedAt = l.now().UTC()

	l.positions[key] = position
	l.byID[position.ID] = position
	l.orders[order.ClientOrderID] = order

	positionSnap := *position
	orderSnap := *order
	l.mu.Unlock()
	lock.Unlock()

	if l.store != nil {
		if err := l.store.SavePosition(ctx, &positionSnap); err != nil {
			logger.WithError(err).WithField("position_id", position.ID).
				Error("failed to persist proposed position")
		}
		if err := l.store.SaveOrder(ctx, &orderSnap); err != nil {
			logger.WithError(err).WithField("client_order_id", orderSnap.ClientOrderID).
				Error("failed to persist entry order")
		}
	}

	return nil
}

// RegisterCloseOrder attaches a close order to an existing position and
// moves it to PendingClose with the given reason.
func (l *PositionLedger) RegisterCloseOrder(ctx context.Context, positionID string, order *model.Order, reason string) error {
	position, err := l.getByID(positionID)
	if err != nil {
		return err
	}

	var (
		snapshot  model.Position
		orderSnap model.Order
	)
	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		if position.IsTerminal() {
			err = &model.ValidationError{Field: "position_id", Reason: "position already terminal"}
			return
		}

		position.Status = model.PositionStatusPendingClose
		position.CloseReason = reason
		position.UpdatedAt = l.now().UTC()

		order.Status = model.OrderStatusPending
		order.SubmittedAt = l.now().UTC()
		l.orders[order.ClientOrderID] = order

		snapshot = *position
		orderSnap = *order
	})
	if err != nil {
		return err
	}

	l.persistUpdate(ctx, &snapshot)
	l.persistNewOrder(ctx, &orderSnap)
	l.publish(model.EventPositionUpdated, &snapshot)
	return nil
}

// ApplyFill applies one (possibly redelivered) fill event. Idempotence is by
// client order id plus cumulative filled quantity: a duplicate or stale
// event is a no-op.
func (l *PositionLedger) ApplyFill(ctx context.Context, fill connectors.FillEvent) error {
	l.mu.Lock()
	order, ok := l.orders[fill.ClientOrderID]
	l.mu.Unlock()
	if !ok {
		return &model.ValidationError{Field: "client_order_id", Reason: fmt.Sprintf("unknown order %s", fill.ClientOrderID)}
	}

	position, err := l.getByID(order.PositionID)
	if err != nil {
		return err
	}

	var (
		mutated   bool
		closed    bool
		snapshot  model.Position
		orderSnap model.Order
		record    *model.TradeRecord
		released  decimal.Decimal
		realized  decimal.Decimal
	)

	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		cumulative := fill.CumulativeQty
		if cumulative.IsZero() {
			cumulative = order.FilledQty.Add(fill.FilledQty)
		}

		if cumulative.LessThanOrEqual(order.FilledQty) {
			logger.WithFields(map[string]interface{}{
				"client_order_id": fill.ClientOrderID,
				"cumulative":      cumulative.String(),
				"applied":         order.FilledQty.String(),
			}).Debug("duplicate fill delivery ignored")
			return
		}

		delta := cumulative.Sub(order.FilledQty)

		// order-level accounting: weighted average across its own fills
		newFilled := order.FilledQty.Add(delta)
		order.AvgFillPrice = order.AvgFillPrice.Mul(order.FilledQty).
			Add(fill.FillPrice.Mul(delta)).Div(newFilled)
		order.FilledQty = newFilled
		ts := fill.Timestamp
		order.LastFillAt = &ts

		fullyFilled := order.FilledQty.GreaterThanOrEqual(order.RequestedQty)
		if fullyFilled {
			order.Status = model.OrderStatusFilled
		} else {
			order.Status = model.OrderStatusPartiallyFilled
		}

		position.CommissionPaid = position.CommissionPaid.Add(fill.Commission)

		switch order.Kind {
		case model.OrderKindOpen:
			total := position.Quantity.Add(delta)
			position.EntryPrice = position.EntryPrice.Mul(position.Quantity).
				Add(fill.FillPrice.Mul(delta)).Div(total)
			position.Quantity = total

			if fullyFilled {
				position.Status = model.PositionStatusOpen
				if position.OpenedAt.IsZero() {
					position.OpenedAt = fill.Timestamp
				}
			} else {
				position.Status = model.PositionStatusPartiallyFilled
			}

			if position.Leverage >= 1 {
				l.portfolio.LockMargin(delta.Mul(fill.FillPrice).Div(decimal.NewFromInt(int64(position.Leverage))))
			}

		case model.OrderKindClose, model.OrderKindStopLoss, model.OrderKindTakeProfit:
			if fullyFilled {
				exit := order.AvgFillPrice
				realized = risk.RealizedPnl(
					position.EntryPrice, exit, position.Quantity,
					position.Side, position.CommissionPaid, position.FundingFees,
				)
				position.RealizedPnl = &realized
				position.Status = model.PositionStatusClosed
				closedAt := l.now().UTC()
				position.ClosedAt = &closedAt
				released = position.Margin()
				closed = true

				record = &model.TradeRecord{
					PositionID:  position.ID,
					Symbol:      position.Symbol,
					Side:        position.Side,
					Status:      position.Status,
					EntryPrice:  position.EntryPrice,
					ExitPrice:   exit,
					Quantity:    position.Quantity,
					Leverage:    position.Leverage,
					RealizedPnl: realized,
					Commission:  position.CommissionPaid,
					FundingFees: position.FundingFees,
					CloseReason: position.CloseReason,
					OpenedAt:    position.OpenedAt,
					ClosedAt:    closedAt,
				}
			}
		}

		position.UpdatedAt = l.now().UTC()
		snapshot = *position
		orderSnap = *order
		mutated = true
	})

	if !mutated {
		return nil
	}

	if closed {
		l.remove(position)
		l.portfolio.ReleaseMargin(released)
		l.portfolio.ApplyRealized(realized)
	}

	l.persistUpdate(ctx, &snapshot)
	l.persistOrderUpdate(ctx, &orderSnap)
	if record != nil && l.store != nil {
		if err := l.store.AppendTradeHistory(ctx, record); err != nil {
			logger.WithError(err).WithField("position_id", record.PositionID).
				Error("failed to append trade history")
		}
	}

	if closed {
		l.publish(model.EventPositionClosed, &snapshot)
	} else if snapshot.Status == model.PositionStatusOpen && orderSnap.Kind == model.OrderKindOpen {
		l.publish(model.EventPositionOpened, &snapshot)
	} else {
		l.publish(model.EventPositionUpdated, &snapshot)
	}

	return nil
}

// ApplyReject terminally rejects a PendingOpen position whose entry order
// the venue refused.
func (l *PositionLedger) ApplyReject(ctx context.Context, positionID, reason string) error {
	return l.terminate(ctx, positionID, model.PositionStatusRejected, reason)
}

// ApplyCancel terminally cancels a position whose entry order was cancelled
// before filling.
func (l *PositionLedger) ApplyCancel(ctx context.Context, positionID, reason string) error {
	return l.terminate(ctx, positionID, model.PositionStatusCancelled, reason)
}

func (l *PositionLedger) terminate(ctx context.Context, positionID, status, reason string) error {
	position, err := l.getByID(positionID)
	if err != nil {
		return err
	}

	var (
		snapshot model.Position
		released decimal.Decimal
	)
	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		// partial fills before the cancel still hold margin
		released = position.Margin()

		position.Status = status
		position.CloseReason = reason
		closedAt := l.now().UTC()
		position.ClosedAt = &closedAt
		position.UpdatedAt = closedAt
		snapshot = *position
	})

	l.remove(position)
	if released.GreaterThan(decimal.Zero) {
		l.portfolio.ReleaseMargin(released)
	}

	l.persistUpdate(ctx, &snapshot)
	l.publish(model.EventPositionClosed, &snapshot)
	return nil
}

// SetStops updates the bracket prices on an open position. Prices must come
// from the risk package; the ledger never computes its own.
func (l *PositionLedger) SetStops(ctx context.Context, positionID string, stopLoss, takeProfit decimal.Decimal) error {
	position, err := l.getByID(positionID)
	if err != nil {
		return err
	}

	var snapshot model.Position
	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		position.StopLossPrice = stopLoss
		position.TakeProfitPrice = takeProfit
		position.UpdatedAt = l.now().UTC()
		snapshot = *position
	})

	l.persistUpdate(ctx, &snapshot)
	l.publish(model.EventPositionUpdated, &snapshot)
	return nil
}

// RatchetTrailingStop moves the trailing stop only in the position's
// favorable direction. A candidate behind the current trailing price is
// ignored.
func (l *PositionLedger) RatchetTrailingStop(ctx context.Context, positionID string, candidate decimal.Decimal) (bool, error) {
	position, err := l.getByID(positionID)
	if err != nil {
		return false, err
	}

	moved := false
	var snapshot model.Position
	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		current := position.TrailingStopPrice

		if position.Side == model.SideLong {
			if current == nil || candidate.GreaterThan(*current) {
				moved = true
			}
		} else {
			if current == nil || candidate.LessThan(*current) {
				moved = true
			}
		}

		if moved {
			c := candidate
			position.TrailingStopPrice = &c
			position.UpdatedAt = l.now().UTC()
		}
		snapshot = *position
	})

	if moved {
		l.persistUpdate(ctx, &snapshot)
		l.publish(model.EventPositionUpdated, &snapshot)
	}
	return moved, nil
}

// CorrectQuantity overwrites local quantity/entry with the venue's
// authoritative values during reconciliation.
func (l *PositionLedger) CorrectQuantity(ctx context.Context, positionID string, quantity, entryPrice decimal.Decimal) error {
	position, err := l.getByID(positionID)
	if err != nil {
		return err
	}

	var snapshot model.Position
	l.WithSymbolLock(position.Symbol, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		position.Quantity = quantity
		if entryPrice.GreaterThan(decimal.Zero) {
			position.EntryPrice = entryPrice
		}
		position.UpdatedAt = l.now().UTC()
		snapshot = *position
	})

	l.persistUpdate(ctx, &snapshot)
	l.publish(model.EventPositionUpdated, &snapshot)
	return nil
}

// Active returns a copy of the non-terminal position on the symbol's
// uniqueness domain, if any.
func (l *PositionLedger) Active(symbol string, side model.Side) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, ok := l.positions[l.registryKey(symbol, side)]
	if !ok || position.IsTerminal() {
		return model.Position{}, false
	}
	return *position, true
}

// ActiveOnSymbol returns every non-terminal position on the symbol. With
// hedging off this is at most one.
func (l *PositionLedger) ActiveOnSymbol(symbol string) []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, 2)
	for _, position := range l.positions {
		if position.Symbol == symbol && !position.IsTerminal() {
			out = append(out, *position)
		}
	}
	return out
}

// Get returns a copy of the position with the given id.
func (l *PositionLedger) Get(positionID string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, ok := l.byID[positionID]
	if !ok {
		return model.Position{}, false
	}
	return *position, true
}

// Snapshot returns copies of every tracked position.
func (l *PositionLedger) Snapshot() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.positions))
	for _, position := range l.positions {
		out = append(out, *position)
	}
	return out
}

// Order returns a copy of the tracked order with the given client order id.
func (l *PositionLedger) Order(clientOrderID string) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[clientOrderID]
	if !ok {
		return model.Order{}, false
	}
	return *order, true
}

// PendingOrders returns copies of all non-terminal orders.
func (l *PositionLedger) PendingOrders() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Order, 0)
	for _, order := range l.orders {
		if !order.IsTerminal() {
			out = append(out, *order)
		}
	}
	return out
}

// MarkOrderTerminal records a terminal order status reported out of band
// (cancel confirmation, venue rejection).
func (l *PositionLedger) MarkOrderTerminal(ctx context.Context, clientOrderID, status, reason string) {
	l.mu.Lock()
	order, ok := l.orders[clientOrderID]
	if !ok {
		l.mu.Unlock()
		return
	}
	order.Status = status
	order.RejectReason = reason
	snapshot := *order
	l.mu.Unlock()

	l.persistOrderUpdate(ctx, &snapshot)
}

// TotalNotional sums unleveraged exposure across active positions, the
// input for the exposure cap.
func (l *PositionLedger) TotalNotional() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, position := range l.positions {
		if position.IsOpen() {
			total = total.Add(position.Notional())
		}
	}
	return total
}

// Restore loads previously open positions and their in-flight orders back
// into the registry after a restart. Fills delivered for a restored order
// apply exactly as they would have before the crash.
func (l *PositionLedger) Restore(positions []model.Position, orders []model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range positions {
		position := positions[i]
		key := l.registryKey(position.Symbol, position.Side)
		l.positions[key] = &position
		l.byID[position.ID] = &position
		logger.WithFields(map[string]interface{}{
			"position_id": position.ID,
			"symbol":      position.Symbol,
			"status":      position.Status,
		}).Info("restored position from storage")
	}

	for i := range orders {
		order := orders[i]
		if _, ok := l.byID[order.PositionID]; !ok {
			logger.WithFields(map[string]interface{}{
				"client_order_id": order.ClientOrderID,
				"position_id":     order.PositionID,
			}).Warn("pending order has no restored position, skipping")
			continue
		}
		l.orders[order.ClientOrderID] = &order
		logger.WithFields(map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"status":          order.Status,
		}).Info("restored pending order from storage")
	}
}

func (l *PositionLedger) getByID(positionID string) (*model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position, ok := l.byID[positionID]
	if !ok {
		return nil, &model.ValidationError{Field: "position_id", Reason: fmt.Sprintf("unknown position %s", positionID)}
	}
	return position, nil
}

func (l *PositionLedger) remove(position *model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.registryKey(position.Symbol, position.Side)
	if current, ok := l.positions[key]; ok && current.ID == position.ID {
		delete(l.positions, key)
	}
	delete(l.byID, position.ID)
}

func (l *PositionLedger) persistUpdate(ctx context.Context, position *model.Position) {
	if l.store == nil {
		return
	}
	if err := l.store.UpdatePosition(ctx, position); err != nil {
		logger.WithError(err).WithField("position_id", position.ID).
			Error("failed to persist position update")
	}
}

func (l *PositionLedger) persistNewOrder(ctx context.Context, order *model.Order) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveOrder(ctx, order); err != nil {
		logger.WithError(err).WithField("client_order_id", order.ClientOrderID).
			Error("failed to persist order")
	}
}

func (l *PositionLedger) persistOrderUpdate(ctx context.Context, order *model.Order) {
	if l.store == nil {
		return
	}
	if err := l.store.UpdateOrder(ctx, order); err != nil {
		logger.WithError(err).WithField("client_order_id", order.ClientOrderID).
			Error("failed to persist order update")
	}
}

func (l *PositionLedger) publish(eventType model.EventType, position *model.Position) {
	if l.bus != nil {
		l.bus.Publish(eventType, position.Symbol, *position)
	}
}
