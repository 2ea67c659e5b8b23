package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/src/connectors"
	"tradeengine/src/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubPrices struct {
	prices  map[string]decimal.Decimal
	candles map[string][]model.Candle
}

func (s *stubPrices) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *stubPrices) Candles(symbol string, n int) []model.Candle {
	return s.candles[symbol]
}

type stubBook struct {
	positions   []model.Position
	ratchets    map[string]decimal.Decimal
	corrections map[string]decimal.Decimal
}

func newStubBook(positions ...model.Position) *stubBook {
	return &stubBook{
		positions:   positions,
		ratchets:    make(map[string]decimal.Decimal),
		corrections: make(map[string]decimal.Decimal),
	}
}

func (s *stubBook) Snapshot() []model.Position { return s.positions }

func (s *stubBook) Get(positionID string) (model.Position, bool) {
	for _, p := range s.positions {
		if p.ID == positionID {
			return p, true
		}
	}
	return model.Position{}, false
}

func (s *stubBook) RatchetTrailingStop(ctx context.Context, positionID string, candidate decimal.Decimal) (bool, error) {
	s.ratchets[positionID] = candidate
	return true, nil
}

func (s *stubBook) CorrectQuantity(ctx context.Context, positionID string, quantity, entryPrice decimal.Decimal) error {
	s.corrections[positionID] = quantity
	return nil
}

type stubCloser struct {
	closed map[string]string // position id -> reason
}

func newStubCloser() *stubCloser { return &stubCloser{closed: make(map[string]string)} }

func (s *stubCloser) RequestClose(ctx context.Context, positionID, reason string) error {
	s.closed[positionID] = reason
	return nil
}

type stubVenue struct {
	positions []connectors.VenuePosition
	balance   *connectors.AccountBalance
}

func (s *stubVenue) SetMarginMode(ctx context.Context, symbol string, mode model.MarginMode) error {
	return nil
}
func (s *stubVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (s *stubVenue) PlaceOrder(ctx context.Context, req connectors.PlaceOrderRequest) (*connectors.PlaceOrderResponse, error) {
	return nil, nil
}
func (s *stubVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error { return nil }
func (s *stubVenue) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*connectors.OrderStatus, error) {
	return nil, nil
}
func (s *stubVenue) GetAccountBalance(ctx context.Context) (*connectors.AccountBalance, error) {
	return s.balance, nil
}
func (s *stubVenue) GetPositions(ctx context.Context) ([]connectors.VenuePosition, error) {
	return s.positions, nil
}

type stubAccount struct {
	balance decimal.Decimal
	locked  decimal.Decimal
	synced  int
}

func (s *stubAccount) SyncBalance(balance, locked decimal.Decimal) {
	s.balance = balance
	s.locked = locked
	s.synced++
}

type stubBus struct {
	events []model.EngineEvent
}

func (s *stubBus) Publish(eventType model.EventType, symbol string, payload interface{}) {
	s.events = append(s.events, model.EngineEvent{Type: eventType, Symbol: symbol, Payload: payload})
}

func openLong(id string) model.Position {
	return model.Position{
		ID:              id,
		Symbol:          "BTCUSDT",
		Side:            model.SideLong,
		Status:          model.PositionStatusOpen,
		EntryPrice:      d("60000"),
		Quantity:        d("0.5"),
		Leverage:        10,
		StopLossPrice:   d("59700"),
		TakeProfitPrice: d("60900"),
	}
}

func newTestMonitor(prices *stubPrices, book *stubBook, closer *stubCloser, venue *stubVenue, bus *stubBus) *Monitor {
	return NewMonitor(DefaultConfig(), prices, book, closer, venue, &stubAccount{}, bus)
}

func TestStopLossTriggersClose(t *testing.T) {
	book := newStubBook(openLong("p1"))
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"BTCUSDT": d("59650")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	if closer.closed["p1"] != model.CloseReasonStopLoss {
		t.Fatalf("expected stop loss close, got %q", closer.closed["p1"])
	}
}

func TestLiquidationRiskOutranksStops(t *testing.T) {
	p := openLong("p1")
	// 10x long from 60000 liquidates near 54000; price inside the buffer
	p.StopLossPrice = d("54300")
	book := newStubBook(p)
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"BTCUSDT": d("54200")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	if closer.closed["p1"] != model.CloseReasonLiquidationRisk {
		t.Fatalf("expected liquidation close to take priority, got %q", closer.closed["p1"])
	}
}

func TestTrailingStopReasonWhenRatcheted(t *testing.T) {
	p := openLong("p1")
	trail := d("60200")
	p.TrailingStopPrice = &trail
	book := newStubBook(p)
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"BTCUSDT": d("60150")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	if closer.closed["p1"] != model.CloseReasonTrailingStop {
		t.Fatalf("expected trailing stop close, got %q", closer.closed["p1"])
	}
}

func TestTakeProfitShort(t *testing.T) {
	p := model.Position{
		ID:              "p1",
		Symbol:          "ETHUSDT",
		Side:            model.SideShort,
		Status:          model.PositionStatusOpen,
		EntryPrice:      d("3000"),
		Quantity:        d("2"),
		Leverage:        5,
		StopLossPrice:   d("3030"),
		TakeProfitPrice: d("2940"),
	}
	book := newStubBook(p)
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"ETHUSDT": d("2935")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	if closer.closed["p1"] != model.CloseReasonTakeProfit {
		t.Fatalf("expected take profit close, got %q", closer.closed["p1"])
	}
}

func TestPendingCloseNotStacked(t *testing.T) {
	p := openLong("p1")
	p.Status = model.PositionStatusPendingClose
	book := newStubBook(p)
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"BTCUSDT": d("59000")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	if len(closer.closed) != 0 {
		t.Fatalf("pending close position must not get another close request: %v", closer.closed)
	}
}

func TestRatchetAdvancesOnBullishCandle(t *testing.T) {
	p := openLong("p1")
	book := newStubBook(p)
	closer := newStubCloser()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	candles := []model.Candle{
		{Timestamp: base, Open: d("60000"), High: d("60300"), Low: d("59950"), Close: d("60200")},
		{Timestamp: base.Add(time.Minute), Open: d("60200"), High: d("60500"), Low: d("60100"), Close: d("60400")},
		{Timestamp: base.Add(2 * time.Minute), Open: d("60400"), High: d("60600"), Low: d("60300"), Close: d("60500")},
	}
	prices := &stubPrices{
		prices:  map[string]decimal.Decimal{"BTCUSDT": d("60500")},
		candles: map[string][]model.Candle{"BTCUSDT": candles},
	}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	m.Sweep(context.Background())

	candidate, ok := book.ratchets["p1"]
	if !ok {
		t.Fatal("expected trailing stop ratchet")
	}
	// avg low = (59950+60100+60300)/3 = 60116.66..., clamped to prev.Low 60100
	if !candidate.Equal(d("60100")) {
		t.Fatalf("expected candidate clamped to previous low 60100, got %s", candidate)
	}
	if len(closer.closed) != 0 {
		t.Fatalf("ratchet must not close the position: %v", closer.closed)
	}
}

func TestNextTrailingStopGates(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bearishPrev := []model.Candle{
		{Timestamp: base, Open: d("100"), High: d("105"), Low: d("98"), Close: d("103")},
		{Timestamp: base.Add(time.Minute), Open: d("103"), High: d("104"), Low: d("99"), Close: d("100")},
		{Timestamp: base.Add(2 * time.Minute), Open: d("100"), High: d("102"), Low: d("99"), Close: d("101")},
	}

	_, moved := nextTrailingStop(model.SideLong, d("95"), bearishPrev, 20)
	require.False(t, moved, "long ratchet must be gated on a bullish previous candle")

	// short only moves down
	stop, moved := nextTrailingStop(model.SideShort, d("103"), bearishPrev, 20)
	require.True(t, moved, "expected short ratchet on bearish previous candle")
	require.True(t, stop.LessThan(d("103")), "short stop must move down, got %s", stop.String())

	_, moved = nextTrailingStop(model.SideLong, d("95"), bearishPrev[:1], 20)
	require.False(t, moved, "ratchet needs at least two candles")
}

func TestPriceUpdateTriggersExitCheck(t *testing.T) {
	book := newStubBook(openLong("p1"))
	closer := newStubCloser()
	prices := &stubPrices{prices: map[string]decimal.Decimal{"BTCUSDT": d("59650")}}
	m := newTestMonitor(prices, book, closer, &stubVenue{}, &stubBus{})

	// before Run wires a context the callback is a no-op
	m.OnPrice("BTCUSDT", d("59650"))
	if len(closer.closed) != 0 {
		t.Fatalf("callback before start must not act: %v", closer.closed)
	}

	m.mu.Lock()
	m.runCtx = context.Background()
	m.mu.Unlock()

	m.OnPrice("ETHUSDT", d("59650"))
	if len(closer.closed) != 0 {
		t.Fatalf("other symbols must be untouched: %v", closer.closed)
	}

	m.OnPrice("BTCUSDT", d("59650"))
	if closer.closed["p1"] != model.CloseReasonStopLoss {
		t.Fatalf("expected stop loss close on price tick, got %q", closer.closed["p1"])
	}
}

func TestReconcileSyncsBalance(t *testing.T) {
	book := newStubBook()
	account := &stubAccount{}
	venue := &stubVenue{balance: &connectors.AccountBalance{
		Balance:      d("9800"),
		LockedMargin: d("200"),
	}}
	m := NewMonitor(DefaultConfig(), &stubPrices{}, book, newStubCloser(), venue, account, &stubBus{})

	m.Reconcile(context.Background())

	if account.synced != 1 {
		t.Fatalf("expected one balance sync, got %d", account.synced)
	}
	if !account.balance.Equal(d("9800")) || !account.locked.Equal(d("200")) {
		t.Fatalf("expected venue balance mirrored, got balance=%s locked=%s", account.balance, account.locked)
	}
}

func TestReconcileCorrectsQuantityDrift(t *testing.T) {
	p := openLong("p1")
	book := newStubBook(p)
	bus := &stubBus{}
	venue := &stubVenue{positions: []connectors.VenuePosition{{
		Symbol:     "BTCUSDT",
		Side:       model.SideLong,
		Quantity:   d("0.4"),
		EntryPrice: d("60000"),
	}}}
	m := newTestMonitor(&stubPrices{}, book, newStubCloser(), venue, bus)

	m.Reconcile(context.Background())

	if !book.corrections["p1"].Equal(d("0.4")) {
		t.Fatalf("expected quantity corrected to venue value 0.4, got %s", book.corrections["p1"])
	}
	if len(bus.events) != 1 || bus.events[0].Type != model.EventReconciliationDrift {
		t.Fatalf("expected one drift event, got %v", bus.events)
	}
	report := bus.events[0].Payload.(model.DriftReport)
	if !report.Escalated {
		t.Fatal("20%% drift must be escalated")
	}
}

func TestReconcileWithinToleranceIsQuiet(t *testing.T) {
	p := openLong("p1")
	book := newStubBook(p)
	bus := &stubBus{}
	venue := &stubVenue{positions: []connectors.VenuePosition{{
		Symbol:     "BTCUSDT",
		Side:       model.SideLong,
		Quantity:   d("0.50001"),
		EntryPrice: d("60000"),
	}}}
	m := newTestMonitor(&stubPrices{}, book, newStubCloser(), venue, bus)

	m.Reconcile(context.Background())

	if len(book.corrections) != 0 || len(bus.events) != 0 {
		t.Fatalf("drift within tolerance must be ignored, got corrections=%v events=%v", book.corrections, bus.events)
	}
}

func TestReconcileReportsMissingAndUntracked(t *testing.T) {
	p := openLong("p1")
	book := newStubBook(p)
	bus := &stubBus{}
	venue := &stubVenue{positions: []connectors.VenuePosition{{
		Symbol:     "ETHUSDT",
		Side:       model.SideShort,
		Quantity:   d("2"),
		EntryPrice: d("3000"),
	}}}
	m := newTestMonitor(&stubPrices{}, book, newStubCloser(), venue, bus)

	m.Reconcile(context.Background())

	if len(bus.events) != 2 {
		t.Fatalf("expected missing + untracked drift events, got %d", len(bus.events))
	}
	fields := map[string]bool{}
	for _, ev := range bus.events {
		report := ev.Payload.(model.DriftReport)
		fields[report.Field] = true
		if !report.Escalated {
			t.Fatalf("existence drift must be escalated: %+v", report)
		}
	}
	if !fields["existence"] || !fields["untracked"] {
		t.Fatalf("expected existence and untracked reports, got %v", fields)
	}
}
