package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/dispatch"
	"tradeengine/src/events"
	"tradeengine/src/intake"
	"tradeengine/src/ledger"
	"tradeengine/src/marketdata"
	"tradeengine/src/model"
	"tradeengine/src/monitor"
	"tradeengine/src/risk"
	"tradeengine/src/security"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// TradingEngine is the orchestrator surface exposed to the HTTP server and
// the CLI. Paper and live engines are the same orchestrator with different
// venue bindings; every decision component is shared between modes.
type TradingEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubmitSignal(ctx context.Context, signal model.Signal) (intake.Decision, error)
	ManualClose(ctx context.Context, positionID string) error
	RequestClose(ctx context.Context, positionID, reason string) error
	SetMode(ctx context.Context, mode Mode, confirmed bool) error
	EmergencyStop(ctx context.Context) error
	ResumeTrading()
	UpdateStops(ctx context.Context, positionID string, stopLossPct, takeProfitPct float64) error
	Mode() Mode
	Positions() []model.Position
	Portfolio() model.Portfolio
	TradeHistory(ctx context.Context, limit int) ([]model.TradeRecord, error)
	Subscribe() (<-chan model.EngineEvent, func())
}

// binding is one venue attachment: the order client and its fill stream.
type binding struct {
	venue connectors.ExchangeClient
	fills connectors.FillStream
}

// marketData is what the engine needs from the feed: live prices for sizing
// and the candle window the monitor ratchets stops from.
type marketData interface {
	Run(ctx context.Context)
	Price(symbol string) (decimal.Decimal, bool)
	Candles(symbol string, n int) []model.Candle
	OnPrice(fn func(symbol string, price decimal.Decimal))
}

var _ marketData = (*marketdata.Feed)(nil)

// Engine wires intake, risk sizing, the ledgers, dispatch and monitoring
// over a switchable venue binding.
type Engine struct {
	cfg     Config
	riskCfg risk.Config

	filter     *intake.Filter
	positions  *ledger.PositionLedger
	portfolio  *ledger.PortfolioLedger
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	feed       marketData
	bus        *events.Bus
	store      ledger.Storage
	proxy      *venueProxy

	bind func(mode Mode) (binding, error)

	mu          sync.Mutex
	mode        Mode
	reversals   map[string]model.Signal // symbol -> signal waiting for close
	cancelFills context.CancelFunc
	// runCtx outlives any request: background loops restarted after a mode
	// switch must hang off it, not off the triggering request's context.
	runCtx context.Context

	inflight sync.WaitGroup
	loops    sync.WaitGroup
	cancel   context.CancelFunc
}

// New assembles an engine in the configured mode. store may be nil in
// ephemeral runs; positions then live only in memory.
func New(cfg Config, store ledger.Storage) (*Engine, error) {
	mode := Mode(cfg.Mode)
	if mode != ModePaper && mode != ModeLive {
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}

	bus := events.NewBus()
	portfolio := ledger.NewPortfolioLedger(
		decimal.NewFromFloat(cfg.InitialBalance),
		ledger.DefaultPortfolioConfig(),
		bus,
	)
	positions := ledger.NewPositionLedger(portfolio, store, bus, cfg.AllowHedge)

	filterCfg := intake.GetConfig()
	filterCfg.ReversalEnabled = cfg.ReversalEnabled && !cfg.AllowHedge
	filterCfg.AllowHedge = cfg.AllowHedge
	filter := intake.NewFilter(filterCfg, positions, portfolio)

	feed := marketdata.NewFeed(*marketdata.GetConfig(), cfg.Symbols)

	e := &Engine{
		cfg:       cfg,
		riskCfg:   risk.DefaultConfig(),
		filter:    filter,
		positions: positions,
		portfolio: portfolio,
		feed:      feed,
		bus:       bus,
		store:     store,
		proxy:     &venueProxy{},
		mode:      mode,
		reversals: make(map[string]model.Signal),
	}
	e.bind = e.defaultBinding

	b, err := e.bind(mode)
	if err != nil {
		return nil, err
	}
	e.attach(b)

	e.monitor = monitor.NewMonitor(monitor.DefaultConfig(), feed, positions, e, e.proxy, portfolio, bus)
	feed.OnPrice(e.monitor.OnPrice)

	return e, nil
}

// defaultBinding builds the real venue attachment for a mode. The paper
// venue doubles as its own fill stream and takes marks from the feed.
func (e *Engine) defaultBinding(mode Mode) (binding, error) {
	if mode == ModePaper {
		paperCfg := connectors.DefaultPaperConfig()
		paperCfg.InitialBalance = decimal.NewFromFloat(e.cfg.InitialBalance)
		paper := connectors.NewPaperVenue(paperCfg)
		e.feed.OnPrice(paper.UpdatePrice)
		return binding{venue: paper, fills: paper}, nil
	}

	apiKey, apiSecret := e.cfg.VenueAPIKey, e.cfg.VenueAPISecret
	if e.cfg.CredentialsEnc {
		var err error
		if apiKey, err = security.DecryptString(apiKey); err != nil {
			return binding{}, fmt.Errorf("decrypt api key: %w", err)
		}
		if apiSecret, err = security.DecryptString(apiSecret); err != nil {
			return binding{}, fmt.Errorf("decrypt api secret: %w", err)
		}
	}
	if apiKey == "" || apiSecret == "" {
		return binding{}, fmt.Errorf("live mode requires venue credentials")
	}

	return binding{
		venue: connectors.NewFuturesClient(apiKey, apiSecret, e.cfg.VenueBaseURL),
		fills: connectors.NewWSFillStream(e.cfg.VenueWSURL, apiKey, apiSecret),
	}, nil
}

func (e *Engine) attach(b binding) {
	e.proxy.set(b.venue, b.fills)
	e.dispatcher = dispatch.NewDispatcher(dispatch.DefaultConfig(), e.proxy, e.positions)
}

// Start recovers persisted positions, their in-flight orders and the day's
// realized pnl, then launches the market data feed, the monitor, the fill
// listener and the reversal follower.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Lock()
	e.runCtx = runCtx
	e.mu.Unlock()

	if e.store != nil {
		recovered, err := e.store.GetOpenPositions(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("recover open positions: %w", err)
		}
		pending, err := e.store.GetPendingOrders(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("recover pending orders: %w", err)
		}
		if len(recovered) > 0 {
			e.positions.Restore(recovered, pending)
			logger.WithFields(map[string]interface{}{
				"positions": len(recovered),
				"orders":    len(pending),
			}).Info("recovered open positions from storage")
		}

		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		if pnl, err := e.store.RealizedPnlSince(runCtx, midnight); err != nil {
			logger.WithError(err).Warn("could not recover daily realized pnl")
		} else if !pnl.IsZero() {
			e.portfolio.RestoreDailyPnl(pnl)
		}
	}

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		e.feed.Run(runCtx)
	}()
	go func() {
		defer e.loops.Done()
		e.monitor.Run(runCtx)
	}()

	e.startFillListener(runCtx)
	e.startReversalFollower(runCtx)

	logger.WithField("mode", e.Mode()).Info("engine started")
	return nil
}

// Stop drains in-flight order placements and stops all loops. The context
// bounds how long the drain may take.
func (e *Engine) Stop(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("shutdown drain timed out with placements in flight")
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.loops.Wait()

	logger.Info("engine stopped")
	return nil
}

func (e *Engine) startFillListener(ctx context.Context) {
	fillCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancelFills = cancel
	stream := e.proxy.stream()
	e.mu.Unlock()

	fills, err := stream.Fills(fillCtx)
	if err != nil {
		logger.WithError(err).Error("failed to open fill stream")
		cancel()
		return
	}

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		for fill := range fills {
			if err := e.positions.ApplyFill(ctx, fill); err != nil {
				logger.WithError(err).
					WithField("client_order_id", fill.ClientOrderID).
					Error("failed to apply fill")
			}
		}
	}()
}

// startReversalFollower opens the queued opposite position once the closing
// leg of a reversal completes.
func (e *Engine) startReversalFollower(ctx context.Context) {
	sub, unsubscribe := e.bus.Subscribe()

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub:
				if !ok {
					return
				}
				if event.Type != model.EventPositionClosed {
					continue
				}
				e.mu.Lock()
				signal, pending := e.reversals[event.Symbol]
				if pending {
					delete(e.reversals, event.Symbol)
				}
				e.mu.Unlock()
				if !pending {
					continue
				}
				if err := e.openFromSignal(ctx, signal); err != nil {
					logger.WithError(err).
						WithField("symbol", event.Symbol).
						Error("reversal re-entry failed")
				}
			}
		}
	}()
}

// SubmitSignal runs a signal through the filter and acts on the verdict:
// reject is a no-op, reverse closes the standing position and queues the
// re-entry, execute sizes and places a new position.
func (e *Engine) SubmitSignal(ctx context.Context, signal model.Signal) (intake.Decision, error) {
	decision := e.filter.Accept(signal)

	switch decision.Verdict {
	case intake.VerdictReject:
		return decision, nil

	case intake.VerdictReverse:
		e.mu.Lock()
		e.reversals[signal.Symbol] = signal
		e.mu.Unlock()
		if err := e.RequestClose(ctx, decision.ClosePositionID, model.CloseReasonSignalReversal); err != nil {
			e.mu.Lock()
			delete(e.reversals, signal.Symbol)
			e.mu.Unlock()
			return decision, err
		}
		return decision, nil
	}

	return decision, e.openFromSignal(ctx, signal)
}

func (e *Engine) openFromSignal(ctx context.Context, signal model.Signal) error {
	price, ok := e.feed.Price(signal.Symbol)
	if !ok || price.IsZero() {
		return &model.ValidationError{Field: "symbol", Reason: fmt.Sprintf("no market price for %s", signal.Symbol)}
	}

	side := signal.Direction.SideFor()
	leverage := e.cfg.Leverage
	if leverage < 1 {
		leverage = 1
	}

	stopPrice := risk.PriceFor(price, side, risk.StopLoss, decimal.NewFromFloat(e.cfg.StopLossPct), leverage)
	takeProfit := risk.PriceFor(price, side, risk.TakeProfit, decimal.NewFromFloat(e.cfg.TakeProfitPct), leverage)

	snapshot := e.portfolio.Snapshot()
	caps := risk.Caps{
		MaxPositionValue:   e.riskCfg.MaxPositionValue,
		ExposureRemaining:  e.riskCfg.MaxTotalExposure.Sub(e.positions.TotalNotional()),
		AvailableMargin:    snapshot.AvailableMargin,
		MarginSafetyFactor: e.riskCfg.MarginSafetyFactor,
	}

	quantity := risk.PositionSize(snapshot.Balance, e.riskCfg.RiskPct, price, stopPrice, leverage, caps)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return &model.SafetyLimitExceeded{
			Limit:  "position_size",
			Reason: fmt.Sprintf("sizing produced no tradable quantity for %s", signal.Symbol),
		}
	}

	position := &model.Position{
		ID:                uuid.NewString(),
		Symbol:            signal.Symbol,
		Side:              side,
		Leverage:          leverage,
		MarginMode:        model.MarginMode(e.cfg.MarginMode),
		RequestedQuantity: quantity,
		StopLossPrice:     stopPrice,
		TakeProfitPrice:   takeProfit,
		SignalID:          signal.ID,
	}
	order := &model.Order{
		ClientOrderID: dispatch.NewClientOrderID(),
		PositionID:    position.ID,
		Symbol:        signal.Symbol,
		Side:          side,
		Kind:          model.OrderKindOpen,
		RequestedQty:  quantity,
	}

	if err := e.positions.ProposeOpen(ctx, position, order); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"side":        position.Side,
		"quantity":    quantity.String(),
		"stop_loss":   stopPrice.String(),
		"take_profit": takeProfit.String(),
	}).Info("opening position")

	e.inflight.Add(1)
	defer e.inflight.Done()
	return e.dispatcher.Open(ctx, position, order)
}

// RequestClose registers a reduce-only close for an open position and
// dispatches it. Also the monitor's exit path.
func (e *Engine) RequestClose(ctx context.Context, positionID, reason string) error {
	position, ok := e.positions.Get(positionID)
	if !ok {
		return &model.ValidationError{Field: "position_id", Reason: "position not found"}
	}
	if !position.IsOpen() {
		return &model.ValidationError{Field: "position_id", Reason: fmt.Sprintf("position is %s", position.Status)}
	}

	// reduce-only orders carry the side of the position being reduced; the
	// venue derives the actual buy/sell itself (see PlaceOrderRequest.Side)
	order := &model.Order{
		ClientOrderID: dispatch.NewClientOrderID(),
		PositionID:    position.ID,
		Symbol:        position.Symbol,
		Side:          position.Side,
		Kind:          model.OrderKindClose,
		RequestedQty:  position.Quantity,
	}

	if err := e.positions.RegisterCloseOrder(ctx, positionID, order, reason); err != nil {
		return err
	}

	e.inflight.Add(1)
	defer e.inflight.Done()
	return e.dispatcher.Close(ctx, &position, order)
}

// ManualClose closes a position on operator request.
func (e *Engine) ManualClose(ctx context.Context, positionID string) error {
	return e.RequestClose(ctx, positionID, model.CloseReasonManual)
}

// SetMode switches the venue binding. Refused while any position is active;
// switching into live additionally requires explicit confirmation.
func (e *Engine) SetMode(ctx context.Context, mode Mode, confirmed bool) error {
	if mode != ModePaper && mode != ModeLive {
		return &model.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if mode == e.Mode() {
		return nil
	}
	if mode == ModeLive && !confirmed {
		return &model.ValidationError{Field: "confirmed", Reason: "switching to live requires confirmation"}
	}
	if active := e.positions.Snapshot(); len(active) > 0 {
		return &model.SafetyLimitExceeded{
			Limit:  "mode_switch",
			Reason: fmt.Sprintf("%d positions still active", len(active)),
		}
	}

	b, err := e.bind(mode)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.cancelFills != nil {
		e.cancelFills()
	}
	e.mode = mode
	runCtx := e.runCtx
	e.mu.Unlock()

	e.attach(b)
	if runCtx != nil {
		// engine is running: reopen the fill stream against the new venue.
		// The listener hangs off the run context; the request context that
		// triggered the switch ends with the HTTP response.
		e.startFillListener(runCtx)
	}

	logger.WithField("mode", mode).Warn("engine mode changed")
	e.bus.Publish(model.EventModeChanged, "", string(mode))
	return nil
}

// EmergencyStop disables trading, cancels pending entries and closes open
// positions best-effort. Trading stays disabled until re-enabled explicitly.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	logger.Warn("emergency stop requested")
	e.portfolio.SetTradingEnabled(false)
	e.bus.Publish(model.EventEmergencyStop, "", nil)

	var firstErr error
	for _, position := range e.positions.Snapshot() {
		switch {
		case position.Status == model.PositionStatusPendingOpen:
			order := e.entryOrder(position.ID)
			if order == nil {
				continue
			}
			if err := e.dispatcher.Cancel(ctx, &position, order); err != nil && firstErr == nil {
				firstErr = err
			}
		case position.IsOpen():
			if err := e.RequestClose(ctx, position.ID, model.CloseReasonEmergencyStop); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) entryOrder(positionID string) *model.Order {
	for _, order := range e.positions.PendingOrders() {
		if order.PositionID == positionID && order.Kind == model.OrderKindOpen {
			o := order
			return &o
		}
	}
	return nil
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) Positions() []model.Position {
	return e.positions.Snapshot()
}

func (e *Engine) Portfolio() model.Portfolio {
	return e.portfolio.Snapshot()
}

func (e *Engine) Subscribe() (<-chan model.EngineEvent, func()) {
	return e.bus.Subscribe()
}

// ResumeTrading re-enables trading after an emergency stop.
func (e *Engine) ResumeTrading() {
	e.portfolio.SetTradingEnabled(true)
	logger.Warn("trading re-enabled")
}

// UpdateStops recomputes the bracket prices of an open position from new
// pnl percentages. The prices come from the shared risk formulas against the
// entry price, same as at open time.
func (e *Engine) UpdateStops(ctx context.Context, positionID string, stopLossPct, takeProfitPct float64) error {
	if stopLossPct <= 0 || takeProfitPct <= 0 {
		return &model.ValidationError{Field: "stops", Reason: "stop percentages must be positive"}
	}

	position, ok := e.positions.Get(positionID)
	if !ok {
		return &model.ValidationError{Field: "position_id", Reason: "position not found"}
	}
	if !position.IsOpen() {
		return &model.ValidationError{Field: "position_id", Reason: fmt.Sprintf("position is %s", position.Status)}
	}

	stop := risk.PriceFor(position.EntryPrice, position.Side, risk.StopLoss, decimal.NewFromFloat(stopLossPct), position.Leverage)
	takeProfit := risk.PriceFor(position.EntryPrice, position.Side, risk.TakeProfit, decimal.NewFromFloat(takeProfitPct), position.Leverage)

	logger.WithFields(map[string]interface{}{
		"position_id": positionID,
		"stop_loss":   stop.String(),
		"take_profit": takeProfit.String(),
	}).Info("updating position stops")

	return e.positions.SetStops(ctx, positionID, stop, takeProfit)
}

// TradeHistory returns the most recent closed trades, newest first. Empty in
// ephemeral runs without storage.
func (e *Engine) TradeHistory(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	if e.store == nil {
		return []model.TradeRecord{}, nil
	}
	return e.store.RecentTrades(ctx, limit)
}

// venueProxy lets the dispatcher and monitor keep stable references while
// the mode switch swaps the underlying venue.
type venueProxy struct {
	mu    sync.RWMutex
	venue connectors.ExchangeClient
	fills connectors.FillStream
}

func (p *venueProxy) set(venue connectors.ExchangeClient, fills connectors.FillStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.venue = venue
	p.fills = fills
}

func (p *venueProxy) current() connectors.ExchangeClient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.venue
}

func (p *venueProxy) stream() connectors.FillStream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fills
}

func (p *venueProxy) SetMarginMode(ctx context.Context, symbol string, mode model.MarginMode) error {
	return p.current().SetMarginMode(ctx, symbol, mode)
}

func (p *venueProxy) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return p.current().SetLeverage(ctx, symbol, leverage)
}

func (p *venueProxy) PlaceOrder(ctx context.Context, req connectors.PlaceOrderRequest) (*connectors.PlaceOrderResponse, error) {
	return p.current().PlaceOrder(ctx, req)
}

func (p *venueProxy) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return p.current().CancelOrder(ctx, symbol, clientOrderID)
}

func (p *venueProxy) GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (*connectors.OrderStatus, error) {
	return p.current().GetOrderStatus(ctx, symbol, clientOrderID)
}

func (p *venueProxy) GetAccountBalance(ctx context.Context) (*connectors.AccountBalance, error) {
	return p.current().GetAccountBalance(ctx)
}

func (p *venueProxy) GetPositions(ctx context.Context) ([]connectors.VenuePosition, error) {
	return p.current().GetPositions(ctx)
}

var (
	_ connectors.ExchangeClient = (*venueProxy)(nil)
	_ TradingEngine             = (*Engine)(nil)
)
