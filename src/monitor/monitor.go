package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/connectors"
	"tradeengine/src/ledger"
	"tradeengine/src/model"
	"tradeengine/src/risk"
)

type Config struct {
	TickInterval       time.Duration `envconfig:"MONITOR_TICK_INTERVAL"`
	ReconcileInterval  time.Duration `envconfig:"MONITOR_RECONCILE_INTERVAL"`
	DriftTolerance     float64       `envconfig:"MONITOR_DRIFT_TOLERANCE"`
	DriftEscalationPct float64       `envconfig:"MONITOR_DRIFT_ESCALATION_PCT"`
	LiquidationBuffer  float64       `envconfig:"MONITOR_LIQUIDATION_BUFFER_PCT"`
	TrailingEnabled    bool          `envconfig:"MONITOR_TRAILING_ENABLED"`
	TrailingLookback   int           `envconfig:"MONITOR_TRAILING_LOOKBACK"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       5 * time.Second,
		ReconcileInterval:  time.Minute,
		DriftTolerance:     0.001,
		DriftEscalationPct: 0.05,
		LiquidationBuffer:  5,
		TrailingEnabled:    true,
		TrailingLookback:   20,
	}
}

type priceSource interface {
	Price(symbol string) (decimal.Decimal, bool)
	Candles(symbol string, n int) []model.Candle
}

type positionBook interface {
	Snapshot() []model.Position
	Get(positionID string) (model.Position, bool)
	RatchetTrailingStop(ctx context.Context, positionID string, candidate decimal.Decimal) (bool, error)
	CorrectQuantity(ctx context.Context, positionID string, quantity, entryPrice decimal.Decimal) error
}

var _ positionBook = (*ledger.PositionLedger)(nil)

// closeRequester asks the engine to close a position. The engine routes the
// request through the ledger per-symbol lock and the dispatcher, so the
// monitor never talks to the venue for exits directly.
type closeRequester interface {
	RequestClose(ctx context.Context, positionID, reason string) error
}

type publisher interface {
	Publish(eventType model.EventType, symbol string, payload interface{})
}

// accountLedger receives the venue's authoritative balance during
// reconciliation.
type accountLedger interface {
	SyncBalance(balance, locked decimal.Decimal)
}

var _ accountLedger = (*ledger.PortfolioLedger)(nil)

// Monitor watches open positions against live prices and periodically
// reconciles the local ledger against the venue. Exit checks run on every
// price update and on a fixed tick as a backstop, in strict priority order:
// liquidation risk first, then stop loss, take profit, and finally the
// trailing ratchet.
type Monitor struct {
	cfg     Config
	prices  priceSource
	book    positionBook
	closer  closeRequester
	venue   connectors.ExchangeClient
	account accountLedger
	bus     publisher

	mu     sync.Mutex
	runCtx context.Context
}

func NewMonitor(cfg Config, prices priceSource, book positionBook, closer closeRequester, venue connectors.ExchangeClient, account accountLedger, bus publisher) *Monitor {
	if cfg.TrailingLookback <= 0 {
		cfg.TrailingLookback = 20
	}
	return &Monitor{
		cfg:     cfg,
		prices:  prices,
		book:    book,
		closer:  closer,
		venue:   venue,
		account: account,
		bus:     bus,
	}
}

// Run blocks until ctx is cancelled, driving the exit-check tick and the
// slower reconciliation tick.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()

	logger.WithFields(map[string]interface{}{
		"tick_interval":      m.cfg.TickInterval,
		"reconcile_interval": m.cfg.ReconcileInterval,
	}).Info("monitor started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor stopped")
			return
		case <-tick.C:
			m.Sweep(ctx)
		case <-reconcile.C:
			m.Reconcile(ctx)
		}
	}
}

// OnPrice runs the exit checks for one symbol's positions as soon as a fresh
// price arrives, between ticks. No-op until Run has started.
func (m *Monitor) OnPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	for _, position := range m.book.Snapshot() {
		if position.Symbol != symbol || !position.IsOpen() {
			continue
		}
		m.checkPosition(ctx, position, price)
	}
}

// Sweep runs the exit checks over every active position once.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, position := range m.book.Snapshot() {
		if !position.IsOpen() {
			continue
		}
		price, ok := m.prices.Price(position.Symbol)
		if !ok || price.IsZero() {
			continue
		}
		m.checkPosition(ctx, position, price)
	}
}

func (m *Monitor) checkPosition(ctx context.Context, position model.Position, price decimal.Decimal) {
	log := logger.WithFields(map[string]interface{}{
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"price":       price.String(),
	})

	if position.Status == model.PositionStatusPendingClose {
		// a close is already in flight; do not stack another
		return
	}

	liq := risk.LiquidationPrice(position.EntryPrice, position.Side, position.Leverage)
	if risk.IsAtLiquidationRisk(price, liq, position.Side, decimal.NewFromFloat(m.cfg.LiquidationBuffer)) {
		log.WithField("liquidation_price", liq.String()).Warn("position near liquidation, closing")
		m.requestClose(ctx, position.ID, model.CloseReasonLiquidationRisk, log)
		return
	}

	stop := position.StopLossPrice
	reason := model.CloseReasonStopLoss
	if position.TrailingStopPrice != nil && !position.TrailingStopPrice.IsZero() {
		stop = *position.TrailingStopPrice
		reason = model.CloseReasonTrailingStop
	}
	if stopHit(position.Side, price, stop) {
		log.WithField("stop_price", stop.String()).Info("stop triggered")
		m.requestClose(ctx, position.ID, reason, log)
		return
	}

	if takeProfitHit(position.Side, price, position.TakeProfitPrice) {
		log.WithField("take_profit", position.TakeProfitPrice.String()).Info("take profit triggered")
		m.requestClose(ctx, position.ID, model.CloseReasonTakeProfit, log)
		return
	}

	if m.cfg.TrailingEnabled {
		m.ratchet(ctx, position, log)
	}
}

func (m *Monitor) ratchet(ctx context.Context, position model.Position, log *logger.Entry) {
	candles := m.prices.Candles(position.Symbol, m.cfg.TrailingLookback)
	if len(candles) < 2 {
		return
	}

	current := position.StopLossPrice
	if position.TrailingStopPrice != nil && !position.TrailingStopPrice.IsZero() {
		current = *position.TrailingStopPrice
	}

	candidate, moved := nextTrailingStop(position.Side, current, candles, m.cfg.TrailingLookback)
	if !moved {
		return
	}

	updated, err := m.book.RatchetTrailingStop(ctx, position.ID, candidate)
	if err != nil {
		log.WithError(err).Error("failed to ratchet trailing stop")
		return
	}
	if updated {
		log.WithField("trailing_stop", candidate.String()).Info("trailing stop advanced")
	}
}

func (m *Monitor) requestClose(ctx context.Context, positionID, reason string, log *logger.Entry) {
	if err := m.closer.RequestClose(ctx, positionID, reason); err != nil {
		log.WithError(err).WithField("close_reason", reason).Error("close request failed")
	}
}

func stopHit(side model.Side, price, stop decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if side == model.SideLong {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

func takeProfitHit(side model.Side, price, target decimal.Decimal) bool {
	if target.IsZero() {
		return false
	}
	if side == model.SideLong {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// Reconcile compares the local ledger with the venue's authoritative view.
// Quantity mismatches beyond the tolerance are corrected locally toward the
// venue and reported; large drift is escalated. The venue's account balance
// overwrites the local one on every pass.
func (m *Monitor) Reconcile(ctx context.Context) {
	venuePositions, err := m.venue.GetPositions(ctx)
	if err != nil {
		logger.WithError(err).Warn("reconciliation skipped, venue unavailable")
		return
	}

	if balance, err := m.venue.GetAccountBalance(ctx); err != nil {
		logger.WithError(err).Warn("balance reconciliation skipped")
	} else if balance != nil && m.account != nil {
		m.account.SyncBalance(balance.Balance, balance.LockedMargin)
	}

	bySymbolSide := make(map[string]connectors.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		bySymbolSide[vp.Symbol+"|"+string(vp.Side)] = vp
	}

	tolerance := decimal.NewFromFloat(m.cfg.DriftTolerance)
	escalation := decimal.NewFromFloat(m.cfg.DriftEscalationPct)

	for _, position := range m.book.Snapshot() {
		if !position.IsOpen() {
			continue
		}
		key := position.Symbol + "|" + string(position.Side)
		vp, onVenue := bySymbolSide[key]
		delete(bySymbolSide, key)

		if !onVenue {
			report := model.DriftReport{
				Symbol:     position.Symbol,
				Field:      "existence",
				LocalValue: position.Quantity,
				VenueValue: decimal.Zero,
				Escalated:  true,
			}
			logger.WithField("position_id", position.ID).Warn(report.Error())
			m.bus.Publish(model.EventReconciliationDrift, position.Symbol, report)
			continue
		}

		diff := position.Quantity.Sub(vp.Quantity).Abs()
		if position.Quantity.IsPositive() && diff.Div(position.Quantity).LessThanOrEqual(tolerance) {
			continue
		}

		report := model.DriftReport{
			Symbol:     position.Symbol,
			Field:      "quantity",
			LocalValue: position.Quantity,
			VenueValue: vp.Quantity,
			Corrected:  true,
		}
		if position.Quantity.IsPositive() {
			report.Escalated = diff.Div(position.Quantity).GreaterThan(escalation)
		} else {
			report.Escalated = true
		}

		if err := m.book.CorrectQuantity(ctx, position.ID, vp.Quantity, vp.EntryPrice); err != nil {
			logger.WithError(err).WithField("position_id", position.ID).Error("drift correction failed")
			report.Corrected = false
		}

		logger.WithFields(map[string]interface{}{
			"position_id": position.ID,
			"local":       report.LocalValue.String(),
			"venue":       report.VenueValue.String(),
			"escalated":   report.Escalated,
		}).Warn("reconciliation drift corrected")
		m.bus.Publish(model.EventReconciliationDrift, position.Symbol, report)
	}

	// venue exposure the ledger does not know about
	for _, vp := range bySymbolSide {
		if vp.Quantity.IsZero() {
			continue
		}
		report := model.DriftReport{
			Symbol:     vp.Symbol,
			Field:      "untracked",
			LocalValue: decimal.Zero,
			VenueValue: vp.Quantity,
			Escalated:  true,
		}
		logger.Warn(report.Error())
		m.bus.Publish(model.EventReconciliationDrift, vp.Symbol, report)
	}
}
