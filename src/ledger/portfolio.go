package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/src/events"
	"tradeengine/src/model"
)

// PortfolioConfig bounds account-level risk.
type PortfolioConfig struct {
	DailyLossLimit       decimal.Decimal // positive magnitude; breach disables trading until reset
	MaxConsecutiveLosses int
	CooldownWindow       time.Duration
}

func DefaultPortfolioConfig() PortfolioConfig {
	return PortfolioConfig{
		DailyLossLimit:       decimal.NewFromInt(500),
		MaxConsecutiveLosses: 4,
		CooldownWindow:       2 * time.Hour,
	}
}

// PortfolioLedger aggregates balance, margin usage and loss counters. It is
// mutated only from position transitions in the PositionLedger, never by
// signal processing.
type PortfolioLedger struct {
	mu sync.Mutex

	balance          decimal.Decimal
	lockedMargin     decimal.Decimal
	dailyRealizedPnl decimal.Decimal
	consecutiveLoss  int
	// tradingEnabled is the daily-loss breaker, re-armed at the UTC day
	// boundary. halted is the operator master switch (emergency stop) and
	// only flips back on an explicit re-enable.
	tradingEnabled bool
	halted         bool
	cooldownUntil  *time.Time
	dayAnchor      time.Time

	cfg PortfolioConfig
	bus *events.Bus
	now func() time.Time
}

func NewPortfolioLedger(initialBalance decimal.Decimal, cfg PortfolioConfig, bus *events.Bus) *PortfolioLedger {
	now := time.Now().UTC()
	return &PortfolioLedger{
		balance:        initialBalance,
		tradingEnabled: true,
		dayAnchor:      now.Truncate(24 * time.Hour),
		cfg:            cfg,
		bus:            bus,
		now:            time.Now,
	}
}

// Snapshot returns a consistent copy of the portfolio state.
func (l *PortfolioLedger) Snapshot() model.Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()

	return model.Portfolio{
		Balance:           l.balance,
		AvailableMargin:   l.balance.Sub(l.lockedMargin),
		LockedMargin:      l.lockedMargin,
		DailyRealizedPnl:  l.dailyRealizedPnl,
		ConsecutiveLosses: l.consecutiveLoss,
		TradingEnabled:    l.tradingEnabled && !l.halted,
		CooldownUntil:     l.cooldownUntil,
	}
}

// CanTrade is the safety gate consulted by signal intake before any Execute
// decision. It returns a SafetyLimitExceeded describing the refusal.
func (l *PortfolioLedger) CanTrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rolloverLocked()

	if l.halted {
		return &model.SafetyLimitExceeded{
			Limit:  "emergency_stop",
			Reason: "trading halted, resume explicitly to re-enable",
		}
	}

	if !l.tradingEnabled {
		return &model.SafetyLimitExceeded{
			Limit:  "daily_loss",
			Reason: fmt.Sprintf("trading disabled, daily realized pnl %s", l.dailyRealizedPnl),
		}
	}

	if l.cooldownUntil != nil && l.now().Before(*l.cooldownUntil) {
		return &model.SafetyLimitExceeded{
			Limit:  "cooldown",
			Reason: fmt.Sprintf("cooling down after %d consecutive losses until %s", l.consecutiveLoss, l.cooldownUntil.Format(time.RFC3339)),
		}
	}

	return nil
}

// LockMargin reserves margin for a position being accumulated.
func (l *PortfolioLedger) LockMargin(amount decimal.Decimal) {
	l.mu.Lock()
	l.lockedMargin = l.lockedMargin.Add(amount)
	l.mu.Unlock()
	l.publish()
}

// ReleaseMargin frees margin held by a closed or rejected position.
func (l *PortfolioLedger) ReleaseMargin(amount decimal.Decimal) {
	l.mu.Lock()
	l.lockedMargin = l.lockedMargin.Sub(amount)
	if l.lockedMargin.LessThan(decimal.Zero) {
		l.lockedMargin = decimal.Zero
	}
	l.mu.Unlock()
	l.publish()
}

// ApplyRealized accounts a terminal position's realized PnL. This is the
// sole mutation path for balance and the loss counters.
func (l *PortfolioLedger) ApplyRealized(pnl decimal.Decimal) {
	l.mu.Lock()

	l.rolloverLocked()

	l.balance = l.balance.Add(pnl)
	l.dailyRealizedPnl = l.dailyRealizedPnl.Add(pnl)

	if pnl.LessThan(decimal.Zero) {
		l.consecutiveLoss++
	} else if pnl.GreaterThan(decimal.Zero) {
		l.consecutiveLoss = 0
		l.cooldownUntil = nil
	}

	disabled := false
	if l.cfg.DailyLossLimit.GreaterThan(decimal.Zero) &&
		l.dailyRealizedPnl.LessThanOrEqual(l.cfg.DailyLossLimit.Neg()) {
		l.tradingEnabled = false
		disabled = true
	}

	cooled := false
	if l.cfg.MaxConsecutiveLosses > 0 && l.consecutiveLoss >= l.cfg.MaxConsecutiveLosses {
		until := l.now().Add(l.cfg.CooldownWindow)
		l.cooldownUntil = &until
		cooled = true
	}

	daily := l.dailyRealizedPnl
	streak := l.consecutiveLoss
	l.mu.Unlock()

	if disabled {
		logger.WithField("daily_realized_pnl", daily.String()).
			Warn("daily loss limit breached, trading disabled until next reset")
		if l.bus != nil {
			l.bus.Publish(model.EventTradingDisabled, "", l.Snapshot())
		}
	}
	if cooled {
		logger.WithField("consecutive_losses", streak).
			Warn("loss streak threshold reached, entering cooldown")
	}

	l.publish()
}

// SetTradingEnabled flips the operator master switch (emergency stop, manual
// re-arm). The daily-loss breaker and the loss streak are cleared on re-arm;
// the halt itself never clears on its own.
func (l *PortfolioLedger) SetTradingEnabled(enabled bool) {
	l.mu.Lock()
	l.halted = !enabled
	if enabled {
		l.tradingEnabled = true
		l.consecutiveLoss = 0
		l.cooldownUntil = nil
	}
	l.mu.Unlock()
	l.publish()
}

// SyncBalance overwrites the local balance with the venue's authoritative
// value during reconciliation.
func (l *PortfolioLedger) SyncBalance(balance, locked decimal.Decimal) {
	l.mu.Lock()
	l.balance = balance
	l.lockedMargin = locked
	l.mu.Unlock()
	l.publish()
}

// RestoreDailyPnl seeds the current day's realized pnl after a restart so the
// daily-loss breaker picks up where it left off.
func (l *PortfolioLedger) RestoreDailyPnl(pnl decimal.Decimal) {
	l.mu.Lock()
	l.dailyRealizedPnl = pnl
	if l.cfg.DailyLossLimit.GreaterThan(decimal.Zero) &&
		l.dailyRealizedPnl.LessThanOrEqual(l.cfg.DailyLossLimit.Neg()) {
		l.tradingEnabled = false
	}
	l.mu.Unlock()
}

// rolloverLocked resets the daily counters when the UTC day changes. The
// daily-loss breaker re-arms on the same boundary; an operator halt does not.
func (l *PortfolioLedger) rolloverLocked() {
	day := l.now().UTC().Truncate(24 * time.Hour)
	if day.After(l.dayAnchor) {
		l.dayAnchor = day
		l.dailyRealizedPnl = decimal.Zero
		if !l.tradingEnabled {
			l.tradingEnabled = true
			logger.Info("daily reset boundary crossed, trading re-enabled")
		}
	}
}

func (l *PortfolioLedger) publish() {
	if l.bus != nil {
		l.bus.Publish(model.EventPortfolioUpdated, "", l.Snapshot())
	}
}
