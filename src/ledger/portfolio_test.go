package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/src/model"
)

func TestDailyLossLimitDisablesTrading(t *testing.T) {
	cfg := PortfolioConfig{DailyLossLimit: decimal.NewFromInt(100), MaxConsecutiveLosses: 0}
	portfolio := NewPortfolioLedger(d("10000"), cfg, nil)

	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected trading enabled initially, got %v", err)
	}

	portfolio.ApplyRealized(d("-60"))
	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected trading still enabled below limit, got %v", err)
	}

	portfolio.ApplyRealized(d("-50"))
	err := portfolio.CanTrade()

	var limit *model.SafetyLimitExceeded
	if !errors.As(err, &limit) {
		t.Fatalf("expected SafetyLimitExceeded, got %v", err)
	}
	if limit.Limit != "daily_loss" {
		t.Fatalf("expected daily_loss limit, got %s", limit.Limit)
	}
}

func TestDailyResetReenablesTrading(t *testing.T) {
	cfg := PortfolioConfig{DailyLossLimit: decimal.NewFromInt(100)}
	portfolio := NewPortfolioLedger(d("10000"), cfg, nil)

	current := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	portfolio.now = func() time.Time { return current }
	portfolio.dayAnchor = current.Truncate(24 * time.Hour)

	portfolio.ApplyRealized(d("-150"))
	if portfolio.CanTrade() == nil {
		t.Fatalf("expected trading disabled after breach")
	}

	current = current.Add(2 * time.Hour) // crosses midnight UTC
	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected trading re-enabled after reset boundary, got %v", err)
	}

	snapshot := portfolio.Snapshot()
	if !snapshot.DailyRealizedPnl.IsZero() {
		t.Fatalf("expected daily pnl reset, got %s", snapshot.DailyRealizedPnl)
	}
}

func TestConsecutiveLossCooldown(t *testing.T) {
	cfg := PortfolioConfig{
		DailyLossLimit:       decimal.NewFromInt(100000),
		MaxConsecutiveLosses: 3,
		CooldownWindow:       time.Hour,
	}
	portfolio := NewPortfolioLedger(d("10000"), cfg, nil)

	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	portfolio.now = func() time.Time { return current }
	portfolio.dayAnchor = current.Truncate(24 * time.Hour)

	for i := 0; i < 3; i++ {
		portfolio.ApplyRealized(d("-10"))
	}

	err := portfolio.CanTrade()
	var limit *model.SafetyLimitExceeded
	if !errors.As(err, &limit) || limit.Limit != "cooldown" {
		t.Fatalf("expected cooldown refusal, got %v", err)
	}

	// a win during cooldown clears the streak
	portfolio.ApplyRealized(d("25"))
	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected cooldown cleared by a win, got %v", err)
	}

	// and time passing clears it too
	for i := 0; i < 3; i++ {
		portfolio.ApplyRealized(d("-10"))
	}
	current = current.Add(2 * time.Hour)
	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected cooldown expired, got %v", err)
	}
}

func TestEmergencyHaltSurvivesDailyReset(t *testing.T) {
	cfg := PortfolioConfig{DailyLossLimit: decimal.NewFromInt(100)}
	portfolio := NewPortfolioLedger(d("10000"), cfg, nil)

	current := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	portfolio.now = func() time.Time { return current }
	portfolio.dayAnchor = current.Truncate(24 * time.Hour)

	portfolio.SetTradingEnabled(false)

	current = current.Add(2 * time.Hour) // crosses midnight UTC
	err := portfolio.CanTrade()
	var limit *model.SafetyLimitExceeded
	if !errors.As(err, &limit) || limit.Limit != "emergency_stop" {
		t.Fatalf("expected operator halt to survive the daily reset, got %v", err)
	}
	if portfolio.Snapshot().TradingEnabled {
		t.Fatalf("expected snapshot to report trading disabled while halted")
	}

	portfolio.SetTradingEnabled(true)
	if err := portfolio.CanTrade(); err != nil {
		t.Fatalf("expected explicit resume to re-enable trading, got %v", err)
	}
}

func TestRestoreDailyPnlTripsBreaker(t *testing.T) {
	cfg := PortfolioConfig{DailyLossLimit: decimal.NewFromInt(100)}
	portfolio := NewPortfolioLedger(d("10000"), cfg, nil)

	portfolio.RestoreDailyPnl(d("-150"))

	err := portfolio.CanTrade()
	var limit *model.SafetyLimitExceeded
	if !errors.As(err, &limit) || limit.Limit != "daily_loss" {
		t.Fatalf("expected restored loss to trip the daily breaker, got %v", err)
	}
	if !portfolio.Snapshot().DailyRealizedPnl.Equal(d("-150")) {
		t.Fatalf("expected restored daily pnl -150, got %s", portfolio.Snapshot().DailyRealizedPnl)
	}
}

func TestMarginLockRelease(t *testing.T) {
	portfolio := NewPortfolioLedger(d("10000"), DefaultPortfolioConfig(), nil)

	portfolio.LockMargin(d("2500"))
	snapshot := portfolio.Snapshot()
	if !snapshot.AvailableMargin.Equal(d("7500")) {
		t.Fatalf("expected available margin 7500, got %s", snapshot.AvailableMargin)
	}

	portfolio.ReleaseMargin(d("3000")) // over-release clamps at zero
	snapshot = portfolio.Snapshot()
	if !snapshot.LockedMargin.IsZero() {
		t.Fatalf("expected locked margin clamped to zero, got %s", snapshot.LockedMargin)
	}
}
