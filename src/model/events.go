package model

import "time"

type EventType string

const (
	EventPositionOpened      EventType = "position_opened"
	EventPositionUpdated     EventType = "position_updated"
	EventPositionClosed      EventType = "position_closed"
	EventPortfolioUpdated    EventType = "portfolio_updated"
	EventReconciliationDrift EventType = "reconciliation_drift"
	EventEmergencyStop       EventType = "emergency_stop"
	EventTradingDisabled     EventType = "trading_disabled"
	EventModeChanged         EventType = "mode_changed"
)

// EngineEvent is published on every position/portfolio change for UI and
// notification consumers.
type EngineEvent struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
