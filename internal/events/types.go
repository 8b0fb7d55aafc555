package events

import "risk-core/internal/position"

// Event enumerates the lifecycle topics the engine publishes.
type Event string

const (
	EventPositionSeeded    Event = "position.seeded"
	EventPositionClosed    Event = "position.closed"
	EventTrailingActivated Event = "trailing.activated"
	EventConflictDetected  Event = "reconcile.conflict"
	EventProtectiveFailed  Event = "protective_orders.failed"
	EventVenueOutOfSync    Event = "venue.out_of_sync"
	EventLossLimitBreached Event = "risk.loss_limit_breached"
)

// PositionClosed is the payload for EventPositionClosed.
type PositionClosed struct {
	Symbol     string
	Side       position.Side
	EntryPrice float64
	ExitPrice  float64
	PnLPercent float64
	Reason     string
}

// TrailingActivated is the payload for EventTrailingActivated.
type TrailingActivated struct {
	Symbol       string
	Side         position.Side
	EntryPrice   float64
	CurrentPrice float64
	TrailingStop float64
	PnLPercent   float64
}

// Conflict is the payload for EventConflictDetected.
type Conflict struct {
	Symbol    string
	Side      position.Side
	RiskStop  float64
	VenueStop float64
	Resolved  float64
	Strategy  string
	AutoFixed bool
}

// ProtectiveFailed is the payload for EventProtectiveFailed.
type ProtectiveFailed struct {
	Symbol string
	Err    string
}

// LossLimitBreached is the payload for EventLossLimitBreached.
type LossLimitBreached struct {
	Window       string // "daily" or "weekly"
	RealizedPnL  float64
	LimitPercent float64
}
