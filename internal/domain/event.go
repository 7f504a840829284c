package domain

import "time"

// EventKind classifies a committed state change emitted to the recorder and notifier.
type EventKind string

const (
	EventStopPlaced     EventKind = "STOP_PLACED"
	EventStopAdjusted   EventKind = "STOP_ADJUSTED"
	EventStopFilled     EventKind = "STOP_FILLED"
	EventPositionClosed EventKind = "POSITION_CLOSED"
	EventHalted         EventKind = "HALTED"
	EventError          EventKind = "ERROR"
)

// StateChange is the structured event emitted after every committed state
// change. Delivery to sinks is best-effort and never blocks trading actions.
type StateChange struct {
	Kind     EventKind
	Profile  string // Gateway profile/session this instance manages
	Symbol   string
	OrderID  string
	Quantity float64
	Price    float64 // Fill or market price relevant to the event, 0 if n/a
	Trigger  float64 // Stop trigger after the event, 0 if n/a
	Detail   string  // Free-form context (error text, close reason)
	At       time.Time
}
