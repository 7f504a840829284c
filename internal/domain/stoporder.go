package domain

import "time"

// StopOrder represents the live protective order associated with a Position.
// Exactly one StopOrder exists per open position under management.
type StopOrder struct {
	OrderID       string     // Broker-assigned order identifier
	ClientOrderID string     // Our identifier, stable across modify requests
	Symbol        string     // Instrument the order protects
	Side          OrderSide  // Exit side (SELL for long positions, BUY for short)
	Quantity      float64    // Order size
	TriggerPrice  float64    // Price at which the stop becomes a market order
	Status        StopStatus // Current broker-side status
	ModifiedAt    time.Time  // Last time the trigger was revised
}

// IsLive reports whether the order is still working or awaiting acknowledgment.
func (o *StopOrder) IsLive() bool {
	return o.Status == StopPending || o.Status == StopActive
}
