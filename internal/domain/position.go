package domain

import "time"

// Position represents one brokerage holding under trailing-stop management.
type Position struct {
	ID          int64   // Unique identifier for the position (usually from DB)
	Symbol      string  // Instrument identifier (e.g., "AAPL")
	Side        Side    // Direction of the holding
	Quantity    float64 // Size of the position (always positive; Side carries direction)
	EntryPrice  float64 // Average price at which the position was entered
	LastPrice   float64 // Last known market price
	Extremum    float64 // Best price seen since entry: highest for long, lowest for short
	EntryTime   time.Time
	ClosedAt    time.Time // Zero value while open
	State       ManageState
	CloseReason CloseReason

	Stop *StopOrder // The live protective order (nil while unmanaged)
}

// IsOpen reports whether the position is still under management.
func (p *Position) IsOpen() bool {
	return p.State != StateClosed
}

// Improves reports whether price is a new favorable extremum for the position.
func (p *Position) Improves(price float64) bool {
	if p.Side == Long {
		return price > p.Extremum
	}
	return price < p.Extremum
}

// CrossesStop reports whether price has reached the current stop trigger,
// i.e. the stop should be presumed triggered and the broker's fill ack
// awaited. A dead stop (filled or cancelled) protects nothing, so its trigger
// is ignored.
func (p *Position) CrossesStop(price float64) bool {
	if p.Stop == nil || !p.Stop.IsLive() || p.Stop.TriggerPrice == 0 {
		return false
	}
	if p.Side == Long {
		return price <= p.Stop.TriggerPrice
	}
	return price >= p.Stop.TriggerPrice
}

// Clone returns a deep copy of the position, suitable as a read-only snapshot.
func (p *Position) Clone() *Position {
	cp := *p
	if p.Stop != nil {
		stop := *p.Stop
		cp.Stop = &stop
	}
	return &cp
}
