package domain

// Side represents the direction of a position (LONG or SHORT).
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// StopStatus represents the broker-side status of a stop order.
type StopStatus string

const (
	StopPending   StopStatus = "pending"   // submitted, not yet acknowledged
	StopActive    StopStatus = "active"    // working at the broker
	StopFilled    StopStatus = "filled"    // triggered and executed
	StopCancelled StopStatus = "cancelled" // cancelled, management ended
)

// ManageState represents the management state of a position.
type ManageState string

const (
	StateUnmanaged ManageState = "unmanaged" // observed but no stop order yet
	StateTracking  ManageState = "tracking"  // stop active, trailing on ticks
	StateAdjusting ManageState = "adjusting" // modify request in flight
	StateHalted    ManageState = "halted"    // parked for manual reconciliation
	StateClosed    ManageState = "closed"
)

// CloseReason indicates why a position left management.
type CloseReason string

const (
	CloseReasonStopFilled CloseReason = "STOP_FILLED"
	CloseReasonFlat       CloseReason = "FLAT"   // quantity reached zero at the broker
	CloseReasonManual     CloseReason = "MANUAL" // management cancelled by operator
	CloseReasonUnknown    CloseReason = "UNKNOWN"
)

// ExitSide returns the order side that closes a position of the given side.
func (s Side) ExitSide() OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}
