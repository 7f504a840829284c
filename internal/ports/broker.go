package ports

import (
	"context"
	"time"

	"trailstopbot/internal/domain"
)

// EventType discriminates the events delivered by the broker gateway stream.
type EventType string

const (
	EventPriceTick      EventType = "tick"
	EventOrderAck       EventType = "ack"
	EventFill           EventType = "fill"
	EventPositionUpdate EventType = "position"
)

// BrokerEvent is one message from the gateway's subscription feed. Events for
// a given symbol are delivered strictly in arrival order.
type BrokerEvent struct {
	Type   EventType
	Symbol string
	At     time.Time

	// Tick fields
	Price float64

	// Ack/Fill fields
	OrderID       string
	ClientOrderID string
	TriggerPrice  float64
	Status        domain.StopStatus
	FillPrice     float64
	FillQuantity  float64

	// Position update fields
	Side       domain.Side
	Quantity   float64
	EntryPrice float64
}

// StopOrderRequest describes a protective stop to submit or revise.
type StopOrderRequest struct {
	Symbol        string
	Side          domain.OrderSide // Exit side of the position being protected
	Quantity      float64
	TriggerPrice  float64
	ClientOrderID string // Stable across revisions of the same stop
}

// BrokerClient defines the interface for the brokerage gateway connection.
// Order operations are asynchronous: success here means the request was
// transmitted; the authoritative outcome arrives as an EventOrderAck/EventFill.
type BrokerClient interface {
	// Connect establishes the gateway session.
	Connect(ctx context.Context) error

	// Stream starts delivering broker events to handler in arrival order.
	// errHandler receives stream-level failures (after internal reconnect
	// attempts are exhausted). Returns channels signalling stream termination
	// (doneCh) and allowing the caller to stop it (stopCh).
	Stream(ctx context.Context, handler func(ev BrokerEvent), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// SubmitStopOrder places a new stop order.
	SubmitStopOrder(ctx context.Context, req StopOrderRequest) error

	// ModifyStopOrder revises the trigger price of an existing stop order.
	ModifyStopOrder(ctx context.Context, orderID string, req StopOrderRequest) error

	// CancelStopOrder cancels an existing stop order by its broker id.
	CancelStopOrder(ctx context.Context, symbol, orderID string) error

	// RequestPositions asks the gateway for a snapshot of open positions.
	// The snapshot arrives as EventPositionUpdate events on the stream;
	// used for reconciliation after (re)connect.
	RequestPositions(ctx context.Context) error

	// Close tears down the gateway session.
	Close() error
}
