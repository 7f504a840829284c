package ibgateway

import (
	"fmt"
	"time"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

// Wire message types exchanged with the gateway bridge. The bridge speaks a
// small JSON protocol over a single WebSocket: the gateway pushes ticks and
// order lifecycle events, the client pushes order requests.
const (
	msgTick         = "tick"
	msgOrderStatus  = "order_status"
	msgFill         = "fill"
	msgPosition     = "position"
	msgSubmitStop   = "submit_stop"
	msgModifyStop   = "modify_stop"
	msgCancelStop   = "cancel_stop"
	msgReqPositions = "req_positions"
)

// inboundMsg is the envelope for every message pushed by the gateway.
type inboundMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
	TimeMs int64  `json:"time,omitempty"` // Unix milliseconds

	// tick
	Price float64 `json:"price,omitempty"`

	// order_status / fill
	OrderID       string  `json:"orderId,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	TriggerPrice  float64 `json:"triggerPrice,omitempty"`
	Status        string  `json:"status,omitempty"`
	FillPrice     float64 `json:"fillPrice,omitempty"`
	FillQuantity  float64 `json:"fillQuantity,omitempty"`

	// position
	Side       string  `json:"side,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
	EntryPrice float64 `json:"entryPrice,omitempty"`
}

// outboundMsg is the envelope for every request sent to the gateway.
type outboundMsg struct {
	Type          string  `json:"type"`
	ClientID      int     `json:"clientId"`
	Symbol        string  `json:"symbol,omitempty"`
	OrderID       string  `json:"orderId,omitempty"`
	ClientOrderID string  `json:"clientOrderId,omitempty"`
	Side          string  `json:"side,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	TriggerPrice  float64 `json:"triggerPrice,omitempty"`
}

// translateStatus maps the gateway's order status strings onto domain statuses.
func translateStatus(s string) (domain.StopStatus, error) {
	switch s {
	case "PendingSubmit", "PreSubmitted":
		return domain.StopPending, nil
	case "Submitted", "Active":
		return domain.StopActive, nil
	case "Filled":
		return domain.StopFilled, nil
	case "Cancelled", "ApiCancelled", "Inactive":
		return domain.StopCancelled, nil
	default:
		return "", fmt.Errorf("unknown order status %q", s)
	}
}

// translateEvent converts a wire message into a ports.BrokerEvent.
func translateEvent(msg *inboundMsg) (ports.BrokerEvent, error) {
	ev := ports.BrokerEvent{
		Symbol: msg.Symbol,
		At:     time.UnixMilli(msg.TimeMs),
	}
	if msg.TimeMs == 0 {
		ev.At = time.Now().UTC()
	}

	switch msg.Type {
	case msgTick:
		ev.Type = ports.EventPriceTick
		ev.Price = msg.Price
	case msgOrderStatus:
		status, err := translateStatus(msg.Status)
		if err != nil {
			return ev, err
		}
		ev.Type = ports.EventOrderAck
		ev.OrderID = msg.OrderID
		ev.ClientOrderID = msg.ClientOrderID
		ev.TriggerPrice = msg.TriggerPrice
		ev.Status = status
	case msgFill:
		ev.Type = ports.EventFill
		ev.OrderID = msg.OrderID
		ev.ClientOrderID = msg.ClientOrderID
		ev.Status = domain.StopFilled
		ev.FillPrice = msg.FillPrice
		ev.FillQuantity = msg.FillQuantity
	case msgPosition:
		side := domain.Side(msg.Side)
		if side != domain.Long && side != domain.Short {
			return ev, fmt.Errorf("unknown position side %q", msg.Side)
		}
		ev.Type = ports.EventPositionUpdate
		ev.Side = side
		ev.Quantity = msg.Quantity
		ev.EntryPrice = msg.EntryPrice
	default:
		return ev, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return ev, nil
}
