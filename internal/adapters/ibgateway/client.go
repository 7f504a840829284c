// Package ibgateway implements the ports.BrokerClient interface against a
// TWS-style gateway bridge speaking JSON over a WebSocket. The adapter owns
// connection lifecycle and reconnection; the application only sees the
// translated event stream and asynchronous order operations.
package ibgateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"trailstopbot/internal/ports"
)

// Client implements the ports.BrokerClient interface using gorilla/websocket.
type Client struct {
	cfg Config

	logger ports.Logger

	connMu sync.Mutex // guards conn for writes and replacement
	conn   *websocket.Conn
}

// Config holds configuration specific to the gateway adapter.
type Config struct {
	Host                 string
	Port                 int
	ClientID             int
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
	HandshakeTimeout     time.Duration
}

// New creates a new gateway client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for gateway client")
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: gateway host and port are required", ports.ErrConfiguration)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 1 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, logger: cfg.Logger}, nil
}

func (c *Client) endpoint() string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port)),
		Path:     "/v1/session",
		RawQuery: fmt.Sprintf("clientId=%d", c.cfg.ClientID),
	}
	return u.String()
}

// Connect establishes the gateway session.
func (c *Client) Connect(ctx context.Context) error {
	op := "Connect"
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info(ctx, op+": gateway session established", map[string]interface{}{
		"endpoint": c.endpoint(), "clientId": c.cfg.ClientID,
	})
	return nil
}

// Close tears down the gateway session.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// handleError translates transport errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		websocket.IsUnexpectedCloseError(err),
		strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrBrokerUnavailable, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// writeJSON sends one request frame, serializing concurrent writers.
func (c *Client) writeJSON(ctx context.Context, op string, msg outboundMsg) error {
	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return fmt.Errorf("%s failed: %w: not connected", op, ports.ErrBrokerUnavailable)
	}
	err := conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SubmitStopOrder places a new stop order. The outcome arrives asynchronously
// as an order_status event on the stream.
func (c *Client) SubmitStopOrder(ctx context.Context, req ports.StopOrderRequest) error {
	op := "SubmitStopOrder"
	err := c.writeJSON(ctx, op, outboundMsg{
		Type:          msgSubmitStop,
		ClientID:      c.cfg.ClientID,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		TriggerPrice:  req.TriggerPrice,
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" transmitted", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity, "trigger": req.TriggerPrice,
	})
	return nil
}

// ModifyStopOrder revises the trigger price of an existing stop order.
func (c *Client) ModifyStopOrder(ctx context.Context, orderID string, req ports.StopOrderRequest) error {
	op := "ModifyStopOrder"
	err := c.writeJSON(ctx, op, outboundMsg{
		Type:          msgModifyStop,
		ClientID:      c.cfg.ClientID,
		Symbol:        req.Symbol,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		TriggerPrice:  req.TriggerPrice,
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" transmitted", map[string]interface{}{
		"symbol": req.Symbol, "orderID": orderID, "trigger": req.TriggerPrice,
	})
	return nil
}

// CancelStopOrder cancels an existing stop order by its broker id.
func (c *Client) CancelStopOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelStopOrder"
	err := c.writeJSON(ctx, op, outboundMsg{
		Type:     msgCancelStop,
		ClientID: c.cfg.ClientID,
		Symbol:   symbol,
		OrderID:  orderID,
	})
	if err != nil {
		return err
	}
	c.logger.Info(ctx, op+" transmitted", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// RequestPositions asks the gateway for a snapshot of open positions; the
// snapshot arrives as position events on the stream.
func (c *Client) RequestPositions(ctx context.Context) error {
	op := "RequestPositions"
	return c.writeJSON(ctx, op, outboundMsg{Type: msgReqPositions, ClientID: c.cfg.ClientID})
}

// Stream starts delivering broker events to handler in arrival order. The
// read loop reconnects with jittered exponential backoff; after
// MaxReconnectAttempts consecutive failures the stream reports through
// errHandler and shuts down.
func (c *Client) Stream(ctx context.Context, handler func(ev ports.BrokerEvent), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "Stream"

	c.connMu.Lock()
	connected := c.conn != nil
	c.connMu.Unlock()
	if !connected {
		return nil, nil, fmt.Errorf("%s failed: %w: not connected", op, ports.ErrBrokerUnavailable)
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-stopCh
		cancel()
	}()

	retry := &backoff.Backoff{
		Min:    c.cfg.ReconnectDelay,
		Max:    2 * time.Minute,
		Factor: 2,
		Jitter: true,
	}

	go func() {
		defer close(doneCh)
		defer cancel()

		for {
			readErr := c.readLoop(streamCtx, handler)
			if streamCtx.Err() != nil {
				c.logger.Info(streamCtx, op+": context cancelled, stopping", nil)
				return
			}
			c.logger.Warn(streamCtx, op+": connection lost, reconnecting", map[string]interface{}{
				"error": readErr.Error(),
			})

			// Reconnect with backoff; resubscribe by requesting a fresh
			// position snapshot so the app can reconcile.
			reconnected := false
			for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
				wait := retry.Duration()
				select {
				case <-streamCtx.Done():
					return
				case <-time.After(wait):
				}

				if err := c.Connect(streamCtx); err != nil {
					c.logger.Warn(streamCtx, op+": reconnect attempt failed", map[string]interface{}{
						"attempt": attempt, "maxAttempts": c.cfg.MaxReconnectAttempts, "nextDelay": wait.String(),
					})
					continue
				}
				retry.Reset()
				reconnected = true
				if err := c.RequestPositions(streamCtx); err != nil {
					c.logger.Warn(streamCtx, op+": position snapshot request after reconnect failed", map[string]interface{}{"error": err.Error()})
				}
				break
			}
			if !reconnected {
				finalErr := fmt.Errorf("%s: %w: gave up after %d reconnect attempts: %w",
					op, ports.ErrConnectionFailed, c.cfg.MaxReconnectAttempts, readErr)
				c.logger.Error(streamCtx, finalErr, op+": stream terminated")
				errHandler(finalErr)
				return
			}
		}
	}()

	c.logger.Info(ctx, op+" started", map[string]interface{}{"endpoint": c.endpoint()})
	return doneCh, stopCh, nil
}

// readLoop reads and dispatches frames until the connection breaks or the
// context is cancelled. Always returns a non-nil error.
func (c *Client) readLoop(ctx context.Context, handler func(ev ports.BrokerEvent)) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ports.ErrBrokerUnavailable)
	}

	// Unblock ReadJSON when the context is cancelled.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readerDone:
		}
	}()

	for {
		var msg inboundMsg
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		ev, err := translateEvent(&msg)
		if err != nil {
			// A malformed frame is logged and dropped; it must not kill the stream.
			c.logger.Warn(ctx, "Dropping untranslatable gateway frame", map[string]interface{}{
				"type": msg.Type, "symbol": msg.Symbol, "error": err.Error(),
			})
			continue
		}
		handler(ev)
	}
}

var _ ports.BrokerClient = (*Client)(nil)
