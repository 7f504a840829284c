// Package tracker maintains the canonical mapping from instrument symbol to
// its position and associated stop order. It is the single mutable shared
// state of the bot: the engine reads snapshots from it and broker event
// handlers update it. Operations are atomic per symbol: updates to different
// symbols never block each other, while updates to the same symbol serialize.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

// Tracker holds the authoritative in-memory view of managed positions.
type Tracker struct {
	logger ports.Logger

	mu      sync.RWMutex // guards the entries map itself
	entries map[string]*entry
}

// entry pairs a position with its own mutex so per-symbol operations
// serialize without contending on the map lock.
type entry struct {
	mu  sync.Mutex
	pos *domain.Position
}

// New creates an empty tracker.
func New(logger ports.Logger) (*Tracker, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for tracker")
	}
	return &Tracker{
		logger:  logger,
		entries: make(map[string]*entry),
	}, nil
}

// lookup returns the entry for symbol, or nil if untracked.
func (t *Tracker) lookup(symbol string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[symbol]
}

// UpsertPosition creates or updates the position for a symbol and returns a
// snapshot of the result. If the update is inconsistent with an existing live
// stop order (side flip or quantity mismatch), the position is flagged for
// manual reconciliation and a wrapped ErrInvalidState is returned.
func (t *Tracker) UpsertPosition(ctx context.Context, symbol string, side domain.Side, quantity, entryPrice float64) (*domain.Position, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol must not be empty", ports.ErrInvalidRequest)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %f", ports.ErrInvalidRequest, quantity)
	}
	if entryPrice <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive, got %f", ports.ErrInvalidRequest, entryPrice)
	}
	if side != domain.Long && side != domain.Short {
		return nil, fmt.Errorf("%w: unknown side %q", ports.ErrInvalidRequest, side)
	}

	t.mu.Lock()
	e, ok := t.entries[symbol]
	if !ok {
		e = &entry{}
		t.entries[symbol] = e
	}
	t.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos == nil {
		e.pos = &domain.Position{
			Symbol:     symbol,
			Side:       side,
			Quantity:   quantity,
			EntryPrice: entryPrice,
			LastPrice:  entryPrice,
			Extremum:   entryPrice,
			EntryTime:  time.Now().UTC(),
			State:      domain.StateUnmanaged,
		}
		t.logger.Info(ctx, "Position now tracked", map[string]interface{}{
			"symbol": symbol, "side": side, "quantity": quantity, "entryPrice": entryPrice,
		})
		return e.pos.Clone(), nil
	}

	if e.pos.Stop != nil && e.pos.Stop.IsLive() {
		if side != e.pos.Side || quantity != e.pos.Stop.Quantity {
			e.pos.State = domain.StateHalted
			err := fmt.Errorf("%w: update (%s qty %f) conflicts with live stop %s (%s qty %f) for %s",
				ports.ErrInvalidState, side, quantity, e.pos.Stop.OrderID, e.pos.Side, e.pos.Stop.Quantity, symbol)
			t.logger.Error(ctx, err, "Position halted for manual reconciliation", map[string]interface{}{"symbol": symbol})
			return nil, err
		}
	}

	e.pos.Side = side
	e.pos.Quantity = quantity
	e.pos.EntryPrice = entryPrice
	return e.pos.Clone(), nil
}

// RecordPriceUpdate updates the last known price for a symbol and extends the
// favorable extremum if improved. Returns a snapshot of the updated position.
// Unknown symbols are a no-op: the returned snapshot and error are both nil.
func (t *Tracker) RecordPriceUpdate(ctx context.Context, symbol string, price float64) (*domain.Position, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive, got %f", ports.ErrInvalidRequest, price)
	}
	e := t.lookup(symbol)
	if e == nil {
		t.logger.Debug(ctx, "Price update for untracked symbol dropped", map[string]interface{}{"symbol": symbol, "price": price})
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil || !e.pos.IsOpen() {
		return nil, nil
	}

	e.pos.LastPrice = price
	if e.pos.Improves(price) {
		e.pos.Extremum = price
	}
	return e.pos.Clone(), nil
}

// RecordStopOrderState applies a broker acknowledgment to the stop order for
// a symbol. A wrapped ErrUnknownPosition is returned when no matching
// position exists. An acknowledgment that would move a live trigger in the
// unfavorable direction marks the position halted and returns a wrapped
// ErrInvalidState.
func (t *Tracker) RecordStopOrderState(ctx context.Context, symbol, orderID string, triggerPrice float64, status domain.StopStatus) (*domain.Position, error) {
	e := t.lookup(symbol)
	if e == nil {
		return nil, fmt.Errorf("%w: no position for symbol %s (order %s)", ports.ErrUnknownPosition, symbol, orderID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return nil, fmt.Errorf("%w: no position for symbol %s (order %s)", ports.ErrUnknownPosition, symbol, orderID)
	}
	pos := e.pos

	if pos.Stop == nil {
		pos.Stop = &domain.StopOrder{
			Symbol:   symbol,
			Side:     pos.Side.ExitSide(),
			Quantity: pos.Quantity,
		}
	}
	stop := pos.Stop

	// A live trigger must never loosen. The broker echoes what we asked for,
	// so a regression means our view and the broker's have diverged.
	if stop.Status == domain.StopActive && status == domain.StopActive && stop.TriggerPrice > 0 && triggerPrice > 0 {
		regressed := (pos.Side == domain.Long && triggerPrice < stop.TriggerPrice) ||
			(pos.Side == domain.Short && triggerPrice > stop.TriggerPrice)
		if regressed {
			pos.State = domain.StateHalted
			err := fmt.Errorf("%w: ack for %s moves trigger from %f to %f against the holder", ports.ErrInvalidState, symbol, stop.TriggerPrice, triggerPrice)
			t.logger.Error(ctx, err, "Position halted for manual reconciliation", map[string]interface{}{"symbol": symbol, "orderID": orderID})
			return nil, err
		}
	}

	stop.OrderID = orderID
	// Interim acks (e.g. PendingSubmit) may carry no trigger; keep the stored
	// one rather than zeroing it until the next full acknowledgment.
	if triggerPrice > 0 {
		stop.TriggerPrice = triggerPrice
	}
	stop.Status = status
	stop.ModifiedAt = time.Now().UTC()

	switch status {
	case domain.StopActive:
		if pos.State != domain.StateHalted {
			pos.State = domain.StateTracking
		}
	case domain.StopFilled:
		pos.State = domain.StateClosed
		pos.CloseReason = domain.CloseReasonStopFilled
		pos.ClosedAt = time.Now().UTC()
	case domain.StopCancelled:
		if pos.State != domain.StateHalted && pos.State != domain.StateClosed {
			pos.State = domain.StateUnmanaged
		}
	}

	return pos.Clone(), nil
}

// BeginAdjust transitions a position into the Adjusting state, reserving the
// right to issue a modify request. It fails with a wrapped ErrAdjustInFlight
// if a request is already outstanding, so a second modify can never be issued
// for the same symbol while one is pending.
func (t *Tracker) BeginAdjust(ctx context.Context, symbol string) error {
	e := t.lookup(symbol)
	if e == nil {
		return fmt.Errorf("%w: no position for symbol %s", ports.ErrUnknownPosition, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return fmt.Errorf("%w: no position for symbol %s", ports.ErrUnknownPosition, symbol)
	}
	switch e.pos.State {
	case domain.StateAdjusting:
		return fmt.Errorf("%w: %s", ports.ErrAdjustInFlight, symbol)
	case domain.StateHalted, domain.StateClosed:
		return fmt.Errorf("%w: position for %s is %s", ports.ErrInvalidState, symbol, e.pos.State)
	}
	e.pos.State = domain.StateAdjusting
	return nil
}

// EndAdjust leaves the Adjusting state without a broker acknowledgment,
// restoring the prior steady state. Used when a modify request fails or
// times out; the existing stop order remains in force.
func (t *Tracker) EndAdjust(ctx context.Context, symbol string) {
	e := t.lookup(symbol)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil || e.pos.State != domain.StateAdjusting {
		return
	}
	if e.pos.Stop != nil && e.pos.Stop.IsLive() {
		e.pos.State = domain.StateTracking
	} else {
		e.pos.State = domain.StateUnmanaged
	}
}

// Halt parks a position for manual reconciliation. Further adjustments are
// suppressed until the operator intervenes; other symbols are unaffected.
func (t *Tracker) Halt(ctx context.Context, symbol string) {
	e := t.lookup(symbol)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos != nil && e.pos.State != domain.StateClosed {
		e.pos.State = domain.StateHalted
		t.logger.Warn(ctx, "Position halted", map[string]interface{}{"symbol": symbol})
	}
}

// RemovePosition removes a position and its stop order on closure.
// Idempotent: removing an unknown symbol is not an error.
func (t *Tracker) RemovePosition(ctx context.Context, symbol string) {
	t.mu.Lock()
	e, ok := t.entries[symbol]
	if ok {
		delete(t.entries, symbol)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos != nil {
		e.pos.Stop = nil
		if e.pos.State != domain.StateClosed {
			e.pos.State = domain.StateClosed
			e.pos.ClosedAt = time.Now().UTC()
			if e.pos.CloseReason == "" {
				e.pos.CloseReason = domain.CloseReasonFlat
			}
		}
	}
	t.logger.Info(ctx, "Position removed from tracking", map[string]interface{}{"symbol": symbol})
}

// Snapshot returns a copy of the tracked position for a symbol, or nil if the
// symbol is untracked.
func (t *Tracker) Snapshot(symbol string) *domain.Position {
	e := t.lookup(symbol)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return nil
	}
	return e.pos.Clone()
}

// Restore seeds the tracker with a previously journaled position, used during
// startup reconciliation. Existing entries for the same symbol are replaced.
func (t *Tracker) Restore(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.Symbol == "" {
		return fmt.Errorf("%w: cannot restore empty position", ports.ErrInvalidRequest)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pos.Symbol] = &entry{pos: pos.Clone()}
	t.logger.Info(ctx, "Position restored from journal", map[string]interface{}{
		"symbol": pos.Symbol, "state": pos.State, "extremum": pos.Extremum,
	})
	return nil
}

// All returns snapshots of every tracked position, used for reconciliation.
func (t *Tracker) All() []*domain.Position {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]*domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.pos != nil {
			out = append(out, e.pos.Clone())
		}
		e.mu.Unlock()
	}
	return out
}
