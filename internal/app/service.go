package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"trailstopbot/config"
	"trailstopbot/internal/domain"
	"trailstopbot/internal/engine"
	"trailstopbot/internal/ports"
	"trailstopbot/internal/tracker"
)

const (
	eventBufferSize = 256 // Broker events queued ahead of the loop
	sinkBufferSize  = 128 // State changes queued for the recorder/notifier
	connectAttempts = 3   // Initial gateway connect attempts before giving up
)

// Service orchestrates the trailing-stop bot: it consumes broker events in
// arrival order, drives the tracker and engine, issues stop order requests,
// and mirrors committed state changes to the recorder and notifier.
type Service struct {
	cfg      *config.Config
	logger   ports.Logger
	broker   ports.BrokerClient
	trk      *tracker.Tracker
	eng      *engine.Engine
	posRepo  ports.PositionRepository
	adjRepo  ports.AdjustmentRepository
	recorder ports.Recorder // optional
	notifier ports.Notifier // optional

	events chan ports.BrokerEvent
	sink   chan domain.StateChange

	// pending tracks the one in-flight stop request per symbol.
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// pendingRequest is a stop submit/modify awaiting broker acknowledgment.
type pendingRequest struct {
	symbol     string
	orderID    string // empty for an initial placement
	oldTrigger float64
	newTrigger float64
	attempts   int
	timer      *time.Timer
	isPlace    bool
}

// NewService creates a new application service instance.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	broker ports.BrokerClient,
	trk *tracker.Tracker,
	eng *engine.Engine,
	posRepo ports.PositionRepository,
	adjRepo ports.AdjustmentRepository,
	recorder ports.Recorder,
	notifier ports.Notifier,
) (*Service, error) {
	if cfg == nil || logger == nil || broker == nil || trk == nil || eng == nil || posRepo == nil || adjRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if cfg.AckTimeout <= 0 {
		return nil, fmt.Errorf("%w: AckTimeout must be positive", ports.ErrConfiguration)
	}
	if cfg.MaxModifyRetries < 0 {
		return nil, fmt.Errorf("%w: MaxModifyRetries cannot be negative", ports.ErrConfiguration)
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		broker:   broker,
		trk:      trk,
		eng:      eng,
		posRepo:  posRepo,
		adjRepo:  adjRepo,
		recorder: recorder,
		notifier: notifier,
		events:   make(chan ports.BrokerEvent, eventBufferSize),
		sink:     make(chan domain.StateChange, sinkBufferSize),
		pending:  make(map[string]*pendingRequest),
	}, nil
}

// Start runs the bot until the context is cancelled, a shutdown signal
// arrives, or the broker stream terminates.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trailing-stop service", map[string]interface{}{"profile": s.cfg.Profile})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Best-effort sink dispatcher; a slow spreadsheet or chat API must never
	// stall the event loop.
	var sinkWg sync.WaitGroup
	sinkWg.Add(1)
	go func() {
		defer sinkWg.Done()
		s.runSink(ctx)
	}()
	defer func() {
		cancel()
		sinkWg.Wait()
	}()

	// 1. Restore journaled positions so a restart resumes where it left off.
	if err := s.restoreFromJournal(ctx); err != nil {
		return err
	}

	// 2. Connect to the gateway with a bounded number of attempts.
	if err := s.connectBroker(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.broker.Close(); err != nil {
			s.logger.Warn(ctx, "Error closing broker session", map[string]interface{}{"error": err.Error()})
		}
	}()

	// 3. Start the event stream. The handler only enqueues: the loop below is
	// the single consumer, preserving arrival order.
	streamDone, streamStop, err := s.broker.Stream(ctx,
		func(ev ports.BrokerEvent) {
			select {
			case s.events <- ev:
			case <-ctx.Done():
			}
		},
		func(err error) {
			s.logger.Error(ctx, err, "Broker stream reported fatal error")
			s.emit(domain.StateChange{
				Kind: domain.EventError, Profile: s.cfg.Profile,
				Detail: fmt.Sprintf("broker stream failed: %v", err), At: time.Now().UTC(),
			})
		},
	)
	if err != nil {
		return fmt.Errorf("failed to start broker stream: %w", err)
	}

	// 4. Ask for a position snapshot to reconcile the restored state.
	if err := s.broker.RequestPositions(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to request initial position snapshot")
		return fmt.Errorf("failed to request position snapshot: %w", err)
	}

	// --- Main Loop ---
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Context cancelled, initiating shutdown")
			select {
			case streamStop <- struct{}{}:
			default:
			}
			select {
			case <-streamDone:
				s.logger.Info(ctx, "Broker stream shut down gracefully")
			case <-time.After(5 * time.Second):
				s.logger.Warn(ctx, "Timeout waiting for broker stream to shut down")
			}
			s.cancelAllPending()
			s.logger.Info(ctx, "Trailing-stop service stopped")
			return nil

		case <-streamDone:
			s.cancelAllPending()
			return fmt.Errorf("broker stream stopped unexpectedly")

		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// restoreFromJournal seeds the tracker from the position journal.
func (s *Service) restoreFromJournal(ctx context.Context) error {
	positions, err := s.posRepo.FindAllOpen(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load journaled positions")
		return fmt.Errorf("failed to load journaled positions: %w", err)
	}
	for _, pos := range positions {
		// A modify that was in flight when we died never completed; fall back
		// to the steady state and let the next tick re-evaluate.
		if pos.State == domain.StateAdjusting {
			if pos.Stop != nil && pos.Stop.IsLive() {
				pos.State = domain.StateTracking
			} else {
				pos.State = domain.StateUnmanaged
			}
		}
		if err := s.trk.Restore(ctx, pos); err != nil {
			return fmt.Errorf("failed to restore position for %s: %w", pos.Symbol, err)
		}
	}
	s.logger.Info(ctx, "Journal restored", map[string]interface{}{"openPositions": len(positions)})
	return nil
}

// connectBroker tries the initial gateway connect a few times before giving up.
func (s *Service) connectBroker(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = s.broker.Connect(ctx); err == nil {
			return nil
		}
		s.logger.Warn(ctx, "Gateway connect attempt failed", map[string]interface{}{
			"attempt": attempt, "maxAttempts": connectAttempts, "error": err.Error(),
		})
		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ReconnectDelay):
			}
		}
	}
	s.emit(domain.StateChange{
		Kind: domain.EventError, Profile: s.cfg.Profile,
		Detail: fmt.Sprintf("could not connect to gateway after %d attempts", connectAttempts),
		At:     time.Now().UTC(),
	})
	return fmt.Errorf("failed to connect to gateway: %w", err)
}

// handleEvent dispatches one broker event. Called only from the main loop,
// so events are processed strictly in arrival order.
func (s *Service) handleEvent(ctx context.Context, ev ports.BrokerEvent) {
	switch ev.Type {
	case ports.EventPriceTick:
		s.handleTick(ctx, ev)
	case ports.EventOrderAck:
		s.handleOrderAck(ctx, ev)
	case ports.EventFill:
		s.handleFill(ctx, ev)
	case ports.EventPositionUpdate:
		s.handlePositionUpdate(ctx, ev)
	default:
		s.logger.Warn(ctx, "Unknown broker event type dropped", map[string]interface{}{"type": ev.Type})
	}
}

func (s *Service) handleTick(ctx context.Context, ev ports.BrokerEvent) {
	snap, err := s.trk.RecordPriceUpdate(ctx, ev.Symbol, ev.Price)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to record price update", map[string]interface{}{"symbol": ev.Symbol})
		return
	}
	if snap == nil {
		// Untracked symbol; dropped by the tracker already.
		return
	}

	decision, err := s.eng.Evaluate(ctx, snap)
	if err != nil {
		if errors.Is(err, ports.ErrConfiguration) {
			// No usable trailing policy: halt this symbol, keep the rest running.
			s.trk.Halt(ctx, ev.Symbol)
			s.emit(domain.StateChange{
				Kind: domain.EventHalted, Profile: s.cfg.Profile, Symbol: ev.Symbol,
				Detail: err.Error(), At: time.Now().UTC(),
			})
		}
		s.logger.Error(ctx, err, "Engine evaluation failed", map[string]interface{}{"symbol": ev.Symbol})
		return
	}

	switch decision.Action {
	case engine.ActionPlace, engine.ActionModify:
		s.requestStopChange(ctx, snap, decision)
	}
}

// requestStopChange transitions the position into Adjusting and transmits the
// stop request. The acknowledgment (or its timeout) completes the cycle.
func (s *Service) requestStopChange(ctx context.Context, snap *domain.Position, decision engine.Decision) {
	symbol := snap.Symbol
	if err := s.trk.BeginAdjust(ctx, symbol); err != nil {
		if errors.Is(err, ports.ErrAdjustInFlight) {
			// A request is already outstanding; the next tick will retry.
			return
		}
		s.logger.Error(ctx, err, "Cannot begin stop adjustment", map[string]interface{}{"symbol": symbol})
		return
	}

	clientOrderID := uuid.NewString()
	orderID := ""
	oldTrigger := 0.0
	isPlace := decision.Action == engine.ActionPlace
	if snap.Stop != nil {
		if snap.Stop.ClientOrderID != "" {
			clientOrderID = snap.Stop.ClientOrderID
		}
		orderID = snap.Stop.OrderID
		oldTrigger = snap.Stop.TriggerPrice
	}

	req := ports.StopOrderRequest{
		Symbol:        symbol,
		Side:          snap.Side.ExitSide(),
		Quantity:      snap.Quantity,
		TriggerPrice:  decision.Trigger,
		ClientOrderID: clientOrderID,
	}

	var err error
	if isPlace {
		err = s.broker.SubmitStopOrder(ctx, req)
	} else {
		err = s.broker.ModifyStopOrder(ctx, orderID, req)
	}
	if err != nil {
		// Transmit failed; the existing stop (if any) remains in force.
		s.trk.EndAdjust(ctx, symbol)
		s.logger.Error(ctx, err, "Failed to transmit stop request", map[string]interface{}{
			"symbol": symbol, "trigger": decision.Trigger,
		})
		return
	}

	p := &pendingRequest{
		symbol:     symbol,
		orderID:    orderID,
		oldTrigger: oldTrigger,
		newTrigger: decision.Trigger,
		attempts:   1,
		isPlace:    isPlace,
	}

	// Register before arming: a timer firing ahead of registration would find
	// no entry to reap and strand the symbol in its adjusting state.
	s.mu.Lock()
	s.pending[symbol] = p
	p.timer = time.AfterFunc(s.cfg.AckTimeout, func() { s.onAckTimeout(ctx, symbol) })
	s.mu.Unlock()

	s.logger.Info(ctx, "Stop request transmitted", map[string]interface{}{
		"symbol": symbol, "oldTrigger": oldTrigger, "newTrigger": decision.Trigger, "place": isPlace,
	})
}

// onAckTimeout fires when a stop request saw no acknowledgment in time.
// It retries a bounded number of times, then surfaces a fatal alert for the
// symbol and leaves the existing stop order in force.
func (s *Service) onAckTimeout(ctx context.Context, symbol string) {
	s.mu.Lock()
	p, ok := s.pending[symbol]
	if !ok {
		s.mu.Unlock()
		return // acknowledged in the meantime
	}

	if p.attempts <= s.cfg.MaxModifyRetries {
		p.attempts++
		req := ports.StopOrderRequest{
			Symbol:       symbol,
			TriggerPrice: p.newTrigger,
		}
		// Fill in the fields the broker needs from the latest snapshot.
		if snap := s.trk.Snapshot(symbol); snap != nil {
			req.Side = snap.Side.ExitSide()
			req.Quantity = snap.Quantity
			if snap.Stop != nil {
				req.ClientOrderID = snap.Stop.ClientOrderID
			}
		}
		isPlace := p.isPlace
		orderID := p.orderID
		attempt := p.attempts
		p.timer = time.AfterFunc(s.cfg.AckTimeout, func() { s.onAckTimeout(ctx, symbol) })
		s.mu.Unlock()

		s.logger.Warn(ctx, "Stop request unacknowledged, retrying", map[string]interface{}{
			"symbol": symbol, "attempt": attempt, "maxRetries": s.cfg.MaxModifyRetries,
		})
		var err error
		if isPlace {
			err = s.broker.SubmitStopOrder(ctx, req)
		} else {
			err = s.broker.ModifyStopOrder(ctx, orderID, req)
		}
		if err != nil {
			s.logger.Error(ctx, err, "Stop request retry failed to transmit", map[string]interface{}{"symbol": symbol})
		}
		return
	}

	// Retries exhausted.
	delete(s.pending, symbol)
	s.mu.Unlock()

	s.trk.EndAdjust(ctx, symbol)
	err := fmt.Errorf("%w: no acknowledgment for %s after %d attempts", ports.ErrBrokerTimeout, symbol, p.attempts)
	s.logger.Error(ctx, err, "Stop adjustment abandoned, existing stop remains in force", map[string]interface{}{
		"symbol": symbol, "trigger": p.newTrigger,
	})
	s.emit(domain.StateChange{
		Kind: domain.EventError, Profile: s.cfg.Profile, Symbol: symbol,
		Trigger: p.oldTrigger,
		Detail:  fmt.Sprintf("stop modify unacknowledged after %d attempts, keeping trigger %.2f", p.attempts, p.oldTrigger),
		At:      time.Now().UTC(),
	})
}

func (s *Service) handleOrderAck(ctx context.Context, ev ports.BrokerEvent) {
	snap, err := s.trk.RecordStopOrderState(ctx, ev.Symbol, ev.OrderID, ev.TriggerPrice, ev.Status)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrUnknownPosition):
			// Ack for something we do not track: log and drop, not fatal.
			s.logger.Warn(ctx, "Acknowledgment for untracked position dropped", map[string]interface{}{
				"symbol": ev.Symbol, "orderID": ev.OrderID,
			})
		case errors.Is(err, ports.ErrInvalidState):
			s.clearPending(ev.Symbol)
			s.emit(domain.StateChange{
				Kind: domain.EventHalted, Profile: s.cfg.Profile, Symbol: ev.Symbol,
				OrderID: ev.OrderID, Detail: err.Error(), At: time.Now().UTC(),
			})
		default:
			s.logger.Error(ctx, err, "Failed to record stop order state", map[string]interface{}{"symbol": ev.Symbol})
		}
		return
	}

	switch ev.Status {
	case domain.StopActive:
		s.commitAdjustment(ctx, snap, ev)
	case domain.StopCancelled:
		s.clearPending(ev.Symbol)
		s.persist(ctx, snap)
		s.logger.Info(ctx, "Stop order cancelled", map[string]interface{}{"symbol": ev.Symbol, "orderID": ev.OrderID})
	default:
		s.logger.Debug(ctx, "Stop order acknowledgment", map[string]interface{}{
			"symbol": ev.Symbol, "orderID": ev.OrderID, "status": ev.Status,
		})
	}
}

// commitAdjustment finalizes an acknowledged place/modify: journal the
// revision, persist the position, and emit the state change.
func (s *Service) commitAdjustment(ctx context.Context, snap *domain.Position, ev ports.BrokerEvent) {
	s.mu.Lock()
	p, ok := s.pending[ev.Symbol]
	if ok {
		delete(s.pending, ev.Symbol)
		p.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		// An ack we did not solicit (e.g. state echo after reconnect); the
		// tracker has already absorbed it.
		s.persist(ctx, snap)
		return
	}

	now := time.Now().UTC()
	adj := &domain.Adjustment{
		PositionID: snap.ID,
		Symbol:     ev.Symbol,
		OrderID:    ev.OrderID,
		OldTrigger: p.oldTrigger,
		NewTrigger: ev.TriggerPrice,
		Extremum:   snap.Extremum,
		AdjustedAt: now,
	}
	if _, err := s.adjRepo.CreateAdjustment(ctx, adj); err != nil {
		s.logger.Error(ctx, err, "Failed to journal adjustment", map[string]interface{}{"symbol": ev.Symbol})
	}
	s.persist(ctx, snap)

	kind := domain.EventStopAdjusted
	if p.isPlace {
		kind = domain.EventStopPlaced
	}
	s.emit(domain.StateChange{
		Kind: kind, Profile: s.cfg.Profile, Symbol: ev.Symbol, OrderID: ev.OrderID,
		Quantity: snap.Quantity, Trigger: ev.TriggerPrice, At: now,
	})
	s.logger.Info(ctx, "Stop adjustment committed", map[string]interface{}{
		"symbol": ev.Symbol, "oldTrigger": p.oldTrigger, "newTrigger": ev.TriggerPrice,
	})
}

func (s *Service) handleFill(ctx context.Context, ev ports.BrokerEvent) {
	s.clearPending(ev.Symbol)

	snap, err := s.trk.RecordStopOrderState(ctx, ev.Symbol, ev.OrderID, ev.TriggerPrice, domain.StopFilled)
	if err != nil {
		if errors.Is(err, ports.ErrUnknownPosition) {
			s.logger.Warn(ctx, "Fill for untracked position dropped", map[string]interface{}{
				"symbol": ev.Symbol, "orderID": ev.OrderID,
			})
			return
		}
		s.logger.Error(ctx, err, "Failed to record fill", map[string]interface{}{"symbol": ev.Symbol})
		return
	}

	s.persist(ctx, snap)
	s.trk.RemovePosition(ctx, ev.Symbol)

	now := time.Now().UTC()
	s.emit(domain.StateChange{
		Kind: domain.EventStopFilled, Profile: s.cfg.Profile, Symbol: ev.Symbol, OrderID: ev.OrderID,
		Quantity: ev.FillQuantity, Price: ev.FillPrice, At: now,
	})
	s.emit(domain.StateChange{
		Kind: domain.EventPositionClosed, Profile: s.cfg.Profile, Symbol: ev.Symbol,
		Detail: string(domain.CloseReasonStopFilled), At: now,
	})
	s.logger.Info(ctx, "Position closed by stop fill", map[string]interface{}{
		"symbol": ev.Symbol, "fillPrice": ev.FillPrice, "quantity": ev.FillQuantity,
	})
}

func (s *Service) handlePositionUpdate(ctx context.Context, ev ports.BrokerEvent) {
	if ev.Quantity == 0 {
		// Flat at the broker: end management for this symbol.
		if snap := s.trk.Snapshot(ev.Symbol); snap != nil {
			if snap.Stop != nil && snap.Stop.IsLive() {
				if err := s.broker.CancelStopOrder(ctx, ev.Symbol, snap.Stop.OrderID); err != nil {
					s.logger.Warn(ctx, "Failed to cancel orphaned stop order", map[string]interface{}{
						"symbol": ev.Symbol, "orderID": snap.Stop.OrderID, "error": err.Error(),
					})
				}
			}
			snap.State = domain.StateClosed
			snap.CloseReason = domain.CloseReasonFlat
			snap.ClosedAt = time.Now().UTC()
			s.persist(ctx, snap)
			s.clearPending(ev.Symbol)
			s.trk.RemovePosition(ctx, ev.Symbol)
			s.emit(domain.StateChange{
				Kind: domain.EventPositionClosed, Profile: s.cfg.Profile, Symbol: ev.Symbol,
				Detail: string(domain.CloseReasonFlat), At: time.Now().UTC(),
			})
		}
		return
	}

	known := s.trk.Snapshot(ev.Symbol) != nil
	snap, err := s.trk.UpsertPosition(ctx, ev.Symbol, ev.Side, ev.Quantity, ev.EntryPrice)
	if err != nil {
		if errors.Is(err, ports.ErrInvalidState) {
			s.emit(domain.StateChange{
				Kind: domain.EventHalted, Profile: s.cfg.Profile, Symbol: ev.Symbol,
				Detail: err.Error(), At: time.Now().UTC(),
			})
		}
		s.logger.Error(ctx, err, "Failed to upsert position", map[string]interface{}{"symbol": ev.Symbol})
		return
	}

	if !known {
		id, err := s.posRepo.Create(ctx, snap)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to journal new position", map[string]interface{}{"symbol": ev.Symbol})
		} else {
			snap.ID = id
			if err := s.trk.Restore(ctx, snap); err != nil {
				s.logger.Error(ctx, err, "Failed to attach journal id", map[string]interface{}{"symbol": ev.Symbol})
			}
		}
	} else {
		s.persist(ctx, snap)
	}
}

// persist updates the position journal, logging (not propagating) failures.
func (s *Service) persist(ctx context.Context, snap *domain.Position) {
	if snap == nil || snap.ID == 0 {
		return
	}
	if err := s.posRepo.Update(ctx, snap); err != nil {
		s.logger.Error(ctx, err, "Failed to update position journal", map[string]interface{}{"symbol": snap.Symbol})
	}
}

// clearPending drops any in-flight request bookkeeping for a symbol.
func (s *Service) clearPending(symbol string) {
	s.mu.Lock()
	if p, ok := s.pending[symbol]; ok {
		p.timer.Stop()
		delete(s.pending, symbol)
	}
	s.mu.Unlock()
}

// cancelAllPending stops all ack timers during shutdown.
func (s *Service) cancelAllPending() {
	s.mu.Lock()
	for symbol, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, symbol)
	}
	s.mu.Unlock()
}

// emit queues a state change for the recorder and notifier. Never blocks: if
// the sink queue is full the event is logged and dropped.
func (s *Service) emit(ev domain.StateChange) {
	select {
	case s.sink <- ev:
	default:
		s.logger.Warn(context.Background(), "Sink queue full, state change dropped", map[string]interface{}{
			"kind": ev.Kind, "symbol": ev.Symbol,
		})
	}
}

// runSink delivers state changes to the recorder and notifier sequentially.
// Failures are logged and never propagate to trading logic.
func (s *Service) runSink(ctx context.Context) {
	for {
		select {
		case ev := <-s.sink:
			s.deliver(ctx, ev)
		case <-ctx.Done():
			// Drain whatever is already queued, then exit.
			for {
				select {
				case ev := <-s.sink:
					s.deliver(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, ev domain.StateChange) {
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, ev); err != nil {
			s.logger.Error(ctx, err, "Recorder delivery failed", map[string]interface{}{
				"kind": ev.Kind, "symbol": ev.Symbol,
			})
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.Error(ctx, err, "Notifier delivery failed", map[string]interface{}{
				"kind": ev.Kind, "symbol": ev.Symbol,
			})
		}
	}
}
