package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailstopbot/config"
	"trailstopbot/internal/domain"
	"trailstopbot/internal/engine"
	"trailstopbot/internal/ports"
	"trailstopbot/internal/tracker"
)

// --- Mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type stopCall struct {
	orderID string
	req     ports.StopOrderRequest
}

type mockBroker struct {
	mu         sync.Mutex
	submits    []stopCall
	modifies   []stopCall
	cancels    []string
	posReqs    int
	submitErr  error
	modifyErr  error
	connectErr error
}

func (m *mockBroker) Connect(ctx context.Context) error { return m.connectErr }
func (m *mockBroker) Close() error                      { return nil }
func (m *mockBroker) Stream(ctx context.Context, handler func(ev ports.BrokerEvent), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}, 1), nil
}
func (m *mockBroker) SubmitStopOrder(ctx context.Context, req ports.StopOrderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submits = append(m.submits, stopCall{req: req})
	return nil
}
func (m *mockBroker) ModifyStopOrder(ctx context.Context, orderID string, req ports.StopOrderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modifyErr != nil {
		return m.modifyErr
	}
	m.modifies = append(m.modifies, stopCall{orderID: orderID, req: req})
	return nil
}
func (m *mockBroker) CancelStopOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderID)
	return nil
}
func (m *mockBroker) RequestPositions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posReqs++
	return nil
}

func (m *mockBroker) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submits)
}

func (m *mockBroker) modifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modifies)
}

type mockPosRepo struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*domain.Position
}

func newMockPosRepo() *mockPosRepo {
	return &mockPosRepo{nextID: 1, byID: make(map[int64]*domain.Position)}
}

func (m *mockPosRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	cp := pos.Clone()
	cp.ID = id
	m.byID[id] = cp
	return id, nil
}

func (m *mockPosRepo) Update(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[pos.ID] = pos.Clone()
	return nil
}

func (m *mockPosRepo) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Symbol == symbol && p.IsOpen() {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (m *mockPosRepo) FindAllOpen(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.byID {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *mockPosRepo) get(id int64) *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type mockAdjRepo struct {
	mu          sync.Mutex
	adjustments []*domain.Adjustment
}

func (m *mockAdjRepo) CreateAdjustment(ctx context.Context, adj *domain.Adjustment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments = append(m.adjustments, adj)
	return int64(len(m.adjustments)), nil
}

func (m *mockAdjRepo) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Adjustment
	for _, a := range m.adjustments {
		if a.Symbol == symbol {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockAdjRepo) all() []*domain.Adjustment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Adjustment(nil), m.adjustments...)
}

// --- Helpers ---

type testRig struct {
	svc     *Service
	broker  *mockBroker
	trk     *tracker.Tracker
	posRepo *mockPosRepo
	adjRepo *mockAdjRepo
}

func newTestRig(t *testing.T, mutate func(cfg *config.Config)) *testRig {
	t.Helper()
	cfg := &config.Config{
		Profile:          "test",
		Trailing:         config.TrailParams{Distance: 5},
		AckTimeout:       time.Second,
		MaxModifyRetries: 2,
		ReconnectDelay:   time.Millisecond,
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := &mockLogger{}
	trk, err := tracker.New(logger)
	require.NoError(t, err)
	eng, err := engine.New(cfg.Trailing, cfg.Overrides, logger)
	require.NoError(t, err)

	broker := &mockBroker{}
	posRepo := newMockPosRepo()
	adjRepo := &mockAdjRepo{}

	svc, err := NewService(cfg, logger, broker, trk, eng, posRepo, adjRepo, nil, nil)
	require.NoError(t, err)

	return &testRig{svc: svc, broker: broker, trk: trk, posRepo: posRepo, adjRepo: adjRepo}
}

// drainSink collects whatever state changes have been queued so far.
func (r *testRig) drainSink() []domain.StateChange {
	var out []domain.StateChange
	for {
		select {
		case ev := <-r.svc.sink:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (r *testRig) trackLong(t *testing.T, symbol string, quantity, entry float64) {
	t.Helper()
	_, err := r.trk.UpsertPosition(context.Background(), symbol, domain.Long, quantity, entry)
	require.NoError(t, err)
}

func tick(symbol string, price float64) ports.BrokerEvent {
	return ports.BrokerEvent{Type: ports.EventPriceTick, Symbol: symbol, Price: price, At: time.Now()}
}

func ack(symbol, orderID string, trigger float64, status domain.StopStatus) ports.BrokerEvent {
	return ports.BrokerEvent{Type: ports.EventOrderAck, Symbol: symbol, OrderID: orderID, TriggerPrice: trigger, Status: status, At: time.Now()}
}

// --- Tests ---

func TestNewService_Validation(t *testing.T) {
	logger := &mockLogger{}
	cfg := &config.Config{AckTimeout: time.Second, Trailing: config.TrailParams{Distance: 5}}
	trk, err := tracker.New(logger)
	require.NoError(t, err)
	eng, err := engine.New(cfg.Trailing, nil, logger)
	require.NoError(t, err)

	_, err = NewService(nil, logger, &mockBroker{}, trk, eng, newMockPosRepo(), &mockAdjRepo{}, nil, nil)
	assert.Error(t, err)

	_, err = NewService(cfg, logger, nil, trk, eng, newMockPosRepo(), &mockAdjRepo{}, nil, nil)
	assert.Error(t, err)

	bad := *cfg
	bad.AckTimeout = 0
	_, err = NewService(&bad, logger, &mockBroker{}, trk, eng, newMockPosRepo(), &mockAdjRepo{}, nil, nil)
	assert.ErrorIs(t, err, ports.ErrConfiguration)
}

func TestHandleTick_PlacesInitialStop(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)

	rig.svc.handleEvent(ctx, tick("AAPL", 100))

	require.Equal(t, 1, rig.broker.submitCount())
	req := rig.broker.submits[0].req
	assert.Equal(t, "AAPL", req.Symbol)
	assert.Equal(t, domain.Sell, req.Side)
	assert.Equal(t, 10.0, req.Quantity)
	assert.Equal(t, 95.0, req.TriggerPrice)
	assert.NotEmpty(t, req.ClientOrderID)

	// The request is outstanding: another tick must not stack a second one.
	rig.svc.handleEvent(ctx, tick("AAPL", 101))
	assert.Equal(t, 1, rig.broker.submitCount())
	assert.Equal(t, 0, rig.broker.modifyCount())
	assert.Equal(t, domain.StateAdjusting, rig.trk.Snapshot("AAPL").State)
}

func TestHandleTick_UnknownSymbolIsNoOp(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.svc.handleEvent(context.Background(), tick("MSFT", 300))

	assert.Equal(t, 0, rig.broker.submitCount())
	assert.Empty(t, rig.drainSink())
}

func TestOrderAck_CommitsPlacementThenTrailsUp(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)

	// Place at 95 and acknowledge.
	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	require.Equal(t, 1, rig.broker.submitCount())
	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopActive))

	snap := rig.trk.Snapshot("AAPL")
	require.Equal(t, domain.StateTracking, snap.State)
	assert.Equal(t, 95.0, snap.Stop.TriggerPrice)

	adjs := rig.adjRepo.all()
	require.Len(t, adjs, 1)
	assert.Equal(t, 0.0, adjs[0].OldTrigger)
	assert.Equal(t, 95.0, adjs[0].NewTrigger)

	events := rig.drainSink()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopPlaced, events[0].Kind)
	assert.Equal(t, 95.0, events[0].Trigger)

	// Rally to 110: modify to 105 and acknowledge.
	rig.svc.handleEvent(ctx, tick("AAPL", 110))
	require.Equal(t, 1, rig.broker.modifyCount())
	assert.Equal(t, "ord-1", rig.broker.modifies[0].orderID)
	assert.Equal(t, 105.0, rig.broker.modifies[0].req.TriggerPrice)

	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 105, domain.StopActive))

	snap = rig.trk.Snapshot("AAPL")
	assert.Equal(t, domain.StateTracking, snap.State)
	assert.Equal(t, 105.0, snap.Stop.TriggerPrice)

	adjs = rig.adjRepo.all()
	require.Len(t, adjs, 2)
	assert.Equal(t, 95.0, adjs[1].OldTrigger)
	assert.Equal(t, 105.0, adjs[1].NewTrigger)

	events = rig.drainSink()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStopAdjusted, events[0].Kind)

	// Pullback to 108 must not loosen the stop.
	rig.svc.handleEvent(ctx, tick("AAPL", 108))
	assert.Equal(t, 1, rig.broker.modifyCount())
}

func TestOrderAck_UntrackedSymbolDropped(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.svc.handleEvent(context.Background(), ack("MSFT", "ord-9", 95, domain.StopActive))

	assert.Empty(t, rig.adjRepo.all())
	assert.Empty(t, rig.drainSink())
}

func TestAckTimeout_RetriesThenAbandons(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.AckTimeout = 20 * time.Millisecond
		cfg.MaxModifyRetries = 1
	})
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)

	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	require.Equal(t, 1, rig.broker.submitCount())

	// One retry fires, then the request is abandoned.
	assert.Eventually(t, func() bool { return rig.broker.submitCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		rig.svc.mu.Lock()
		defer rig.svc.mu.Unlock()
		return len(rig.svc.pending) == 0
	}, time.Second, 5*time.Millisecond)

	// No live stop was ever confirmed, so the position falls back to unmanaged.
	snap := rig.trk.Snapshot("AAPL")
	assert.Equal(t, domain.StateUnmanaged, snap.State)

	events := rig.drainSink()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Kind)
	assert.Equal(t, "AAPL", events[0].Symbol)

	// Ensure no further retries fire after abandonment.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rig.broker.submitCount())
}

func TestAckArrivesBeforeTimeout_NoRetry(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.AckTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)

	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopActive))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rig.broker.submitCount())
}

// A broker-side cancellation ends protection; the very next tick must place a
// fresh stop even when the price sits below the dead order's old trigger.
func TestCancelledStop_IsReplacedOnNextTick(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)
	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopActive))
	rig.drainSink()

	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopCancelled))
	require.Equal(t, domain.StateUnmanaged, rig.trk.Snapshot("AAPL").State)

	rig.svc.handleEvent(ctx, tick("AAPL", 90))
	require.Equal(t, 2, rig.broker.submitCount())
	assert.Equal(t, 95.0, rig.broker.submits[1].req.TriggerPrice)
}

// Even with a vanishingly small ack timeout the timer must always find its
// pending entry, so an unacknowledged request is reaped instead of leaving the
// symbol wedged in its adjusting state.
func TestAckTimeout_ImmediateExpiryStillReaps(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.AckTimeout = time.Nanosecond
		cfg.MaxModifyRetries = 0
	})
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)

	rig.svc.handleEvent(ctx, tick("AAPL", 100))

	assert.Eventually(t, func() bool {
		rig.svc.mu.Lock()
		defer rig.svc.mu.Unlock()
		return len(rig.svc.pending) == 0
	}, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool {
		return rig.trk.Snapshot("AAPL").State == domain.StateUnmanaged
	}, time.Second, time.Millisecond)
}

func TestTransmitFailure_LeavesStateRecoverable(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)
	rig.broker.submitErr = ports.ErrBrokerUnavailable

	rig.svc.handleEvent(ctx, tick("AAPL", 100))

	snap := rig.trk.Snapshot("AAPL")
	assert.Equal(t, domain.StateUnmanaged, snap.State)

	// Transport recovers: the next tick places normally.
	rig.broker.submitErr = nil
	rig.svc.handleEvent(ctx, tick("AAPL", 101))
	assert.Equal(t, 1, rig.broker.submitCount())
}

func TestHandleFill_ClosesAndEmits(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)
	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopActive))
	rig.drainSink()

	rig.svc.handleEvent(ctx, ports.BrokerEvent{
		Type: ports.EventFill, Symbol: "AAPL", OrderID: "ord-1",
		TriggerPrice: 95, FillPrice: 94.8, FillQuantity: 10, At: time.Now(),
	})

	assert.Nil(t, rig.trk.Snapshot("AAPL"))

	events := rig.drainSink()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventStopFilled, events[0].Kind)
	assert.Equal(t, 94.8, events[0].Price)
	assert.Equal(t, domain.EventPositionClosed, events[1].Kind)
	assert.Equal(t, string(domain.CloseReasonStopFilled), events[1].Detail)
}

func TestPositionUpdate_NewPositionIsJournaled(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rig.svc.handleEvent(ctx, ports.BrokerEvent{
		Type: ports.EventPositionUpdate, Symbol: "AAPL",
		Side: domain.Long, Quantity: 10, EntryPrice: 100, At: time.Now(),
	})

	snap := rig.trk.Snapshot("AAPL")
	require.NotNil(t, snap)
	assert.NotZero(t, snap.ID)
	assert.Equal(t, domain.StateUnmanaged, snap.State)
	assert.NotNil(t, rig.posRepo.get(snap.ID))
}

func TestPositionUpdate_FlatRemovesAndCancelsStop(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)
	rig.svc.handleEvent(ctx, tick("AAPL", 100))
	rig.svc.handleEvent(ctx, ack("AAPL", "ord-1", 95, domain.StopActive))
	rig.drainSink()

	rig.svc.handleEvent(ctx, ports.BrokerEvent{
		Type: ports.EventPositionUpdate, Symbol: "AAPL", Side: domain.Long, Quantity: 0, At: time.Now(),
	})

	assert.Nil(t, rig.trk.Snapshot("AAPL"))
	require.Len(t, rig.broker.cancels, 1)
	assert.Equal(t, "ord-1", rig.broker.cancels[0])

	events := rig.drainSink()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPositionClosed, events[0].Kind)
	assert.Equal(t, string(domain.CloseReasonFlat), events[0].Detail)
}

func TestRestoreFromJournal_ResumesTrailing(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	// A position persisted mid-adjustment by a previous run.
	id, err := rig.posRepo.Create(ctx, &domain.Position{
		Symbol: "AAPL", Side: domain.Long, Quantity: 10,
		EntryPrice: 100, LastPrice: 108, Extremum: 110,
		State: domain.StateAdjusting,
		Stop: &domain.StopOrder{
			OrderID: "ord-1", Symbol: "AAPL", Side: domain.Sell,
			Quantity: 10, TriggerPrice: 105, Status: domain.StopActive,
		},
	})
	require.NoError(t, err)

	require.NoError(t, rig.svc.restoreFromJournal(ctx))

	snap := rig.trk.Snapshot("AAPL")
	require.NotNil(t, snap)
	assert.Equal(t, id, snap.ID)
	// The stale in-flight flag must not wedge the symbol forever.
	assert.Equal(t, domain.StateTracking, snap.State)

	// Trailing resumes from the journaled extremum.
	rig.svc.handleEvent(ctx, tick("AAPL", 115))
	require.Equal(t, 1, rig.broker.modifyCount())
	assert.Equal(t, 110.0, rig.broker.modifies[0].req.TriggerPrice)
}

func TestHaltedSymbolDoesNotBlockOthers(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trackLong(t, "AAPL", 10, 100)
	rig.trackLong(t, "MSFT", 5, 300)
	rig.trk.Halt(ctx, "AAPL")

	rig.svc.handleEvent(ctx, tick("AAPL", 120))
	rig.svc.handleEvent(ctx, tick("MSFT", 300))

	require.Equal(t, 1, rig.broker.submitCount())
	assert.Equal(t, "MSFT", rig.broker.submits[0].req.Symbol)
}
