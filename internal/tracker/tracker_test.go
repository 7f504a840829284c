package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

type noopLogger struct{}

func (l *noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	trk, err := New(&noopLogger{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return trk
}

func TestUpsertPosition_NewPosition(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	snap, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100)
	if err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if snap.State != domain.StateUnmanaged {
		t.Errorf("expected new position unmanaged, got %s", snap.State)
	}
	if snap.Extremum != 100 || snap.LastPrice != 100 {
		t.Errorf("expected extremum and last price seeded from entry, got %f / %f", snap.Extremum, snap.LastPrice)
	}
	if snap.Stop != nil {
		t.Error("expected no stop order on a new position")
	}
}

func TestUpsertPosition_Validation(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		symbol   string
		side     domain.Side
		quantity float64
		entry    float64
	}{
		{"empty symbol", "", domain.Long, 10, 100},
		{"zero quantity", "AAPL", domain.Long, 0, 100},
		{"negative quantity", "AAPL", domain.Long, -5, 100},
		{"zero entry", "AAPL", domain.Long, 10, 0},
		{"bad side", "AAPL", domain.Side("sideways"), 10, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := trk.UpsertPosition(ctx, tc.symbol, tc.side, tc.quantity, tc.entry); !errors.Is(err, ports.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestUpsertPosition_ConflictWithLiveStopHalts(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if _, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive); err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}

	// Quantity no longer matches the live protective order.
	_, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 7, 100)
	if !errors.Is(err, ports.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on quantity mismatch, got %v", err)
	}
	if snap := trk.Snapshot("AAPL"); snap.State != domain.StateHalted {
		t.Errorf("expected position halted, got %s", snap.State)
	}
}

func TestRecordPriceUpdate_ExtendsExtremum(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}

	snap, err := trk.RecordPriceUpdate(ctx, "AAPL", 110)
	if err != nil {
		t.Fatalf("RecordPriceUpdate() failed: %v", err)
	}
	if snap.Extremum != 110 {
		t.Errorf("expected extremum 110, got %f", snap.Extremum)
	}

	// Pullback updates last price but never the extremum.
	snap, err = trk.RecordPriceUpdate(ctx, "AAPL", 108)
	if err != nil {
		t.Fatalf("RecordPriceUpdate() failed: %v", err)
	}
	if snap.LastPrice != 108 || snap.Extremum != 110 {
		t.Errorf("expected last 108 extremum 110, got %f / %f", snap.LastPrice, snap.Extremum)
	}
}

func TestRecordPriceUpdate_DuplicateTickIsStable(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	first, err := trk.RecordPriceUpdate(ctx, "AAPL", 110)
	if err != nil {
		t.Fatalf("RecordPriceUpdate() failed: %v", err)
	}
	second, err := trk.RecordPriceUpdate(ctx, "AAPL", 110)
	if err != nil {
		t.Fatalf("RecordPriceUpdate() failed: %v", err)
	}
	if first.Extremum != second.Extremum || first.LastPrice != second.LastPrice {
		t.Errorf("duplicate tick changed state: %+v vs %+v", first, second)
	}
}

func TestRecordPriceUpdate_UnknownSymbolIsNoOp(t *testing.T) {
	trk := newTestTracker(t)

	snap, err := trk.RecordPriceUpdate(context.Background(), "MSFT", 300)
	if err != nil {
		t.Fatalf("expected nil error for untracked symbol, got %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot for untracked symbol, got %+v", snap)
	}
}

func TestRecordPriceUpdate_ShortExtremumIsLow(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "TSLA", domain.Short, 5, 200); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	snap, err := trk.RecordPriceUpdate(ctx, "TSLA", 190)
	if err != nil {
		t.Fatalf("RecordPriceUpdate() failed: %v", err)
	}
	if snap.Extremum != 190 {
		t.Errorf("expected short extremum 190, got %f", snap.Extremum)
	}
	snap, _ = trk.RecordPriceUpdate(ctx, "TSLA", 195)
	if snap.Extremum != 190 {
		t.Errorf("expected short extremum to hold at 190, got %f", snap.Extremum)
	}
}

func TestRecordStopOrderState_Lifecycle(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}

	snap, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive)
	if err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}
	if snap.State != domain.StateTracking {
		t.Errorf("expected tracking after active ack, got %s", snap.State)
	}
	if snap.Stop == nil || snap.Stop.TriggerPrice != 95 || snap.Stop.Status != domain.StopActive {
		t.Errorf("unexpected stop state: %+v", snap.Stop)
	}

	snap, err = trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopFilled)
	if err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}
	if snap.State != domain.StateClosed || snap.CloseReason != domain.CloseReasonStopFilled {
		t.Errorf("expected closed by stop fill, got %s / %s", snap.State, snap.CloseReason)
	}
	if snap.ClosedAt.IsZero() {
		t.Error("expected closed timestamp")
	}
}

func TestRecordStopOrderState_CancelReturnsToUnmanaged(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if _, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive); err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}

	snap, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopCancelled)
	if err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}
	if snap.State != domain.StateUnmanaged {
		t.Errorf("expected unmanaged after cancel, got %s", snap.State)
	}
}

func TestRecordStopOrderState_InterimAckWithoutTriggerKeepsStored(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if _, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive); err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}

	// A modify in flight reports PendingSubmit with no trigger attached.
	snap, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 0, domain.StopPending)
	if err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}
	if snap.Stop.Status != domain.StopPending {
		t.Errorf("expected pending status, got %s", snap.Stop.Status)
	}
	if snap.Stop.TriggerPrice != 95 {
		t.Errorf("expected stored trigger 95 to survive interim ack, got %f", snap.Stop.TriggerPrice)
	}

	// The following full acknowledgment restores normal updates.
	snap, err = trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 98, domain.StopActive)
	if err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}
	if snap.Stop.TriggerPrice != 98 || snap.State != domain.StateTracking {
		t.Errorf("expected trigger 98 tracking, got %f / %s", snap.Stop.TriggerPrice, snap.State)
	}
}

func TestRecordStopOrderState_UnknownPosition(t *testing.T) {
	trk := newTestTracker(t)

	_, err := trk.RecordStopOrderState(context.Background(), "MSFT", "ord-9", 95, domain.StopActive)
	if !errors.Is(err, ports.ErrUnknownPosition) {
		t.Errorf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestRecordStopOrderState_TriggerRegressionHalts(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if _, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 105, domain.StopActive); err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}

	// An ack that loosens a live trigger means our view and the broker's diverged.
	_, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive)
	if !errors.Is(err, ports.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on trigger regression, got %v", err)
	}
	if snap := trk.Snapshot("AAPL"); snap.State != domain.StateHalted {
		t.Errorf("expected halted, got %s", snap.State)
	}
	if snap := trk.Snapshot("AAPL"); snap.Stop.TriggerPrice != 105 {
		t.Errorf("expected trigger to hold at 105, got %f", snap.Stop.TriggerPrice)
	}
}

func TestBeginAdjust_SecondCallBlocked(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	if _, err := trk.RecordStopOrderState(ctx, "AAPL", "ord-1", 95, domain.StopActive); err != nil {
		t.Fatalf("RecordStopOrderState() failed: %v", err)
	}

	if err := trk.BeginAdjust(ctx, "AAPL"); err != nil {
		t.Fatalf("BeginAdjust() failed: %v", err)
	}
	if err := trk.BeginAdjust(ctx, "AAPL"); !errors.Is(err, ports.ErrAdjustInFlight) {
		t.Errorf("expected ErrAdjustInFlight, got %v", err)
	}

	trk.EndAdjust(ctx, "AAPL")
	if snap := trk.Snapshot("AAPL"); snap.State != domain.StateTracking {
		t.Errorf("expected tracking restored after EndAdjust, got %s", snap.State)
	}
	if err := trk.BeginAdjust(ctx, "AAPL"); err != nil {
		t.Errorf("expected BeginAdjust to succeed after EndAdjust, got %v", err)
	}
}

func TestBeginAdjust_RejectsHaltedAndClosed(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	trk.Halt(ctx, "AAPL")
	if err := trk.BeginAdjust(ctx, "AAPL"); !errors.Is(err, ports.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for halted position, got %v", err)
	}
	if err := trk.BeginAdjust(ctx, "MSFT"); !errors.Is(err, ports.ErrUnknownPosition) {
		t.Errorf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestRemovePosition_Idempotent(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	if _, err := trk.UpsertPosition(ctx, "AAPL", domain.Long, 10, 100); err != nil {
		t.Fatalf("UpsertPosition() failed: %v", err)
	}
	trk.RemovePosition(ctx, "AAPL")
	if snap := trk.Snapshot("AAPL"); snap != nil {
		t.Errorf("expected position removed, got %+v", snap)
	}

	// Removing again (or a symbol never tracked) must not fail.
	trk.RemovePosition(ctx, "AAPL")
	trk.RemovePosition(ctx, "MSFT")
}

func TestRestoreAndAll(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	pos := &domain.Position{
		ID:       7,
		Symbol:   "AAPL",
		Side:     domain.Long,
		Quantity: 10, EntryPrice: 100, LastPrice: 108, Extremum: 110,
		State: domain.StateTracking,
		Stop: &domain.StopOrder{
			OrderID: "ord-1", Symbol: "AAPL", Side: domain.Sell,
			Quantity: 10, TriggerPrice: 105, Status: domain.StopActive,
		},
	}
	if err := trk.Restore(ctx, pos); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	snap := trk.Snapshot("AAPL")
	if snap == nil || snap.ID != 7 || snap.Extremum != 110 || snap.Stop.TriggerPrice != 105 {
		t.Errorf("unexpected restored snapshot: %+v", snap)
	}

	// Snapshots are copies: mutating one must not leak back.
	snap.Extremum = 999
	snap.Stop.TriggerPrice = 999
	again := trk.Snapshot("AAPL")
	if again.Extremum != 110 || again.Stop.TriggerPrice != 105 {
		t.Error("snapshot mutation leaked into tracker state")
	}

	if all := trk.All(); len(all) != 1 {
		t.Errorf("expected 1 tracked position, got %d", len(all))
	}

	if err := trk.Restore(ctx, nil); !errors.Is(err, ports.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for nil restore, got %v", err)
	}
}

func TestConcurrentUpdatesAcrossSymbols(t *testing.T) {
	trk := newTestTracker(t)
	ctx := context.Background()

	symbols := []string{"AAPL", "MSFT", "TSLA", "AMZN"}
	for _, s := range symbols {
		if _, err := trk.UpsertPosition(ctx, s, domain.Long, 10, 100); err != nil {
			t.Fatalf("UpsertPosition(%s) failed: %v", s, err)
		}
	}

	var wg sync.WaitGroup
	for _, s := range symbols {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(symbol string, price float64) {
				defer wg.Done()
				_, _ = trk.RecordPriceUpdate(ctx, symbol, price)
			}(s, 100+float64(i%20))
		}
	}
	wg.Wait()

	for _, s := range symbols {
		snap := trk.Snapshot(s)
		if snap == nil {
			t.Fatalf("position for %s vanished", s)
		}
		if snap.Extremum != 119 {
			t.Errorf("%s: expected extremum 119, got %f", s, snap.Extremum)
		}
	}
}
