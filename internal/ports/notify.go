package ports

import (
	"context"

	"trailstopbot/internal/domain"
)

// Recorder mirrors committed state changes to persistent tabular storage
// (e.g. a spreadsheet). Delivery is best-effort: implementations return
// errors wrapped with ErrNotification and callers must never let a failure
// block or roll back the underlying trading action.
type Recorder interface {
	Record(ctx context.Context, ev domain.StateChange) error
}

// Notifier forwards a subset of state changes to a messaging channel.
// Same best-effort contract as Recorder.
type Notifier interface {
	Notify(ctx context.Context, ev domain.StateChange) error
}
