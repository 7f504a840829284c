// Package sheets mirrors committed state changes to a Google Sheet using the
// Sheets v4 API with a service-account credential file. The sheet is an
// operator-facing journal only; recording failures are reported but must
// never block trading.
package sheets

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"trailstopbot/internal/domain"
	"trailstopbot/internal/ports"
)

// Recorder implements the ports.Recorder interface against a Google Sheet.
type Recorder struct {
	svc    *sheetsapi.Service
	logger ports.Logger

	sheetID          string
	liveRange        string
	adjustmentsRange string
}

// Config holds configuration for the sheet recorder.
type Config struct {
	SheetID          string
	CredentialsPath  string // Service-account JSON key file
	LiveRange        string // Range receiving fills and closures (e.g. "Live!A:G")
	AdjustmentsRange string // Range receiving stop adjustments (e.g. "Adjustments!A:G")
	Logger           ports.Logger
}

// New creates a sheet recorder, authenticating with the service-account file.
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for sheet recorder")
	}
	if cfg.SheetID == "" {
		return nil, fmt.Errorf("%w: sheet id is required", ports.ErrConfiguration)
	}

	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsPath),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize sheets service: %v", ports.ErrConfiguration, err)
	}

	cfg.Logger.Info(ctx, "Sheet recorder initialized", map[string]interface{}{"sheetId": cfg.SheetID})
	return &Recorder{
		svc:              svc,
		logger:           cfg.Logger,
		sheetID:          cfg.SheetID,
		liveRange:        cfg.LiveRange,
		adjustmentsRange: cfg.AdjustmentsRange,
	}, nil
}

// Record appends one state change as a row. Adjustments go to the
// adjustments range, everything else to the live range.
func (r *Recorder) Record(ctx context.Context, ev domain.StateChange) error {
	target := r.liveRange
	if ev.Kind == domain.EventStopAdjusted || ev.Kind == domain.EventStopPlaced {
		target = r.adjustmentsRange
	}

	row := []interface{}{
		ev.At.UTC().Format(time.RFC3339),
		ev.Profile,
		string(ev.Kind),
		ev.Symbol,
		ev.Quantity,
		ev.Price,
		ev.Trigger,
		ev.OrderID,
		ev.Detail,
	}

	_, err := r.svc.Spreadsheets.Values.
		Append(r.sheetID, target, &sheetsapi.ValueRange{Values: [][]interface{}{row}}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("%w: failed to append %s row for %s: %v", ports.ErrNotification, ev.Kind, ev.Symbol, err)
	}

	r.logger.Debug(ctx, "State change mirrored to sheet", map[string]interface{}{
		"kind": ev.Kind, "symbol": ev.Symbol, "range": target,
	})
	return nil
}

var _ ports.Recorder = (*Recorder)(nil)
