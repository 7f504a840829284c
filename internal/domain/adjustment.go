package domain

import "time"

// Adjustment records one committed revision of a stop order's trigger price.
// It is the unit mirrored to the journal and the spreadsheet sink.
type Adjustment struct {
	ID          int64     // Unique identifier (usually from DB)
	PositionID  int64     // Position this adjustment belongs to
	Symbol      string    // Instrument identifier
	OrderID     string    // Broker order id of the stop at the time of the revision
	OldTrigger  float64   // Trigger price before the revision (0 for initial placement)
	NewTrigger  float64   // Trigger price after the revision
	Extremum    float64   // Favorable extremum that produced the new trigger
	AdjustedAt  time.Time // When the broker acknowledged the revision
}
