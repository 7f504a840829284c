package domain

import "time"

// Tick is a single market price observation, used for live updates and for
// replaying recorded sessions.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}
