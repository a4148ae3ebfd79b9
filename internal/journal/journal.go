package journal

import (
	"context"
	"time"
)

// Event types written by the replay session.
const (
	TypeCycle     = "cycle"
	TypeCycleFail = "cycle_error"
	TypeFeed      = "feed"
	TypeSignal    = "signal"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "cycle", "signal", "feed"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
