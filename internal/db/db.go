// Package db
package db

import (
	"context"
	"math"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/journal"
)

// ActionRecord is one persisted row of a run's action log. SMA values are nil
// while the average is still warming up.
type ActionRecord struct {
	RunID    string
	Symbol   string
	Seq      int
	Datetime time.Time
	Close    float64
	SMA1     *float64
	SMA2     *float64
	Action   string
	Change   string
}

// TickStorage archives raw ticks.
type TickStorage interface {
	SaveTicks(ctx context.Context, ticks []candle.Candle) error
	GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]candle.Candle, error)
}

// ActionStorage keeps the latest action log of each run.
type ActionStorage interface {
	// SaveActions replaces every stored row of the run.
	SaveActions(ctx context.Context, runID string, rows []ActionRecord) error
	GetActions(ctx context.Context, runID string) ([]ActionRecord, error)
}

// Storage is the interface for all persistent storage.
type Storage interface {
	TickStorage
	ActionStorage
	journal.Journaler
	Close() error
}

// NullableFloat maps NaN to nil.
func NullableFloat(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
