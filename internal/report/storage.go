package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/journal"
	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/strategy"
)

// StorageReporter archives each cycle's new ticks, overwrites the run's action
// log and journals the new signals.
type StorageReporter struct {
	store db.Storage
	runID string
}

func NewStorageReporter(store db.Storage, runID string) *StorageReporter {
	return &StorageReporter{store: store, runID: runID}
}

func (s *StorageReporter) Name() string { return "storage" }

// Report archives ticks even when the replay failed.
func (s *StorageReporter) Report(ctx context.Context, res session.CycleResult) error {
	var errs []error
	if len(res.Ticks) > 0 {
		if err := s.store.SaveTicks(ctx, res.Ticks); err != nil {
			errs = append(errs, fmt.Errorf("archive ticks: %w", err))
		}
	}
	if res.Err != nil || res.Result == nil {
		return errors.Join(errs...)
	}

	if err := s.store.SaveActions(ctx, s.runID, ActionRecords(res.Symbol, res.Result.Rows)); err != nil {
		errs = append(errs, fmt.Errorf("save actions: %w", err))
	}
	for _, row := range res.NewRows() {
		if row.Action == strategy.Hold {
			continue
		}
		err := s.store.LogEvent(ctx, journal.Event{
			Time:        row.Datetime,
			Type:        journal.TypeSignal,
			Description: fmt.Sprintf("%s %s @ %.2f", res.Symbol, row.Action, row.Close),
			Data: map[string]any{
				"run_id": s.runID,
				"cycle":  res.Seq,
				"action": row.Action.String(),
				"change": row.Change.String(),
				"reason": row.Reason,
				"close":  row.Close,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("journal signal: %w", err))
			break
		}
	}
	return errors.Join(errs...)
}

// ActionRecords converts replay rows to storage records numbered from zero.
func ActionRecords(symbol string, rows []backtest.Row) []db.ActionRecord {
	out := make([]db.ActionRecord, len(rows))
	for i, r := range rows {
		out[i] = db.ActionRecord{
			Symbol:   symbol,
			Seq:      i,
			Datetime: r.Datetime,
			Close:    r.Close,
			SMA1:     db.NullableFloat(r.SMA1),
			SMA2:     db.NullableFloat(r.SMA2),
			Action:   r.Action.String(),
			Change:   r.Change.String(),
		}
	}
	return out
}
