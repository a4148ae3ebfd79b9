package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/journal"
)

// MemoryStorage keeps everything in process memory. It backs runs without a
// configured database.
type MemoryStorage struct {
	mu sync.RWMutex

	// Ticks by upper-cased symbol
	ticks map[string][]candle.Candle

	// Action logs by run id
	actions map[string][]ActionRecord

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		ticks:   make(map[string][]candle.Candle),
		actions: make(map[string][]ActionRecord),
		events:  make([]journal.Event, 0, 1024),
	}
}

func (m *MemoryStorage) Close() error { return nil }

// -------- TickStorage --------

func (m *MemoryStorage) SaveTicks(ctx context.Context, ticks []candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ticks {
		t.Timestamp = t.Timestamp.UTC()
		key := strings.ToUpper(t.Symbol)
		m.ticks[key] = append(m.ticks[key], t)
	}
	return nil
}

func (m *MemoryStorage) GetTicks(ctx context.Context, symbol string, start, end time.Time) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []candle.Candle
	for _, t := range m.ticks[strings.ToUpper(symbol)] {
		if inRange(t.Timestamp, start, end) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// -------- ActionStorage --------

func (m *MemoryStorage) SaveActions(ctx context.Context, runID string, rows []ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]ActionRecord, len(rows))
	for i, r := range rows {
		r.RunID = runID
		r.Seq = i
		r.Datetime = r.Datetime.UTC()
		stored[i] = r
	}
	m.actions[runID] = stored
	return nil
}

func (m *MemoryStorage) GetActions(ctx context.Context, runID string) ([]ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.actions[runID]
	out := make([]ActionRecord, len(rows))
	copy(out, rows)
	return out, nil
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type == eventType && inRange(e.Time, start, end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// inRange reports start <= t < end.
func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
