package db

import (
	"errors"
	"fmt"
	"sync"

	"github.com/amirphl/sma-replay/internal/candle"
)

// ErrEvicted is returned when a cursor points at ticks the log no longer
// retains.
var ErrEvicted = errors.New("ticks before cursor were evicted")

// TickLog is the in-memory, append-only tick log of a live session. Every
// tick gets an absolute sequence number; cursors are sequence numbers, so they
// stay valid across eviction of older ticks.
type TickLog struct {
	mu    sync.RWMutex
	ticks []candle.Candle
	first int64 // sequence number of ticks[0]
	max   int   // 0 means unbounded
}

// NewTickLog returns a log retaining at most max ticks (0 = unbounded).
func NewTickLog(max int) *TickLog {
	return &TickLog{max: max}
}

// Append stores a tick and returns its sequence number.
func (l *TickLog) Append(c candle.Candle) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.first + int64(len(l.ticks))
	l.ticks = append(l.ticks, c)
	if l.max > 0 && len(l.ticks) > l.max {
		drop := len(l.ticks) - l.max
		// Zero the dropped slots so the backing array does not pin them.
		for i := 0; i < drop; i++ {
			l.ticks[i] = candle.Candle{}
		}
		l.ticks = l.ticks[drop:]
		l.first += int64(drop)
	}
	return seq
}

// Len returns the number of retained ticks.
func (l *TickLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ticks)
}

// Total returns the number of ticks ever appended, which is also the cursor
// one past the newest tick.
func (l *TickLog) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first + int64(len(l.ticks))
}

// First returns the sequence number of the oldest retained tick.
func (l *TickLog) First() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first
}

// Snapshot copies every retained tick.
func (l *TickLog) Snapshot() []candle.Candle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]candle.Candle, len(l.ticks))
	copy(out, l.ticks)
	return out
}

// Since copies the ticks from cursor onwards and returns the cursor to resume
// from next time.
func (l *TickLog) Since(cursor int64) ([]candle.Candle, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	next := l.first + int64(len(l.ticks))
	switch {
	case cursor < l.first:
		return nil, next, fmt.Errorf("cursor %d, oldest retained %d: %w", cursor, l.first, ErrEvicted)
	case cursor >= next:
		return nil, next, nil
	}
	src := l.ticks[cursor-l.first:]
	out := make([]candle.Candle, len(src))
	copy(out, src)
	return out, next, nil
}
