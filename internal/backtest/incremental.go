package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/indicator"
	"github.com/amirphl/sma-replay/internal/strategy"
)

// Incremental replays bars as they arrive. It keeps only the closes needed by
// the slower average plus the previous bar's values, and yields the same rows
// a full Replay of the same bar sequence would.
type Incremental struct {
	cfg    Config
	window []float64
	size   int

	prevClose float64
	prevFast  float64
	prevSlow  float64
	last      time.Time
	count     int

	ledger *ledger
}

// NewIncremental creates an incremental replay starting flat.
func NewIncremental(cfg Config) (*Incremental, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("incremental config: %w", err)
	}
	inc := &Incremental{cfg: cfg, size: cfg.Params.Warmup()}
	inc.Reset()
	return inc, nil
}

// Reset drops all state, as if no bar had been seen.
func (inc *Incremental) Reset() {
	inc.window = make([]float64, 0, inc.size)
	inc.prevClose = math.NaN()
	inc.prevFast = math.NaN()
	inc.prevSlow = math.NaN()
	inc.last = time.Time{}
	inc.count = 0
	inc.ledger = newLedger(inc.cfg, 0)
}

// Count returns the number of bars consumed so far.
func (inc *Incremental) Count() int { return inc.count }

// Append evaluates the given bars in order and returns their rows. On an
// out-of-order bar it stops and returns the rows produced so far together
// with ErrOutOfOrder; the offending bar is not consumed.
func (inc *Incremental) Append(bars []candle.Candle) ([]Row, error) {
	rows := make([]Row, 0, len(bars))
	for _, bar := range bars {
		if inc.count > 0 && bar.Timestamp.Before(inc.last) {
			return rows, fmt.Errorf("%w: %s before %s", ErrOutOfOrder,
				bar.Timestamp.Format(time.RFC3339Nano), inc.last.Format(time.RFC3339Nano))
		}
		rows = append(rows, inc.step(bar))
	}
	return rows, nil
}

func (inc *Incremental) step(bar candle.Candle) Row {
	if len(inc.window) == inc.size {
		copy(inc.window, inc.window[1:])
		inc.window = inc.window[:inc.size-1]
	}
	inc.window = append(inc.window, bar.Close)

	fast := inc.tailMean(inc.cfg.Params.Fast)
	slow := inc.tailMean(inc.cfg.Params.Slow)

	in := strategy.Inputs{
		Close: []float64{inc.prevClose, bar.Close},
		Fast:  indicator.Series{inc.prevFast, fast},
		Slow:  indicator.Series{inc.prevSlow, slow},
	}
	action, reason := inc.cfg.Policy.Evaluate(in, 1)
	row := inc.ledger.step(bar.Timestamp, bar.Close, fast, slow, action, reason)

	inc.prevClose, inc.prevFast, inc.prevSlow = bar.Close, fast, slow
	inc.last = bar.Timestamp
	inc.count++
	return row
}

func (inc *Incremental) tailMean(period int) float64 {
	if len(inc.window) < period {
		return math.NaN()
	}
	v, err := indicator.CalculateLastSMA(inc.window, period)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Results snapshots everything replayed since the last Reset.
func (inc *Incremental) Results() *Results {
	return inc.ledger.results()
}
