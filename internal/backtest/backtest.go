// Package backtest
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/amirphl/sma-replay/internal/strategy/position"
)

// ErrOutOfOrder is returned when a bar older than the last processed bar is
// appended to an incremental replay.
var ErrOutOfOrder = errors.New("bar is older than the last processed bar")

// Config selects the averages and the policy used by a replay.
type Config struct {
	Params strategy.Params
	Policy strategy.Policy
}

func (c Config) Validate() error {
	if c.Policy == nil {
		return errors.New("policy is required")
	}
	return c.Params.Validate()
}

// Row is one replayed bar of the action log.
type Row struct {
	Datetime time.Time         `json:"datetime"`
	Close    float64           `json:"close"`
	SMA1     float64           `json:"sma1"`
	SMA2     float64           `json:"sma2"`
	Action   strategy.Action   `json:"action"`
	Reason   string            `json:"reason"`
	Change   position.Change   `json:"change"`
	Position position.Position `json:"position"`
}

// Results holds the results of a replay
type Results struct {
	Policy      string             `json:"policy"`
	Params      strategy.Params    `json:"params"`
	Rows        []Row              `json:"rows"`
	Equity      float64            `json:"equity"`
	MaxEquity   float64            `json:"max_equity"`
	MaxDrawdown float64            `json:"max_drawdown"`
	Wins        int                `json:"wins"`
	Losses      int                `json:"losses"`
	Trades      int                `json:"trades"`
	WinPnls     []float64          `json:"win_pnls"`
	LossPnls    []float64          `json:"loss_pnls"`
	EquityCurve []float64          `json:"equity_curve"`
	TradeLog    []TradeLogEntry    `json:"trade_log"`
	OpenTrade   *TradeLogEntry     `json:"open_trade,omitempty"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Actions returns the action column.
func (r *Results) Actions() []strategy.Action {
	out := make([]strategy.Action, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Action
	}
	return out
}

// Last returns the newest row, if any.
func (r *Results) Last() (Row, bool) {
	if len(r.Rows) == 0 {
		return Row{}, false
	}
	return r.Rows[len(r.Rows)-1], true
}

// TradeLogEntry represents a single closed (or still open) trade
type TradeLogEntry struct {
	Entry     float64   `json:"entry"`
	Exit      float64   `json:"exit"`
	PnL       float64   `json:"pnl"`
	EntryTime time.Time `json:"entry_time"`
	ExitTime  time.Time `json:"exit_time"`
}

// Replay runs the policy over every bar of the table, starting flat. It keeps
// no state between calls.
func Replay(table candle.Table, cfg Config) (*Results, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("replay config: %w", err)
	}
	if err := table.Check(); err != nil {
		return nil, fmt.Errorf("replay table: %w", err)
	}

	in, err := strategy.Compute(table.Close, cfg.Params)
	if err != nil {
		return nil, err
	}

	l := newLedger(cfg, table.Len())
	for i := 0; i < table.Len(); i++ {
		action, reason := cfg.Policy.Evaluate(in, i)
		l.step(table.Datetime[i], table.Close[i], in.Fast[i], in.Slow[i], action, reason)
	}
	return l.results(), nil
}

// ledger applies actions to a single-unit long/flat position and keeps the
// action log and trade statistics.
type ledger struct {
	cfg      Config
	pos      position.Position
	open     *TradeLogEntry
	rows     []Row
	trades   []TradeLogEntry
	equity   float64
	maxEq    float64
	maxDD    float64
	curve    []float64
	winPnls  []float64
	lossPnls []float64
}

func newLedger(cfg Config, sizeHint int) *ledger {
	return &ledger{
		cfg:   cfg,
		rows:  make([]Row, 0, sizeHint),
		curve: make([]float64, 0, sizeHint),
	}
}

func (l *ledger) step(ts time.Time, price, fast, slow float64, action strategy.Action, reason string) Row {
	change := position.None
	switch {
	case action == strategy.Buy && l.pos == position.Flat:
		l.pos = position.Long
		l.open = &TradeLogEntry{Entry: price, EntryTime: ts}
		change = position.Open
	case action == strategy.Sell && l.pos == position.Long:
		trade := *l.open
		trade.Exit = price
		trade.ExitTime = ts
		trade.PnL = price - trade.Entry
		l.trades = append(l.trades, trade)
		l.equity += trade.PnL
		if trade.PnL > 0 {
			l.winPnls = append(l.winPnls, trade.PnL)
		} else {
			l.lossPnls = append(l.lossPnls, trade.PnL)
		}
		l.pos = position.Flat
		l.open = nil
		change = position.Close
	}

	if l.equity > l.maxEq {
		l.maxEq = l.equity
	}
	if dd := l.maxEq - l.equity; dd > l.maxDD {
		l.maxDD = dd
	}
	l.curve = append(l.curve, l.equity)

	row := Row{
		Datetime: ts,
		Close:    price,
		SMA1:     fast,
		SMA2:     slow,
		Action:   action,
		Reason:   reason,
		Change:   change,
		Position: l.pos,
	}
	l.rows = append(l.rows, row)
	return row
}

// results snapshots the ledger. Slices are capped so later appends never
// write into a returned snapshot.
func (l *ledger) results() *Results {
	r := &Results{
		Policy:      l.cfg.Policy.Name(),
		Params:      l.cfg.Params,
		Rows:        l.rows[:len(l.rows):len(l.rows)],
		Equity:      l.equity,
		MaxEquity:   l.maxEq,
		MaxDrawdown: l.maxDD,
		Wins:        len(l.winPnls),
		Losses:      len(l.lossPnls),
		Trades:      len(l.trades),
		WinPnls:     l.winPnls[:len(l.winPnls):len(l.winPnls)],
		LossPnls:    l.lossPnls[:len(l.lossPnls):len(l.lossPnls)],
		EquityCurve: l.curve[:len(l.curve):len(l.curve)],
		TradeLog:    l.trades[:len(l.trades):len(l.trades)],
		Metrics:     make(map[string]float64),
	}
	if l.open != nil {
		open := *l.open
		r.OpenTrade = &open
	}
	calculatePerformanceMetrics(r)
	return r
}

// calculatePerformanceMetrics calculates performance metrics for replay results
func calculatePerformanceMetrics(results *Results) {
	// Calculate win rate
	if results.Trades > 0 {
		results.Metrics["win_rate"] = float64(results.Wins) / float64(results.Trades)
	}

	// Calculate average win and loss
	avgWin, avgLoss := 0.0, 0.0

	for _, w := range results.WinPnls {
		avgWin += w
	}

	for _, l := range results.LossPnls {
		avgLoss += l
	}

	if len(results.WinPnls) > 0 {
		avgWin /= float64(len(results.WinPnls))
		results.Metrics["avg_win"] = avgWin
	}

	if len(results.LossPnls) > 0 {
		avgLoss /= float64(len(results.LossPnls))
		results.Metrics["avg_loss"] = avgLoss
	}

	// Calculate profit factor
	if avgLoss != 0 {
		results.Metrics["profit_factor"] = -avgWin / avgLoss
	}

	// Calculate Sharpe ratio and expectancy
	allPnls := make([]float64, 0, len(results.WinPnls)+len(results.LossPnls))
	allPnls = append(allPnls, results.WinPnls...)
	allPnls = append(allPnls, results.LossPnls...)
	meanPnl, stdPnl := 0.0, 0.0

	for _, p := range allPnls {
		meanPnl += p
	}

	if len(allPnls) > 0 {
		meanPnl /= float64(len(allPnls))
		results.Metrics["mean_pnl"] = meanPnl

		for _, p := range allPnls {
			stdPnl += (p - meanPnl) * (p - meanPnl)
		}

		stdPnl = math.Sqrt(stdPnl / float64(len(allPnls)))
		results.Metrics["std_pnl"] = stdPnl

		if stdPnl > 0 {
			results.Metrics["sharpe"] = meanPnl / stdPnl
		}
	}

	// Calculate expectancy
	if results.Trades > 0 {
		winRate := results.Metrics["win_rate"]
		results.Metrics["expectancy"] = (winRate*avgWin + (1-winRate)*avgLoss)
	}
}
