// Package session runs the live loop: ticks flow from a feed source into the
// tick log, and every trigger rebuilds or extends the replay and hands a
// CycleResult to the reporters.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/feed"
	"github.com/amirphl/sma-replay/internal/journal"
	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	ModeFull        = "full"
	ModeIncremental = "incremental"

	TriggerTicks    = "ticks"
	TriggerSchedule = "schedule"
)

const finalCycleTimeout = 10 * time.Second

type Config struct {
	Symbol     string
	Backtest   backtest.Config
	Mode       string // full or incremental
	Trigger    string // ticks or schedule
	EveryTicks int
	Schedule   string // cron spec, seconds field allowed
	MaxTicks   int    // 0 = unbounded
}

func (c Config) Validate() error {
	if err := c.Backtest.Validate(); err != nil {
		return err
	}
	switch c.Mode {
	case ModeFull, ModeIncremental:
	default:
		return fmt.Errorf("unknown replay mode %q", c.Mode)
	}
	switch c.Trigger {
	case TriggerTicks:
		if c.EveryTicks <= 0 {
			return errors.New("every_ticks must be positive")
		}
	case TriggerSchedule:
		if c.Schedule == "" {
			return errors.New("schedule trigger needs a cron spec")
		}
	default:
		return fmt.Errorf("unknown trigger %q", c.Trigger)
	}
	if c.MaxTicks < 0 {
		return errors.New("max_ticks cannot be negative")
	}
	return nil
}

// CycleResult is the outcome of one trigger, build, replay pass.
type CycleResult struct {
	Seq       int64
	Symbol    string
	Mode      string
	StartedAt time.Time
	Duration  time.Duration
	// Bars is the number of rows in Result.
	Bars int
	// NewBars counts the rows at the tail of Result produced by ticks that
	// arrived since the previous cycle.
	NewBars int
	// FellBack is set when an incremental cycle had to replay from scratch.
	FellBack bool
	Result   *backtest.Results
	// Ticks are the ticks appended since the previous cycle, for archiving.
	Ticks []candle.Candle
	Err   error
}

// NewRows returns the rows produced by this cycle's new ticks.
func (r CycleResult) NewRows() []backtest.Row {
	if r.Result == nil || r.NewBars <= 0 {
		return nil
	}
	rows := r.Result.Rows
	return rows[len(rows)-min(r.NewBars, len(rows)):]
}

// Reporter consumes cycle results. A reporter error is logged and counted,
// never fatal.
type Reporter interface {
	Name() string
	Report(ctx context.Context, res CycleResult) error
}

// Metrics receives session counters.
type Metrics interface {
	feed.Metrics
	RecordCycle(mode string, bars int, d time.Duration, err error)
	RecordAction(action string)
	RecordReportError(reporter string)
}

type Option func(*Session)

func WithReporters(r ...Reporter) Option {
	return func(s *Session) { s.reporters = append(s.reporters, r...) }
}

func WithJournal(j journal.Journaler) Option {
	return func(s *Session) { s.journal = j }
}

func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns a tick log and the replay loop over it.
type Session struct {
	cfg       Config
	log       *db.TickLog
	ingestor  *feed.Ingestor
	reporters []Reporter
	journal   journal.Journaler
	metrics   Metrics
	logger    zerolog.Logger

	// Only the cycle goroutine touches these.
	incremental *backtest.Incremental
	cursor      int64 // next tick the incremental replay has not consumed
	archived    int64 // next tick not yet handed out for archiving
	lastTotal   int64 // log total at the previous cycle
	seq         int64

	mu   sync.RWMutex
	last *CycleResult
}

func New(cfg Config, parser feed.Parser, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		log:    db.NewTickLog(cfg.MaxTicks),
		logger: utils.Component("session").With().Str("symbol", cfg.Symbol).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	every := 0
	if cfg.Trigger == TriggerTicks {
		every = cfg.EveryTicks
	}
	s.ingestor = feed.NewIngestor(s.log, parser, every)
	if s.metrics != nil {
		s.ingestor.WithMetrics(s.metrics)
	}

	if cfg.Mode == ModeIncremental {
		inc, err := backtest.NewIncremental(cfg.Backtest)
		if err != nil {
			return nil, err
		}
		s.incremental = inc
	}
	return s, nil
}

// Ingestor returns the tick log's writer.
func (s *Session) Ingestor() *feed.Ingestor { return s.ingestor }

// Log returns the tick log.
func (s *Session) Log() *db.TickLog { return s.log }

// Last returns the most recent cycle result.
func (s *Session) Last() (CycleResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CycleResult{}, false
	}
	return *s.last, true
}

// Run feeds src into the tick log and runs a cycle on every trigger until ctx
// is cancelled, then runs a final cycle over any ticks not yet replayed. A
// source failure ends the run with its error.
func (s *Session) Run(ctx context.Context, src feed.Source) error {
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.Run(srcCtx, s.ingestor) }()

	if s.cfg.Trigger == TriggerSchedule {
		sched, err := s.startSchedule()
		if err != nil {
			return err
		}
		defer sched.Stop()
	}

	s.logger.Info().Str("source", src.Name()).Str("mode", s.cfg.Mode).Str("trigger", s.cfg.Trigger).Msg("session started")

	for {
		select {
		case <-ctx.Done():
			s.finish()
			return nil
		case err := <-srcErr:
			if err != nil && ctx.Err() == nil {
				s.finish()
				return fmt.Errorf("feed %s: %w", src.Name(), err)
			}
			<-ctx.Done()
			s.finish()
			return nil
		case <-s.ingestor.Cycles():
			s.RunCycle(ctx)
		}
	}
}

// startSchedule signals a cycle on each cron tick at which the tick count is
// a new positive multiple of the slow period.
func (s *Session) startSchedule() (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	slow := int64(s.cfg.Backtest.Params.Slow)
	var fired int64
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		n := s.ingestor.Count()
		if n > 0 && n%slow == 0 && n != fired {
			fired = n
			s.ingestor.Signal()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	return c, nil
}

func (s *Session) finish() {
	if s.log.Total() == s.lastTotal {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalCycleTimeout)
	defer cancel()
	s.logger.Info().Msg("running final cycle")
	s.RunCycle(ctx)
}

// RunCycle replays the tick log and reports the result. It must not be called
// concurrently with itself.
func (s *Session) RunCycle(ctx context.Context) CycleResult {
	s.seq++
	res := CycleResult{
		Seq:       s.seq,
		Symbol:    s.cfg.Symbol,
		Mode:      s.cfg.Mode,
		StartedAt: time.Now().UTC(),
	}

	total := s.log.Total()
	res.Ticks = s.pendingArchive()

	if s.cfg.Mode == ModeIncremental {
		res.Result, res.FellBack, res.Err = s.replayIncremental()
	} else {
		res.Result, res.Err = s.replayFull()
	}
	if res.Result != nil {
		res.Bars = len(res.Result.Rows)
		res.NewBars = int(min(total-s.lastTotal, int64(res.Bars)))
	}
	s.lastTotal = total
	res.Duration = time.Since(res.StartedAt)

	s.observe(ctx, res)
	for _, r := range s.reporters {
		if err := r.Report(ctx, res); err != nil {
			s.logger.Error().Err(err).Str("reporter", r.Name()).Int64("cycle", res.Seq).Msg("report failed")
			if s.metrics != nil {
				s.metrics.RecordReportError(r.Name())
			}
		}
	}

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	return res
}

func (s *Session) replayFull() (*backtest.Results, error) {
	table := candle.BuildTable(s.log.Snapshot())
	return backtest.Replay(table, s.cfg.Backtest)
}

// replayIncremental evaluates only ticks past the cursor. When that is not
// possible (a tick older than the last replayed bar, or ticks evicted before
// they were replayed) it replays the retained log from scratch and reseeds.
func (s *Session) replayIncremental() (*backtest.Results, bool, error) {
	ticks, next, err := s.log.Since(s.cursor)
	if err == nil {
		_, err = s.incremental.Append(ticks)
		if err == nil {
			s.cursor = next
			return s.incremental.Results(), false, nil
		}
	}
	if !errors.Is(err, backtest.ErrOutOfOrder) && !errors.Is(err, db.ErrEvicted) {
		return nil, false, err
	}

	s.logger.Warn().Err(err).Msg("incremental replay fell back to full replay")
	s.incremental.Reset()
	first := s.log.First()
	snapshot := s.log.Snapshot()
	table := candle.BuildTable(snapshot)
	bars := make([]candle.Candle, table.Len())
	for i := range bars {
		bars[i] = table.Row(i)
	}
	if _, err := s.incremental.Append(bars); err != nil {
		return nil, true, err
	}
	s.cursor = first + int64(len(snapshot))
	return s.incremental.Results(), true, nil
}

func (s *Session) pendingArchive() []candle.Candle {
	ticks, next, err := s.log.Since(s.archived)
	if errors.Is(err, db.ErrEvicted) {
		s.logger.Warn().Int64("from", s.archived).Int64("oldest", s.log.First()).Msg("ticks evicted before archiving")
		ticks, next, _ = s.log.Since(s.log.First())
	}
	s.archived = next
	return ticks
}

func (s *Session) observe(ctx context.Context, res CycleResult) {
	ev := journal.Event{
		Time:        res.StartedAt,
		Type:        journal.TypeCycle,
		Description: fmt.Sprintf("cycle %d over %d bars", res.Seq, res.Bars),
		Data: map[string]any{
			"seq":         res.Seq,
			"symbol":      res.Symbol,
			"mode":        res.Mode,
			"bars":        res.Bars,
			"new_bars":    res.NewBars,
			"fell_back":   res.FellBack,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}

	if res.Err != nil {
		s.logger.Error().Err(res.Err).Int64("cycle", res.Seq).Msg("cycle failed")
		ev.Type = journal.TypeCycleFail
		ev.Description = res.Err.Error()
	} else {
		last := zerolog.Dict()
		if row, ok := res.Result.Last(); ok {
			last.Time("datetime", row.Datetime).Float64("close", row.Close).Str("action", row.Action.String())
		}
		s.logger.Info().Int64("cycle", res.Seq).Int("bars", res.Bars).Int("new_bars", res.NewBars).
			Dur("took", res.Duration).Dict("last", last).Msg("cycle done")
	}

	if s.metrics != nil {
		s.metrics.RecordCycle(res.Mode, res.Bars, res.Duration, res.Err)
		for _, row := range res.NewRows() {
			if row.Action != strategy.Hold {
				s.metrics.RecordAction(row.Action.String())
			}
		}
	}
	if s.journal != nil {
		if err := s.journal.LogEvent(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Msg("journal write failed")
		}
	}
}
