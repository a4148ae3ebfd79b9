package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/amirphl/sma-replay/internal/candle"
)

// Appender is the tick log the ingestor writes to.
type Appender interface {
	Append(c candle.Candle) int64
}

// Metrics receives ingest counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordTick(symbol string, price float64)
	RecordMalformed(field string)
}

// Source delivers ticks to an ingestor until ctx is cancelled or the feed
// fails for good.
type Source interface {
	Name() string
	Run(ctx context.Context, ing *Ingestor) error
}

// Ingestor is the only writer of a session's tick log. Every `every` ticks it
// signals a cycle without ever blocking on the consumer; signals raised while
// one is pending coalesce.
type Ingestor struct {
	parser  Parser
	log     Appender
	every   int64
	metrics Metrics

	mu     sync.Mutex
	count  int64
	cycles chan struct{}
}

// NewIngestor returns an ingestor signalling every `every` ticks. every <= 0
// disables tick-count signals.
func NewIngestor(log Appender, parser Parser, every int) *Ingestor {
	return &Ingestor{
		parser: parser,
		log:    log,
		every:  int64(every),
		cycles: make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink.
func (i *Ingestor) WithMetrics(m Metrics) *Ingestor {
	i.metrics = m
	return i
}

// Parser returns the parser used for raw ticks.
func (i *Ingestor) Parser() Parser { return i.parser }

// OnTick parses and appends one raw tick. A malformed tick is not appended
// and its *IngestError is returned.
func (i *Ingestor) OnTick(raw RawTick) error {
	c, err := i.parser.Parse(raw)
	if err != nil {
		i.recordMalformed(err)
		return err
	}
	i.OnCandle(c)
	return nil
}

// OnFrame decodes a JSON object frame and appends it.
func (i *Ingestor) OnFrame(frame []byte) error {
	c, err := i.parser.Decode(frame)
	if err != nil {
		i.recordMalformed(err)
		return err
	}
	i.OnCandle(c)
	return nil
}

// OnCandle appends an already parsed tick.
func (i *Ingestor) OnCandle(c candle.Candle) {
	i.mu.Lock()
	i.log.Append(c)
	i.count++
	signal := i.every > 0 && i.count%i.every == 0
	i.mu.Unlock()

	if i.metrics != nil {
		i.metrics.RecordTick(c.Symbol, c.Close)
	}
	if signal {
		i.Signal()
	}
}

// Signal requests a cycle. It never blocks.
func (i *Ingestor) Signal() {
	select {
	case i.cycles <- struct{}{}:
	default:
	}
}

// Cycles delivers cycle requests.
func (i *Ingestor) Cycles() <-chan struct{} { return i.cycles }

// Count returns the number of ticks appended so far.
func (i *Ingestor) Count() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.count
}

func (i *Ingestor) recordMalformed(err error) {
	if i.metrics == nil {
		return
	}
	field := "frame"
	var ie *IngestError
	if errors.As(err, &ie) {
		field = ie.Field
	}
	i.metrics.RecordMalformed(field)
}
