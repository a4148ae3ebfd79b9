package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/tfutils"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/rs/zerolog"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexClient is the part of the wallex-go client the feed uses.
type WallexClient interface {
	MarketTrades(symbol string) ([]*wallex.MarketTrade, error)
	Candles(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error)
}

// NewWallexClient returns a wallex-go client.
func NewWallexClient(apiKey string) WallexClient {
	return wallex.New(wallex.ClientOptions{APIKey: apiKey})
}

// NormalizeSymbol converts e.g. usdt-tmn to USDTTMN for the Wallex API.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// retry wraps a function with retry logic for transient errors, using exponential backoff.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryDelay)
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// WallexSource polls the latest trades of one market and feeds every trade
// it has not seen yet as a tick.
type WallexSource struct {
	client   WallexClient
	symbol   string
	interval time.Duration
	logger   zerolog.Logger

	last time.Time
	seen map[string]struct{} // trades sharing the newest timestamp
}

func NewWallexSource(client WallexClient, symbol string, interval time.Duration) *WallexSource {
	return &WallexSource{
		client:   client,
		symbol:   NormalizeSymbol(symbol),
		interval: interval,
		logger:   utils.Component("feed.wallex"),
		seen:     make(map[string]struct{}),
	}
}

func (s *WallexSource) Name() string { return "wallex" }

// Run polls until ctx is done. The first poll must succeed.
func (s *WallexSource) Run(ctx context.Context, ing *Ingestor) error {
	if err := s.poll(ctx, ing); err != nil {
		return fmt.Errorf("wallex feed %s: %w", s.symbol, err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx, ing); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Msg("poll failed")
			}
		}
	}
}

func (s *WallexSource) poll(ctx context.Context, ing *Ingestor) error {
	var trades []*wallex.MarketTrade
	err := retry(ctx, 3, time.Second, func() error {
		var err error
		trades, err = s.client.MarketTrades(s.symbol)
		return err
	})
	if err != nil {
		return err
	}

	// The API lists newest first.
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	for _, tr := range trades {
		ts := tr.Timestamp.UTC()
		key := string(tr.Price) + "|" + string(tr.Quantity)
		if ts.Before(s.last) {
			continue
		}
		if ts.Equal(s.last) {
			if _, dup := s.seen[key]; dup {
				continue
			}
		} else {
			s.last = ts
			s.seen = make(map[string]struct{})
		}
		s.seen[key] = struct{}{}

		raw := RawTick{
			"datetime": ts,
			"open":     string(tr.Price),
			"high":     string(tr.Price),
			"low":      string(tr.Price),
			"close":    string(tr.Price),
			"volume":   string(tr.Quantity),
			"symbol":   s.symbol,
		}
		if err := ing.OnTick(raw); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed trade")
		}
	}
	return nil
}

// WallexHistory loads historical candles for offline replay.
type WallexHistory struct {
	client WallexClient
}

func NewWallexHistory(client WallexClient) *WallexHistory {
	return &WallexHistory{client: client}
}

// FetchCandles returns candles in [start, end) at the given interval
// ("1m", "5m", "1h", "1d" ...). Malformed candles are skipped.
func (h *WallexHistory) FetchCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(interval) {
		return nil, fmt.Errorf("unsupported interval: %s", interval)
	}
	if !end.After(start) {
		return nil, errors.New("end must be after start")
	}

	var wcs []*wallex.Candle
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		wcs, err = h.client.Candles(NormalizeSymbol(symbol), tfutils.WallexResolution(interval), start, end)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching candles: %w", err)
	}

	parser := Parser{Symbol: symbol, Interval: interval, Source: "wallex"}
	out := make([]candle.Candle, 0, len(wcs))
	for _, wc := range wcs {
		c, err := parser.Parse(RawTick{
			"datetime": wc.Timestamp,
			"open":     string(wc.Open),
			"high":     string(wc.High),
			"low":      string(wc.Low),
			"close":    string(wc.Close),
			"volume":   string(wc.Volume),
		})
		if err != nil || c.Validate() != nil {
			continue
		}
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
