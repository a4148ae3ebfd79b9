package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/sma-replay/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wallex "github.com/wallexchange/wallex-go"
)

type fakeWallex struct {
	mu      sync.Mutex
	trades  [][]*wallex.MarketTrade // one batch per call; the last repeats
	calls   int
	candles []*wallex.Candle
	err     error

	gotSymbol     string
	gotResolution string
}

func (f *fakeWallex) MarketTrades(symbol string) ([]*wallex.MarketTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSymbol = symbol
	if f.err != nil {
		return nil, f.err
	}
	i := min(f.calls, len(f.trades)-1)
	f.calls++
	return f.trades[i], nil
}

func (f *fakeWallex) Candles(symbol, resolution string, from, to time.Time) ([]*wallex.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotSymbol = symbol
	f.gotResolution = resolution
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

var wallexBase = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

func trade(sec int, price, qty string) *wallex.MarketTrade {
	return &wallex.MarketTrade{
		Price:     wallex.Number(price),
		Quantity:  wallex.Number(qty),
		Timestamp: wallexBase.Add(time.Duration(sec) * time.Second),
	}
}

func TestWallexSource_DeliversNewTradesOnce(t *testing.T) {
	client := &fakeWallex{trades: [][]*wallex.MarketTrade{
		// newest first, as the API returns them
		{trade(2, "58100", "0.5"), trade(1, "58000", "1")},
		{trade(3, "58200", "2"), trade(2, "58150", "1"), trade(2, "58100", "0.5"), trade(1, "58000", "1")},
	}}
	log := db.NewTickLog(0)
	ing := NewIngestor(log, Parser{}, 0)
	src := NewWallexSource(client, "usdt-tmn", time.Hour)

	ctx := context.Background()
	require.NoError(t, src.poll(ctx, ing))
	require.NoError(t, src.poll(ctx, ing))
	require.NoError(t, src.poll(ctx, ing))

	assert.Equal(t, "USDTTMN", client.gotSymbol)
	snap := log.Snapshot()
	require.Len(t, snap, 4)
	closes := []float64{snap[0].Close, snap[1].Close, snap[2].Close, snap[3].Close}
	assert.Equal(t, []float64{58000, 58100, 58150, 58200}, closes)
	assert.Equal(t, 0.5, snap[1].Volume)
	assert.Equal(t, "USDTTMN", snap[0].Symbol)
}

func TestWallexSource_SkipsMalformedTrade(t *testing.T) {
	client := &fakeWallex{trades: [][]*wallex.MarketTrade{
		{trade(2, "oops", "1"), trade(1, "58000", "1")},
	}}
	log := db.NewTickLog(0)
	src := NewWallexSource(client, "USDTTMN", time.Hour)

	require.NoError(t, src.poll(context.Background(), NewIngestor(log, Parser{}, 0)))
	assert.Equal(t, 1, log.Len())
}

func TestWallexSource_FirstPollFailureIsFatal(t *testing.T) {
	client := &fakeWallex{err: errors.New("unauthorized")}
	src := NewWallexSource(client, "USDTTMN", time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := src.Run(ctx, NewIngestor(db.NewTickLog(0), Parser{}, 0))
	assert.Error(t, err)
}

func TestWallexHistory_FetchCandles(t *testing.T) {
	client := &fakeWallex{candles: []*wallex.Candle{
		{Timestamp: wallexBase.Add(time.Minute), Open: "2", High: "3", Low: "1", Close: "2.5", Volume: "10"},
		{Timestamp: wallexBase, Open: "1", High: "2", Low: "1", Close: "1.5", Volume: "5"},
		{Timestamp: wallexBase.Add(2 * time.Minute), Open: "x", High: "3", Low: "1", Close: "2", Volume: "1"},
		{Timestamp: wallexBase.Add(3 * time.Minute), Open: "2", High: "1", Low: "3", Close: "2", Volume: "1"},
		{Timestamp: wallexBase.Add(time.Hour), Open: "1", High: "1", Low: "1", Close: "1", Volume: "1"},
	}}
	h := NewWallexHistory(client)

	out, err := h.FetchCandles(context.Background(), "btc-usdt", "1m", wallexBase, wallexBase.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", client.gotSymbol)
	assert.Equal(t, "1", client.gotResolution)
	require.Len(t, out, 2)
	assert.Equal(t, 1.5, out[0].Close)
	assert.Equal(t, 2.5, out[1].Close)
	assert.Equal(t, "wallex", out[0].Source)
	assert.Equal(t, "1m", out[0].Interval)
	assert.Equal(t, "btc-usdt", out[0].Symbol)
}

func TestWallexHistory_Errors(t *testing.T) {
	h := NewWallexHistory(&fakeWallex{})
	_, err := h.FetchCandles(context.Background(), "BTCUSDT", "7m", wallexBase, wallexBase.Add(time.Hour))
	assert.Error(t, err)

	_, err = h.FetchCandles(context.Background(), "BTCUSDT", "1m", wallexBase, wallexBase)
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}
