package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/journal"
	"github.com/amirphl/sma-replay/internal/metrics"
	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

func ticks(closes ...float64) []candle.Candle {
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Open:      c, High: c, Low: c, Close: c,
			Symbol: "ITC",
		}
	}
	return out
}

// cycle replays closes with a 2/4 crossover and marks the last newBars rows
// as new.
func cycle(t *testing.T, newBars int, closes ...float64) session.CycleResult {
	t.Helper()
	policy, err := strategy.New("crossover", strategy.Options{})
	require.NoError(t, err)
	bars := ticks(closes...)
	res, err := backtest.Replay(candle.BuildTable(bars), backtest.Config{
		Params: strategy.Params{Fast: 2, Slow: 4},
		Policy: policy,
	})
	require.NoError(t, err)
	return session.CycleResult{
		Seq:       1,
		Symbol:    "ITC",
		Mode:      session.ModeFull,
		StartedAt: base.Add(time.Minute),
		Duration:  3 * time.Millisecond,
		Bars:      len(res.Rows),
		NewBars:   newBars,
		Result:    res,
		Ticks:     bars[len(bars)-newBars:],
	}
}

var step = []float64{1, 1, 1, 1, 1, 10, 10, 10, 10, 10}

func TestFloat64_MarshalJSON(t *testing.T) {
	b, err := json.Marshal([]Float64{1.5, Float64(math.NaN()), Float64(math.Inf(1)), 3})
	require.NoError(t, err)
	assert.Equal(t, "[1.5,null,null,3]", string(b))
}

func TestWriteCSV(t *testing.T) {
	res := cycle(t, len(step), step...)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, res.Result.Rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 11)
	assert.Equal(t, "Datetime,Close,SMA1,SMA2,Action", lines[0])
	assert.Equal(t, "2024-03-04 09:15:00,1,,,Hold", lines[1])
	assert.Equal(t, "2024-03-04 09:15:01,1,1,,Hold", lines[2])
	assert.Equal(t, "2024-03-04 09:15:05,10,5.5,3.25,Buy", lines[6])
	assert.Equal(t, "2024-03-04 09:15:09,10,10,10,Hold", lines[10])
}

func TestCSVWriter_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategy_data.csv")
	w := NewCSVWriter(path)

	require.NoError(t, w.Report(context.Background(), cycle(t, 10, step...)))
	require.NoError(t, w.Report(context.Background(), cycle(t, 3, 1, 1, 1)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 4)

	failed := session.CycleResult{Err: errors.New("boom")}
	require.NoError(t, w.Report(context.Background(), failed))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, body
}

func TestHTTPServer(t *testing.T) {
	rec := metrics.New()
	rec.RecordTick("ITC", 10)
	srv := NewHTTPServer("127.0.0.1:0", rec.Handler())
	h := srv.Handler()

	code, _ := get(t, h, "/chart")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get(t, h, "/cycle")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	good := cycle(t, 10, step...)
	require.NoError(t, srv.Report(context.Background(), good))

	code, body := get(t, h, "/chart")
	require.Equal(t, http.StatusOK, code)
	var chart struct {
		Symbol   string `json:"symbol"`
		Policy   string `json:"policy"`
		Position string `json:"position"`
		Points   []struct {
			Close  float64  `json:"close"`
			SMA1   *float64 `json:"sma1"`
			SMA2   *float64 `json:"sma2"`
			Action string   `json:"action"`
		} `json:"points"`
	}
	require.NoError(t, json.Unmarshal(body, &chart))
	assert.Equal(t, "ITC", chart.Symbol)
	assert.Equal(t, "long", chart.Position)
	require.Len(t, chart.Points, 10)
	assert.Nil(t, chart.Points[0].SMA1)
	assert.Nil(t, chart.Points[0].SMA2)
	require.NotNil(t, chart.Points[5].SMA2)
	assert.Equal(t, 3.25, *chart.Points[5].SMA2)
	assert.Equal(t, "Buy", chart.Points[5].Action)

	// A failed cycle shows on /cycle while /chart keeps the last good series.
	failed := session.CycleResult{Seq: 2, Symbol: "ITC", Mode: session.ModeFull, Err: errors.New("boom")}
	require.NoError(t, srv.Report(context.Background(), failed))

	code, body = get(t, h, "/cycle")
	require.Equal(t, http.StatusOK, code)
	var st CycleStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, int64(2), st.Seq)
	assert.Equal(t, "boom", st.Error)

	code, body = get(t, h, "/chart")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"cycle":1`)

	code, body = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)

	code, body = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `smareplay_ticks_total{symbol="ITC"} 1`)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)

	// Only the last 5 bars are new, and they hold the single Buy.
	require.NoError(t, p.Report(context.Background(), cycle(t, 5, step...)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ITC", string(w.msgs[0].Key))

	var sig map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &sig))
	assert.Equal(t, "Buy", sig["action"])
	assert.Equal(t, "open", sig["change"])
	assert.Equal(t, "long", sig["position"])
	assert.Equal(t, 10.0, sig["trigger_price"])
	assert.Equal(t, "crossover", sig["strategy_name"])

	// The Buy is no longer new.
	require.NoError(t, p.Report(context.Background(), cycle(t, 4, step...)))
	assert.Len(t, w.msgs, 1)

	require.NoError(t, p.Report(context.Background(), session.CycleResult{Err: errors.New("boom")}))
	assert.Len(t, w.msgs, 1)

	w.err = errors.New("broker down")
	assert.ErrorIs(t, p.Report(context.Background(), cycle(t, 5, step...)), w.err)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_Validates(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "sma-actions", time.Second)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", time.Second)
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "sma-actions", time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestStorageReporter(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	r := NewStorageReporter(store, "run-1")

	res := cycle(t, 10, step...)
	require.NoError(t, r.Report(ctx, res))

	actions, err := store.GetActions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, actions, 10)
	assert.Nil(t, actions[0].SMA1)
	assert.Equal(t, "Buy", actions[5].Action)
	assert.Equal(t, "open", actions[5].Change)

	archived, err := store.GetTicks(ctx, "ITC", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, archived, 10)

	events, err := store.GetEvents(ctx, journal.TypeSignal, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Buy", events[0].Data["action"])

	// A shorter run replaces the stored log; a failed cycle still archives ticks.
	require.NoError(t, r.Report(ctx, cycle(t, 0, 1, 1, 1)))
	actions, err = store.GetActions(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, actions, 3)

	failed := session.CycleResult{Err: errors.New("boom"), Ticks: ticks(5)}
	require.NoError(t, r.Report(ctx, failed))
	archived, err = store.GetTicks(ctx, "ITC", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, archived, 11)
}

// Mock notifier for testing
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(msg string) error {
	return m.Called(msg).Error(0)
}

func (m *mockNotifier) SendWithRetry(msg string) error {
	return m.Called(msg).Error(0)
}

func TestNotifyReporter(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendWithRetry", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "ITC Buy @ 10 (open, crossover)") &&
			strings.Contains(msg, "SMA1 5.5 SMA2 3.25")
	})).Return(nil).Once()

	r := NewNotifyReporter(n)
	ctx := context.Background()

	// Tail bar holds.
	require.NoError(t, r.Report(ctx, cycle(t, 10, step...)))

	// Tail bar opens the position, announced once.
	entry := cycle(t, 6, step[:6]...)
	require.NoError(t, r.Report(ctx, entry))
	require.NoError(t, r.Report(ctx, entry))

	require.NoError(t, r.Report(ctx, session.CycleResult{Err: errors.New("boom")}))
	n.AssertExpectations(t)
	n.AssertNumberOfCalls(t, "SendWithRetry", 1)
}

func TestNotifyReporter_PropagatesSendError(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendWithRetry", mock.Anything).Return(errors.New("telegram down"))

	r := NewNotifyReporter(n)
	assert.Error(t, r.Report(context.Background(), cycle(t, 6, step[:6]...)))
}
