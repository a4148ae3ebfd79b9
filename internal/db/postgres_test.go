package db

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	dbconf "github.com/amirphl/sma-replay/internal/db/conf"
	"github.com/amirphl/sma-replay/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

func testTicks(symbol string, closes ...float64) []candle.Candle {
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    float64(i + 1),
			Symbol:    symbol,
			Interval:  "1second",
			Source:    "breeze",
		}
	}
	return out
}

func floatPtr(v float64) *float64 { return &v }

// runStorageSuite checks behaviour every Storage implementation shares.
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("Ticks", func(t *testing.T) {
		require.NoError(t, s.SaveTicks(ctx, testTicks("ITC", 305.1, 305.35, 304.9)))
		require.NoError(t, s.SaveTicks(ctx, testTicks("INFY", 1500)))
		require.NoError(t, s.SaveTicks(ctx, nil))

		got, err := s.GetTicks(ctx, "ITC", base, base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 305.35, got[1].Close)
		assert.Equal(t, 2.0, got[1].Volume)
		assert.True(t, got[1].Timestamp.Equal(base.Add(time.Second)))
		assert.Equal(t, "1second", got[1].Interval)
		assert.Equal(t, "breeze", got[1].Source)

		// end is exclusive
		got, err = s.GetTicks(ctx, "ITC", base, base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("Actions overwrite per run", func(t *testing.T) {
		first := []ActionRecord{
			{Symbol: "ITC", Datetime: base, Close: 10, Action: "Hold", Change: "none"},
			{Symbol: "ITC", Datetime: base.Add(time.Second), Close: 11, SMA1: floatPtr(10.5), Action: "Buy", Change: "open"},
		}
		require.NoError(t, s.SaveActions(ctx, "run-1", first))

		second := []ActionRecord{
			{Symbol: "ITC", Datetime: base, Close: 12, SMA1: floatPtr(12), SMA2: floatPtr(11.5), Action: "Sell", Change: "none"},
		}
		require.NoError(t, s.SaveActions(ctx, "run-1", second))
		require.NoError(t, s.SaveActions(ctx, "run-2", first))

		got, err := s.GetActions(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "run-1", got[0].RunID)
		assert.Equal(t, 12.0, got[0].Close)
		require.NotNil(t, got[0].SMA2)
		assert.Equal(t, 11.5, *got[0].SMA2)
		assert.Equal(t, "Sell", got[0].Action)

		got, err = s.GetActions(ctx, "run-2")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Nil(t, got[0].SMA1)
		assert.Nil(t, got[1].SMA2)
		assert.Equal(t, 1, got[1].Seq)
		assert.Equal(t, "open", got[1].Change)

		got, err = s.GetActions(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Events", func(t *testing.T) {
		require.NoError(t, s.LogEvent(ctx, journal.Event{
			Time:        base,
			Type:        journal.TypeCycle,
			Description: "cycle 1",
			Data:        map[string]any{"bars": 30.0},
		}))
		require.NoError(t, s.LogEvent(ctx, journal.Event{Time: base.Add(time.Second), Type: journal.TypeCycleFail, Description: "boom"}))

		events, err := s.GetEvents(ctx, journal.TypeCycle, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "cycle 1", events[0].Description)
		assert.Equal(t, 30.0, events[0].Data["bars"])
		assert.True(t, events[0].Time.Equal(base))
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, NewMemory())
}

func TestSQLStorage(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	defer cleanup()

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	runStorageSuite(t, s)
}

func TestNew_MigrateIsIdempotent(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	defer cleanup()

	_, err := New(context.Background(), cfg)
	require.NoError(t, err)
	_, err = New(context.Background(), cfg)
	require.NoError(t, err)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), dbconf.Config{Driver: "mysql"})
	assert.Error(t, err)

	_, err = New(context.Background(), dbconf.Config{Driver: dbconf.DriverSQLite})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Default{dialect: postgresDialect}
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y<$2", pg.rebind("SELECT a FROM t WHERE x=? AND y<?"))

	lite := &Default{dialect: sqliteDialect}
	assert.Equal(t, "x=?", lite.rebind("x=?"))
}

func TestNullableFloat(t *testing.T) {
	assert.Nil(t, NullableFloat(nan()))
	require.NotNil(t, NullableFloat(1.5))
	assert.Equal(t, 1.5, *NullableFloat(1.5))
}
