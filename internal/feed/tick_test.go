package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawTick(ts string, close string) RawTick {
	return RawTick{
		"datetime": ts,
		"open":     close,
		"high":     close,
		"low":      close,
		"close":    close,
		"volume":   "120",
	}
}

func TestParseTick(t *testing.T) {
	c, err := ParseTick(RawTick{
		"datetime": "2024-03-04 09:15:01",
		"open":     "305.10",
		"high":     "305.50",
		"low":      "304.95",
		"close":    "305.35",
		"volume":   "1200",
		"symbol":   "ITC",
		"interval": "1second",
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 4, 9, 15, 1, 0, time.UTC), c.Timestamp)
	assert.Equal(t, 305.10, c.Open)
	assert.Equal(t, 305.50, c.High)
	assert.Equal(t, 304.95, c.Low)
	assert.Equal(t, 305.35, c.Close)
	assert.Equal(t, 1200.0, c.Volume)
	assert.Equal(t, 0.0, c.OpenInterest)
	assert.Equal(t, "ITC", c.Symbol)
	assert.Equal(t, "1second", c.Interval)
}

func TestParseTick_Timestamps(t *testing.T) {
	want := time.Date(2024, 3, 4, 9, 15, 1, 0, time.UTC)
	for _, v := range []any{
		"2024-03-04T09:15:01Z",
		"2024-03-04T14:45:01+05:30",
		"2024-03-04 09:15:01",
		"2024-03-04T09:15:01",
		"Mon Mar  4 09:15:01 2024",
		"1709543701",
		json.Number("1709543701"),
		float64(1709543701),
		want,
	} {
		t.Run(fmt.Sprint(v), func(t *testing.T) {
			raw := rawTick("", "1")
			raw["datetime"] = v
			c, err := ParseTick(raw)
			require.NoError(t, err)
			assert.True(t, want.Equal(c.Timestamp), "got %s", c.Timestamp)
		})
	}
}

func TestParser_Location(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	p := Parser{Location: ist, Symbol: "ITC", Source: "breeze"}

	c, err := p.Parse(rawTick("2024-03-04 14:45:01", "1"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 15, 1, 0, time.UTC), c.Timestamp)
	assert.Equal(t, "ITC", c.Symbol)
	assert.Equal(t, "breeze", c.Source)
}

func TestParseTick_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r RawTick)
		field  string
		target error
	}{
		{"non-numeric price", func(r RawTick) { r["close"] = "abc" }, "close", ErrInvalidNumber},
		{"empty price", func(r RawTick) { r["open"] = "" }, "open", ErrInvalidNumber},
		{"NaN string", func(r RawTick) { r["high"] = "NaN" }, "high", ErrInvalidNumber},
		{"NaN float", func(r RawTick) { r["low"] = math.NaN() }, "low", ErrInvalidNumber},
		{"boolean volume", func(r RawTick) { r["volume"] = true }, "volume", ErrInvalidNumber},
		{"missing close", func(r RawTick) { delete(r, "close") }, "close", ErrMissingField},
		{"null volume", func(r RawTick) { r["volume"] = nil }, "volume", ErrMissingField},
		{"missing datetime", func(r RawTick) { delete(r, "datetime") }, "datetime", ErrMissingField},
		{"bad datetime", func(r RawTick) { r["datetime"] = "yesterday" }, "datetime", ErrInvalidTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawTick("2024-03-04 09:15:01", "305.35")
			tt.mutate(raw)

			_, err := ParseTick(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			var ie *IngestError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.field, ie.Field)
			assert.Contains(t, ie.Error(), tt.field)
		})
	}
}

func TestParser_Decode(t *testing.T) {
	p := Parser{Symbol: "ITC"}

	c, err := p.Decode([]byte(`{"datetime":"2024-03-04 09:15:01","open":305.1,"high":"305.5","low":304.95,"close":"305.35","volume":1200}`))
	require.NoError(t, err)
	assert.Equal(t, 305.1, c.Open)
	assert.Equal(t, 304.95, c.Low)
	assert.Equal(t, 305.35, c.Close)

	_, err = p.Decode([]byte(`{"datetime":`))
	assert.Error(t, err)

	_, err = p.Decode([]byte(`{"datetime":"2024-03-04 09:15:01","open":"x","high":1,"low":1,"close":1,"volume":1}`))
	assert.ErrorIs(t, err, ErrInvalidNumber)
}

func TestTableRoundTrip(t *testing.T) {
	closes := []string{"305.35", "305.40", "305.05", "306.20", "305.95"}
	base := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	var ticks []candle.Candle
	for i, cl := range closes {
		c, err := ParseTick(rawTick(base.Add(time.Duration(i)*time.Second).Format("2006-01-02 15:04:05"), cl))
		require.NoError(t, err)
		ticks = append(ticks, c)
	}

	table := candle.BuildTable(ticks)
	require.NoError(t, table.Check())
	assert.Equal(t, []float64{305.35, 305.40, 305.05, 306.20, 305.95}, table.Close)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, table.OpenInterest)
}
