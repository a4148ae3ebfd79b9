// Package report publishes session cycle results: the CSV action log, the
// JSON chart over HTTP, storage, Kafka and Telegram.
package report

import (
	"math"
	"strconv"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/strategy"
)

// Float64 marshals NaN and infinities as JSON null.
type Float64 float64

func (f Float64) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
}

// Point is one bar of the chart series.
type Point struct {
	Datetime time.Time       `json:"datetime"`
	Close    Float64         `json:"close"`
	SMA1     Float64         `json:"sma1"`
	SMA2     Float64         `json:"sma2"`
	Action   strategy.Action `json:"action"`
}

func Points(rows []backtest.Row) []Point {
	out := make([]Point, len(rows))
	for i, r := range rows {
		out[i] = Point{
			Datetime: r.Datetime,
			Close:    Float64(r.Close),
			SMA1:     Float64(r.SMA1),
			SMA2:     Float64(r.SMA2),
			Action:   r.Action,
		}
	}
	return out
}

// formatFloat renders undefined values as an empty cell.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
