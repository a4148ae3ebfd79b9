package candle

import (
	"fmt"
	"sort"
	"time"
)

// Table is a column-oriented view over an ordered run of candles. It is
// rebuilt from scratch on every full replay.
type Table struct {
	Datetime     []time.Time
	Open         []float64
	High         []float64
	Low          []float64
	Close        []float64
	Volume       []float64
	OpenInterest []float64
}

// BuildTable copies candles into parallel columns ordered by timestamp.
// Candles with equal timestamps keep their arrival order.
func BuildTable(candles []Candle) Table {
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	n := len(sorted)
	t := Table{
		Datetime:     make([]time.Time, n),
		Open:         make([]float64, n),
		High:         make([]float64, n),
		Low:          make([]float64, n),
		Close:        make([]float64, n),
		Volume:       make([]float64, n),
		OpenInterest: make([]float64, n),
	}
	for i, c := range sorted {
		t.Datetime[i] = c.Timestamp
		t.Open[i] = c.Open
		t.High[i] = c.High
		t.Low[i] = c.Low
		t.Close[i] = c.Close
		t.Volume[i] = c.Volume
		t.OpenInterest[i] = c.OpenInterest
	}
	return t
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Datetime) }

// Row returns the i-th row as a candle.
func (t Table) Row(i int) Candle {
	return Candle{
		Timestamp:    t.Datetime[i],
		Open:         t.Open[i],
		High:         t.High[i],
		Low:          t.Low[i],
		Close:        t.Close[i],
		Volume:       t.Volume[i],
		OpenInterest: t.OpenInterest[i],
	}
}

// Check verifies the column invariants: equal lengths and non-decreasing
// timestamps.
func (t Table) Check() error {
	n := len(t.Datetime)
	cols := map[string]int{
		"open":         len(t.Open),
		"high":         len(t.High),
		"low":          len(t.Low),
		"close":        len(t.Close),
		"volume":       len(t.Volume),
		"openinterest": len(t.OpenInterest),
	}
	for name, l := range cols {
		if l != n {
			return fmt.Errorf("column %s has %d rows, expected %d", name, l, n)
		}
	}
	for i := 1; i < n; i++ {
		if t.Datetime[i].Before(t.Datetime[i-1]) {
			return fmt.Errorf("row %d timestamp %s is before row %d timestamp %s",
				i, t.Datetime[i].Format(time.RFC3339Nano), i-1, t.Datetime[i-1].Format(time.RFC3339Nano))
		}
	}
	return nil
}
