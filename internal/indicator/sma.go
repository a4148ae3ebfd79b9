package indicator

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPeriod is returned when an averaging period is not positive.
var ErrInvalidPeriod = errors.New("period must be positive")

// Series is an indicator output aligned with its input. Indexes that are not
// warmed up yet hold NaN.
type Series []float64

// Defined reports whether the series has a value at index i.
func (s Series) Defined(i int) bool {
	return i >= 0 && i < len(s) && !math.IsNaN(s[i])
}

// At returns the value at index i and whether it is defined.
func (s Series) At(i int) (float64, bool) {
	if !s.Defined(i) {
		return math.NaN(), false
	}
	return s[i], true
}

// SMA is the simple moving average over Period values.
type SMA struct {
	Period int
}

func NewSMA(period int) SMA { return SMA{Period: period} }

func (s SMA) Name() string { return fmt.Sprintf("SMA(%d)", s.Period) }

func (s SMA) Calculate(values []float64) (Series, error) {
	return CalculateSMA(values, s.Period)
}

// CalculateSMA returns the simple moving average of values over period. The
// first period-1 entries are NaN.
func CalculateSMA(values []float64, period int) (Series, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	out := make(Series, len(values))
	for i := range values {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = windowMean(values[i-period+1 : i+1])
	}
	return out, nil
}

// CalculateLastSMA returns the average of the last period values.
func CalculateLastSMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	if len(values) < period {
		return math.NaN(), fmt.Errorf("not enough data for SMA(%d): have %d values", period, len(values))
	}
	return windowMean(values[len(values)-period:]), nil
}

// windowMean sums front to back so that full and incremental evaluation
// produce bit-identical results.
func windowMean(window []float64) float64 {
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}
