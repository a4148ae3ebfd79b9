package tfutils

import (
	"errors"
	"strconv"
	"time"
)

var timeframes = map[string]time.Duration{
	// Breeze feed intervals
	"1second":  time.Second,
	"1minute":  time.Minute,
	"5minute":  5 * time.Minute,
	"30minute": 30 * time.Minute,
	"1day":     24 * time.Hour,
	// Exchange timeframes
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "1second", "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	if d, ok := timeframes[timeframe]; ok {
		return d, nil
	}
	return 0, errors.New("unsupported timeframe")
}

// GetTimeframeDuration returns the duration for a given timeframe, or 0
func GetTimeframeDuration(timeframe string) time.Duration {
	return timeframes[timeframe]
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// IsFeedInterval reports whether the broker push feed accepts the interval.
func IsFeedInterval(interval string) bool {
	switch interval {
	case "1second", "1minute", "5minute", "30minute", "1day":
		return true
	}
	return false
}

// WallexResolution maps a timeframe to the candle resolution the Wallex API
// expects: minutes for intraday, "1D" for daily.
func WallexResolution(timeframe string) string {
	d := GetTimeframeDuration(timeframe)
	switch {
	case d >= 24*time.Hour:
		return "1D"
	case d >= time.Minute:
		return strconv.Itoa(int(d / time.Minute))
	default:
		return ""
	}
}
