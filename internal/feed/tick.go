// Package feed turns raw market-data pushes into candles on the session tick
// log.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingField     = errors.New("missing field")
	ErrInvalidNumber    = errors.New("invalid number")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// IngestError describes why a raw tick was rejected.
type IngestError struct {
	Field string
	Value string
	Err   error
}

func (e *IngestError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("tick field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("tick field %q = %q: %v", e.Field, e.Value, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// RawTick is one decoded push record. Values are strings, json.Number or
// plain numbers depending on the source.
type RawTick map[string]any

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	time.ANSIC,
}

// Parser converts raw ticks into candles.
type Parser struct {
	// Location applies to timestamps without a zone. Defaults to UTC.
	Location *time.Location
	// Symbol, Interval and Source fill the candle when the tick omits them.
	Symbol   string
	Interval string
	Source   string
}

// ParseTick parses with a zero Parser.
func ParseTick(raw RawTick) (candle.Candle, error) {
	return Parser{}.Parse(raw)
}

// Decode parses a JSON object frame.
func (p Parser) Decode(frame []byte) (candle.Candle, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var raw RawTick
	if err := dec.Decode(&raw); err != nil {
		return candle.Candle{}, fmt.Errorf("decode tick: %w", err)
	}
	return p.Parse(raw)
}

// Parse validates and converts every required field. A field that is absent
// or unparsable is reported, never coerced to zero.
func (p Parser) Parse(raw RawTick) (candle.Candle, error) {
	var c candle.Candle

	ts, err := p.timestamp(raw)
	if err != nil {
		return candle.Candle{}, err
	}
	c.Timestamp = ts

	fields := []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open},
		{"high", &c.High},
		{"low", &c.Low},
		{"close", &c.Close},
		{"volume", &c.Volume},
	}
	for _, f := range fields {
		v, err := number(raw, f.name)
		if err != nil {
			return candle.Candle{}, err
		}
		*f.dst = v
	}

	c.Symbol = firstString(raw, p.Symbol, "symbol", "stock_code")
	c.Interval = firstString(raw, p.Interval, "interval")
	c.Source = p.Source
	return c, nil
}

func (p Parser) timestamp(raw RawTick) (time.Time, error) {
	v, ok := raw["datetime"]
	if !ok || v == nil {
		return time.Time{}, &IngestError{Field: "datetime", Err: ErrMissingField}
	}

	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}

	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
				return ts.UTC(), nil
			}
		}
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC(), nil
		}
		return time.Time{}, &IngestError{Field: "datetime", Value: t, Err: ErrInvalidTimestamp}
	case json.Number:
		sec, err := t.Int64()
		if err != nil {
			return time.Time{}, &IngestError{Field: "datetime", Value: t.String(), Err: ErrInvalidTimestamp}
		}
		return time.Unix(sec, 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, &IngestError{Field: "datetime", Value: fmt.Sprint(v), Err: ErrInvalidTimestamp}
	}
}

// number parses a numeric field through an exact decimal so string prices
// like "305.35" become the nearest float64.
func number(raw RawTick, field string) (float64, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return 0, &IngestError{Field: field, Err: ErrMissingField}
	}

	var d decimal.Decimal
	var err error
	switch n := v.(type) {
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(n))
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			err = ErrInvalidNumber
			break
		}
		d = decimal.NewFromFloat(n)
	case int64:
		d = decimal.NewFromInt(n)
	case int:
		d = decimal.NewFromInt(int64(n))
	default:
		err = fmt.Errorf("unsupported type %T", v)
	}
	if err != nil {
		return 0, &IngestError{Field: field, Value: fmt.Sprint(v), Err: ErrInvalidNumber}
	}

	f, _ := d.Float64()
	return f, nil
}

func firstString(raw RawTick, fallback string, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
