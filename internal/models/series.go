package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval granularity. The string value is the literal
// Binance interval parameter ("15m", "1h", ...).
type Timeframe string

// Supported timeframes. The archive matrix defaults to 15m and 1h; the rest
// are accepted so ad-hoc runs can target other granularities.
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// ParseTimeframe validates and normalizes an interval string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// Duration returns the interval length of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// FetchKey identifies one archived series: a trading symbol at one timeframe.
type FetchKey struct {
	Symbol    string
	Timeframe Timeframe
}

// String returns the canonical SYMBOL_timeframe form used in logs and result
// summaries.
func (k FetchKey) String() string {
	return fmt.Sprintf("%s_%s", k.Symbol, k.Timeframe)
}

// Validate checks that the key holds a non-empty symbol and a known timeframe.
func (k FetchKey) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("fetch key: symbol cannot be empty")
	}
	if !k.Timeframe.Valid() {
		return fmt.Errorf("fetch key %s: unsupported timeframe %q", k.Symbol, k.Timeframe)
	}
	return nil
}

// Series is an ordered sequence of klines for one fetch key. A well-formed
// series has strictly increasing open times and no duplicate entries; gaps
// are permitted (the exchange may simply have no data for a period).
type Series []Kline

// Validate enforces the series invariant: strictly increasing open times.
// Individual kline validation is a separate concern (see Kline.Validate).
func (s Series) Validate() error {
	for i := 1; i < len(s); i++ {
		prev, cur := s[i-1].OpenTime, s[i].OpenTime
		if !prev.Before(cur) {
			return fmt.Errorf("series invariant violated at index %d: open time %s does not increase over %s",
				i, cur.UTC().Format(time.RFC3339Nano), prev.UTC().Format(time.RFC3339Nano))
		}
	}
	return nil
}

// Last returns the final kline of the series, or nil for an empty series.
func (s Series) Last() *Kline {
	if len(s) == 0 {
		return nil
	}
	return &s[len(s)-1]
}

// First returns the first kline of the series, or nil for an empty series.
func (s Series) First() *Kline {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}

// Span returns the half-open time range [first open, last close) covered by
// the series and false when the series is empty.
func (s Series) Span() (start, end time.Time, ok bool) {
	if len(s) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s[0].OpenTime, s[len(s)-1].CloseTime, true
}
