package model

import (
	"fmt"
	"strings"
	"time"
)

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe returns the bar duration for a kline interval string.
func ParseTimeframe(tf string) (time.Duration, error) {
	d, ok := timeframes[strings.ToLower(strings.TrimSpace(tf))]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// AlignTime truncates t to the start of its timeframe bucket (UTC epoch aligned).
func AlignTime(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(d)
}
