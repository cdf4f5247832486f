package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidCandle is returned when OHLCV values violate candle invariants.
var ErrInvalidCandle = errors.New("invalid candle")

// Candle is one OHLCV bar for a symbol on a timeframe.
// Prices are quote-currency floats as delivered by the futures exchange.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"` // e.g. "1m", "15m", "4h"
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Closed    bool      `json:"closed"` // false while the bar is still forming
}

// NewCandle builds a candle and rejects malformed OHLCV values.
func NewCandle(symbol, tf string, open, high, low, close, volume float64, openTime, closeTime time.Time, closed bool) (Candle, error) {
	c := Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Closed:    closed,
	}
	if err := c.Validate(); err != nil {
		return Candle{}, err
	}
	return c, nil
}

// Validate checks high >= max(open, close), low <= min(open, close) and volume >= 0.
func (c Candle) Validate() error {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in %s", ErrInvalidCandle, c.Key())
		}
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("%w: high %.8f below body of %s", ErrInvalidCandle, c.High, c.Key())
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("%w: low %.8f above body of %s", ErrInvalidCandle, c.Low, c.Key())
	}
	if c.Volume < 0 {
		return fmt.Errorf("%w: negative volume on %s", ErrInvalidCandle, c.Key())
	}
	return nil
}

// Key returns "symbol:timeframe".
func (c Candle) Key() string {
	return c.Symbol + ":" + c.Timeframe
}

// Range is high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Body is close minus open; positive for bullish bars.
func (c Candle) Body() float64 { return c.Close - c.Open }

func (c Candle) IsBullish() bool { return c.Close > c.Open }
func (c Candle) IsBearish() bool { return c.Close < c.Open }

// EventTime is the close time when known, else the open time.
func (c Candle) EventTime() time.Time {
	if !c.CloseTime.IsZero() {
		return c.CloseTime
	}
	return c.OpenTime
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
