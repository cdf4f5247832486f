// Package buffer holds the bounded, time-ordered candle history of one
// symbol/timeframe pair.
package buffer

import (
	"errors"
	"fmt"

	"ictbot/internal/model"
	"ictbot/internal/ringbuf"
)

// ErrStaleCandle is returned when a candle opens before the newest buffered one.
var ErrStaleCandle = errors.New("buffer: stale candle")

// DefaultCapacity is used when a buffer is created with capacity <= 0.
const DefaultCapacity = 500

// IntervalBuffer keeps the last Cap() candles of one timeframe, oldest
// first. Not safe for concurrent use.
type IntervalBuffer struct {
	symbol string
	tf     string
	ring   *ringbuf.Ring[model.Candle]
	ready  bool
}

// New creates an empty buffer.
func New(symbol, tf string, capacity int) *IntervalBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &IntervalBuffer{
		symbol: symbol,
		tf:     tf,
		ring:   ringbuf.New[model.Candle](capacity),
	}
}

// Seed replaces the contents with the newest Cap() candles of history and
// marks the buffer ready. History must be in ascending open-time order.
func (b *IntervalBuffer) Seed(history []model.Candle) error {
	for i := 1; i < len(history); i++ {
		if history[i].OpenTime.Before(history[i-1].OpenTime) {
			return fmt.Errorf("buffer %s/%s: seed history out of order at %d", b.symbol, b.tf, i)
		}
	}
	b.ring.Reset()
	if n := b.ring.Cap(); len(history) > n {
		history = history[len(history)-n:]
	}
	for _, c := range history {
		b.ring.Push(c)
	}
	b.ready = true
	return nil
}

// Append adds a candle. A candle with the same open time as the newest one
// replaces it, except that a forming candle never overwrites a closed one;
// an older one is rejected with ErrStaleCandle. The oldest candle is dropped
// once the buffer is full.
func (b *IntervalBuffer) Append(c model.Candle) error {
	if last, ok := b.ring.Last(); ok {
		switch {
		case c.OpenTime.Before(last.OpenTime):
			return fmt.Errorf("%w: %s/%s open=%s newest=%s", ErrStaleCandle, b.symbol, b.tf,
				c.OpenTime.Format("15:04:05"), last.OpenTime.Format("15:04:05"))
		case c.OpenTime.Equal(last.OpenTime):
			if last.Closed && !c.Closed {
				return nil
			}
			b.ring.SetLast(c)
			return nil
		}
	}
	b.ring.Push(c)
	return nil
}

// Candles returns a copy of the buffered candles, oldest first.
func (b *IntervalBuffer) Candles() []model.Candle { return b.ring.Slice() }

// Tail returns a copy of the newest k candles.
func (b *IntervalBuffer) Tail(k int) []model.Candle { return b.ring.Tail(k) }

// Last returns the newest candle.
func (b *IntervalBuffer) Last() (model.Candle, bool) { return b.ring.Last() }

// Ready reports whether the buffer has been seeded.
func (b *IntervalBuffer) Ready() bool { return b.ready }

// MarkReady flags a buffer that starts live without history.
func (b *IntervalBuffer) MarkReady() { b.ready = true }

func (b *IntervalBuffer) Len() int          { return b.ring.Len() }
func (b *IntervalBuffer) Cap() int          { return b.ring.Cap() }
func (b *IntervalBuffer) Symbol() string    { return b.symbol }
func (b *IntervalBuffer) Timeframe() string { return b.tf }

// Dropped is the number of candles pushed out by capacity since creation.
func (b *IntervalBuffer) Dropped() uint64 { return b.ring.Overflow() }
