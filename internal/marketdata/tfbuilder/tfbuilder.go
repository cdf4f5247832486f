// Package tfbuilder provides an incremental timeframe resampler.
// It consumes closed base-timeframe candles and keeps one forming candle per
// (symbol, higher TF). A higher-TF candle is emitted as soon as the base
// candle that ends its bucket arrives, or when a candle from a later bucket
// shows the previous one can no longer grow.
package tfbuilder

import (
	"fmt"
	"time"

	"ictbot/internal/model"
)

type tfSpec struct {
	name string
	dur  time.Duration
}

// tfState holds the forming candle for one (symbol, TF) pair.
type tfState struct {
	bucket time.Time
	candle model.Candle
}

// Builder resamples base candles into multiple higher timeframes.
// Designed to run in a single goroutine (single consumer).
type Builder struct {
	base time.Duration
	tfs  []tfSpec

	// states[tfIdx][symbol] → forming candle
	states []map[string]*tfState
	// done[tfIdx][symbol] → open time of the last emitted bucket
	done []map[string]time.Time

	// Metrics hooks
	OnTFCandle    func(c model.Candle) // called on every emitted candle (optional)
	OnStaleCandle func()               // called when a late base candle is rejected (optional)
}

// New creates a builder fed with candles of baseTF that emits every TF in
// tfs. TFs equal to the base are skipped; every other TF must be a whole
// multiple of it.
func New(baseTF string, tfs []string) (*Builder, error) {
	base, err := model.ParseTimeframe(baseTF)
	if err != nil {
		return nil, err
	}
	b := &Builder{base: base}
	for _, tf := range tfs {
		d, err := model.ParseTimeframe(tf)
		if err != nil {
			return nil, err
		}
		if d == base {
			continue
		}
		if d < base || d%base != 0 {
			return nil, fmt.Errorf("tfbuilder: %s is not a multiple of base %s", tf, baseTF)
		}
		b.tfs = append(b.tfs, tfSpec{name: tf, dur: d})
		b.states = append(b.states, make(map[string]*tfState, 16))
		b.done = append(b.done, make(map[string]time.Time, 16))
	}
	return b, nil
}

// TFs returns the emitted timeframes.
func (b *Builder) TFs() []string {
	out := make([]string, len(b.tfs))
	for i, s := range b.tfs {
		out[i] = s.name
	}
	return out
}

// Resume records bucket as the last emitted candle of tf for symbol and
// drops any forming candle, so base candles up to the end of that bucket
// are ignored. Used after history is loaded from a store.
func (b *Builder) Resume(symbol, tf string, bucket time.Time) bool {
	for i, s := range b.tfs {
		if s.name != tf {
			continue
		}
		delete(b.states[i], symbol)
		b.done[i][symbol] = model.AlignTime(bucket, s.dur)
		return true
	}
	return false
}

// Process applies one base candle to every TF and returns the candles it
// completed, in TF order. Open candles are ignored.
func (b *Builder) Process(c model.Candle) []model.Candle {
	if !c.Closed {
		return nil
	}
	var out []model.Candle
	key := c.Symbol
	end := c.OpenTime.Add(b.base)

	for i, tf := range b.tfs {
		bucket := model.AlignTime(c.OpenTime, tf.dur)

		st, exists := b.states[i][key]
		last, emitted := b.done[i][key]
		if (exists && bucket.Before(st.bucket)) || (emitted && !bucket.After(last)) {
			if b.OnStaleCandle != nil {
				b.OnStaleCandle()
			}
			continue
		}

		if exists && bucket.After(st.bucket) {
			// A gap in the feed: the old bucket will never be completed.
			out = append(out, b.finish(i, key, st))
			exists = false
		}

		if !exists {
			st = &tfState{
				bucket: bucket,
				candle: model.Candle{
					Symbol:    c.Symbol,
					Timeframe: tf.name,
					Open:      c.Open,
					High:      c.High,
					Low:       c.Low,
					Close:     c.Close,
					Volume:    c.Volume,
					OpenTime:  bucket,
					CloseTime: bucket.Add(tf.dur - time.Millisecond),
				},
			}
			b.states[i][key] = st
		} else {
			fc := &st.candle
			if c.High > fc.High {
				fc.High = c.High
			}
			if c.Low < fc.Low {
				fc.Low = c.Low
			}
			fc.Close = c.Close
			fc.Volume += c.Volume
		}

		if !end.Before(bucket.Add(tf.dur)) {
			out = append(out, b.finish(i, key, st))
		}
	}
	return out
}

func (b *Builder) finish(i int, key string, st *tfState) model.Candle {
	c := st.candle
	c.Closed = true
	delete(b.states[i], key)
	b.done[i][key] = st.bucket
	if b.OnTFCandle != nil {
		b.OnTFCandle(c)
	}
	return c
}
