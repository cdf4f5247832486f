// Package replay reads stored candles and emits them in close-time order at
// a configurable speed for backtesting.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"ictbot/internal/model"
)

// maxGap caps the simulated wait between two candles.
const maxGap = 5 * time.Second

// Request selects what to replay.
type Request struct {
	Symbols    []string
	Timeframes []string
	From       time.Time
	To         time.Time // zero = no upper bound
	Speed      float64   // 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible
}

// Replayer replays candles from any CandleReader.
type Replayer struct {
	reader model.CandleReader
}

// New creates a Replayer backed by reader.
func New(reader model.CandleReader) *Replayer {
	return &Replayer{reader: reader}
}

// Load reads all requested candles, ordered by close time. Candles closing
// together are ordered lower timeframe first.
func (r *Replayer) Load(req Request) ([]model.Candle, error) {
	var all []model.Candle
	for _, sym := range req.Symbols {
		for _, tf := range req.Timeframes {
			candles, err := r.reader.ReadCandlesRange(sym, tf, req.From, req.To)
			if err != nil {
				return nil, err
			}
			all = append(all, candles...)
		}
	}
	sortCandles(all)
	return all, nil
}

// Run replays the requested candles into outCh and returns how many were
// emitted. It does not close outCh.
func (r *Replayer) Run(ctx context.Context, req Request, outCh chan<- model.Candle) (int, error) {
	all, err := r.Load(req)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		log.Println("[replay] no candles found")
		return 0, nil
	}
	log.Printf("[replay] loaded %d candles (%d symbols x %d TFs), speed=%.1fx",
		len(all), len(req.Symbols), len(req.Timeframes), req.Speed)

	var prevTS time.Time
	emitted := 0
	for _, c := range all {
		ts := c.EventTime()
		if req.Speed > 0 && !prevTS.IsZero() {
			if gap := ts.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / req.Speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				select {
				case <-ctx.Done():
					return emitted, ctx.Err()
				case <-time.After(scaled):
				}
			}
		}
		prevTS = ts

		c.Closed = true
		select {
		case outCh <- c:
			emitted++
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d candles", emitted)
			return emitted, ctx.Err()
		}
	}

	log.Printf("[replay] completed: %d candles replayed", emitted)
	return emitted, nil
}

func sortCandles(candles []model.Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		ti, tj := candles[i].EventTime(), candles[j].EventTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		di, _ := model.ParseTimeframe(candles[i].Timeframe)
		dj, _ := model.ParseTimeframe(candles[j].Timeframe)
		return di < dj
	})
}
