package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ictbot/internal/logger"
	"ictbot/internal/model"
)

// Backfill seeds every symbol/timeframe from stored history, topping it up
// from the exchange when the store is short or behind, then primes the
// resampler so the first live higher-TF candle is complete. The engine is
// ready once Backfill returns nil.
func (e *Engine) Backfill(ctx context.Context) error {
	start := time.Now()
	for _, sym := range e.order {
		st := e.symbols[sym]
		for _, tf := range e.cfg.AllTimeframes() {
			if err := ctx.Err(); err != nil {
				return err
			}
			candles := e.history(ctx, sym, tf)
			st.mu.Lock()
			err := st.coord.Seed(tf, candles)
			st.mu.Unlock()
			if err != nil {
				return fmt.Errorf("engine: seed %s/%s: %w", sym, tf, err)
			}
		}
		if n := e.prime(st); n > 0 {
			e.log.Info("resampler primed", "symbol", sym, "built", n)
		}
	}
	e.ready.Store(true)
	e.deps.Health.SetReady(true)
	e.log.Info("backfill complete", "symbols", len(e.order), "elapsed", time.Since(start))
	return nil
}

// history returns up to BufferCapacity closed candles for symbol/tf, oldest
// first. Load errors are logged and yield whatever was obtained.
func (e *Engine) history(ctx context.Context, symbol, tf string) []model.Candle {
	var candles []model.Candle
	if e.deps.History != nil {
		stored, err := e.deps.History.ReadCandles(symbol, tf, e.cfg.BufferCapacity)
		if err != nil {
			e.log.Warn("history read failed", "symbol", symbol, "tf", tf, "err", err)
		} else {
			candles = stored
			e.deps.Metrics.BackfillTotal.WithLabelValues("sqlite").Add(float64(len(stored)))
		}
	}

	limit := min(e.cfg.BackfillLimit, e.cfg.BufferCapacity)
	if e.deps.Fetcher == nil || limit == 0 || (len(candles) >= limit && !e.behind(candles, tf)) {
		return candles
	}
	fetched, err := e.deps.Fetcher.Klines(ctx, symbol, tf, limit)
	if err != nil {
		e.log.Warn("exchange backfill failed", "symbol", symbol, "tf", tf, "err", err)
		return candles
	}
	e.deps.Metrics.BackfillTotal.WithLabelValues("rest").Add(float64(len(fetched)))
	if e.deps.Store != nil && len(fetched) > 0 {
		if err := e.deps.Store.InsertCandles(fetched); err != nil {
			e.log.Warn("storing fetched candles failed", "symbol", symbol, "tf", tf, "err", err)
		}
	}
	merged := mergeCandles(candles, fetched)
	if n := e.cfg.BufferCapacity; len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	e.log.Info("history loaded", "symbol", symbol, "tf", tf, "stored", len(candles), "fetched", len(fetched), "total", len(merged))
	return merged
}

// behind reports whether the newest stored candle is more than one bar
// older than the last closed bar.
func (e *Engine) behind(candles []model.Candle, tf string) bool {
	d, err := model.ParseTimeframe(tf)
	if err != nil || len(candles) == 0 {
		return true
	}
	last := candles[len(candles)-1]
	return e.now().Sub(last.CloseTime) > 2*d
}

// mergeCandles unions two histories by open time, preferring b on
// conflicts, in ascending order.
func mergeCandles(a, b []model.Candle) []model.Candle {
	byOpen := make(map[int64]model.Candle, len(a)+len(b))
	for _, c := range a {
		byOpen[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range b {
		byOpen[c.OpenTime.UnixMilli()] = c
	}
	out := make([]model.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// prime replays seeded base candles through the resampler. Each higher TF
// resumes after its newest seeded bucket, so only buckets missing from its
// history are built and the current bucket starts forming from its first
// base candle. Returns the number of candles built.
func (e *Engine) prime(st *symbolState) int {
	if e.builder == nil {
		return 0
	}
	st.mu.RLock()
	var base []model.Candle
	if b, ok := st.coord.Buffer(e.cfg.BaseTimeframe); ok {
		base = b.Candles()
	}
	resume := make(map[string]time.Time)
	for _, tf := range e.builder.TFs() {
		if b, ok := st.coord.Buffer(tf); ok {
			if last, ok := b.Last(); ok {
				resume[tf] = last.OpenTime
			}
		}
	}
	st.mu.RUnlock()
	if len(base) == 0 {
		return 0
	}
	symbol := st.coord.Symbol()
	first := base[0].OpenTime

	e.builderMu.Lock()
	stale := e.builder.OnStaleCandle
	e.builder.OnStaleCandle = nil
	for _, tf := range e.builder.TFs() {
		d, _ := model.ParseTimeframe(tf)
		// A bucket that starts before the first base candle cannot be
		// rebuilt in full.
		from := model.AlignTime(first, d)
		if from.Before(first) {
			from = from.Add(d)
		}
		last, ok := resume[tf]
		if !ok || last.Add(d).Before(from) {
			last = from.Add(-d)
		}
		e.builder.Resume(symbol, tf, last)
	}
	var built []model.Candle
	for _, c := range base {
		built = append(built, e.builder.Process(c)...)
	}
	e.builder.OnStaleCandle = stale
	e.builderMu.Unlock()

	st.mu.Lock()
	st.lastBase = base[len(base)-1].OpenTime
	st.mu.Unlock()

	n := 0
	for _, c := range built {
		ctx := logger.WithTraceID(context.Background(), logger.CandleTraceID(c.Symbol, c.Timeframe, c.OpenTime))
		if _, err := e.route(ctx, st, c); err == nil {
			n++
		}
	}
	return n
}
