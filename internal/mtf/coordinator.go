// Package mtf routes one symbol's candles to per-timeframe buffers and the
// shared feature cache.
package mtf

import (
	"fmt"
	"log/slog"
	"sort"

	"ictbot/internal/enriched"
	"ictbot/internal/featurecache"
	"ictbot/internal/marketdata/buffer"
	"ictbot/internal/model"
)

// Options configures a coordinator.
type Options struct {
	Symbol     string
	Timeframes []string       // declared timeframes; IsReady waits for all of them
	Capacity   int            // default buffer capacity
	Capacities map[string]int // per-timeframe overrides
	Cache      featurecache.Config
}

// Coordinator owns one IntervalBuffer per timeframe and one feature cache.
// Not safe for concurrent use; the engine serializes access per symbol.
type Coordinator struct {
	symbol     string
	declared   []string
	capacity   int
	capacities map[string]int

	buffers  map[string]*buffer.IntervalBuffer
	enriched map[string]*enriched.Buffer
	cache    *featurecache.Cache
	log      *slog.Logger

	// OnAutoRegister is called when a candle arrives for an undeclared timeframe.
	OnAutoRegister func(symbol, tf string)
}

// New validates options and creates a coordinator with an empty buffer per
// declared timeframe.
func New(opts Options, log *slog.Logger) (*Coordinator, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("mtf: symbol is required")
	}
	if err := opts.Cache.Validate(); err != nil {
		return nil, fmt.Errorf("mtf %s: %w", opts.Symbol, err)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		symbol:     opts.Symbol,
		capacity:   opts.Capacity,
		capacities: opts.Capacities,
		buffers:    make(map[string]*buffer.IntervalBuffer, len(opts.Timeframes)),
		enriched:   make(map[string]*enriched.Buffer),
		cache:      featurecache.New(opts.Cache, log.With("symbol", opts.Symbol)),
		log:        log,
	}
	for _, tf := range opts.Timeframes {
		if _, err := model.ParseTimeframe(tf); err != nil {
			return nil, fmt.Errorf("mtf %s: %w", opts.Symbol, err)
		}
		if _, dup := c.buffers[tf]; dup {
			continue
		}
		c.declared = append(c.declared, tf)
		c.buffers[tf] = c.newBuffer(tf)
		c.cache.Register(opts.Symbol, tf)
	}
	return c, nil
}

func (c *Coordinator) newBuffer(tf string) *buffer.IntervalBuffer {
	capacity := c.capacity
	if n, ok := c.capacities[tf]; ok {
		capacity = n
	}
	return buffer.New(c.symbol, tf, capacity)
}

// Symbol returns the coordinated symbol.
func (c *Coordinator) Symbol() string { return c.symbol }

// Cache exposes the feature cache for queries.
func (c *Coordinator) Cache() *featurecache.Cache { return c.cache }

// Seed loads history for tf into its buffer and bulk-initializes the cache
// from the same candles. An attached enriched buffer is rebuilt from them.
func (c *Coordinator) Seed(tf string, candles []model.Candle) error {
	buf, ok := c.buffers[tf]
	if !ok {
		buf = c.register(tf)
	}
	if err := buf.Seed(candles); err != nil {
		return err
	}
	st := c.cache.InitializeFromHistory(tf, candles)
	if eb, ok := c.enriched[tf]; ok {
		eb.Clear()
		for _, k := range candles {
			if k.Closed {
				eb.Append(k)
			}
		}
	}
	c.log.Info("timeframe seeded", "symbol", c.symbol, "tf", tf,
		"candles", len(candles), "buffered", buf.Len(), "active_order_blocks", st.ActiveOrderBlocks)
	return nil
}

// IsReady reports whether every declared timeframe has been seeded.
func (c *Coordinator) IsReady() bool {
	for _, tf := range c.declared {
		if !c.buffers[tf].Ready() {
			return false
		}
	}
	return true
}

// Route dispatches a candle to its timeframe. Forming candles only update
// the buffer; closed candles also advance the cache and any attached
// enriched buffer, once per open time. Malformed, foreign or stale candles
// are rejected.
func (c *Coordinator) Route(candle model.Candle) (featurecache.NewFeatures, error) {
	if candle.Symbol != c.symbol {
		return featurecache.NewFeatures{}, fmt.Errorf("mtf %s: candle for %s routed to wrong coordinator", c.symbol, candle.Symbol)
	}
	if err := candle.Validate(); err != nil {
		return featurecache.NewFeatures{}, err
	}
	buf, ok := c.buffers[candle.Timeframe]
	if !ok {
		if _, err := model.ParseTimeframe(candle.Timeframe); err != nil {
			return featurecache.NewFeatures{}, fmt.Errorf("mtf %s: %w", c.symbol, err)
		}
		buf = c.register(candle.Timeframe)
	}
	last, hasLast := buf.Last()
	redelivered := hasLast && last.Closed && last.OpenTime.Equal(candle.OpenTime)
	if err := buf.Append(candle); err != nil {
		return featurecache.NewFeatures{}, err
	}
	if !candle.Closed {
		return featurecache.NewFeatures{}, nil
	}
	// A closed bar seen twice (reconnect, backfill overlap) replaces the
	// buffered copy but must not advance the cache a second time.
	if redelivered {
		c.log.Debug("closed candle redelivered", "symbol", c.symbol, "tf", candle.Timeframe, "open", candle.OpenTime)
		return featurecache.NewFeatures{}, nil
	}

	nf := c.cache.UpdateOnNewCandle(candle, buf.Tail(c.cache.Config().Window()))
	if eb, ok := c.enriched[candle.Timeframe]; ok {
		eb.Append(candle)
	}
	return nf, nil
}

func (c *Coordinator) register(tf string) *buffer.IntervalBuffer {
	c.log.Warn("auto-registering undeclared timeframe", "symbol", c.symbol, "tf", tf)
	buf := c.newBuffer(tf)
	buf.MarkReady()
	c.buffers[tf] = buf
	c.cache.Register(c.symbol, tf)
	if c.OnAutoRegister != nil {
		c.OnAutoRegister(c.symbol, tf)
	}
	return buf
}

// Timeframes lists every buffered timeframe, declared or auto-registered,
// in sorted order.
func (c *Coordinator) Timeframes() []string {
	out := make([]string, 0, len(c.buffers))
	for tf := range c.buffers {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

// Buffer returns the buffer for tf.
func (c *Coordinator) Buffer(tf string) (*buffer.IntervalBuffer, bool) {
	b, ok := c.buffers[tf]
	return b, ok
}

// Buffers copies out every buffer's candles keyed by timeframe.
func (c *Coordinator) Buffers() map[string][]model.Candle {
	out := make(map[string][]model.Candle, len(c.buffers))
	for tf, b := range c.buffers {
		out[tf] = b.Candles()
	}
	return out
}

// AttachEnriched starts annotating closed candles of tf into a new enriched
// buffer of the given capacity, replacing any previous one.
func (c *Coordinator) AttachEnriched(tf string, capacity int) *enriched.Buffer {
	eb := enriched.New(capacity, enriched.DefaultWindow, c.cache.Config().Detector)
	c.enriched[tf] = eb
	return eb
}

// Enriched returns the enriched buffer attached to tf.
func (c *Coordinator) Enriched(tf string) (*enriched.Buffer, bool) {
	eb, ok := c.enriched[tf]
	return eb, ok
}
