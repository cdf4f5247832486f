// Package featurecache keeps the per-timeframe working set of ICT features
// for one symbol and drives their lifecycle as candles close.
//
// A Cache is not safe for concurrent use; the owning coordinator serializes
// access per symbol.
package featurecache

import (
	"log/slog"
	"sort"

	"ictbot/internal/detector"
	"ictbot/internal/model"
	"ictbot/internal/ringbuf"
)

// Eviction reasons attached to evicted events.
const (
	ReasonCapacity = "capacity"
	ReasonExpired  = "expired"
)

// NewFeatures is the outcome of one streaming update.
type NewFeatures struct {
	OrderBlocks []model.OrderBlock
	FVGs        []model.FairValueGap
	Liquidity   []model.LiquidityLevel
	Breaks      []model.StructureBreak

	// Changes are lifecycle transitions of already tracked features:
	// status changes, sweeps, strengthened levels and evictions.
	Changes []model.FeatureEvent
}

// Count is the number of newly created features and breaks.
func (n NewFeatures) Count() int {
	return len(n.OrderBlocks) + len(n.FVGs) + len(n.Liquidity) + len(n.Breaks)
}

// Empty reports whether the update produced nothing at all.
func (n NewFeatures) Empty() bool {
	return n.Count() == 0 && len(n.Changes) == 0
}

// Events flattens the update into the audit event stream, creations first.
func (n NewFeatures) Events() []model.FeatureEvent {
	out := make([]model.FeatureEvent, 0, n.Count()+len(n.Changes))
	for _, ob := range n.OrderBlocks {
		out = append(out, model.OrderBlockEvent(model.EventCreated, ob))
	}
	for _, g := range n.FVGs {
		out = append(out, model.FVGEvent(model.EventCreated, g))
	}
	for _, l := range n.Liquidity {
		out = append(out, model.LiquidityEvent(model.EventCreated, l))
	}
	for _, b := range n.Breaks {
		out = append(out, model.StructureEvent(b))
	}
	return append(out, n.Changes...)
}

// Stats summarizes one timeframe.
type Stats struct {
	Timeframe         string `json:"timeframe"`
	Candles           int    `json:"candles"`
	OrderBlocks       int    `json:"order_blocks"`
	ActiveOrderBlocks int    `json:"active_order_blocks"`
	FVGs              int    `json:"fvgs"`
	ActiveFVGs        int    `json:"active_fvgs"`
	Liquidity         int    `json:"liquidity"`
	ActiveLiquidity   int    `json:"active_liquidity"`
	HasStructure      bool   `json:"has_structure"`
}

// Snapshot is a point-in-time copy of everything tracked for a timeframe.
type Snapshot struct {
	Symbol      string                 `json:"symbol"`
	Timeframe   string                 `json:"timeframe"`
	OrderBlocks []model.OrderBlock     `json:"order_blocks"`
	FVGs        []model.FairValueGap   `json:"fvgs"`
	Liquidity   []model.LiquidityLevel `json:"liquidity"`
	Structure   *model.MarketStructure `json:"structure,omitempty"`
}

// Cache holds one frame per timeframe.
type Cache struct {
	cfg    Config
	log    *slog.Logger
	frames map[string]*frame

	// OnEvict is called for every feature dropped during a streaming update,
	// whether by capacity or by age.
	OnEvict func(model.FeatureEvent)
}

// New creates an empty cache. A nil logger falls back to slog.Default().
func New(cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cfg:    cfg,
		log:    log,
		frames: make(map[string]*frame),
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config { return c.cfg }

type frame struct {
	symbol, tf string
	index      int // absolute index of the last processed candle

	obs  *ringbuf.Ring[model.OrderBlock]
	fvgs *ringbuf.Ring[model.FairValueGap]
	liq  *ringbuf.Ring[model.LiquidityLevel]

	tracker      *detector.StructureTracker
	structure    model.MarketStructure
	hasStructure bool
}

func (c *Cache) newFrame(symbol, tf string) *frame {
	return &frame{
		symbol:  symbol,
		tf:      tf,
		index:   -1,
		obs:     ringbuf.New[model.OrderBlock](c.cfg.MaxOrderBlocks),
		fvgs:    ringbuf.New[model.FairValueGap](c.cfg.MaxFVGs),
		liq:     ringbuf.New[model.LiquidityLevel](c.cfg.MaxLiquidity),
		tracker: detector.NewStructureTracker(symbol, tf),
	}
}

// Register makes sure a frame exists for tf. It reports whether a new one
// was created.
func (c *Cache) Register(symbol, tf string) bool {
	if _, ok := c.frames[tf]; ok {
		return false
	}
	c.frames[tf] = c.newFrame(symbol, tf)
	return true
}

// Timeframes lists the registered timeframes in sorted order.
func (c *Cache) Timeframes() []string {
	out := make([]string, 0, len(c.frames))
	for tf := range c.frames {
		out = append(out, tf)
	}
	sort.Strings(out)
	return out
}

// Clear drops everything tracked for tf. An empty tf clears every frame.
func (c *Cache) Clear(tf string) {
	if tf == "" {
		c.frames = make(map[string]*frame)
		return
	}
	delete(c.frames, tf)
}

// InitializeFromHistory rebuilds the frame for tf from scratch. Detection
// runs once over the whole series and each feature enters the cache on the
// candle that confirmed it, so lifecycle, capacity and expiry play out in
// the same order a live feed would have produced. Calling it twice with the
// same input yields the same state.
func (c *Cache) InitializeFromHistory(tf string, candles []model.Candle) Stats {
	symbol := ""
	if len(candles) > 0 {
		symbol = candles[0].Symbol
	} else if old, ok := c.frames[tf]; ok {
		symbol = old.symbol
	}
	f := c.newFrame(symbol, tf)
	c.frames[tf] = f

	batches := c.detectHistory(candles)
	for i, cd := range candles {
		f.index = i
		c.step(f, cd, batches[i], false)
	}

	st := f.stats()
	c.log.Info("feature cache seeded",
		"symbol", symbol, "tf", tf, "candles", len(candles),
		"order_blocks", st.OrderBlocks, "fvgs", st.FVGs, "liquidity", st.Liquidity,
		"structure", st.HasStructure)
	return st
}

// UpdateOnNewCandle advances tf by one closed candle. buffer is the recent
// history of that timeframe; it may or may not already end with candle.
// Unclosed candles are ignored. Unknown timeframes are registered on the fly.
func (c *Cache) UpdateOnNewCandle(candle model.Candle, buffer []model.Candle) NewFeatures {
	if !candle.Closed {
		return NewFeatures{}
	}
	f, ok := c.frames[candle.Timeframe]
	if !ok {
		c.log.Warn("feature cache: unregistered timeframe, creating frame",
			"symbol", candle.Symbol, "tf", candle.Timeframe)
		f = c.newFrame(candle.Symbol, candle.Timeframe)
		c.frames[candle.Timeframe] = f
	}

	window := tailWindow(buffer, candle, c.cfg.Window())
	f.index++
	b := c.detectTail(window, f.index)
	out := c.step(f, candle, b, true)

	if n := out.Count(); n > 0 {
		c.log.Debug("feature cache update",
			"symbol", candle.Symbol, "tf", candle.Timeframe, "index", f.index,
			"order_blocks", len(out.OrderBlocks), "fvgs", len(out.FVGs),
			"liquidity", len(out.Liquidity), "breaks", len(out.Breaks),
			"changes", len(out.Changes))
	}
	for _, ev := range out.Changes {
		if ev.Type == model.EventEvicted && c.OnEvict != nil {
			c.OnEvict(ev)
		}
	}
	return out
}

// tailWindow returns a private copy of the last n candles of buffer ending
// with candle. A buffer whose last bar shares candle's open time has that
// bar replaced by candle.
func tailWindow(buffer []model.Candle, candle model.Candle, n int) []model.Candle {
	if k := len(buffer); k > 0 && buffer[k-1].OpenTime.Equal(candle.OpenTime) {
		buffer = buffer[:k-1]
	}
	if len(buffer) > n-1 {
		buffer = buffer[len(buffer)-(n-1):]
	}
	window := make([]model.Candle, 0, len(buffer)+1)
	window = append(window, buffer...)
	return append(window, candle)
}

// step applies one candle at absolute index f.index: lifecycle of tracked
// features first, then the features confirmed on this candle, then
// structure, then capacity and age eviction.
func (c *Cache) step(f *frame, cd model.Candle, b batch, emit bool) NewFeatures {
	var out NewFeatures
	at := cd.EventTime()
	tol := c.cfg.Detector.TolerancePercent

	note := func(ev model.FeatureEvent) {
		if emit {
			out.Changes = append(out.Changes, ev)
		}
	}

	for i := 0; i < f.obs.Len(); i++ {
		ob := f.obs.At(i)
		if next, ok := ob.WithCandle(cd); ok {
			f.obs.Set(i, next)
			if next.Status != ob.Status {
				note(model.OrderBlockEvent(model.EventStatusChanged, next))
			}
		}
	}
	for i := 0; i < f.fvgs.Len(); i++ {
		g := f.fvgs.At(i)
		if next, ok := g.WithCandle(cd); ok {
			f.fvgs.Set(i, next)
			if next.Status != g.Status {
				note(model.FVGEvent(model.EventStatusChanged, next))
			}
		}
	}
	for i := 0; i < f.liq.Len(); i++ {
		if next, ok := f.liq.At(i).WithCandle(cd, tol); ok {
			f.liq.Set(i, next)
			note(model.LiquidityEvent(model.EventSwept, next))
		}
	}

	for _, ob := range b.orderBlocks {
		if f.hasOrderBlock(ob.ID) {
			continue
		}
		if old, evicted := f.obs.Push(ob); evicted {
			note(evictedEvent(model.OrderBlockEvent(model.EventEvicted, old.Invalidate(at)), ReasonCapacity))
		}
		out.OrderBlocks = append(out.OrderBlocks, ob)
	}
	for _, g := range b.fvgs {
		if f.hasFVG(g.ID) {
			continue
		}
		if old, evicted := f.fvgs.Push(g); evicted {
			note(evictedEvent(model.FVGEvent(model.EventEvicted, old.Invalidate(at)), ReasonCapacity))
		}
		out.FVGs = append(out.FVGs, g)
	}
	for _, m := range b.milestones {
		if i := f.matchLevel(m, tol); i >= 0 {
			next := f.liq.At(i).WithTouch(m.last.Price, at, f.index)
			f.liq.Set(i, next)
			note(model.LiquidityEvent(model.EventStrengthened, next))
			continue
		}
		if f.hasLevel(m.level.ID) {
			continue
		}
		if old, evicted := f.liq.Push(m.level); evicted {
			note(evictedEvent(model.LiquidityEvent(model.EventEvicted, old), ReasonCapacity))
		}
		out.Liquidity = append(out.Liquidity, m.level)
	}

	for _, sp := range b.swings {
		if brk := f.tracker.Observe(sp); brk != nil {
			out.Breaks = append(out.Breaks, *brk)
		}
	}
	if len(b.swings) > 0 {
		if ms, ok := f.tracker.Structure(); ok && ms.Valid() {
			f.structure, f.hasStructure = ms, true
		}
	}

	cutoff := f.index - c.cfg.FeatureExpiryCandles
	for _, ob := range f.obs.Retain(func(ob model.OrderBlock) bool {
		return ob.Actionable() || ob.Index >= cutoff
	}) {
		note(evictedEvent(model.OrderBlockEvent(model.EventEvicted, ob.Invalidate(at)), ReasonExpired))
	}
	for _, g := range f.fvgs.Retain(func(g model.FairValueGap) bool {
		return g.Actionable() || g.Index >= cutoff
	}) {
		note(evictedEvent(model.FVGEvent(model.EventEvicted, g.Invalidate(at)), ReasonExpired))
	}
	for _, l := range f.liq.Retain(func(l model.LiquidityLevel) bool {
		return l.Actionable() || l.Index >= cutoff
	}) {
		note(evictedEvent(model.LiquidityEvent(model.EventEvicted, l), ReasonExpired))
	}
	return out
}

func evictedEvent(ev model.FeatureEvent, reason string) model.FeatureEvent {
	ev.Reason = reason
	return ev
}

func (f *frame) hasOrderBlock(id string) bool {
	for i := 0; i < f.obs.Len(); i++ {
		if f.obs.At(i).ID == id {
			return true
		}
	}
	return false
}

func (f *frame) hasFVG(id string) bool {
	for i := 0; i < f.fvgs.Len(); i++ {
		if f.fvgs.At(i).ID == id {
			return true
		}
	}
	return false
}

func (f *frame) hasLevel(id string) bool {
	for i := 0; i < f.liq.Len(); i++ {
		if f.liq.At(i).ID == id {
			return true
		}
	}
	return false
}

// matchLevel finds the unswept level a milestone extends: the same level by
// ID or, failing that, a same-side level within tolerance of the new touch.
// -1 when the milestone forms a new level.
func (f *frame) matchLevel(m milestone, tolPct float64) int {
	near := -1
	for i := f.liq.Len() - 1; i >= 0; i-- {
		l := f.liq.At(i)
		if l.Swept || l.Kind != m.level.Kind {
			continue
		}
		if l.ID == m.level.ID {
			return i
		}
		if near < 0 && detector.WithinTolerance(l.Price, m.last.Price, tolPct) {
			near = i
		}
	}
	return near
}

func (f *frame) stats() Stats {
	st := Stats{
		Timeframe:    f.tf,
		Candles:      f.index + 1,
		OrderBlocks:  f.obs.Len(),
		FVGs:         f.fvgs.Len(),
		Liquidity:    f.liq.Len(),
		HasStructure: f.hasStructure,
	}
	for i := 0; i < f.obs.Len(); i++ {
		if f.obs.At(i).Actionable() {
			st.ActiveOrderBlocks++
		}
	}
	for i := 0; i < f.fvgs.Len(); i++ {
		if f.fvgs.At(i).Actionable() {
			st.ActiveFVGs++
		}
	}
	for i := 0; i < f.liq.Len(); i++ {
		if f.liq.At(i).Actionable() {
			st.ActiveLiquidity++
		}
	}
	return st
}
