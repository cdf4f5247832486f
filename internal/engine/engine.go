// Package engine runs the feature engine service: one coordinator per
// symbol fed from a candle source, with events, zone snapshots and closed
// candles fanned out to the configured stores and alert channels.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ictbot/config"
	"ictbot/internal/enriched"
	"ictbot/internal/featurecache"
	"ictbot/internal/logger"
	"ictbot/internal/marketdata/buffer"
	"ictbot/internal/marketdata/bus"
	"ictbot/internal/marketdata/tfbuilder"
	"ictbot/internal/metrics"
	"ictbot/internal/model"
	"ictbot/internal/mtf"
	"ictbot/internal/notification"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrUnknownSymbol is returned for candles of a symbol outside the
// configured scope.
var ErrUnknownSymbol = errors.New("engine: unknown symbol")

const (
	eventChanSize    = 1024
	persistChanSize  = 4096
	writerChanSize   = 1000
	writeTimeout     = 5 * time.Second
	saturationPeriod = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Fetcher loads recent closed klines from the exchange.
type Fetcher interface {
	Klines(ctx context.Context, symbol, tf string, limit int) ([]model.Candle, error)
}

// CandleStore stores candles fetched during backfill.
type CandleStore interface {
	InsertCandles(candles []model.Candle) error
}

// Deps are the engine's collaborators. Every field is optional.
type Deps struct {
	History  model.CandleReader
	Audit    model.EventReader
	Store    CandleStore
	Fetcher  Fetcher
	Writers  []model.CandleWriter
	Events   []model.EventWriter
	Zones    []model.ZoneWriter
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
}

// Timed wraps an event writer so every batch write is observed by obs.
func Timed(w model.EventWriter, obs prometheus.Observer) model.EventWriter {
	return &timedWriter{w: w, obs: obs}
}

type timedWriter struct {
	w   model.EventWriter
	obs prometheus.Observer
}

func (t *timedWriter) WriteFeatureEvents(ctx context.Context, events []model.FeatureEvent) error {
	start := time.Now()
	err := t.w.WriteFeatureEvents(ctx, events)
	t.obs.Observe(time.Since(start).Seconds())
	return err
}

type symbolState struct {
	mu       sync.RWMutex
	coord    *mtf.Coordinator
	lastBase time.Time // open time of the newest base candle fed to the resampler
}

// Engine owns every symbol's coordinator.
type Engine struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	symbols map[string]*symbolState
	order   []string

	builder   *tfbuilder.Builder // nil unless higher TFs are resampled locally
	builderMu sync.Mutex

	persistCh chan model.Candle
	eventCh   chan eventBatch
	fan       *bus.FanOut[model.Candle]
	ready     atomic.Bool
}

// eventBatch is the set of events one incoming candle produced, tagged with
// that candle's trace id.
type eventBatch struct {
	traceID string
	events  []model.FeatureEvent
}

// New validates cfg and builds an engine with an empty coordinator per
// symbol.
func New(cfg *config.Config, deps Deps, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Health == nil {
		deps.Health = metrics.NewHealthStatus()
	}
	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		log:       log.With("component", "engine"),
		now:       time.Now,
		symbols:   make(map[string]*symbolState, len(cfg.Symbols)),
		persistCh: make(chan model.Candle, persistChanSize),
		eventCh:   make(chan eventBatch, eventChanSize),
	}

	tfs := cfg.AllTimeframes()
	for _, sym := range cfg.Symbols {
		if _, dup := e.symbols[sym]; dup {
			continue
		}
		coord, err := mtf.New(mtf.Options{
			Symbol:     sym,
			Timeframes: tfs,
			Capacity:   cfg.BufferCapacity,
			Cache:      cfg.Features,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.EnrichedCapacity > 0 {
			for _, tf := range tfs {
				coord.AttachEnriched(tf, cfg.EnrichedCapacity)
			}
		}
		coord.OnAutoRegister = func(symbol, tf string) {
			deps.Metrics.AutoRegistered.Inc()
		}
		e.symbols[sym] = &symbolState{coord: coord}
		e.order = append(e.order, sym)
	}

	if cfg.CandleSource == config.SourceWS && len(tfs) > 1 {
		b, err := tfbuilder.New(cfg.BaseTimeframe, tfs)
		if err != nil {
			return nil, err
		}
		b.OnTFCandle = func(c model.Candle) { deps.Metrics.TFCandlesTotal.WithLabelValues(c.Timeframe).Inc() }
		b.OnStaleCandle = func() { deps.Metrics.StaleCandlesRejected.Inc() }
		e.builder = b
	}

	deps.Health.SetScope(e.order, tfs)
	return e, nil
}

// Symbols lists the configured symbols in configuration order.
func (e *Engine) Symbols() []string {
	return append([]string(nil), e.order...)
}

// Ready reports whether backfill has completed.
func (e *Engine) Ready() bool { return e.ready.Load() }

// HandleCandle routes one candle, plus any higher-TF candles the resampler
// completes from it, and queues the resulting events for delivery. The
// returned events are in emission order.
func (e *Engine) HandleCandle(c model.Candle) ([]model.FeatureEvent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	st, ok := e.symbols[c.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, c.Symbol)
	}

	ctx := logger.WithTraceID(context.Background(), logger.CandleTraceID(c.Symbol, c.Timeframe, c.OpenTime))
	events, err := e.route(ctx, st, c)
	if err != nil {
		return nil, err
	}
	for _, tc := range e.resample(st, c) {
		evs, err := e.route(ctx, st, tc)
		if err != nil {
			e.log.Warn("resampled candle rejected", append(logger.LogWithTrace(ctx), "symbol", tc.Symbol, "tf", tc.Timeframe, "err", err)...)
			continue
		}
		events = append(events, evs...)
	}
	e.dispatch(ctx, events)
	return events, nil
}

func (e *Engine) route(ctx context.Context, st *symbolState, c model.Candle) ([]model.FeatureEvent, error) {
	start := time.Now()
	st.mu.Lock()
	nf, err := st.coord.Route(c)
	var stats featurecache.Stats
	var hasStats bool
	if err == nil && c.Closed {
		stats, hasStats = st.coord.Cache().Stats(c.Timeframe)
	}
	st.mu.Unlock()

	m := e.deps.Metrics
	if err != nil {
		if errors.Is(err, buffer.ErrStaleCandle) {
			m.StaleCandlesRejected.Inc()
		}
		return nil, err
	}
	if !c.Closed {
		return nil, nil
	}
	m.UpdateDur.WithLabelValues(c.Timeframe).Observe(time.Since(start).Seconds())
	m.CandlesTotal.WithLabelValues(c.Timeframe).Inc()
	if hasStats {
		m.ActiveFeatures.WithLabelValues(c.Symbol, c.Timeframe, string(model.KindOrderBlock)).Set(float64(stats.ActiveOrderBlocks))
		m.ActiveFeatures.WithLabelValues(c.Symbol, c.Timeframe, string(model.KindFVG)).Set(float64(stats.ActiveFVGs))
		m.ActiveFeatures.WithLabelValues(c.Symbol, c.Timeframe, string(model.KindLiquidity)).Set(float64(stats.ActiveLiquidity))
	}
	e.persist(c)
	events := nf.Events()
	if len(events) > 0 {
		e.log.Debug("features changed", append(logger.LogWithTrace(ctx), "symbol", c.Symbol, "tf", c.Timeframe, "events", len(events))...)
	}
	return events, nil
}

// resample feeds a closed base candle to the resampler once per open time.
func (e *Engine) resample(st *symbolState, c model.Candle) []model.Candle {
	if e.builder == nil || !c.Closed || c.Timeframe != e.cfg.BaseTimeframe {
		return nil
	}
	st.mu.Lock()
	fresh := c.OpenTime.After(st.lastBase)
	if fresh {
		st.lastBase = c.OpenTime
	}
	st.mu.Unlock()
	if !fresh {
		return nil
	}
	e.builderMu.Lock()
	defer e.builderMu.Unlock()
	return e.builder.Process(c)
}

func (e *Engine) persist(c model.Candle) {
	if len(e.deps.Writers) == 0 {
		return
	}
	select {
	case e.persistCh <- c:
	default:
		e.deps.Metrics.DroppedCandles.Inc()
		e.log.Warn("persist channel full, dropping candle", "symbol", c.Symbol, "tf", c.Timeframe, "open", c.OpenTime)
	}
}

func (e *Engine) dispatch(ctx context.Context, events []model.FeatureEvent) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		e.deps.Metrics.FeatureEvents.WithLabelValues(string(ev.Kind), string(ev.Type)).Inc()
	}
	select {
	case e.eventCh <- eventBatch{traceID: logger.TraceID(ctx), events: events}:
	default:
		e.log.Error("event channel full, dropping events", append(logger.LogWithTrace(ctx), "count", len(events))...)
	}
}

// Run persists candles, delivers events and takes zone snapshots while
// routing candles from in. Blocks until ctx is cancelled or in is closed,
// then writes a final snapshot and drains queued events and candles.
func (e *Engine) Run(ctx context.Context, in <-chan model.Candle) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})

	// Writers outlive runCtx so queued candles reach them on shutdown.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	var persistWG sync.WaitGroup
	if len(e.deps.Writers) > 0 {
		fanIn := make(chan model.Candle, writerChanSize)
		e.fan = bus.New[model.Candle]("persist", writerChanSize)
		e.fan.OnDrop = func(i int) {
			e.deps.Metrics.FanoutDropsTotal.WithLabelValues(strconv.Itoa(i)).Inc()
		}
		for _, w := range e.deps.Writers {
			ch := e.fan.Subscribe()
			persistWG.Add(1)
			go func(w model.CandleWriter) {
				defer persistWG.Done()
				w.RunCandles(persistCtx, ch)
			}(w)
		}
		persistWG.Add(2)
		go func() {
			defer persistWG.Done()
			e.fan.Run(persistCtx, fanIn)
		}()
		go func() {
			defer persistWG.Done()
			defer close(fanIn)
			e.forward(stop, fanIn)
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.deliverLoop(stop)
	}()
	go func() {
		defer wg.Done()
		e.tickLoop(runCtx)
	}()

	e.log.Info("engine running", "symbols", e.order, "timeframes", e.cfg.AllTimeframes(), "source", e.cfg.CandleSource)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c, ok := <-in:
			if !ok {
				break loop
			}
			e.observe(c)
			if _, err := e.HandleCandle(c); err != nil {
				if errors.Is(err, buffer.ErrStaleCandle) {
					e.log.Debug("stale candle ignored", "symbol", c.Symbol, "tf", c.Timeframe, "err", err)
				} else {
					e.log.Warn("candle rejected", "symbol", c.Symbol, "tf", c.Timeframe, "err", err)
				}
			}
		}
	}

	e.log.Info("engine stopping, writing final snapshots")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	e.writeSnapshots(shutCtx)

	close(stop)
	cancel()
	wg.Wait()

	done := make(chan struct{})
	go func() {
		persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutCtx.Done():
		e.log.Warn("candle writers did not drain in time")
		persistCancel()
		<-done
	}
	e.log.Info("engine stopped")
	return nil
}

// forward moves candles from the persist queue to out until stop is
// closed, then flushes what is left.
func (e *Engine) forward(stop <-chan struct{}, out chan<- model.Candle) {
	for {
		select {
		case c := <-e.persistCh:
			out <- c
		case <-stop:
			for {
				select {
				case c := <-e.persistCh:
					out <- c
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) observe(c model.Candle) {
	now := e.now()
	e.deps.Health.SetLastCandleTime(now)
	if c.Closed {
		e.deps.Metrics.CandleLag.Set(now.Sub(c.CloseTime).Seconds())
	}
}

// deliverLoop writes queued events until stop is closed, then drains what
// is left.
func (e *Engine) deliverLoop(stop <-chan struct{}) {
	for {
		select {
		case b := <-e.eventCh:
			e.deliver(b)
		case <-stop:
			for {
				select {
				case b := <-e.eventCh:
					e.deliver(b)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) deliver(b eventBatch) {
	ctx, cancel := context.WithTimeout(logger.WithTraceID(context.Background(), b.traceID), writeTimeout)
	defer cancel()
	events := b.events
	trace := logger.LogWithTrace(ctx)

	for _, w := range e.deps.Events {
		if err := w.WriteFeatureEvents(ctx, events); err != nil {
			e.log.Error("event write failed", append(trace, "writer", writerName(w), "count", len(events), "err", err)...)
		}
	}

	if e.deps.Notifier == nil {
		return
	}
	name := fmt.Sprintf("%T", e.deps.Notifier)
	for _, ev := range events {
		alert, ok := notification.AlertFromEvent(ev)
		if !ok {
			continue
		}
		result := "ok"
		if err := e.deps.Notifier.Send(ctx, alert); err != nil {
			result = "error"
			e.log.Warn("alert delivery failed", append(trace, "feature", ev.ID, "err", err)...)
		}
		e.deps.Metrics.Notifications.WithLabelValues(name, result).Inc()
	}
}

func writerName(w model.EventWriter) string {
	if t, ok := w.(*timedWriter); ok {
		w = t.w
	}
	return fmt.Sprintf("%T", w)
}

func (e *Engine) tickLoop(ctx context.Context) {
	var snapC <-chan time.Time
	if e.cfg.SnapshotInterval > 0 && len(e.deps.Zones) > 0 {
		t := time.NewTicker(e.cfg.SnapshotInterval)
		defer t.Stop()
		snapC = t.C
	}
	sat := time.NewTicker(saturationPeriod)
	defer sat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapC:
			n := e.writeSnapshots(ctx)
			e.log.Debug("zone snapshots written", "count", n)
		case <-sat.C:
			e.reportSaturation()
		}
	}
}

func (e *Engine) reportSaturation() {
	g := e.deps.Metrics.ChannelSaturationPct
	g.WithLabelValues("events").Set(pct(len(e.eventCh), cap(e.eventCh)))
	g.WithLabelValues("persist").Set(pct(len(e.persistCh), cap(e.persistCh)))
	if e.fan != nil {
		for i, s := range e.fan.ChannelStats() {
			g.WithLabelValues("persist_" + strconv.Itoa(i)).Set(pct(s.Len, s.Cap))
		}
	}
}

func pct(n, c int) float64 {
	if c == 0 {
		return 0
	}
	return float64(n) / float64(c) * 100
}

// writeSnapshots serializes every symbol/timeframe snapshot to each zone
// writer and returns how many snapshots were taken.
func (e *Engine) writeSnapshots(ctx context.Context) int {
	if len(e.deps.Zones) == 0 {
		return 0
	}
	n := 0
	for _, sym := range e.order {
		snaps, _ := e.Snapshots(sym)
		for tf, snap := range snaps {
			data, err := json.Marshal(snap)
			if err != nil {
				e.log.Error("snapshot encode failed", "symbol", sym, "tf", tf, "err", err)
				continue
			}
			for _, z := range e.deps.Zones {
				if err := z.WriteZoneSnapshot(ctx, sym, tf, data); err != nil {
					e.log.Warn("snapshot write failed", "writer", fmt.Sprintf("%T", z), "symbol", sym, "tf", tf, "err", err)
				}
			}
			n++
		}
	}
	return n
}

// Snapshot copies the features tracked for symbol/tf.
func (e *Engine) Snapshot(symbol, tf string) (featurecache.Snapshot, bool) {
	st, ok := e.symbols[symbol]
	if !ok {
		return featurecache.Snapshot{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.coord.Cache().Snapshot(tf)
}

// Snapshots copies every timeframe tracked for symbol.
func (e *Engine) Snapshots(symbol string) (map[string]featurecache.Snapshot, bool) {
	st, ok := e.symbols[symbol]
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]featurecache.Snapshot)
	for _, tf := range st.coord.Timeframes() {
		if s, ok := st.coord.Cache().Snapshot(tf); ok {
			out[tf] = s
		}
	}
	return out, true
}

// Stats summarizes every timeframe tracked for symbol, sorted by timeframe
// name.
func (e *Engine) Stats(symbol string) ([]featurecache.Stats, bool) {
	st, ok := e.symbols[symbol]
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []featurecache.Stats
	for _, tf := range st.coord.Timeframes() {
		if s, ok := st.coord.Cache().Stats(tf); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// Enriched returns up to the newest n annotated candles of symbol/tf, oldest
// first. ok is false when the symbol is unknown or tf keeps no annotations.
func (e *Engine) Enriched(symbol, tf string, n int) ([]enriched.Snapshot, bool) {
	st, ok := e.symbols[symbol]
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	eb, ok := st.coord.Enriched(tf)
	if !ok {
		return nil, false
	}
	return eb.Last(n), true
}

// Nearest is the closest actionable order block and fair value gap to a
// price in one direction.
type Nearest struct {
	OrderBlock *model.OrderBlock   `json:"order_block,omitempty"`
	FVG        *model.FairValueGap `json:"fvg,omitempty"`
}

// Nearest looks up the closest actionable zones for symbol/tf.
func (e *Engine) Nearest(symbol, tf string, price float64, dir model.Direction) (Nearest, bool) {
	st, ok := e.symbols[symbol]
	if !ok {
		return Nearest{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	cache := st.coord.Cache()
	var n Nearest
	if ob, ok := cache.NearestOrderBlock(tf, price, dir); ok {
		n.OrderBlock = &ob
	}
	if g, ok := cache.NearestFVG(tf, price, dir); ok {
		n.FVG = &g
	}
	return n, true
}
