package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ictbot/config"
	"ictbot/internal/featurecache"
	"ictbot/internal/logger"
	"ictbot/internal/marketdata/buffer"
	"ictbot/internal/model"
	"ictbot/internal/notification"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func bar(tf string, i int, o, h, l, c float64) model.Candle {
	d, _ := model.ParseTimeframe(tf)
	open := t0.Add(time.Duration(i) * d)
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: tf,
		Open: o, High: h, Low: l, Close: c, Volume: 1,
		OpenTime: open, CloseTime: open.Add(d - time.Millisecond), Closed: true,
	}
}

// obScenario ends with a bearish candle at [118,121] (index 20) followed by
// a bullish displacement (index 21).
func obScenario() []model.Candle {
	var out []model.Candle
	for i := 0; i < 20; i++ {
		out = append(out, bar("1m", i, 119.5, 121.1, 118.9, 120.5))
	}
	out = append(out, bar("1m", 20, 120.5, 121, 118, 118.5))
	out = append(out, bar("1m", 21, 118.5, 124.2, 118.2, 124))
	return out
}

// ── fakes ──

type memHistory map[string][]model.Candle

func (h memHistory) ReadCandles(symbol, tf string, limit int) ([]model.Candle, error) {
	c := h[symbol+":"+tf]
	if len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]model.Candle(nil), c...), nil
}

func (h memHistory) ReadCandlesRange(symbol, tf string, from, to time.Time) ([]model.Candle, error) {
	return nil, nil
}

func (h memHistory) Close() error { return nil }

type fakeFetcher struct {
	candles []model.Candle
	limits  []int
}

func (f *fakeFetcher) Klines(_ context.Context, symbol, tf string, limit int) ([]model.Candle, error) {
	f.limits = append(f.limits, limit)
	return f.candles, nil
}

type memStore struct{ inserted []model.Candle }

func (s *memStore) InsertCandles(c []model.Candle) error {
	s.inserted = append(s.inserted, c...)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	candles []model.Candle
	events  []model.FeatureEvent
	zones   map[string][]byte
	alerts  []notification.Alert
}

func (r *recorder) RunCandles(ctx context.Context, ch <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			r.candles = append(r.candles, c)
			r.mu.Unlock()
		}
	}
}

func (r *recorder) Close() error { return nil }

func (r *recorder) WriteFeatureEvents(_ context.Context, events []model.FeatureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) WriteZoneSnapshot(_ context.Context, symbol, tf string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zones == nil {
		r.zones = make(map[string][]byte)
	}
	r.zones[symbol+":"+tf] = data
	return nil
}

type failingWriter struct{}

func (failingWriter) WriteFeatureEvents(context.Context, []model.FeatureEvent) error {
	return errors.New("store down")
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeframes = []string{"1m"}
	cfg.BufferCapacity = 100
	cfg.BackfillLimit = 30
	cfg.SnapshotInterval = 0
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, deps Deps) *Engine {
	t.Helper()
	e, err := New(cfg, deps, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func findEvent(events []model.FeatureEvent, typ model.EventType, kind model.FeatureKind) (model.FeatureEvent, bool) {
	for _, ev := range events {
		if ev.Type == typ && ev.Kind == kind {
			return ev, true
		}
	}
	return model.FeatureEvent{}, false
}

// ── tests ──

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = nil
	if _, err := New(cfg, Deps{}, nil); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestHandleCandle_LifecycleEvent(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{History: memHistory{"BTCUSDT:1m": obScenario()}})
	if e.Ready() {
		t.Fatal("engine must not be ready before backfill")
	}
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if !e.Ready() {
		t.Fatal("engine should be ready after backfill")
	}

	events, err := e.HandleCandle(bar("1m", 22, 120.5, 121.5, 119, 121))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	ev, ok := findEvent(events, model.EventStatusChanged, model.KindOrderBlock)
	if !ok || ev.Status != string(model.StatusMitigated) {
		t.Fatalf("expected a MITIGATED order block change, got %+v", events)
	}
	if len(e.eventCh) != 1 {
		t.Errorf("expected events queued for delivery, queue len %d", len(e.eventCh))
	}
	stats, _ := e.Stats("BTCUSDT")
	if len(stats) != 1 || stats[0].Candles != 23 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHandleCandle_LogsCandleTrace(t *testing.T) {
	var buf bytes.Buffer
	e, err := New(testConfig(), Deps{
		History: memHistory{"BTCUSDT:1m": obScenario()},
		Events:  []model.EventWriter{failingWriter{}},
	}, logger.New(&buf, "test", slog.LevelDebug))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	buf.Reset()

	c := bar("1m", 22, 120.5, 121.5, 119, 121)
	if _, err := e.HandleCandle(c); err != nil {
		t.Fatal(err)
	}
	e.deliver(<-e.eventCh)

	want := `"trace_id":"BTCUSDT:1m-` + strconv.FormatInt(c.OpenTime.UnixMilli(), 10) + `"`
	var routed, failed bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		switch {
		case strings.Contains(line, `"msg":"features changed"`):
			routed = strings.Contains(line, want)
		case strings.Contains(line, `"msg":"event write failed"`):
			failed = strings.Contains(line, want)
		}
	}
	if !routed || !failed {
		t.Errorf("expected %s on routing and delivery logs, got:\n%s", want, buf.String())
	}
}

func TestHandleCandle_Rejects(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{History: memHistory{"BTCUSDT:1m": obScenario()}})
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}

	foreign := bar("1m", 22, 100, 101, 99, 100.5)
	foreign.Symbol = "ETHUSDT"
	if _, err := e.HandleCandle(foreign); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	if _, err := e.HandleCandle(bar("1m", 22, 100, 99, 98, 100.5)); !errors.Is(err, model.ErrInvalidCandle) {
		t.Errorf("expected ErrInvalidCandle, got %v", err)
	}
	if _, err := e.HandleCandle(bar("1m", 3, 100, 101, 99, 100.5)); !errors.Is(err, buffer.ErrStaleCandle) {
		t.Errorf("expected ErrStaleCandle, got %v", err)
	}
}

func TestBackfill_TopsUpFromExchange(t *testing.T) {
	fetcher := &fakeFetcher{candles: obScenario()}
	store := &memStore{}
	e := newEngine(t, testConfig(), Deps{
		History: memHistory{"BTCUSDT:1m": obScenario()[:5]},
		Fetcher: fetcher,
		Store:   store,
	})
	e.now = func() time.Time { return t0.Add(22 * time.Minute) }

	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fetcher.limits) != 1 || fetcher.limits[0] != 30 {
		t.Errorf("fetch calls = %v, want one with limit 30", fetcher.limits)
	}
	if len(store.inserted) != 22 {
		t.Errorf("stored %d fetched candles, want 22", len(store.inserted))
	}
	stats, _ := e.Stats("BTCUSDT")
	if stats[0].Candles != 22 || stats[0].ActiveOrderBlocks != 1 {
		t.Errorf("merged history not seeded: %+v", stats[0])
	}
}

func TestBackfill_SkipsExchangeWhenStoreIsCurrent(t *testing.T) {
	cfg := testConfig()
	cfg.BackfillLimit = 20
	fetcher := &fakeFetcher{}
	e := newEngine(t, cfg, Deps{History: memHistory{"BTCUSDT:1m": obScenario()}, Fetcher: fetcher})
	e.now = func() time.Time { return t0.Add(23 * time.Minute) }

	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fetcher.limits) != 0 {
		t.Errorf("unexpected exchange fetch: %v", fetcher.limits)
	}

	// A store that stopped an hour ago is behind.
	e2 := newEngine(t, cfg, Deps{History: memHistory{"BTCUSDT:1m": obScenario()}, Fetcher: fetcher})
	e2.now = func() time.Time { return t0.Add(80 * time.Minute) }
	if err := e2.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fetcher.limits) != 1 {
		t.Errorf("expected a fetch for a stale store, got %v", fetcher.limits)
	}
}

func TestBackfill_PrimesResampler(t *testing.T) {
	cfg := testConfig()
	cfg.Timeframes = []string{"1m", "5m"}
	var base []model.Candle
	for m := 0; m < 12; m++ {
		base = append(base, bar("1m", m, 100, 101, 99, 100.5))
	}
	e := newEngine(t, cfg, Deps{History: memHistory{
		"BTCUSDT:1m": base,
		"BTCUSDT:5m": {bar("5m", 0, 100, 101, 99, 100.5)},
	}})
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}

	buf5, _ := e.symbols["BTCUSDT"].coord.Buffer("5m")
	if buf5.Len() != 2 {
		t.Fatalf("expected the missing 5m bucket to be rebuilt, 5m len %d", buf5.Len())
	}

	for m := 12; m < 15; m++ {
		if _, err := e.HandleCandle(bar("1m", m, 100, 101, 99, 100.5)); err != nil {
			t.Fatalf("minute %d: %v", m, err)
		}
	}
	last, _ := buf5.Last()
	if buf5.Len() != 3 || !last.OpenTime.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("unexpected 5m tail: len=%d last=%+v", buf5.Len(), last)
	}
	if last.Volume != 5 {
		t.Errorf("first live 5m candle is partial: volume %v, want 5", last.Volume)
	}

	// A redelivered base candle must not be counted twice.
	if _, err := e.HandleCandle(bar("1m", 14, 100, 101, 99, 100.5)); err != nil {
		t.Fatal(err)
	}
	if buf5.Len() != 3 {
		t.Errorf("redelivery built an extra 5m candle: len %d", buf5.Len())
	}
}

func TestRun_DeliversAndPersists(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, testConfig(), Deps{
		History:  memHistory{"BTCUSDT:1m": obScenario()[:21]},
		Writers:  []model.CandleWriter{rec},
		Events:   []model.EventWriter{rec},
		Zones:    []model.ZoneWriter{rec},
		Notifier: rec,
	})
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}

	in := make(chan model.Candle, 2)
	in <- obScenario()[21]
	in <- bar("1m", 22, 120.5, 121.5, 119, 121)
	close(in)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), in) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after input closed")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.candles) != 2 {
		t.Errorf("persisted %d candles, want 2", len(rec.candles))
	}
	created, ok := findEvent(rec.events, model.EventCreated, model.KindOrderBlock)
	if !ok {
		t.Fatalf("no order block creation delivered: %+v", rec.events)
	}
	if _, ok := findEvent(rec.events, model.EventStatusChanged, model.KindOrderBlock); !ok {
		t.Errorf("no order block status change delivered")
	}
	alerted := false
	for _, a := range rec.alerts {
		if a.FeatureID == created.ID {
			alerted = true
		}
	}
	if !alerted {
		t.Errorf("no alert for new order block %s: %+v", created.ID, rec.alerts)
	}

	var snap featurecache.Snapshot
	if err := json.Unmarshal(rec.zones["BTCUSDT:1m"], &snap); err != nil {
		t.Fatalf("final snapshot: %v", err)
	}
	if len(snap.OrderBlocks) != 1 || snap.OrderBlocks[0].Status != model.StatusMitigated {
		t.Errorf("unexpected final snapshot: %+v", snap.OrderBlocks)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, make(chan model.Candle)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandler(t *testing.T) {
	e := newEngine(t, testConfig(), Deps{History: memHistory{"BTCUSDT:1m": obScenario()}})
	h := e.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before backfill = %d", rr.Code)
	}
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rr := get("/readyz"); rr.Code != http.StatusOK {
		t.Errorf("readyz after backfill = %d", rr.Code)
	}

	rr := get("/zones?symbol=BTCUSDT&tf=1m")
	if rr.Code != http.StatusOK {
		t.Fatalf("zones = %d %s", rr.Code, rr.Body.String())
	}
	var snap featurecache.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil || len(snap.OrderBlocks) != 1 {
		t.Errorf("zones body: err=%v %+v", err, snap)
	}

	var all map[string]featurecache.Snapshot
	if rr := get("/zones?symbol=BTCUSDT"); rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &all) != nil || len(all) != 1 {
		t.Errorf("zones for all timeframes: %d %s", rr.Code, rr.Body.String())
	}

	var n Nearest
	rr = get("/nearest?symbol=BTCUSDT&tf=1m&price=125&direction=bullish")
	if rr.Code != http.StatusOK || json.Unmarshal(rr.Body.Bytes(), &n) != nil || n.OrderBlock == nil {
		t.Errorf("nearest: %d %s", rr.Code, rr.Body.String())
	}

	if rr := get("/stats?symbol=BTCUSDT"); rr.Code != http.StatusOK {
		t.Errorf("stats = %d", rr.Code)
	}

	bad := []struct {
		path string
		code int
	}{
		{"/zones", http.StatusBadRequest},
		{"/zones?symbol=ETHUSDT", http.StatusNotFound},
		{"/zones?symbol=BTCUSDT&tf=4h", http.StatusNotFound},
		{"/nearest?symbol=BTCUSDT&tf=1m&price=abc&direction=bullish", http.StatusBadRequest},
		{"/nearest?symbol=BTCUSDT&tf=1m&price=NaN&direction=bullish", http.StatusBadRequest},
		{"/nearest?symbol=BTCUSDT&tf=1m&price=Inf&direction=bearish", http.StatusBadRequest},
		{"/nearest?symbol=BTCUSDT&tf=1m&price=1e400&direction=bullish", http.StatusBadRequest},
		{"/nearest?symbol=BTCUSDT&tf=1m&price=100&direction=up", http.StatusBadRequest},
		{"/stats", http.StatusBadRequest},
		{"/stats?symbol=ETHUSDT", http.StatusNotFound},
	}
	for _, tt := range bad {
		if rr := get(tt.path); rr.Code != tt.code {
			t.Errorf("%s = %d, want %d", tt.path, rr.Code, tt.code)
		}
	}
}

type countingObserver struct{ n int }

func (o *countingObserver) Observe(float64) { o.n++ }

func TestEnriched_FollowsConfig(t *testing.T) {
	off := newEngine(t, testConfig(), Deps{History: memHistory{"BTCUSDT:1m": obScenario()}})
	if err := off.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := off.Enriched("BTCUSDT", "1m", 5); ok {
		t.Error("enriched candles should be off by default")
	}

	cfg := testConfig()
	cfg.EnrichedCapacity = 10
	e := newEngine(t, cfg, Deps{History: memHistory{"BTCUSDT:1m": obScenario()}})
	if err := e.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snaps, ok := e.Enriched("BTCUSDT", "1m", 100); !ok || len(snaps) != 10 {
		t.Fatalf("expected the seeded history bounded to 10 snapshots, got %d (ok=%v)", len(snaps), ok)
	}
	live := bar("1m", 22, 120.5, 121.5, 119, 121)
	if _, err := e.HandleCandle(live); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	e.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/enriched?symbol=BTCUSDT&tf=1m&limit=3", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("enriched: %d %s", rr.Code, rr.Body.String())
	}
	var snaps []struct {
		Candle model.Candle `json:"candle"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 || !snaps[2].Candle.OpenTime.Equal(live.OpenTime) {
		t.Errorf("expected the newest 3 snapshots ending with the live candle, got %+v", snaps)
	}

	rr = httptest.NewRecorder()
	e.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/enriched?symbol=BTCUSDT&tf=5m", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("untracked timeframe: expected 404, got %d", rr.Code)
	}
}

func TestTimed(t *testing.T) {
	rec := &recorder{}
	obs := &countingObserver{}
	w := Timed(rec, obs)
	if err := w.WriteFeatureEvents(context.Background(), []model.FeatureEvent{{ID: "x"}}); err != nil {
		t.Fatal(err)
	}
	if obs.n != 1 || len(rec.events) != 1 {
		t.Errorf("observed=%d written=%d", obs.n, len(rec.events))
	}
	if got := writerName(w); got != "*engine.recorder" {
		t.Errorf("writerName = %q", got)
	}
}

type memAudit struct {
	since time.Time
	limit int
}

func (a *memAudit) ReadFeatureEvents(symbol, tf string, since time.Time, limit int) ([]model.FeatureEvent, error) {
	a.since, a.limit = since, limit
	return []model.FeatureEvent{{Symbol: symbol, Timeframe: tf, ID: "ob-1", Type: model.EventCreated}}, nil
}

func TestHandler_Events(t *testing.T) {
	get := func(h http.Handler, path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get(newEngine(t, testConfig(), Deps{}).Handler(), "/events?symbol=BTCUSDT&tf=1m"); rr.Code != http.StatusNotImplemented {
		t.Errorf("events without audit store = %d", rr.Code)
	}

	audit := &memAudit{}
	h := newEngine(t, testConfig(), Deps{Audit: audit}).Handler()
	rr := get(h, "/events?symbol=BTCUSDT&tf=1m&since=2024-05-01T00:10:00Z&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("events = %d %s", rr.Code, rr.Body.String())
	}
	var events []model.FeatureEvent
	if err := json.Unmarshal(rr.Body.Bytes(), &events); err != nil || len(events) != 1 || events[0].ID != "ob-1" {
		t.Errorf("events body: err=%v %+v", err, events)
	}
	if audit.limit != 5 || !audit.since.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("query args since=%v limit=%d", audit.since, audit.limit)
	}

	for _, path := range []string{
		"/events?symbol=BTCUSDT",
		"/events?symbol=BTCUSDT&tf=1m&since=yesterday",
		"/events?symbol=BTCUSDT&tf=1m&limit=0",
		"/events?symbol=BTCUSDT&tf=1m&limit=5000",
	} {
		if rr := get(h, path); rr.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rr.Code)
		}
	}
}
