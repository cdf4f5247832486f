package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"ictbot/internal/model"
)

var (
	_ model.CandleWriter = (*Writer)(nil)
	_ model.CandleReader = (*Reader)(nil)
	_ model.EventWriter  = (*Writer)(nil)
	_ model.EventReader  = (*Reader)(nil)
	_ model.ZoneWriter   = (*Writer)(nil)
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func openPair(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func kline(i int, close float64) model.Candle {
	open := t0.Add(time.Duration(i) * time.Minute)
	return model.Candle{
		Symbol: "BTCUSDT", Timeframe: "1m",
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 2.5,
		OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond), Closed: true,
	}
}

func TestCandles_RoundTrip(t *testing.T) {
	w, r := openPair(t)
	var batch []model.Candle
	for i := 0; i < 5; i++ {
		batch = append(batch, kline(i, 100+float64(i)))
	}
	if err := w.InsertCandles(batch); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Re-delivery of the same bar replaces it.
	if err := w.InsertCandles([]model.Candle{kline(4, 200)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.ReadCandles("BTCUSDT", "1m", 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(got))
	}
	if got[0].Close != 102 || got[2].Close != 200 {
		t.Errorf("unexpected order/content: %v .. %v", got[0].Close, got[2].Close)
	}
	if !got[2].OpenTime.Equal(t0.Add(4*time.Minute)) || !got[2].Closed || got[2].Volume != 2.5 {
		t.Errorf("unexpected decoded candle: %+v", got[2])
	}

	rng, err := r.ReadCandlesRange("BTCUSDT", "1m", t0.Add(time.Minute), t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rng) != 2 || rng[0].Close != 101 {
		t.Errorf("unexpected range result: %+v", rng)
	}

	last, err := w.LastOpenTime("BTCUSDT", "1m")
	if err != nil || !last.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("LastOpenTime = %v, %v", last, err)
	}
	if none, _ := w.LastOpenTime("ETHUSDT", "1m"); !none.IsZero() {
		t.Errorf("expected zero time for unknown symbol, got %v", none)
	}
}

func TestRunCandles_FlushesOnClose(t *testing.T) {
	w, r := openPair(t)
	ch := make(chan model.Candle, 10)
	for i := 0; i < 3; i++ {
		ch <- kline(i, 100)
	}
	forming := kline(3, 100)
	forming.Closed = false
	ch <- forming
	close(ch)

	w.RunCandles(context.Background(), ch)

	got, err := r.ReadCandles("BTCUSDT", "1m", 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 closed candles persisted, got %d", len(got))
	}
}

func TestFeatureEvents_RoundTrip(t *testing.T) {
	w, r := openPair(t)
	ob := model.OrderBlock{ID: "ob:btcusdt:1m:bullish:1", Symbol: "BTCUSDT", Timeframe: "1m",
		Direction: model.Bullish, Low: 118, High: 121, Status: model.StatusActive, UpdatedAt: t0}
	evicted := model.OrderBlockEvent(model.EventEvicted, ob.Invalidate(t0.Add(time.Hour)))
	evicted.Reason = "capacity"
	events := []model.FeatureEvent{model.OrderBlockEvent(model.EventCreated, ob), evicted}

	if err := w.WriteFeatureEvents(context.Background(), events); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := r.ReadFeatureEvents("BTCUSDT", "1m", time.Time{}, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != model.EventCreated || got[1].Reason != "capacity" || got[1].Status != string(model.StatusInvalidated) {
		t.Errorf("unexpected events: %+v", got)
	}
	var decoded model.OrderBlock
	if err := json.Unmarshal(got[0].Payload, &decoded); err != nil || decoded.High != 121 {
		t.Errorf("payload decode: %+v err=%v", decoded, err)
	}

	later, _ := r.ReadFeatureEvents("BTCUSDT", "1m", t0.Add(time.Minute), 10)
	if len(later) != 1 {
		t.Errorf("since filter: expected 1 event, got %d", len(later))
	}
}

func TestZoneSnapshots_KeepsLatest(t *testing.T) {
	w, r := openPair(t)
	if data, err := r.ReadLatestZoneSnapshot("BTCUSDT", "1m"); err != nil || data != nil {
		t.Fatalf("expected no snapshot, got %s err=%v", data, err)
	}
	for i := 0; i < keepSnapshots+3; i++ {
		if err := w.SaveZoneSnapshot("BTCUSDT", "1m", []byte(`{"n":`+string(rune('a'+i))+`}`)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	var n int
	if err := w.DB().QueryRow(`SELECT COUNT(*) FROM zone_snapshots`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != keepSnapshots {
		t.Errorf("expected %d snapshots kept, got %d", keepSnapshots, n)
	}
	data, err := r.ReadLatestZoneSnapshot("BTCUSDT", "1m")
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"n":` + string(rune('a'+keepSnapshots+2)) + `}`; string(data) != want {
		t.Errorf("latest = %s, want %s", data, want)
	}
}
