package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"ictbot/internal/model"
)

type fakeSink struct {
	mu     sync.Mutex
	fail   bool
	events []model.FeatureEvent
	zones  map[string]string
}

func (s *fakeSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *fakeSink) WriteFeatureEvents(_ context.Context, events []model.FeatureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFail
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeSink) WriteZoneSnapshot(_ context.Context, symbol, tf string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFail
	}
	if s.zones == nil {
		s.zones = make(map[string]string)
	}
	s.zones[ZonesKey(symbol, tf)] = string(data)
	return nil
}

func (s *fakeSink) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.events))
	for i, ev := range s.events {
		ids[i] = ev.ID
	}
	return ids
}

func event(id string) model.FeatureEvent {
	return model.FeatureEvent{Type: model.EventCreated, Kind: model.KindOrderBlock, Symbol: "BTCUSDT", Timeframe: "1m", ID: id}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	s := &fakeSink{}
	cb, _ := newTestBreaker(1, time.Second)
	bw := newBufferedWriter(context.Background(), s, cb, 10)

	ctx := context.Background()
	if err := bw.WriteFeatureEvents(ctx, []model.FeatureEvent{event("a"), event("b")}); err != nil {
		t.Fatal(err)
	}
	if err := bw.WriteZoneSnapshot(ctx, "BTCUSDT", "1m", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if got := s.eventIDs(); len(got) != 2 {
		t.Errorf("expected 2 events forwarded, got %v", got)
	}
	if s.zones["ict:zones:1m:btcusdt"] != `{}` {
		t.Errorf("zone snapshot not forwarded: %v", s.zones)
	}
	if bw.PendingCount() != 0 {
		t.Errorf("expected nothing pending, got %d", bw.PendingCount())
	}
}

func TestBufferedWriter_BuffersAndFlushesOnClose(t *testing.T) {
	s := &fakeSink{fail: true}
	cb, clk := newTestBreaker(1, time.Second)
	bw := newBufferedWriter(context.Background(), s, cb, 10)
	flushed := make(chan int, 1)
	bw.OnFlush = func(n int) { flushed <- n }

	ctx := context.Background()
	bw.WriteFeatureEvents(ctx, []model.FeatureEvent{event("a")}) // fails, opens circuit
	bw.WriteFeatureEvents(ctx, []model.FeatureEvent{event("b")}) // rejected
	bw.WriteZoneSnapshot(ctx, "BTCUSDT", "1m", []byte(`{"v":1}`))
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open circuit, got %v", cb.CurrentState())
	}
	if bw.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", bw.PendingCount())
	}

	s.setFail(false)
	clk.advance(time.Second)
	bw.WriteFeatureEvents(ctx, []model.FeatureEvent{event("c")}) // probe closes the circuit

	select {
	case n := <-flushed:
		if n != 3 {
			t.Errorf("expected 3 flushed, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush not triggered")
	}

	got := s.eventIDs()
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events = %v, want %v", got, want)
			break
		}
	}
	if bw.PendingCount() != 0 {
		t.Errorf("expected empty buffer, got %d", bw.PendingCount())
	}
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	s := &fakeSink{fail: true}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := newBufferedWriter(context.Background(), s, cb, 2)
	drops := 0
	bw.OnDrop = func() { drops++ }

	for _, id := range []string{"a", "b", "c"} {
		bw.WriteFeatureEvents(context.Background(), []model.FeatureEvent{event(id)})
	}
	if bw.PendingCount() != 2 || drops != 1 {
		t.Fatalf("pending=%d drops=%d, want 2 and 1", bw.PendingCount(), drops)
	}

	s.setFail(false)
	bw.Flush()
	if got := s.eventIDs(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected oldest dropped, got %v", got)
	}
}

func TestBufferedWriter_FailedFlushKeepsOrder(t *testing.T) {
	s := &fakeSink{fail: true}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := newBufferedWriter(context.Background(), s, cb, 10)

	bw.WriteFeatureEvents(context.Background(), []model.FeatureEvent{event("a")})
	bw.WriteFeatureEvents(context.Background(), []model.FeatureEvent{event("b")})
	bw.Flush()
	if bw.PendingCount() != 2 {
		t.Fatalf("expected writes kept after failed flush, got %d", bw.PendingCount())
	}

	s.setFail(false)
	bw.Flush()
	if got := s.eventIDs(); len(got) != 2 || got[0] != "a" {
		t.Errorf("expected original order, got %v", got)
	}
}
