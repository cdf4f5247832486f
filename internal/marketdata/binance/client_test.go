package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func row(i int) string {
	open := t0.Add(time.Duration(i) * time.Minute).UnixMilli()
	return fmt.Sprintf(`[%d,"100.5","101.0","99.5","100.8","12.3",%d,"1239.84",42,"6.1","614.9","0"]`,
		open, open+59999)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	// the bar opened at t0+3m is still forming
	c.now = func() time.Time { return t0.Add(3*time.Minute + 30*time.Second) }
	return c
}

func TestKlines_DropsFormingBar(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte("[" + strings.Join([]string{row(0), row(1), row(2), row(3)}, ",") + "]"))
	})

	candles, err := c.Klines(context.Background(), "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if !strings.Contains(gotQuery, "limit=3") || !strings.Contains(gotQuery, "symbol=BTCUSDT") {
		t.Errorf("unexpected query %q", gotQuery)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	last := candles[1]
	if !last.OpenTime.Equal(t0.Add(2*time.Minute)) || !last.Closed || last.Close != 100.8 || last.Volume != 12.3 {
		t.Errorf("unexpected candle: %+v", last)
	}
	if last.Symbol != "BTCUSDT" || last.Timeframe != "1m" {
		t.Errorf("unexpected identity: %s", last.Key())
	}
}

func TestKlinesSince_SinglePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startTime") != fmt.Sprint(t0.Add(time.Minute).UnixMilli()) {
			t.Errorf("unexpected startTime %s", r.URL.Query().Get("startTime"))
		}
		w.Write([]byte("[" + row(1) + "," + row(2) + "]"))
	})
	candles, err := c.KlinesSince(context.Background(), "BTCUSDT", "1m", t0.Add(time.Minute))
	if err != nil || len(candles) != 2 {
		t.Fatalf("got %d candles, err=%v", len(candles), err)
	}
}

func TestKlines_Errors(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
		}},
		{"short row", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[[1714521600000,"1","2"]]`))
		}},
		{"invalid ohlc", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[[1714521600000,"100","99","98","100","1",1714521659999]]`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.h)
			if _, err := c.Klines(context.Background(), "BTCUSDT", "1m", 10); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
