package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ictbot/internal/model"

	"github.com/gorilla/websocket"
)

const closedKline = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1714521660000,"s":"BTCUSDT",
"k":{"t":1714521600000,"T":1714521659999,"s":"BTCUSDT","i":"1m","o":"60000.10","c":"60010.50",
"h":"60020.00","l":"59990.00","v":"12.345","x":true}}}`

const formingKline = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1714521630000,"s":"BTCUSDT",
"k":{"t":1714521600000,"T":1714521659999,"s":"BTCUSDT","i":"1m","o":"60000.10","c":"60005.00",
"h":"60010.00","l":"59995.00","v":"3.1","x":false}}}`

func TestParseKline(t *testing.T) {
	c, err := parseKline([]byte(closedKline))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Symbol != "BTCUSDT" || c.Timeframe != "1m" || !c.Closed {
		t.Errorf("unexpected identity: %+v", c)
	}
	if c.Open != 60000.10 || c.High != 60020 || c.Low != 59990 || c.Close != 60010.50 || c.Volume != 12.345 {
		t.Errorf("unexpected OHLCV: %+v", c)
	}
	if want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC); !c.OpenTime.Equal(want) {
		t.Errorf("open time = %v, want %v", c.OpenTime, want)
	}
}

func TestParseKline_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed", `{"stream":`},
		{"wrong event", `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT"}}`},
		{"bad number", strings.Replace(closedKline, `"60020.00"`, `"abc"`, 1)},
		{"high below body", strings.Replace(closedKline, `"60020.00"`, `"60001.00"`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseKline([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.name == "high below body" && !errors.Is(err, model.ErrInvalidCandle) {
				t.Errorf("expected ErrInvalidCandle, got %v", err)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("wss://fstream.binance.com/", []string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "5m"})
	want := "wss://fstream.binance.com/stream?streams=btcusdt@kline_1m/btcusdt@kline_5m/ethusdt@kline_1m/ethusdt@kline_5m"
	if got != want {
		t.Errorf("got %s\nwant %s", got, want)
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(time.Second); got != 2*time.Second {
		t.Errorf("got %v", got)
	}
	if got := nextBackoff(45 * time.Second); got != time.Minute {
		t.Errorf("expected cap at 1m, got %v", got)
	}
}

func TestIngest_StreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("streams") != "btcusdt@kline_1m" {
			http.Error(w, "bad streams", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(formingKline))
		conn.WriteMessage(websocket.TextMessage, []byte(closedKline))
		// Hold the connection until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	ing, err := New(IngestConfig{
		BaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:    []string{"BTCUSDT"},
		Timeframes: []string{"1m"},
		ClosedOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var states []bool
	ing.OnConnState = func(v bool) { states = append(states, v) }

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.Candle, 4)
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx, out) }()

	select {
	case c := <-out:
		if !c.Closed || c.Close != 60010.50 {
			t.Errorf("expected the closed kline, got %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no candle received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if len(out) != 0 {
		t.Errorf("forming kline should have been filtered, %d extra", len(out))
	}
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("connection states = %v, want [true false]", states)
	}
}
