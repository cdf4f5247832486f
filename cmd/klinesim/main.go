// cmd/klinesim is a local stand-in for the Binance futures kline stream.
// It serves the combined-stream endpoint with random-walk klines on an
// accelerated clock, so the feature engine can run offline:
//
//	BINANCE_WS_URL=ws://localhost:9001 BACKFILL_LIMIT=0 go run ./cmd/featureengine
//
// Environment:
//
//	KLINESIM_ADDR         listen address (default ":9001")
//	KLINESIM_SYMBOLS      comma-separated SYMBOL[:PRICE] (default "BTCUSDT:65000,ETHUSDT:3500")
//	KLINESIM_TF           kline interval (default "1m")
//	KLINESIM_INTERVAL_MS  wall-clock milliseconds per kline (default 1000)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"ictbot/internal/model"

	"github.com/gorilla/websocket"
)

type klineMsg struct {
	Stream string    `json:"stream"`
	Data   klineData `json:"data"`
}

type klineData struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     kline  `json:"k"`
}

type kline struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

type instrument struct {
	Symbol string
	Price  float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type subscriber struct {
	streams map[string]bool
	ch      chan []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*subscriber
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*subscriber)}
}

func (h *hub) register(conn *websocket.Conn, streams map[string]bool) chan []byte {
	sub := &subscriber{streams: streams, ch: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = sub
	h.mu.Unlock()
	return sub.ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if sub, ok := h.clients[conn]; ok {
		close(sub.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.clients {
		if len(sub.streams) > 0 && !sub.streams[stream] {
			continue
		}
		select {
		case sub.ch <- msg:
		default: // slow client, drop
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func streamHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streams := make(map[string]bool)
		for _, s := range strings.Split(r.URL.Query().Get("streams"), "/") {
			if s != "" {
				streams[strings.ToLower(s)] = true
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[klinesim] upgrade error: %v", err)
			return
		}
		log.Printf("[klinesim] client connected: %s (%d streams)", r.RemoteAddr, len(streams))

		ch := h.register(conn, streams)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[klinesim] client disconnected: %s", r.RemoteAddr)
		}()

		// Drain reads so close frames are seen.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Kline generator ──────────────────────────────────────────────────────────

// walk moves price by up to ±0.3% and returns the path's OHLC.
func walk(rng *rand.Rand, open float64, steps int) (high, low, close float64) {
	high, low, close = open, open, open
	for i := 0; i < steps; i++ {
		close *= 1 + (rng.Float64()*0.6-0.3)/100
		high = math.Max(high, close)
		low = math.Min(low, close)
	}
	return high, low, close
}

func fmtPrice(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func runGenerator(h *hub, instruments []instrument, tf string, interval time.Duration) {
	d, err := model.ParseTimeframe(tf)
	if err != nil {
		log.Fatalf("[klinesim] %v", err)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Virtual clock starts far enough back that it never runs into the future.
	open := model.AlignTime(time.Now().UTC(), d).Add(-10000 * d)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for i := range instruments {
			inst := &instruments[i]
			o := inst.Price
			hi, lo, c := walk(rng, o, 8)
			inst.Price = c
			stream := strings.ToLower(inst.Symbol) + "@kline_" + tf
			msg := klineMsg{
				Stream: stream,
				Data: klineData{
					EventType: "kline",
					EventTime: time.Now().UnixMilli(),
					Symbol:    inst.Symbol,
					Kline: kline{
						OpenTime:  open.UnixMilli(),
						CloseTime: open.Add(d).UnixMilli() - 1,
						Interval:  tf,
						Open:      fmtPrice(o),
						Close:     fmtPrice(c),
						High:      fmtPrice(hi),
						Low:       fmtPrice(lo),
						Volume:    strconv.FormatFloat(10+rng.Float64()*90, 'f', 3, 64),
						Closed:    true,
					},
				},
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(stream, b)
		}
		open = open.Add(d)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[klinesim] starting kline simulator...")

	addr := envOrDefault("KLINESIM_ADDR", ":9001")
	instruments := parseInstruments(envOrDefault("KLINESIM_SYMBOLS", "BTCUSDT:65000,ETHUSDT:3500"))
	tf := envOrDefault("KLINESIM_TF", "1m")
	intervalMs := envIntOrDefault("KLINESIM_INTERVAL_MS", 1000)
	if len(instruments) == 0 {
		log.Fatalf("[klinesim] no instruments configured via KLINESIM_SYMBOLS")
	}
	log.Printf("[klinesim] instruments: %+v tf=%s interval=%dms", instruments, tf, intervalMs)

	h := newHub()
	go runGenerator(h, instruments, tf, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/stream", streamHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"klinesim"}`)
	})

	log.Printf("[klinesim] ✅ listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[klinesim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		inst := instrument{Symbol: strings.ToUpper(seg[0]), Price: 100}
		if len(seg) == 2 {
			p, err := strconv.ParseFloat(seg[1], 64)
			if err != nil || p <= 0 {
				log.Printf("[klinesim] skipping invalid symbol spec: %q", part)
				continue
			}
			inst.Price = p
		}
		result = append(result, inst)
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
