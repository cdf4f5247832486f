package engine

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"ictbot/internal/enriched"
	"ictbot/internal/model"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Handler serves the read-only query API:
//
//	GET /zones?symbol=BTCUSDT[&tf=15m]
//	GET /nearest?symbol=BTCUSDT&tf=15m&price=104.2&direction=bullish
//	GET /stats?symbol=BTCUSDT
//	GET /events?symbol=BTCUSDT&tf=15m[&since=RFC3339][&limit=100]
//	GET /enriched?symbol=BTCUSDT&tf=15m[&limit=100]
//	GET /healthz
//	GET /readyz
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/zones", e.handleZones)
	mux.HandleFunc("/nearest", e.handleNearest)
	mux.HandleFunc("/stats", e.handleStats)
	mux.HandleFunc("/events", e.handleEvents)
	mux.HandleFunc("/enriched", e.handleEnriched)
	mux.Handle("/healthz", e.deps.Health)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !e.Ready() {
			http.Error(w, "backfill in progress", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	return mux
}

func (e *Engine) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	tf := r.URL.Query().Get("tf")
	if tf == "" {
		snaps, ok := e.Snapshots(symbol)
		if !ok {
			http.Error(w, "unknown symbol "+symbol, http.StatusNotFound)
			return
		}
		writeJSON(w, snaps)
		return
	}
	snap, ok := e.Snapshot(symbol, tf)
	if !ok {
		http.Error(w, "no features for "+symbol+" "+tf, http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (e *Engine) handleNearest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	symbol, tf := q.Get("symbol"), q.Get("tf")
	if symbol == "" || tf == "" {
		http.Error(w, "symbol and tf are required", http.StatusBadRequest)
		return
	}
	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if err != nil || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		http.Error(w, "price must be a positive number", http.StatusBadRequest)
		return
	}
	dir := model.Direction(q.Get("direction"))
	if dir != model.Bullish && dir != model.Bearish {
		http.Error(w, "direction must be bullish or bearish", http.StatusBadRequest)
		return
	}
	n, ok := e.Nearest(symbol, tf, price, dir)
	if !ok {
		http.Error(w, "unknown symbol "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, n)
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	stats, ok := e.Stats(symbol)
	if !ok {
		http.Error(w, "unknown symbol "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"symbol": symbol,
		"ready":  e.Ready(),
		"frames": stats,
	})
}

func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	if e.deps.Audit == nil {
		http.Error(w, "event history not configured", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	symbol, tf := q.Get("symbol"), q.Get("tf")
	if symbol == "" || tf == "" {
		http.Error(w, "symbol and tf are required", http.StatusBadRequest)
		return
	}
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := defaultEventLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxEventLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxEventLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := e.deps.Audit.ReadFeatureEvents(symbol, tf, since, limit)
	if err != nil {
		log.Printf("[engine] event history read error: %v", err)
		http.Error(w, "event history unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.FeatureEvent{}
	}
	writeJSON(w, events)
}

func (e *Engine) handleEnriched(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, tf := q.Get("symbol"), q.Get("tf")
	if symbol == "" || tf == "" {
		http.Error(w, "symbol and tf are required", http.StatusBadRequest)
		return
	}
	limit := defaultEventLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxEventLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxEventLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}
	snaps, ok := e.Enriched(symbol, tf, limit)
	if !ok {
		http.Error(w, "no enriched candles for "+symbol+" "+tf, http.StatusNotFound)
		return
	}
	if snaps == nil {
		snaps = []enriched.Snapshot{}
	}
	writeJSON(w, snaps)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[engine] response encode error: %v", err)
	}
}
