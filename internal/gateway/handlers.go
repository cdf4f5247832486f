package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes mounts the gateway endpoints:
//
//	GET /ws                                     WebSocket stream
//	GET /api/events/latest                      last event per channel
//	GET /api/events/missed?channel=&from=&to=   replay by channel_seq
//	GET /api/gateway/stats
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.ServeWS)

	mux.HandleFunc("/api/events/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, h.Latest())
	})

	mux.HandleFunc("/api/events/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		channel := q.Get("channel")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if channel == "" || err1 != nil || err2 != nil || from > to {
			http.Error(w, `{"error":"channel, from and to are required"}`, http.StatusBadRequest)
			return
		}
		msgs := h.Replay(channel, from, to)
		out := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			out[i] = m
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/api/gateway/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		h.mu.RLock()
		channels := len(h.channelSeqs)
		seq := h.seq
		h.mu.RUnlock()
		writeJSON(w, map[string]interface{}{
			"clients":  h.ClientCount(),
			"channels": channels,
			"seq":      seq,
		})
	})
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	c := newClient(h, conn)
	h.addClient(c)
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] response encode error: %v", err)
	}
}
