// Package gateway pushes live feature events to WebSocket clients. Clients
// subscribe per symbol and timeframe, receive a sequence-numbered envelope
// for every event and can backfill gaps from a per-channel replay ring.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"ictbot/internal/model"
	"ictbot/internal/ringbuf"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultReplaySize = 500

// Store supplies the state a new subscriber starts from. The Redis reader
// implements it.
type Store interface {
	ReadZoneSnapshot(ctx context.Context, symbol, tf string) ([]byte, error)
	ReadRecentEvents(ctx context.Context, symbol, tf string, count int64) ([]model.FeatureEvent, error)
}

// Hub manages WebSocket clients and fans feature events out to them.
type Hub struct {
	// Optional. When set, SUBSCRIBE replies include the current zone
	// snapshot and the last History events of the channel.
	Store   Store
	History int64

	// Optional. Observes seconds between an event's timestamp and its
	// broadcast.
	EventAge prometheus.Observer

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	latest      map[string]LatestEntry
	channelSeqs map[string]int64
	replay      map[string]*ringbuf.Ring[replayEntry]
	replaySize  int
	seq         int64

	now func() time.Time
}

// LatestEntry is the most recent event seen on a channel.
type LatestEntry struct {
	Data json.RawMessage `json:"data"`
	TS   time.Time       `json:"ts"`
	Seq  int64           `json:"channel_seq"`
}

type replayEntry struct {
	Seq  int64
	Data []byte
}

// NewHub creates a hub that keeps the last replaySize envelopes per channel.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	return &Hub{
		History:     20,
		clients:     make(map[*Client]struct{}),
		latest:      make(map[string]LatestEntry),
		channelSeqs: make(map[string]int64),
		replay:      make(map[string]*ringbuf.Ring[replayEntry]),
		replaySize:  replaySize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WriteFeatureEvents broadcasts each event on its pub/sub channel. It lets
// the hub sit alongside the persistent event writers of the engine.
func (h *Hub) WriteFeatureEvents(_ context.Context, events []model.FeatureEvent) error {
	for i := range events {
		h.publish(&events[i])
	}
	return nil
}

// Pump broadcasts events from in until ctx is cancelled or in is closed.
func (h *Hub) Pump(ctx context.Context, in <-chan model.FeatureEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			h.publish(&ev)
		}
	}
}

func (h *Hub) publish(ev *model.FeatureEvent) {
	if h.EventAge != nil && !ev.TS.IsZero() {
		if age := h.now().Sub(ev.TS).Seconds(); age >= 0 {
			h.EventAge.Observe(age)
		}
	}
	h.Broadcast(ev.PubSubChannel(), ev.JSON())
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] ws client connected (total=%d)", n)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] ws client disconnected (total=%d)", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelSeq returns the last sequence number issued on channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// Latest returns the most recent event per channel.
func (h *Hub) Latest() map[string]LatestEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]LatestEntry, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// Replay returns the buffered envelopes of channel with from <= seq <= to,
// oldest first. Envelopes already evicted from the ring are skipped.
func (h *Hub) Replay(channel string, from, to int64) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rb, ok := h.replay[channel]
	if !ok {
		return nil
	}
	var out [][]byte
	for i := 0; i < rb.Len(); i++ {
		e := rb.At(i)
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e.Data)
		}
	}
	return out
}
