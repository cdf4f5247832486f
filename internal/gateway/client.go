package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"ictbot/internal/model"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	storeTimeout   = 3 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	// Subscribed channels ("pub:ict:{tf}:{symbol}"). Empty means all.
	subMu sync.RWMutex
	subs  map[string]struct{}
}

// SubscribeMsg asks for the events of one symbol and timeframe.
type SubscribeMsg struct {
	Type   string `json:"type"`
	ReqID  string `json:"req_id,omitempty"`
	Symbol string `json:"symbol"`
	TF     string `json:"tf"`
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		hub:  hub,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		subs: make(map[string]struct{}),
	}
}

// ChannelFor returns the channel carrying events for symbol/tf.
func ChannelFor(symbol, tf string) string {
	return (&model.FeatureEvent{Symbol: symbol, Timeframe: tf}).PubSubChannel()
}

// enqueue drops the message when the client is not keeping up.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[channel]
	return ok
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce whatever is already queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch strings.ToUpper(base.Type) {
		case "SUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendError("", "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			c.handleSubscribe(sub)
		case "UNSUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendError("", "invalid UNSUBSCRIBE: "+err.Error())
				continue
			}
			c.handleUnsubscribe(sub)
		default:
			if base.Ping > 0 {
				c.sendJSON(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
			}
		}
	}
}

func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Symbol == "" || msg.TF == "" {
		c.sendError(msg.ReqID, "symbol and tf are required")
		return
	}
	if _, err := model.ParseTimeframe(msg.TF); err != nil {
		c.sendError(msg.ReqID, err.Error())
		return
	}
	channel := ChannelFor(msg.Symbol, msg.TF)

	c.subMu.Lock()
	c.subs[channel] = struct{}{}
	c.subMu.Unlock()

	c.sendJSON(map[string]interface{}{
		"type":        "subscribed",
		"req_id":      msg.ReqID,
		"channel":     channel,
		"channel_seq": c.hub.ChannelSeq(channel),
	})
	if c.hub.Store != nil {
		c.sendInitialState(strings.ToUpper(msg.Symbol), msg.TF, channel)
	}
}

// sendInitialState sends the stored zone snapshot followed by the most
// recent events of the channel.
func (c *Client) sendInitialState(symbol, tf, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	zones, err := c.hub.Store.ReadZoneSnapshot(ctx, symbol, tf)
	if err != nil {
		c.sendError("", "zone snapshot unavailable")
	} else if zones != nil {
		c.sendJSON(map[string]interface{}{
			"type":    "snapshot",
			"channel": channel,
			"data":    json.RawMessage(zones),
		})
	}

	if c.hub.History <= 0 {
		return
	}
	events, err := c.hub.Store.ReadRecentEvents(ctx, symbol, tf, c.hub.History)
	if err != nil {
		c.sendError("", "event history unavailable")
		return
	}
	for _, ev := range events {
		c.sendJSON(map[string]interface{}{
			"type":    "history",
			"channel": channel,
			"data":    ev,
		})
	}
}

func (c *Client) handleUnsubscribe(msg SubscribeMsg) {
	channel := ChannelFor(msg.Symbol, msg.TF)
	c.subMu.Lock()
	delete(c.subs, channel)
	c.subMu.Unlock()
	c.sendJSON(map[string]interface{}{
		"type":    "unsubscribed",
		"req_id":  msg.ReqID,
		"channel": channel,
	})
}

func (c *Client) sendError(reqID, msg string) {
	c.sendJSON(map[string]interface{}{
		"type":   "error",
		"req_id": reqID,
		"error":  msg,
	})
}

func (c *Client) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(b)
}
