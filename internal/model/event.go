package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is what happened to a feature.
type EventType string

const (
	EventCreated       EventType = "created"
	EventStatusChanged EventType = "status_changed"
	EventStrengthened  EventType = "strengthened"
	EventSwept         EventType = "swept"
	EventEvicted       EventType = "evicted"
	EventStructure     EventType = "structure_break"
)

// FeatureKind names the feature family an event belongs to.
type FeatureKind string

const (
	KindOrderBlock FeatureKind = "order_block"
	KindFVG        FeatureKind = "fvg"
	KindLiquidity  FeatureKind = "liquidity"
	KindStructure  FeatureKind = "structure"
)

// FeatureEvent is the audit record emitted for every feature change.
type FeatureEvent struct {
	Type      EventType       `json:"type"`
	Kind      FeatureKind     `json:"kind"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TS        time.Time       `json:"ts"`
}

// StreamKey returns the Redis stream key: "ict:events:{tf}:{symbol}".
func (e *FeatureEvent) StreamKey() string {
	return "ict:events:" + e.Timeframe + ":" + strings.ToLower(e.Symbol)
}

// PubSubChannel returns the live channel: "pub:ict:{tf}:{symbol}".
func (e *FeatureEvent) PubSubChannel() string {
	return "pub:ict:" + e.Timeframe + ":" + strings.ToLower(e.Symbol)
}

// JSON returns the JSON-encoded event.
func (e *FeatureEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

func newEvent(t EventType, k FeatureKind, symbol, tf, id, status string, payload any, ts time.Time) FeatureEvent {
	raw, _ := json.Marshal(payload)
	return FeatureEvent{
		Type:      t,
		Kind:      k,
		Symbol:    symbol,
		Timeframe: tf,
		ID:        id,
		Status:    status,
		Payload:   raw,
		TS:        ts,
	}
}

// OrderBlockEvent wraps an order block into an event.
func OrderBlockEvent(t EventType, ob OrderBlock) FeatureEvent {
	return newEvent(t, KindOrderBlock, ob.Symbol, ob.Timeframe, ob.ID, string(ob.Status), ob, ob.UpdatedAt)
}

// FVGEvent wraps a fair value gap into an event.
func FVGEvent(t EventType, g FairValueGap) FeatureEvent {
	return newEvent(t, KindFVG, g.Symbol, g.Timeframe, g.ID, string(g.Status), g, g.UpdatedAt)
}

// LiquidityEvent wraps a liquidity level into an event.
func LiquidityEvent(t EventType, l LiquidityLevel) FeatureEvent {
	status := "ACTIVE"
	if l.Swept {
		status = "SWEPT"
	}
	if t == EventEvicted {
		status = string(StatusInvalidated)
	}
	return newEvent(t, KindLiquidity, l.Symbol, l.Timeframe, l.ID, status, l, l.UpdatedAt)
}

// StructureEvent wraps a BOS/CHoCH into an event.
func StructureEvent(b StructureBreak) FeatureEvent {
	id := strings.ToLower(string(b.Kind)) + ":" + strings.ToLower(b.Symbol) + ":" + b.Timeframe + ":" + itoa(int(b.Time.UnixMilli()))
	return newEvent(EventStructure, KindStructure, b.Symbol, b.Timeframe, id, string(b.Direction), b, b.Time)
}

// itoa is a minimal int-to-string without importing strconv in hot path.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
