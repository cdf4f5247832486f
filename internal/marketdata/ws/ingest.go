// Package ws streams Binance USDⓈ-M futures klines over the combined
// websocket stream and normalizes them into model.Candle.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"ictbot/internal/model"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL = "wss://fstream.binance.com"

	readTimeout = 60 * time.Second
	maxBackoff  = time.Minute
)

// IngestConfig holds configuration for the WS ingest.
type IngestConfig struct {
	BaseURL    string   // default DefaultURL
	Symbols    []string // e.g. ["BTCUSDT", "ETHUSDT"]
	Timeframes []string // kline intervals, e.g. ["1m"]
	// ClosedOnly drops forming kline updates.
	ClosedOnly bool
}

// Ingest connects to the kline stream and pushes candles into an output
// channel, reconnecting with exponential backoff.
type Ingest struct {
	cfg IngestConfig
	url string

	// Optional metrics hooks
	OnReconnect func()
	OnDrop      func()
	OnMessage   func()
	OnConnState func(connected bool)
}

// New creates a new Ingest instance.
func New(cfg IngestConfig) (*Ingest, error) {
	if len(cfg.Symbols) == 0 || len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("ws ingest: symbols and timeframes required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultURL
	}
	return &Ingest{cfg: cfg, url: StreamURL(cfg.BaseURL, cfg.Symbols, cfg.Timeframes)}, nil
}

// StreamURL builds the combined stream URL,
// e.g. {base}/stream?streams=btcusdt@kline_1m/ethusdt@kline_1m.
func StreamURL(base string, symbols, tfs []string) string {
	streams := make([]string, 0, len(symbols)*len(tfs))
	for _, s := range symbols {
		for _, tf := range tfs {
			streams = append(streams, strings.ToLower(s)+"@kline_"+tf)
		}
	}
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// URL returns the stream URL the ingest dials.
func (ing *Ingest) URL() string { return ing.url }

// Start streams candles into candleCh until ctx is cancelled.
func (ing *Ingest) Start(ctx context.Context, candleCh chan<- model.Candle) error {
	backoff := time.Second
	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !first && ing.OnReconnect != nil {
			ing.OnReconnect()
		}
		first = false

		log.Printf("[ws] connecting to %s", ing.url)
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, ing.url, nil)
		if err != nil {
			log.Printf("[ws] dial error: %v (retry in %v)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = time.Second
		log.Println("[ws] connected")
		ing.setConnected(true)
		err = ing.handleConnection(ctx, conn, candleCh)
		conn.Close()
		ing.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[ws] connection closed: %v", err)
	}
}

func (ing *Ingest) setConnected(v bool) {
	if ing.OnConnState != nil {
		ing.OnConnState(v)
	}
}

func (ing *Ingest) handleConnection(ctx context.Context, conn *websocket.Conn, candleCh chan<- model.Candle) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if ing.OnMessage != nil {
			ing.OnMessage()
		}

		candle, err := parseKline(message)
		if err != nil {
			log.Printf("[ws] parse error: %v", err)
			continue
		}
		if ing.cfg.ClosedOnly && !candle.Closed {
			continue
		}

		select {
		case candleCh <- candle:
		default:
			log.Printf("[ws] candleCh full, dropping %s", candle.Key())
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	}
}

type combinedMessage struct {
	Stream string     `json:"stream"`
	Data   klineEvent `json:"data"`
}

type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// parseKline converts a combined-stream kline message into a model.Candle.
func parseKline(raw []byte) (model.Candle, error) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Candle{}, fmt.Errorf("unmarshal: %w", err)
	}
	ev := msg.Data
	if ev.EventType != "kline" {
		return model.Candle{}, fmt.Errorf("unexpected event %q on %s", ev.EventType, msg.Stream)
	}
	k := ev.Kline

	var vals [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("%s %s: bad number %q", ev.Symbol, k.Interval, s)
		}
		vals[i] = v
	}

	return model.NewCandle(ev.Symbol, k.Interval, vals[0], vals[1], vals[2], vals[3], vals[4],
		time.UnixMilli(k.OpenTime).UTC(), time.UnixMilli(k.CloseTime).UTC(), k.Closed)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
