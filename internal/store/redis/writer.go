package redis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ictbot/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// ~3 days of 1m bars
	candleStreamMaxLen = 4500
	eventStreamMaxLen  = 10000
	defaultLatestTTL   = 30 * time.Minute
	defaultZonesTTL    = 24 * time.Hour
)

// CandleStreamKey returns the kline stream key: "candle:{tf}:{symbol}".
func CandleStreamKey(symbol, tf string) string {
	return "candle:" + tf + ":" + strings.ToLower(symbol)
}

func candleLatestKey(symbol, tf string) string {
	return "candle:" + tf + ":latest:" + strings.ToLower(symbol)
}

func candleChannel(symbol, tf string) string {
	return "pub:candle:" + tf + ":" + strings.ToLower(symbol)
}

// ZonesKey returns the key holding the latest zone snapshot:
// "ict:zones:{tf}:{symbol}".
func ZonesKey(symbol, tf string) string {
	return "ict:zones:" + tf + ":" + strings.ToLower(symbol)
}

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	ZonesTTL time.Duration // expiry of zone snapshots; default 24h
}

// Writer publishes closed candles, feature events and zone snapshots.
type Writer struct {
	client   *goredis.Client
	zonesTTL time.Duration
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.ZonesTTL
	if ttl <= 0 {
		ttl = defaultZonesTTL
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, zonesTTL: ttl}, nil
}

// RunCandles reads candles from candleCh and publishes the closed ones.
// Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) RunCandles(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-candleCh:
			if !ok {
				return
			}
			if !candle.Closed {
				continue
			}
			if err := w.WriteCandle(ctx, candle); err != nil {
				log.Printf("[redis] candle pipeline error for %s: %v", candle.Key(), err)
			}
		}
	}
}

// WriteCandle performs XADD + SET latest + PUBLISH for one candle in a
// single pipeline.
func (w *Writer) WriteCandle(ctx context.Context, c model.Candle) error {
	jsonData := string(c.JSON())

	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: CandleStreamKey(c.Symbol, c.Timeframe),
		MaxLen: candleStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, candleLatestKey(c.Symbol, c.Timeframe), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, candleChannel(c.Symbol, c.Timeframe), jsonData)

	_, err := pipe.Exec(ctx)
	return err
}

// WriteFeatureEvents appends events to their per-timeframe streams and
// publishes them live, all in one round trip.
func (w *Writer) WriteFeatureEvents(ctx context.Context, events []model.FeatureEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range events {
		ev := &events[i]
		jsonData := string(ev.JSON())
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: ev.StreamKey(),
			MaxLen: eventStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": jsonData},
		})
		pipe.Publish(ctx, ev.PubSubChannel(), jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis event pipeline (%d events): %w", len(events), err)
	}
	return nil
}

// WriteZoneSnapshot stores the latest JSON zone snapshot for symbol/tf.
func (w *Writer) WriteZoneSnapshot(ctx context.Context, symbol, tf string, data []byte) error {
	if err := w.client.Set(ctx, ZonesKey(symbol, tf), data, w.zonesTTL).Err(); err != nil {
		return fmt.Errorf("redis set zones %s:%s: %w", symbol, tf, err)
	}
	return nil
}

// Ping checks connectivity.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
