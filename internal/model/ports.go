package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the feature engine from concrete storage
// implementations (Redis, SQLite).

// CandleWriter persists closed candles.
type CandleWriter interface {
	// RunCandles reads candles from candleCh and writes them.
	// Blocks until ctx is cancelled or candleCh is closed.
	RunCandles(ctx context.Context, candleCh <-chan Candle)

	// Close releases underlying resources.
	Close() error
}

// CandleReader reads candles for backfill and replay.
type CandleReader interface {
	// ReadCandles returns up to limit of the most recent candles, oldest first.
	ReadCandles(symbol, tf string, limit int) ([]Candle, error)

	// ReadCandlesRange returns candles with from <= open_time < to, oldest first.
	ReadCandlesRange(symbol, tf string, from, to time.Time) ([]Candle, error)

	// Close releases underlying resources.
	Close() error
}

// EventWriter emits feature lifecycle events downstream.
type EventWriter interface {
	// WriteFeatureEvents writes a batch of events in a single round trip.
	WriteFeatureEvents(ctx context.Context, events []FeatureEvent) error
}

// EventReader reads the persisted feature audit trail.
type EventReader interface {
	ReadFeatureEvents(symbol, tf string, since time.Time, limit int) ([]FeatureEvent, error)
}

// ZoneWriter stores serialized zone snapshots.
type ZoneWriter interface {
	WriteZoneSnapshot(ctx context.Context, symbol, tf string, data []byte) error
}
