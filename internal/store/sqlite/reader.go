package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ictbot/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for backfill, replay and the
// audit trail.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

const klineColumns = `symbol, tf, open_time, close_time, open, high, low, close, volume`

func scanCandles(rows *sql.Rows) ([]model.Candle, error) {
	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var openMs, closeMs int64
		var vol sql.NullFloat64
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &openMs, &closeMs, &c.Open, &c.High, &c.Low, &c.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan klines: %w", err)
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		c.CloseTime = time.UnixMilli(closeMs).UTC()
		c.Volume = vol.Float64
		c.Closed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// ReadCandles returns up to limit of the most recent candles, oldest first.
func (r *Reader) ReadCandles(symbol, tf string, limit int) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT `+klineColumns+` FROM klines
		WHERE symbol = ? AND tf = ?
		ORDER BY open_time DESC
		LIMIT ?
	`, symbol, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query klines: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// ReadCandlesRange returns candles with from <= open_time < to, oldest
// first. A zero to means no upper bound.
func (r *Reader) ReadCandlesRange(symbol, tf string, from, to time.Time) ([]model.Candle, error) {
	upper := int64(1<<63 - 1)
	if !to.IsZero() {
		upper = to.UnixMilli()
	}
	rows, err := r.db.Query(`
		SELECT `+klineColumns+` FROM klines
		WHERE symbol = ? AND tf = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`, symbol, tf, from.UnixMilli(), upper)
	if err != nil {
		return nil, fmt.Errorf("sqlite query klines range: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// ReadFeatureEvents returns up to limit events for symbol/tf at or after
// since, oldest first.
func (r *Reader) ReadFeatureEvents(symbol, tf string, since time.Time, limit int) ([]model.FeatureEvent, error) {
	rows, err := r.db.Query(`
		SELECT symbol, tf, kind, feature_id, type, status, reason, payload, ts
		FROM feature_events
		WHERE symbol = ? AND tf = ? AND ts >= ?
		ORDER BY id ASC
		LIMIT ?
	`, symbol, tf, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query feature_events: %w", err)
	}
	defer rows.Close()

	var out []model.FeatureEvent
	for rows.Next() {
		var ev model.FeatureEvent
		var kind, typ string
		var reason, payload sql.NullString
		var ts int64
		if err := rows.Scan(&ev.Symbol, &ev.Timeframe, &kind, &ev.ID, &typ, &ev.Status, &reason, &payload, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan feature_events: %w", err)
		}
		ev.Kind = model.FeatureKind(kind)
		ev.Type = model.EventType(typ)
		ev.Reason = reason.String
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.TS = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReadLatestZoneSnapshot loads the newest zone snapshot for symbol/tf.
// Returns nil data when none exists.
func (r *Reader) ReadLatestZoneSnapshot(symbol, tf string) ([]byte, error) {
	var data string
	err := r.db.QueryRow(`
		SELECT data FROM zone_snapshots
		WHERE symbol = ? AND tf = ?
		ORDER BY id DESC
		LIMIT 1
	`, symbol, tf).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
