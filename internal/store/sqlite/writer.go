package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"ictbot/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	keepSnapshots     = 10
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/ictbot.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It stores closed klines, the feature event audit trail and periodic zone
// snapshots.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			symbol     TEXT    NOT NULL,
			tf         TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (symbol, tf, open_time)
		);

		CREATE TABLE IF NOT EXISTS feature_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			tf         TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			feature_id TEXT    NOT NULL,
			type       TEXT    NOT NULL,
			status     TEXT    NOT NULL,
			reason     TEXT,
			payload    TEXT,
			ts         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feature_events_key ON feature_events (symbol, tf, ts);

		CREATE TABLE IF NOT EXISTS zone_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			tf         TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// RunCandles reads candles from candleCh and inserts the closed ones in
// batched transactions. Flushes every batchSize candles OR every
// flushDelay, whichever first. Blocks until ctx is cancelled or candleCh is
// closed.
func (w *Writer) RunCandles(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.InsertCandles(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d candles in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case candle, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			if !candle.Closed {
				continue
			}
			batch = append(batch, candle)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertCandles upserts a batch of candles in a single transaction.
func (w *Writer) InsertCandles(candles []model.Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO klines (symbol, tf, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(c.Symbol, c.Timeframe, c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// WriteFeatureEvents appends events to the audit trail in one transaction.
func (w *Writer) WriteFeatureEvents(ctx context.Context, events []model.FeatureEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_events (symbol, tf, kind, feature_id, type, status, reason, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx, ev.Symbol, ev.Timeframe, string(ev.Kind), ev.ID, string(ev.Type),
			ev.Status, ev.Reason, string(ev.Payload), ev.TS.UnixMilli())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert feature event: %w", err)
		}
	}
	return tx.Commit()
}

// LastOpenTime returns the newest stored open time for symbol/tf, or the
// zero time when none exist.
func (w *Writer) LastOpenTime(symbol, tf string) (time.Time, error) {
	var ms sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(open_time) FROM klines WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), nil
}

// SaveZoneSnapshot stores a JSON zone snapshot for symbol/tf and prunes all
// but the latest few.
func (w *Writer) SaveZoneSnapshot(symbol, tf string, data []byte) error {
	_, err := w.db.Exec(`INSERT INTO zone_snapshots (symbol, tf, data, created_at) VALUES (?, ?, ?, ?)`,
		symbol, tf, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err = w.db.Exec(`
		DELETE FROM zone_snapshots
		WHERE symbol = ? AND tf = ? AND id NOT IN (
			SELECT id FROM zone_snapshots WHERE symbol = ? AND tf = ? ORDER BY id DESC LIMIT ?
		)`, symbol, tf, symbol, tf, keepSnapshots)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}
	return nil
}

// WriteZoneSnapshot stores a zone snapshot; the context is unused.
func (w *Writer) WriteZoneSnapshot(_ context.Context, symbol, tf string, data []byte) error {
	return w.SaveZoneSnapshot(symbol, tf, data)
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
