// cmd/backtest replays historical base-timeframe candles through the feature
// engine, resampling higher timeframes on the way, and prints a summary of
// the feature events it produced.
//
// Usage:
//
//	go run ./cmd/backtest --symbols=BTCUSDT --tf=1m,15m,1h --from=2024-05-01T00:00:00Z
//	go run ./cmd/backtest --source=binance --from=2024-05-01T00:00:00Z --to=2024-05-02T00:00:00Z
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"ictbot/config"
	"ictbot/internal/engine"
	"ictbot/internal/logger"
	"ictbot/internal/marketdata/binance"
	"ictbot/internal/marketdata/replay"
	"ictbot/internal/model"
	sqlitestore "ictbot/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	symbols := flag.String("symbols", "BTCUSDT", "Comma-separated symbols")
	tfStr := flag.String("tf", "1m,5m,15m,1h", "Comma-separated timeframes; the first is replayed, the rest are resampled")
	fromStr := flag.String("from", "", "RFC3339 start (default: 24h ago)")
	toStr := flag.String("to", "", "RFC3339 end (default: now)")
	source := flag.String("source", "sqlite", "Candle source: sqlite or binance")
	dbPath := flag.String("db", "data/ictbot.db", "Path to SQLite database")
	restURL := flag.String("rest", binance.DefaultBaseURL, "Binance REST base URL")
	level := flag.String("log", "warn", "Log level")
	flag.Parse()

	tfs := splitList(*tfStr)
	if len(tfs) == 0 {
		log.Fatal("[backtest] no timeframes specified")
	}
	to := time.Now().UTC()
	if *toStr != "" {
		to = mustTime(*toStr)
	}
	from := to.Add(-24 * time.Hour)
	if *fromStr != "" {
		from = mustTime(*fromStr)
	}

	cfg := config.Default()
	cfg.Symbols = splitList(*symbols)
	cfg.BaseTimeframe = tfs[0]
	cfg.Timeframes = tfs
	cfg.CandleSource = config.SourceWS
	cfg.SnapshotInterval = 0
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	var reader model.CandleReader
	switch *source {
	case "sqlite":
		r, err := sqlitestore.NewReader(*dbPath)
		if err != nil {
			log.Fatalf("[backtest] sqlite open failed: %v", err)
		}
		reader = r
	case "binance":
		reader = &restReader{client: binance.New(*restURL)}
	default:
		log.Fatalf("[backtest] unknown source %q", *source)
	}
	defer reader.Close()

	tally := newTally()
	eng, err := engine.New(cfg, engine.Deps{
		Events: []model.EventWriter{tally},
		Zones:  []model.ZoneWriter{tally},
	}, logger.Init("backtest", logger.ParseLevel(*level)))
	if err != nil {
		log.Fatalf("[backtest] engine init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	replayer := replay.New(reader)
	candleCh := make(chan model.Candle, 10000)
	replayed := 0
	go func() {
		defer close(candleCh)
		n, err := replayer.Run(ctx, replay.Request{
			Symbols:    cfg.Symbols,
			Timeframes: []string{cfg.BaseTimeframe},
			From:       from,
			To:         to,
			Speed:      *speed,
		}, candleCh)
		if err != nil {
			log.Printf("[backtest] replay error: %v", err)
		}
		replayed = n
	}()

	start := time.Now()
	if err := eng.Run(ctx, candleCh); err != nil {
		log.Fatalf("[backtest] run: %v", err)
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║              BACKTEST COMPLETE               ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Printf("║  Candles replayed:  %-24d ║\n", replayed)
	fmt.Printf("║  Feature events:    %-24d ║\n", tally.total)
	fmt.Printf("║  Elapsed:           %-24s ║\n", time.Since(start).Round(time.Millisecond))
	fmt.Println("╠══════════════════════════════════════════════╣")
	for _, k := range tally.keys() {
		fmt.Printf("║  %-28s %14d ║\n", k, tally.counts[k])
	}
	fmt.Println("╠══════════════════════════════════════════════╣")
	for _, sym := range cfg.Symbols {
		stats, _ := eng.Stats(sym)
		for _, st := range stats {
			fmt.Printf("║  %-8s %-4s OB %3d/%-3d FVG %3d/%-3d LIQ %3d ║\n", sym, st.Timeframe,
				st.ActiveOrderBlocks, st.OrderBlocks, st.ActiveFVGs, st.FVGs, st.ActiveLiquidity)
		}
	}
	fmt.Println("╚══════════════════════════════════════════════╝")
}

// tally counts events by kind and type and ignores snapshots.
type tally struct {
	mu     sync.Mutex
	total  int
	counts map[string]int
}

func newTally() *tally { return &tally{counts: make(map[string]int)} }

func (t *tally) WriteFeatureEvents(_ context.Context, events []model.FeatureEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		t.total++
		t.counts[string(ev.Kind)+" "+string(ev.Type)]++
	}
	return nil
}

func (t *tally) WriteZoneSnapshot(context.Context, string, string, []byte) error { return nil }

func (t *tally) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.counts))
	for k := range t.counts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// restReader serves replay ranges straight from the exchange.
type restReader struct {
	client *binance.Client
}

func (r *restReader) ReadCandles(symbol, tf string, limit int) ([]model.Candle, error) {
	return r.client.Klines(context.Background(), symbol, tf, limit)
}

func (r *restReader) ReadCandlesRange(symbol, tf string, from, to time.Time) ([]model.Candle, error) {
	all, err := r.client.KlinesSince(context.Background(), symbol, tf, from)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if to.IsZero() || c.OpenTime.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *restReader) Close() error { return nil }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Fatalf("[backtest] bad time %q: %v", s, err)
	}
	return t.UTC()
}
