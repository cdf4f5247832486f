// cmd/featureengine runs the live ICT feature engine: it backfills history,
// streams candles from Binance (or upstream Redis streams), maintains the
// per-symbol feature caches and publishes lifecycle events, zone snapshots
// and alerts.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ictbot/config"
	"ictbot/internal/engine"
	"ictbot/internal/gateway"
	"ictbot/internal/logger"
	"ictbot/internal/marketdata/binance"
	"ictbot/internal/marketdata/ws"
	"ictbot/internal/metrics"
	"ictbot/internal/model"
	"ictbot/internal/notification"
	redisstore "ictbot/internal/store/redis"
	sqlitestore "ictbot/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[featureengine] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[featureengine] config: %v", err)
	}
	slogger := logger.Init("featureengine", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[featureengine] symbols=%v tfs=%v base=%s source=%s", cfg.Symbols, cfg.AllTimeframes(), cfg.BaseTimeframe, cfg.CandleSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[featureengine] sqlite writer: %v", err)
	}
	defer sqlWriter.Close()
	sqlReader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[featureengine] sqlite reader: %v", err)
	}
	defer sqlReader.Close()
	health.SetSQLiteOK(true)

	deps := engine.Deps{
		History: sqlReader,
		Audit:   sqlReader,
		Store:   sqlWriter,
		Writers: []model.CandleWriter{sqlWriter},
		Events:  []model.EventWriter{engine.Timed(sqlWriter, prom.SQLiteCommitDur)},
		Zones:   []model.ZoneWriter{sqlWriter},
		Metrics: prom,
		Health:  health,
	}
	if cfg.BackfillLimit > 0 {
		deps.Fetcher = binance.New(cfg.BinanceRESTURL)
	}

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		redisWriter, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		switch {
		case err != nil && cfg.CandleSource == config.SourceRedis:
			log.Fatalf("[featureengine] redis: %v", err)
		case err != nil:
			log.Printf("[featureengine] WARNING: redis unavailable: %v (continuing without Redis)", err)
		default:
			defer redisWriter.Close()
			rdb = redisWriter.Client()
			health.SetRedisConnected(true)

			cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Printf("[featureengine] redis circuit %s -> %s", from, to)
			}
			bw := redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
			bw.OnBuffer = prom.RedisBufferedWrites.Inc
			bw.OnDrop = prom.RedisBufferDrops.Inc
			bw.OnFlush = func(n int) { log.Printf("[featureengine] flushed %d buffered redis writes", n) }

			// Candles read from Redis are not written back to the same streams.
			if cfg.CandleSource != config.SourceRedis {
				deps.Writers = append(deps.Writers, redisWriter)
			}
			deps.Events = append(deps.Events, engine.Timed(bw, prom.RedisWriteDur))
			deps.Zones = append(deps.Zones, bw)
		}
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	deps.Notifier = notifiers

	// Local push gateway; cmd/api_gateway serves the same stream from Redis.
	hub := gateway.NewHub(500)
	hub.EventAge = prom.GatewayEventAge
	deps.Events = append(deps.Events, hub)

	eng, err := engine.New(cfg, deps, slogger)
	if err != nil {
		log.Fatalf("[featureengine] init failed: %v", err)
	}

	// ---- HTTP ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, rdb, sqlWriter.DB(), 10*time.Second)

	apiMux := http.NewServeMux()
	apiMux.Handle("/", eng.Handler())
	hub.RegisterRoutes(apiMux)
	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[featureengine] query API on %s (/zones, /nearest, /stats, /events, /ws, /readyz)", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[featureengine] API server error: %v", err)
		}
	}()

	// ---- Backfill ----
	if err := eng.Backfill(ctx); err != nil {
		log.Fatalf("[featureengine] backfill: %v", err)
	}

	// ---- Candle source ----
	candleCh := make(chan model.Candle, 5000)
	switch cfg.CandleSource {
	case config.SourceWS:
		ing, err := ws.New(ws.IngestConfig{
			BaseURL:    cfg.BinanceWSURL,
			Symbols:    cfg.Symbols,
			Timeframes: []string{cfg.BaseTimeframe},
		})
		if err != nil {
			log.Fatalf("[featureengine] ws: %v", err)
		}
		ing.OnReconnect = prom.WSReconnects.Inc
		ing.OnDrop = prom.DroppedCandles.Inc
		ing.OnMessage = prom.WSMessages.Inc
		ing.OnConnState = health.SetWSConnected
		go func() {
			if err := ing.Start(ctx, candleCh); err != nil {
				log.Printf("[featureengine] ws ingest stopped: %v", err)
			}
		}()

	case config.SourceRedis:
		hostname, _ := os.Hostname()
		reader, err := redisstore.NewReader(redisstore.ReaderConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			ConsumerName: hostname,
		})
		if err != nil {
			log.Fatalf("[featureengine] redis reader: %v", err)
		}
		defer reader.Close()

		var streams []string
		for _, sym := range cfg.Symbols {
			for _, tf := range cfg.AllTimeframes() {
				streams = append(streams, redisstore.CandleStreamKey(sym, tf))
			}
		}
		if err := reader.EnsureConsumerGroup(ctx, streams); err != nil {
			log.Printf("[featureengine] WARNING: consumer group setup: %v", err)
		}
		// No websocket in this mode; the stream consumer stands in for it.
		health.SetWSConnected(true)
		go func() {
			if err := reader.RecoverPending(ctx, streams, candleCh); err != nil {
				log.Printf("[featureengine] pending recovery error: %v", err)
			}
			if err := reader.ConsumeCandles(ctx, streams, candleCh); err != nil && ctx.Err() == nil {
				log.Printf("[featureengine] stream consumer stopped: %v", err)
			}
		}()
	}

	log.Println("[featureengine] ✅ all systems running. Press Ctrl+C to stop.")
	if err := eng.Run(ctx, candleCh); err != nil {
		log.Fatalf("[featureengine] fatal: %v", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	apiSrv.Shutdown(shutCtx)
	metricsSrv.Stop(shutCtx)
	log.Println("[featureengine] shutdown complete.")
}
