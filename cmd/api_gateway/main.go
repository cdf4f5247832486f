// cmd/api_gateway serves live feature events to WebSocket clients. It
// follows the engine's Redis pub/sub channels, so any number of gateways can
// run next to one feature engine.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ictbot/config"
	"ictbot/internal/gateway"
	"ictbot/internal/metrics"
	"ictbot/internal/model"
	redisstore "ictbot/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[api_gateway] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[api_gateway] config: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatal("[api_gateway] REDIS_ADDR is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	reader, err := redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("[api_gateway] redis connection failed: %v", err)
	}
	defer reader.Close()
	log.Printf("[api_gateway] redis connected at %s", cfg.RedisAddr)

	prom := metrics.NewMetrics(nil)

	hub := gateway.NewHub(500)
	hub.Store = reader
	hub.EventAge = prom.GatewayEventAge

	events := make(chan model.FeatureEvent, 1000)
	go func() {
		if err := reader.SubscribeEvents(ctx, events); err != nil {
			log.Printf("[api_gateway] subscription ended: %v", err)
		}
	}()
	go hub.Pump(ctx, events)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, nil, nil)
	metricsSrv.Start()

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[api_gateway] listening on %s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[api_gateway] server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[api_gateway] shutting down...")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	metricsSrv.Stop(shutCtx)
	log.Println("[api_gateway] shutdown complete.")
}
