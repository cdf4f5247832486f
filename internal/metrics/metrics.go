package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feature engine.
type Metrics struct {
	// Ingest
	CandlesTotal   *prometheus.CounterVec // labels: tf
	WSReconnects   prometheus.Counter
	WSMessages     prometheus.Counter
	DroppedCandles prometheus.Counter
	CandleLag      prometheus.Gauge
	BackfillTotal  *prometheus.CounterVec // labels: source=sqlite|rest

	// TF resampler
	TFCandlesTotal       *prometheus.CounterVec // labels: tf
	StaleCandlesRejected prometheus.Counter

	// Feature cache
	UpdateDur      *prometheus.HistogramVec // labels: tf
	FeatureEvents  *prometheus.CounterVec   // labels: kind, type
	ActiveFeatures *prometheus.GaugeVec     // labels: symbol, tf, kind
	AutoRegistered prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Stores
	RedisWriteDur            prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisBufferDrops         prometheus.Counter

	Notifications *prometheus.CounterVec // labels: notifier, result

	// Gateway
	GatewayEventAge prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fast := []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_candles_total",
			Help: "Closed candles processed by the feature cache",
		}, []string{"tf"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		WSMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_ws_messages_total",
			Help: "Kline messages received from WebSocket",
		}),
		DroppedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_dropped_candles_total",
			Help: "Candles dropped (channel full)",
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ict_candle_lag_seconds",
			Help: "Lag between candle close time and processing time",
		}),
		BackfillTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_backfill_candles_total",
			Help: "Candles loaded during backfill",
		}, []string{"source"}),

		TFCandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_tf_candles_total",
			Help: "Higher-timeframe candles built by the resampler",
		}, []string{"tf"}),
		StaleCandlesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_stale_candles_rejected_total",
			Help: "Candles rejected by the resampler or buffers as stale",
		}),

		UpdateDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ict_update_duration_seconds",
			Help:    "Feature cache update latency per closed candle",
			Buckets: fast,
		}, []string{"tf"}),
		FeatureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_feature_events_total",
			Help: "Feature lifecycle events emitted",
		}, []string{"kind", "type"}),
		ActiveFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ict_active_features",
			Help: "Actionable features currently cached",
		}, []string{"symbol", "tf", "kind"}),
		AutoRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_auto_registered_timeframes_total",
			Help: "Timeframes registered on first candle instead of at startup",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_fanout_drops_total",
			Help: "Candles dropped by FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ict_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ict_redis_write_duration_seconds",
			Help:    "Redis event pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ict_sqlite_commit_duration_seconds",
			Help:    "SQLite feature event commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ict_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_redis_buffered_writes_total",
			Help: "Writes buffered locally while Redis was unavailable",
		}),
		RedisBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ict_redis_buffer_drops_total",
			Help: "Buffered Redis writes dropped on overflow",
		}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ict_notifications_total",
			Help: "Alert deliveries by notifier and result",
		}, []string{"notifier", "result"}),

		GatewayEventAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ict_gateway_event_age_seconds",
			Help:    "Age of feature events when pushed to WebSocket clients",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.WSReconnects,
		m.WSMessages,
		m.DroppedCandles,
		m.CandleLag,
		m.BackfillTotal,
		m.TFCandlesTotal,
		m.StaleCandlesRejected,
		m.UpdateDur,
		m.FeatureEvents,
		m.ActiveFeatures,
		m.AutoRegistered,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisBufferDrops,
		m.Notifications,
		m.GatewayEventAge,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastCandleTime time.Time
	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool
	Ready          bool
	Symbols        []string
	Timeframes     []string

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetReady(v bool) {
	h.mu.Lock()
	h.Ready = v
	h.mu.Unlock()
}

func (h *HealthStatus) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Ready
}

func (h *HealthStatus) SetScope(symbols, tfs []string) {
	h.mu.Lock()
	h.Symbols = symbols
	h.Timeframes = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may
// be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// status reports "healthy", "degraded" or "unhealthy". Redis only counts
// when enabled.
func (h *HealthStatus) status() string {
	redisOK := !h.RedisEnabled || h.RedisConnected
	switch {
	case !h.SQLiteOK && !redisOK:
		return "unhealthy"
	case !h.WSConnected || !h.SQLiteOK || !redisOK:
		return "degraded"
	default:
		return "healthy"
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := h.status()
	httpCode := http.StatusOK
	if overall != "healthy" {
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		Ready           bool     `json:"ready"`
		WSConnected     bool     `json:"ws_connected"`
		LastCandleTime  string   `json:"last_candle_time"`
		CandleAge       string   `json:"candle_age"`
		RedisEnabled    bool     `json:"redis_enabled"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Symbols         []string `json:"symbols"`
		Timeframes      []string `json:"timeframes"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Ready:           h.Ready,
		WSConnected:     h.WSConnected,
		LastCandleTime:  h.LastCandleTime.Format(time.RFC3339),
		CandleAge:       candleAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Symbols:         h.Symbols,
		Timeframes:      h.Timeframes,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default registry; a nil health omits /healthz.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if health != nil {
		mux.Handle("/healthz", health)
	}

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
