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

// Metrics holds all Prometheus metrics for the dashboard engine.
type Metrics struct {
	KlineEventsTotal     *prometheus.CounterVec // labels: outcome
	TradeEventsTotal     prometheus.Counter
	MalformedEventsTotal *prometheus.CounterVec // labels: stream
	ReconnectsTotal      *prometheus.CounterVec // labels: stream
	ConnState            *prometheus.GaugeVec   // labels: stream; 0=connecting, 1=open, 2=lost
	SelectionChanges     prometheus.Counter

	// Snapshot loads
	SnapshotsTotal   *prometheus.CounterVec // labels: source=cache|fetch, result=ok|unavailable|error
	SnapshotFetchDur prometheus.Histogram

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Sinks
	RedisWriteDur     prometheus.Histogram
	SQLiteCommitDur   prometheus.Histogram
	ArchivedBarsTotal prometheus.Counter

	// Circuit breakers
	BreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: name

	// Gateway
	GatewayClients prometheus.Gauge
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		KlineEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_kline_events_total",
			Help: "Kline events applied to the series, by reconcile outcome",
		}, []string{"outcome"}),
		TradeEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashengine_trade_events_total",
			Help: "Ticker events applied to the live price",
		}),
		MalformedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_malformed_events_total",
			Help: "Stream payloads that failed to parse",
		}, []string{"stream"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_reconnects_total",
			Help: "Reconnect attempts, by stream",
		}, []string{"stream"}),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashengine_conn_state",
			Help: "Stream connection state (0=connecting, 1=open, 2=lost)",
		}, []string{"stream"}),
		SelectionChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashengine_selection_changes_total",
			Help: "Times the active symbol or interval changed",
		}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_snapshots_total",
			Help: "Snapshot seeds by source and result",
		}, []string{"source", "result"}),
		SnapshotFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashengine_snapshot_fetch_duration_seconds",
			Help:    "Historical klines fetch latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_fanout_drops_total",
			Help: "Stale views replaced by the FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashengine_redis_write_duration_seconds",
			Help:    "Redis view publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashengine_sqlite_commit_duration_seconds",
			Help:    "SQLite archive batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		ArchivedBarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashengine_archived_bars_total",
			Help: "Final bars written to the SQLite archive",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashengine_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashengine_gateway_clients",
			Help: "Connected dashboard websocket clients",
		}),
	}

	reg.MustRegister(
		m.KlineEventsTotal,
		m.TradeEventsTotal,
		m.MalformedEventsTotal,
		m.ReconnectsTotal,
		m.ConnState,
		m.SelectionChanges,
		m.SnapshotsTotal,
		m.SnapshotFetchDur,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.ArchivedBarsTotal,
		m.BreakerState,
		m.BreakerTrips,
		m.GatewayClients,
	)

	return m
}

// RecordSnapshot counts one seed. result is "ok", "unavailable" or "error".
func (m *Metrics) RecordSnapshot(source, result string, elapsed time.Duration) {
	m.SnapshotsTotal.WithLabelValues(source, result).Inc()
	if source == "fetch" {
		m.SnapshotFetchDur.Observe(elapsed.Seconds())
	}
}

// RecordBreaker mirrors a breaker transition. Trips count entries into open.
func (m *Metrics) RecordBreaker(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
	if state == 1 {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	Selection      string    `json:"selection"`
	WSConnected    bool      `json:"ws_connected"`
	TickerOK       bool      `json:"ticker_ok"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteEnabled  bool      `json:"sqlite_enabled"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status. Disabled sinks do not
// count against health.
func NewHealthStatus(redisEnabled, sqliteEnabled bool) *HealthStatus {
	return &HealthStatus{
		RedisEnabled:  redisEnabled,
		SQLiteEnabled: sqliteEnabled,
		StartedAt:     time.Now(),
	}
}

func (h *HealthStatus) SetSelection(v string) {
	h.mu.Lock()
	h.Selection = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTickerOK(v bool) {
	h.mu.Lock()
	h.TickerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
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

// CheckSQLite pings the archive and records latency + health.
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

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	redisOK := !h.RedisEnabled || h.RedisConnected
	sqliteOK := !h.SQLiteEnabled || h.SQLiteOK

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected || !redisOK || !sqliteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WSConnected && !h.TickerOK {
		overallStatus = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Selection       string  `json:"selection"`
		WSConnected     bool    `json:"ws_connected"`
		TickerOK        bool    `json:"ticker_ok"`
		LastBarTime     string  `json:"last_bar_time"`
		BarAge          string  `json:"bar_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Selection:       h.Selection,
		WSConnected:     h.WSConnected,
		TickerOK:        h.TickerOK,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
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
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

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
