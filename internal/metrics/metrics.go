package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the quote runtime.
type Metrics struct {
	// Identifier resolution
	Resolutions *prometheus.CounterVec // labels: result=ok|unresolved|error
	ResolveDur  prometheus.Histogram

	// Script evaluation
	ScriptRuns     *prometheus.CounterVec // labels: kind=run|module|global|call, result
	ScriptDur      prometheus.Histogram
	TranslateFault prometheus.Counter

	// Market data
	TicksTotal         prometheus.Counter
	TickDecodeFaults   prometheus.Counter
	SubscriptionFaults prometheus.Counter
	ActiveStreams      prometheus.Gauge
	FeedReconnects     prometheus.Counter

	// Reactive engine
	ComputationRuns prometheus.Counter
	LoopQueueDepth  prometheus.Gauge

	// Redis mirror circuit breaker
	MirrorCircuitState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	MirrorCircuitTrips   prometheus.Counter
	MirrorBufferedWrites prometheus.Counter
	MirrorWriteDur       prometheus.Histogram
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New creates the metrics and registers them with reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteruntime_resolutions_total",
			Help: "Implicit identifier resolutions by result",
		}, []string{"result"}),
		ResolveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoteruntime_resolve_duration_seconds",
			Help:    "Latency of one implicit identifier resolution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		ScriptRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoteruntime_script_runs_total",
			Help: "Script evaluations by kind and result",
		}, []string{"kind", "result"}),
		ScriptDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoteruntime_script_duration_seconds",
			Help:    "Script evaluation latency including awaited promises",
			Buckets: prometheus.DefBuckets,
		}),
		TranslateFault: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_rule_translate_faults_total",
			Help: "Rule scripts rejected by the translator",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_ticks_total",
			Help: "Total ticks applied to streaming quotes",
		}),
		TickDecodeFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_tick_decode_faults_total",
			Help: "Ticks that failed to decode",
		}),
		SubscriptionFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_subscription_faults_total",
			Help: "Upstream errors reported on quote subscriptions",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoteruntime_active_streams",
			Help: "Quotes with an open persistent subscription",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_feed_reconnects_total",
			Help: "Tick feed websocket reconnections",
		}),

		ComputationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_computation_runs_total",
			Help: "Reactive computation executions",
		}),
		LoopQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoteruntime_loop_queue_depth",
			Help: "Tasks waiting on the script event loop",
		}),

		MirrorCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoteruntime_mirror_circuit_breaker_state",
			Help: "Redis mirror circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		MirrorCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_mirror_circuit_breaker_trips_total",
			Help: "Times the Redis mirror circuit breaker tripped open",
		}),
		MirrorBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoteruntime_mirror_buffered_writes_total",
			Help: "Quote updates buffered locally while the circuit breaker is open",
		}),
		MirrorWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoteruntime_mirror_write_duration_seconds",
			Help:    "Redis mirror write latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Resolutions,
			m.ResolveDur,
			m.ScriptRuns,
			m.ScriptDur,
			m.TranslateFault,
			m.TicksTotal,
			m.TickDecodeFaults,
			m.SubscriptionFaults,
			m.ActiveStreams,
			m.FeedReconnects,
			m.ComputationRuns,
			m.LoopQueueDepth,
			m.MirrorCircuitState,
			m.MirrorCircuitTrips,
			m.MirrorBufferedWrites,
			m.MirrorWriteDur,
		)
	}

	return m
}

// ObserveScript records one evaluation of the given kind.
func (m *Metrics) ObserveScript(kind string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ScriptRuns.WithLabelValues(kind, result).Inc()
	m.ScriptDur.Observe(time.Since(start).Seconds())
}

// ObserveResolve records one identifier resolution.
func (m *Metrics) ObserveResolve(start time.Time, resolved bool, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !resolved:
		result = "unresolved"
	}
	m.Resolutions.WithLabelValues(result).Inc()
	m.ResolveDur.Observe(time.Since(start).Seconds())
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerConnected bool      `json:"broker_connected"`
	LastTickTime    time.Time `json:"last_tick_time"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	LoopRunning     bool      `json:"loop_running"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	redisRequired bool
}

// NewHealthStatus returns a default health status. When redisRequired is
// false a missing Redis mirror does not degrade the status.
func NewHealthStatus(redisRequired bool) *HealthStatus {
	return &HealthStatus{
		StartedAt:     time.Now(),
		redisRequired: redisRequired,
	}
}

func (h *HealthStatus) SetBrokerConnected(v bool) {
	h.mu.Lock()
	h.BrokerConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
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

func (h *HealthStatus) SetLoopRunning(v bool) {
	h.mu.Lock()
	h.LoopRunning = v
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

// CheckSQLite pings the symbol directory and records latency + health.
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

// StartLivenessChecker runs periodic dependency checks.
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

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.BrokerConnected || !h.SQLiteOK || (h.redisRequired && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.LoopRunning {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerConnected bool    `json:"broker_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LoopRunning     bool    `json:"loop_running"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerConnected: h.BrokerConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LoopRunning:     h.LoopRunning,
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
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
