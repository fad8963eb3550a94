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

// Metrics holds all Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	IngestTotal   *prometheus.CounterVec // labels: result=success|failure
	FetchDur      prometheus.Histogram
	BatchCycles   prometheus.Counter
	BatchCycleDur prometheus.Histogram

	// Unified cache metrics
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	BreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips  prometheus.Counter
	CachedEntries prometheus.Gauge

	// Reference store / bootstrap metrics
	BootstrapTotal       *prometheus.CounterVec // labels: outcome=ok|skipped|failed
	ReferenceCorrections prometheus.Counter

	// Freshness
	FreshPct prometheus.Gauge

	// Live trade stream
	StreamTrades     prometheus.Counter
	StreamReconnects prometheus.Counter

	// Market session state (0=closed, 1=preMarket, 2=regular, 3=afterHours)
	MarketSession prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_ingest_results_total",
			Help: "Per-ticker ingestion outcomes",
		}, []string{"result"}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_fetch_duration_seconds",
			Help:    "Upstream snapshot fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		BatchCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_batch_cycles_total",
			Help: "Completed universe ingest cycles",
		}),
		BatchCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_batch_cycle_duration_seconds",
			Help:    "End-to-end universe ingest cycle latency",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_cache_hits_total",
			Help: "Unified cache hits (both tiers)",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_cache_misses_total",
			Help: "Unified cache misses",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_cache_breaker_state",
			Help: "Remote cache tier circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_cache_breaker_trips_total",
			Help: "Times the remote cache tier breaker tripped open",
		}),
		CachedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_cached_entries",
			Help: "Entries currently held in the fast cache tier",
		}),

		BootstrapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_bootstrap_results_total",
			Help: "Per-ticker previous-close bootstrap outcomes",
		}, []string{"outcome"}),
		ReferenceCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_reference_corrections_total",
			Help: "Audited reference price corrections from verification",
		}),

		FreshPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_fresh_pct",
			Help: "Share of cached universe entries bucketed fresh",
		}),

		StreamTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_stream_trades_total",
			Help: "Trade prints received from the live stream",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_stream_reconnects_total",
			Help: "Live stream reconnection attempts",
		}),

		MarketSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_market_session",
			Help: "Market session (0=closed, 1=preMarket, 2=regular, 3=afterHours)",
		}),
	}

	prometheus.MustRegister(
		m.IngestTotal,
		m.FetchDur,
		m.BatchCycles,
		m.BatchCycleDur,
		m.CacheHits,
		m.CacheMisses,
		m.BreakerState,
		m.BreakerTrips,
		m.CachedEntries,
		m.BootstrapTotal,
		m.ReferenceCorrections,
		m.FreshPct,
		m.StreamTrades,
		m.StreamReconnects,
		m.MarketSession,
	)

	return m
}

// HealthStatus represents the pipeline health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	StreamConnected bool      `json:"stream_connected"`
	LastIngestAt    time.Time `json:"last_ingest_at"`
	BootstrapDate   string    `json:"bootstrap_date"`
	UniverseSize    int       `json:"universe_size"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
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

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastIngestAt(t time.Time) {
	h.mu.Lock()
	h.LastIngestAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetBootstrapDate(date string) {
	h.mu.Lock()
	h.BootstrapDate = date
	h.mu.Unlock()
}

func (h *HealthStatus) SetUniverseSize(n int) {
	h.mu.Lock()
	h.UniverseSize = n
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

// CheckSQLite runs a trivial query and records latency + health.
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

// ServeHTTP handles the /healthz endpoint. A degraded remote cache tier
// only downgrades the status: the fast tier keeps serving, so the
// pipeline stays up.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK && !h.RedisConnected {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	ingestAge := ""
	if !h.LastIngestAt.IsZero() {
		ingestAge = time.Since(h.LastIngestAt).Round(time.Second).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		StreamConnected bool    `json:"stream_connected"`
		LastIngestAt    string  `json:"last_ingest_at"`
		IngestAge       string  `json:"ingest_age"`
		BootstrapDate   string  `json:"bootstrap_date"`
		UniverseSize    int     `json:"universe_size"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		StreamConnected: h.StreamConnected,
		LastIngestAt:    h.LastIngestAt.Format(time.RFC3339),
		IngestAge:       ingestAge,
		BootstrapDate:   h.BootstrapDate,
		UniverseSize:    h.UniverseSize,
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
