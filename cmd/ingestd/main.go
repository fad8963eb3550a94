package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dusan02/vercel-pmp-sub005/config"
	"github.com/dusan02/vercel-pmp-sub005/internal/api"
	"github.com/dusan02/vercel-pmp-sub005/internal/cache"
	"github.com/dusan02/vercel-pmp-sub005/internal/engine"
	"github.com/dusan02/vercel-pmp-sub005/internal/logger"
	"github.com/dusan02/vercel-pmp-sub005/internal/metrics"
	"github.com/dusan02/vercel-pmp-sub005/internal/normalize"
	"github.com/dusan02/vercel-pmp-sub005/internal/notification"
	"github.com/dusan02/vercel-pmp-sub005/internal/provider"
	"github.com/dusan02/vercel-pmp-sub005/internal/refstore"
	"github.com/dusan02/vercel-pmp-sub005/internal/session"
	"github.com/dusan02/vercel-pmp-sub005/internal/universe"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[ingestd] starting...")

	cfg := config.Load()
	logger.Init("ingestd", logger.ParseLevel(cfg.LogLevel))

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Reference store (SQLite, off hot path) ----
	os.MkdirAll("data", 0o755)
	refs, err := refstore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[ingestd] reference store init failed: %v", err)
	}
	defer refs.Close()
	health.SetSQLiteOK(true)
	log.Println("[ingestd] reference store ready")

	// ---- Remote cache tier (Redis) ----
	var backend cache.Backend
	redisBackend, err := cache.NewRedisBackend(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[ingestd] WARNING: redis init failed: %v (fast tier only)", err)
		health.SetRedisConnected(false)
	} else {
		backend = redisBackend
		health.SetRedisConnected(true)
		log.Println("[ingestd] redis backend ready")
	}

	// ---- Alerting ----
	var notifiers []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notification.NewLogNotifier())
	}
	notify := notification.NewMulti(notifiers...)

	unified := cache.New(cache.Config{
		Project:    cfg.Project,
		DefaultTTL: cfg.SnapshotTTL(),
	}, backend)
	unified.OnBreakerChange = func(from, to cache.BreakerState) {
		prom.BreakerState.Set(float64(to))
		if to == cache.BreakerOpen {
			prom.BreakerTrips.Inc()
			notify.Send(ctx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "Remote cache tier degraded",
				Message: "circuit breaker opened; serving fast tier only",
			})
		}
	}

	// A restart starts with an empty fast tier; pull what the remote tier
	// already holds so bulk reads are not blind until the first cycle.
	if backend != nil {
		if n := unified.Warm(ctx); n > 0 {
			log.Printf("[ingestd] warmed %d cache entries from remote tier", n)
		}
	}

	// A corrected reference invalidates the snapshot derived from the old
	// value; the next cycle recomputes changePct against the fixed close.
	refs.OnCorrected = func(symbol, date string) {
		unified.Delete(ctx, cache.KindSnapshot, symbol)
		prom.ReferenceCorrections.Inc()
		notify.Send(ctx, notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "Reference price corrected",
			Message: "previous close for " + date + " was overwritten after verification",
			Symbol:  symbol,
		})
	}

	// ---- Universe store ----
	var uni universe.Store
	if redisBackend != nil {
		uni = universe.NewRedisStore(redisBackend.Client())
	} else {
		uni = universe.NewMemoryStore()
	}
	if seed := cfg.ParseUniverse(); len(seed) > 0 {
		if err := uni.Add(ctx, cfg.DefaultUniverse, seed...); err != nil {
			log.Printf("[ingestd] WARNING: universe seed failed: %v", err)
		} else {
			log.Printf("[ingestd] universe %s seeded with %d symbols", cfg.DefaultUniverse, len(seed))
		}
	}

	// ---- Upstream provider ----
	client, err := provider.NewClient(provider.ClientConfig{
		APIKey:  cfg.PolygonAPIKey,
		BaseURL: cfg.PolygonBaseURL,
	})
	if err != nil {
		log.Fatalf("[ingestd] provider init failed: %v", err)
	}
	pacer := provider.NewPacer(cfg.ChunkDelay())

	// ---- Ingestion engine ----
	norm := normalize.New(refs)
	eng := engine.New(engine.Config{
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		SnapshotTTL: cfg.SnapshotTTL(),
	}, client, norm, unified, refs, pacer)
	eng.OnResult = func(success bool) {
		if success {
			prom.IngestTotal.WithLabelValues("success").Inc()
		} else {
			prom.IngestTotal.WithLabelValues("failure").Inc()
		}
	}
	eng.OnFetchDone = func(d time.Duration) {
		prom.FetchDur.Observe(d.Seconds())
	}

	// ---- Periodic liveness checks ----
	if redisBackend != nil {
		health.StartLivenessChecker(ctx, redisBackend.Client(), refs.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, refs.DB(), 10*time.Second)
	}

	// ---- Control API ----
	apiSrv := api.NewServer(cfg.APIAddr, &api.Deps{
		Engine:          eng,
		Cache:           unified,
		Refs:            refs,
		Universe:        uni,
		PrevClose:       client,
		Pacer:           pacer,
		DefaultUniverse: cfg.DefaultUniverse,
		Freshness:       cache.DefaultFreshnessThresholds(),
	})
	apiSrv.Start()

	// ---- Optional live trade stream ----
	if cfg.EnableStream {
		symbols, err := uni.List(ctx, cfg.DefaultUniverse)
		if err != nil || len(symbols) == 0 {
			log.Printf("[ingestd] WARNING: stream disabled, no universe symbols (err=%v)", err)
		} else {
			stream, err := provider.NewTradeStream(provider.StreamConfig{
				URL:     cfg.StreamURL,
				APIKey:  cfg.PolygonAPIKey,
				Symbols: symbols,
			})
			if err != nil {
				log.Printf("[ingestd] WARNING: stream init failed: %v", err)
				notify.Send(ctx, notification.Alert{
					Level:   notification.AlertCritical,
					Title:   "Trade stream down",
					Message: err.Error(),
				})
			} else {
				stream.OnTrade = func(symbol string, price float64, ts time.Time) {
					eng.ApplyTrade(ctx, symbol, price, ts)
					prom.StreamTrades.Inc()
				}
				stream.OnConnect = func() {
					health.SetStreamConnected(true)
				}
				stream.OnReconnect = func() {
					health.SetStreamConnected(false)
					prom.StreamReconnects.Inc()
				}
				go func() {
					stream.Start(ctx)
					health.SetStreamConnected(false)
				}()
				log.Printf("[ingestd] trade stream started for %d symbols", len(symbols))
			}
		}
	}

	// ---- Ingest loop with session-aware cadence ----
	go runLoop(ctx, cfg, eng, refs, unified, uni, client, pacer, prom, health)

	log.Println("[ingestd] pipeline ready")

	<-sigCh
	log.Println("[ingestd] shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	log.Println("[ingestd] stopped")
}

// runLoop runs full universe cycles forever, pausing between cycles
// according to the current market session.
func runLoop(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	refs *refstore.Store,
	unified *cache.Cache,
	uni universe.Store,
	client *provider.Client,
	pacer *provider.Pacer,
	prom *metrics.Metrics,
	health *metrics.HealthStatus,
) {
	lastBootstrapDate := ""

	for {
		now := time.Now()
		sess := session.Detect(now)
		prom.MarketSession.Set(float64(sess))

		// Every log line of this cycle carries the same cycle ID.
		cctx := logger.WithCycleID(ctx, logger.GenerateCycleID(cfg.DefaultUniverse, now))

		symbols, err := uni.List(cctx, cfg.DefaultUniverse)
		if err != nil {
			log.Printf("[ingestd] universe list failed: %v", err)
		}
		health.SetUniverseSize(len(symbols))

		if len(symbols) > 0 {
			// Bootstrap previous closes once per trading date.
			date := session.TradingDate(now)
			if date != lastBootstrapDate && session.IsTradingDay(now) {
				log.Printf("[ingestd] bootstrapping references for %s (%d symbols)", date, len(symbols))
				results := refs.Bootstrap(cctx, symbols, date, client, pacer)
				for _, r := range results {
					switch {
					case r.Skipped:
						prom.BootstrapTotal.WithLabelValues("skipped").Inc()
					case r.Success:
						prom.BootstrapTotal.WithLabelValues("ok").Inc()
					default:
						prom.BootstrapTotal.WithLabelValues("failed").Inc()
					}
				}
				lastBootstrapDate = date
				health.SetBootstrapDate(date)
			}

			start := time.Now()
			results, err := eng.IngestBatch(cctx, symbols)
			if err != nil {
				log.Printf("[ingestd] ingest cycle failed: %v", err)
			} else {
				ok := 0
				for _, r := range results {
					if r.Success {
						ok++
					}
				}
				slog.Info("cycle done", append(logger.WithCycle(cctx),
					"ok", ok,
					"total", len(results),
					"session", sess.String(),
					"took", time.Since(start).Round(time.Millisecond).String(),
				)...)
				prom.BatchCycles.Inc()
				prom.BatchCycleDur.Observe(time.Since(start).Seconds())
				health.SetLastIngestAt(time.Now())
			}

			rep := unified.Freshness(symbols, cache.DefaultFreshnessThresholds(), time.Now())
			prom.FreshPct.Set(rep.FreshPct)
			prom.CachedEntries.Set(float64(unified.Status().FastEntries))
		}

		var pause time.Duration
		switch sess {
		case session.Regular:
			pause = time.Duration(cfg.RegularIntervalSec) * time.Second
		case session.PreMarket, session.AfterHours:
			pause = time.Duration(cfg.ExtendedIntervalSec) * time.Second
		default:
			pause = time.Duration(cfg.ClosedIntervalSec) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}
