package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketdash/config"
	"marketdash/internal/breaker"
	"marketdash/internal/bus"
	"marketdash/internal/gateway"
	"marketdash/internal/logger"
	"marketdash/internal/marketdata/binance"
	"marketdash/internal/marketdata/reconciler"
	"marketdash/internal/marketdata/stream"
	"marketdash/internal/metrics"
	"marketdash/internal/model"
	"marketdash/internal/session"
	"marketdash/internal/snapshot"
	redisstore "marketdash/internal/store/redis"
	sqlitestore "marketdash/internal/store/sqlite"
	"marketdash/internal/supervisor"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[dashengine] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[dashengine] %v", err)
	}
	logger.Init("dashengine", logger.ParseLevel(cfg.LogLevel))

	specs, _ := cfg.IndicatorSpecs() // validated by config.Load
	defaultKey, _ := cfg.DefaultSelection()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(cfg.RedisEnabled, cfg.ArchiveEnabled)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	onBreaker := func(name string, from, to breaker.State) {
		log.Printf("[dashengine] breaker %s: %s -> %s", name, from, to)
		prom.RecordBreaker(name, int(to))
	}

	// ---- Snapshot source: REST, with the local archive as fallback ----
	klinesBreaker := breaker.New("klines", 3, 30*time.Second)
	klinesBreaker.OnStateChange = onBreaker
	var fetcher snapshot.Fetcher = binance.NewFetcher(cfg.RESTBaseURL, klinesBreaker)
	log.Printf("[dashengine] snapshot source: %s", cfg.RESTBaseURL)

	var sqlWriter *sqlitestore.Writer
	if cfg.ArchiveEnabled {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("[dashengine] archive dir %s: %v", dir, err)
			}
		}
		sqlWriter, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[dashengine] sqlite init failed: %v", err)
		}
		defer sqlWriter.Close()
		sqlWriter.OnCommit = func(n int, d time.Duration) {
			prom.SQLiteCommitDur.Observe(d.Seconds())
			prom.ArchivedBarsTotal.Add(float64(n))
		}

		reader, err := sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[dashengine] sqlite reader init failed: %v", err)
		}
		defer reader.Close()
		fetcher = &sqlitestore.FallbackFetcher{
			Primary: fetcher,
			Archive: reader,
			OnFallback: func(symbol, interval string, rows int, cause error) {
				slog.Warn("serving archived snapshot",
					"symbol", symbol, "interval", interval, "rows", rows, "cause", cause)
			},
		}
		log.Printf("[dashengine] archive ready at %s", cfg.SQLitePath)
	}

	// ---- Session ----
	loader := snapshot.NewLoader(fetcher, cfg.SeriesLimit)
	source := stream.NewBinance(cfg.WSBaseURL)
	ctrl, err := session.New(session.Config{
		Limit:          cfg.SeriesLimit,
		ReconnectDelay: cfg.ReconnectDelay,
		Indicators:     specs,
	}, loader, source, nil)
	if err != nil {
		log.Fatalf("[dashengine] session: %v", err)
	}

	ctrl.OnOutcome = func(_ model.SelectionKey, o reconciler.Outcome) {
		prom.KlineEventsTotal.WithLabelValues(o.String()).Inc()
		if o.Changed() {
			health.SetLastBarTime(time.Now())
		}
	}
	ctrl.OnMalformed = func(s supervisor.Stream, _ error) {
		prom.MalformedEventsTotal.WithLabelValues(string(s)).Inc()
	}
	ctrl.OnReconnect = func(_ model.SelectionKey, s supervisor.Stream) {
		prom.ReconnectsTotal.WithLabelValues(string(s)).Inc()
	}
	ctrl.OnConnState = func(s supervisor.Stream, _, to model.ConnState) {
		prom.ConnState.WithLabelValues(string(s)).Set(float64(to))
		switch s {
		case supervisor.StreamBars:
			health.SetWSConnected(to == model.ConnOpen)
		case supervisor.StreamTrades:
			health.SetTickerOK(to == model.ConnOpen)
		}
	}
	ctrl.OnSnapshot = func(key model.SelectionKey, src string, elapsed time.Duration, err error) {
		result := "ok"
		switch {
		case errors.Is(err, snapshot.ErrDataUnavailable):
			result = "unavailable"
		case err != nil:
			result = "error"
		}
		prom.RecordSnapshot(src, result, elapsed)
	}

	sel := &selector{ctrl: ctrl, prom: prom, health: health}

	// ---- Fan-out of published views ----
	fanout := bus.New(64)
	fanout.OnDrop = func(subscriberIdx int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
	}
	hubCh := fanout.Subscribe()

	var publisher *redisstore.Publisher
	if cfg.RedisEnabled {
		redisBreaker := breaker.New("redis", 5, 10*time.Second)
		redisBreaker.OnStateChange = onBreaker
		publisher, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, redisBreaker)
		if err != nil {
			log.Printf("[dashengine] WARNING: redis init failed: %v (continuing without redis)", err)
			publisher = nil
		} else {
			publisher.OnWrite = func(d time.Duration) {
				prom.RedisWriteDur.Observe(d.Seconds())
			}
			go publisher.Run(ctx, fanout.Subscribe())
			log.Println("[dashengine] redis publisher ready")
		}
	}
	if sqlWriter != nil {
		go sqlWriter.Run(ctx, fanout.Subscribe())
	}

	var rdb *goredis.Client
	if publisher != nil {
		rdb = publisher.Client()
	}
	if sqlWriter != nil {
		health.StartLivenessChecker(ctx, rdb, sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, rdb, nil, 10*time.Second)
	}

	go fanout.Run(ctx, ctrl.Updates())

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + strconv.Itoa(i)).Set(pct)
					}
				}
			}
		}
	}()

	// ---- Gateway ----
	hub := gateway.NewHub(sel)
	hub.OnClients = func(n int) {
		prom.GatewayClients.Set(float64(n))
	}
	go hub.Run(ctx, hubCh)

	mux := http.NewServeMux()
	var store gateway.ViewStore
	if publisher != nil {
		store = publisher
	}
	gateway.RegisterRoutes(mux, hub, store, gateway.Options{
		Symbols:    cfg.Catalog.Symbols,
		Intervals:  cfg.Catalog.Intervals,
		Indicators: specs,
		Default:    defaultKey,
	})
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("[dashengine] gateway listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[dashengine] gateway error: %v", err)
		}
	}()

	// ---- Run ----
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[dashengine] session stopped: %v", err)
		}
	}()
	if err := sel.Select(defaultKey.Symbol, defaultKey.Interval); err != nil {
		log.Fatalf("[dashengine] default selection: %v", err)
	}
	log.Printf("[dashengine] ready: %s, limit %d, indicators %v", defaultKey, cfg.SeriesLimit, specs)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[dashengine] shutdown signal received, cleaning up...")
	cancel()
	<-runDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if publisher != nil {
		publisher.Close()
	}
	log.Println("[dashengine] shutdown complete.")
}
