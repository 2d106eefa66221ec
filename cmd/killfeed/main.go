package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voidwatch/killfeed/internal/analytics"
	"github.com/voidwatch/killfeed/internal/api"
	"github.com/voidwatch/killfeed/internal/circuitbreaker"
	"github.com/voidwatch/killfeed/internal/config"
	"github.com/voidwatch/killfeed/internal/dispatch"
	"github.com/voidwatch/killfeed/internal/enrich"
	"github.com/voidwatch/killfeed/internal/feed"
	"github.com/voidwatch/killfeed/internal/janitor"
	"github.com/voidwatch/killfeed/internal/leaderelection"
	"github.com/voidwatch/killfeed/internal/metrics"
	"github.com/voidwatch/killfeed/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`killfeed - killmail ingestion and notification pipeline

Usage:
  killfeed <command>

Commands:
  serve      Start the feed listener, enrichment pool and dispatch workers
  validate   Validate configuration and profiles (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  FEED_URL                  Killmail feed long-poll endpoint (required)
  DETAIL_API_URL            Killmail detail API base URL (required)
  PROFILES_PATH             Subscriber profiles YAML file (required)
  REDIS_ADDR                Redis address for delivery analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  FEED_QUEUE_ID             Feed queue identifier (default: "killfeed")
  FEED_TTW                  Feed long-poll wait in seconds (default: "10")
  FEED_REQUEST_TIMEOUT      Feed request timeout, must exceed TTW (default: "30s")
  FEED_INITIAL_BACKOFF      Reconnect backoff floor (default: "1s")
  FEED_MAX_BACKOFF          Reconnect backoff ceiling (default: "1m")

  DETAIL_USER_AGENT         User-Agent for detail API calls (default: "killfeed")
  DETAIL_FETCH_TIMEOUT      One detail fetch timeout (default: "15s")
  ENRICH_WORKERS            Enrichment pool size (default: "4")
  ENRICH_POLL_INTERVAL      Backlog scan interval per worker (default: "10s")
  ENRICH_BATCH_SIZE         Max candidates per scan (default: "20")
  ENRICH_MAX_ATTEMPTS       Fetch attempts before unfetchable (default: "3")
  ENRICH_RETRY_DELAY        Spacing between attempts per killmail (default: "5m")
  CLAIM_TTL                 Fetch claim lease, must exceed fetch timeout (default: "60s")

  DISPATCH_POLL_INTERVAL    Dispatch worker poll interval (default: "30s")
  DISPATCH_LOOKBACK         Out-of-order rescan window (default: "1h")
  DISPATCH_BATCH_SIZE       Max candidates per dispatch cycle (default: "100")
  DELIVERY_MAX_ATTEMPTS     Webhook attempts before giving up (default: "5")
  DELIVERY_RETENTION        Delivery record retention (default: "168h")

  JANITOR_INTERVAL          Stale claim sweep interval (default: "30s")
  EXPUNGE_SCHEDULE          Cron expression for delivery expunge (default: "15 4 * * *")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a webhook target
                            is cut off, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time before a cut-off target is probed (default: "2m")

  LEADER_ELECTION_ENABLED   Gate the feed listener behind an advisory lock
                            so one instance streams the queue (default: "false")
  LEADER_LOCK_KEY           Advisory lock key (default: "911417")
  LEADER_RETRY_INTERVAL     Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profiles error: %v\n", err)
		return exitInvalidConfig
	}
	enabled := profiles.Enabled()
	if len(enabled) == 0 {
		log.Println("killfeed: no enabled profiles; killmails will be ingested and enriched but never dispatched")
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("killfeed: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return exitRuntimeError
	}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("killfeed: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("killfeed: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("killfeed: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("killfeed: METRICS_ENABLED not set; metrics disabled")
	}

	// Wire analytics if Redis is configured
	var analyticsSink *analytics.RedisSink
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		analyticsSink = analytics.NewRedisSink(redisClient, cfg.DeliveryRetention)
		log.Printf("killfeed: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("killfeed: REDIS_ADDR not set; analytics disabled")
	}

	// Feed listener
	listener := feed.New(feed.Config{
		FeedURL:        cfg.FeedURL,
		QueueID:        cfg.FeedQueueID,
		TTW:            cfg.FeedTTW,
		RequestTimeout: cfg.FeedRequestTimeout,
		InitialBackoff: cfg.FeedInitialBackoff,
		MaxBackoff:     cfg.FeedMaxBackoff,
	}, store)
	if metricsSink != nil {
		listener = listener.WithMetrics(metricsSink)
	}

	// Enrichment pool
	detailClient := enrich.NewHTTPDetailClient(cfg.DetailAPIURL, cfg.DetailUserAgent, cfg.DetailFetchTimeout)
	pool := enrich.NewPool(enrich.Config{
		Workers:      cfg.EnrichWorkers,
		PollInterval: cfg.EnrichPollInterval,
		BatchSize:    cfg.EnrichBatchSize,
		ClaimTTL:     cfg.ClaimTTL,
		RetryDelay:   cfg.EnrichRetryDelay,
		MaxAttempts:  cfg.EnrichMaxAttempts,
		FetchTimeout: cfg.DetailFetchTimeout,
	}, store, detailClient)
	if metricsSink != nil {
		pool = pool.WithMetrics(metricsSink)
	}

	// Dispatch workers, one per enabled profile, sharing a sender and
	// circuit breaker.
	sender := dispatch.NewHTTPWebhookSender()
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	workers := make([]*dispatch.Worker, 0, len(enabled))
	for _, p := range enabled {
		w := dispatch.NewWorker(p, profiles.LocationGroups, store, sender, dispatch.Config{
			PollInterval: cfg.DispatchPollInterval,
			Lookback:     cfg.DispatchLookback,
			BatchSize:    cfg.DispatchBatchSize,
			MaxAttempts:  cfg.DeliveryMaxAttempts,
		})
		if metricsSink != nil {
			w = w.WithMetrics(metricsSink)
		}
		if analyticsSink != nil {
			w = w.WithAnalytics(analyticsSink)
		}
		if breaker != nil {
			w = w.WithBreaker(breaker)
		}
		workers = append(workers, w)
	}

	// Janitor
	jan, err := janitor.New(janitor.Config{
		Interval:        cfg.JanitorInterval,
		ClaimTTL:        cfg.ClaimTTL,
		Retention:       cfg.DeliveryRetention,
		ExpungeSchedule: cfg.ExpungeSchedule,
	}, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "janitor: %v\n", err)
		return exitInvalidConfig
	}
	if metricsSink != nil {
		jan = jan.WithMetrics(metricsSink)
	}

	// Ops HTTP server
	apiHandler := api.NewHandler(store, enabled, cfg.ClaimTTL, version).WithHealthChecker(db)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		log.Printf("killfeed: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("killfeed: http server error: %v", err)
		}
	}()

	// Separate contexts per stage enable ordered shutdown: stop ingesting,
	// then enriching, then dispatching, then cleanup.
	feedCtx, cancelFeed := context.WithCancel(context.Background())
	enrichCtx, cancelEnrich := context.WithCancel(context.Background())
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	janitorCtx, cancelJanitor := context.WithCancel(context.Background())

	var feedWg, enrichWg, dispatchWg, janitorWg sync.WaitGroup

	if cfg.LeaderElectionEnabled {
		// The feed queue pops each package once; only the leader listens.
		var listenerWg sync.WaitGroup
		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			func(ctx context.Context) {
				listenerWg.Add(1)
				go func() {
					defer listenerWg.Done()
					listener.Run(ctx)
				}()
			},
			listenerWg.Wait,
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		feedWg.Add(1)
		go func() {
			defer feedWg.Done()
			elector.Run(feedCtx)
		}()
	} else {
		feedWg.Add(1)
		go func() {
			defer feedWg.Done()
			listener.Run(feedCtx)
		}()
	}

	enrichWg.Add(1)
	go func() {
		defer enrichWg.Done()
		pool.Run(enrichCtx)
	}()

	for _, w := range workers {
		w := w
		dispatchWg.Add(1)
		go func() {
			defer dispatchWg.Done()
			w.Run(dispatchCtx)
		}()
	}

	janitorWg.Add(1)
	go func() {
		defer janitorWg.Done()
		jan.Run(janitorCtx)
	}()

	log.Printf("killfeed: started (feed=%s, enrich_workers=%d, profiles=%d, http=%s)",
		cfg.FeedURL, cfg.EnrichWorkers, len(enabled), cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("killfeed: received signal %v, shutting down", received)

	// Phase 1: Stop the feed listener (no new killmails)
	log.Println("killfeed: stopping feed listener...")
	cancelFeed()
	feedWg.Wait()
	log.Println("killfeed: feed listener stopped")

	// Phase 2: Stop the enrichment pool. Unreleased claims from fetches cut
	// short expire via the claim TTL and are retried elsewhere.
	log.Println("killfeed: stopping enrichment pool...")
	cancelEnrich()
	enrichWg.Wait()
	log.Println("killfeed: enrichment pool stopped")

	// Phase 3: Stop dispatch workers. Deliveries left pending are resolved
	// by the retry scan after restart.
	log.Println("killfeed: stopping dispatch workers...")
	cancelDispatch()
	dispatchWg.Wait()
	log.Println("killfeed: dispatch workers stopped")

	// Phase 4: Stop the janitor
	log.Println("killfeed: stopping janitor...")
	cancelJanitor()
	janitorWg.Wait()
	log.Println("killfeed: janitor stopped")

	// Phase 5: Stop HTTP server with graceful shutdown
	log.Println("killfeed: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("killfeed: http server shutdown error: %v", err)
	}
	log.Println("killfeed: http server stopped")

	// Phase 6: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("killfeed: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("killfeed: metrics server shutdown error: %v", err)
		}
		log.Println("killfeed: metrics server stopped")
	}

	log.Println("killfeed: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if _, err := config.LoadProfiles(cfg.ProfilesPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("killfeed version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
