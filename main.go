package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apollo-core/internal/agent"
	"apollo-core/internal/analysis"
	"apollo-core/internal/api"
	"apollo-core/internal/events"
	"apollo-core/internal/feed"
	"apollo-core/internal/monitor"
	"apollo-core/internal/pipeline"
	"apollo-core/internal/reconciliation"
	"apollo-core/internal/results"
	"apollo-core/internal/risk"
	"apollo-core/internal/scheduler"
	"apollo-core/pkg/cache"
	"apollo-core/pkg/config"
	"apollo-core/pkg/crypto"
	"apollo-core/pkg/db"
	"apollo-core/pkg/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting apollo-core on port %s (venue %s)", cfg.Port, cfg.VenueURL)

	presets := config.DefaultPresets()
	if cfg.PresetsPath != "" {
		presets, err = config.LoadPresets(cfg.PresetsPath)
		if err != nil {
			log.Fatalf("presets load failed: %v", err)
		}
		log.Printf("presets loaded from %s", cfg.PresetsPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}
	log.Printf("database ready at %s", cfg.DBPath)

	if os.Getenv(crypto.EnvKeyName) != "" {
		keys, err := crypto.NewKeyring()
		if err != nil {
			log.Fatalf("encryption keyring failed: %v", err)
		}
		database.Keys = keys
		log.Printf("token encryption enabled (key v%d)", keys.CurrentVersion())
	}

	logs := db.NewLogWriter(database.DB, 200, 2*time.Second)
	defer logs.Close()

	// In-memory roster seeded from DB
	registry := agent.NewRegistry(database, cfg.HistoryCapacity)
	if err := registry.Resync(ctx); err != nil {
		log.Fatalf("registry resync failed: %v", err)
	}

	engine := analysis.NewEngine(analysis.DefaultParams(), cfg.AnalysisTTL)

	pool := venue.NewPool(venue.PoolOptions{
		URL:            cfg.VenueURL,
		AppID:          cfg.VenueAppID,
		PingInterval:   cfg.PingInterval,
		IdleTimeout:    cfg.IdleTimeout,
		RequestTimeout: cfg.RequestTimeout,
	})
	defer pool.Close()

	metrics := monitor.NewMetrics()

	// Settlement flow: pipelines enqueue, one worker drains.
	queue := results.NewQueue(200)
	worker := &results.Worker{
		Queue:    queue,
		Registry: registry,
		Store:    database,
		Logs:     logs,
		Bus:      bus,
		Presets:  presets,
		Metrics:  metrics,
	}
	go worker.Run(ctx)

	pipe := &pipeline.Pipeline{
		Pool:    pool,
		Store:   database,
		Logs:    logs,
		Bus:     bus,
		Results: queue,
		Presets: presets,
		Metrics: metrics,
		Timeout: cfg.TradeTimeout,
	}

	sched := scheduler.New(registry, database, engine, pipe, logs, bus, presets,
		cache.NewShardedTTLCache(cfg.ConfigCacheTTL),
		scheduler.Options{
			Interval:   cfg.CycleInterval,
			MaxAgents:  cfg.CycleMaxAgents,
			GroupSize:  cfg.GroupSize,
			GroupPause: cfg.GroupPause,
			RateLimit:  cfg.VenueRateLimit,
			Metrics:    metrics,
		})
	go sched.Run(ctx)

	mux := feed.NewMultiplexer(pool, registry, engine, bus, cfg.DefaultToken, cfg.HistoryCapacity)
	mux.Metrics = metrics
	go mux.Run(ctx)

	reconciler := &reconciliation.Service{Store: database, Logs: logs}
	go reconciler.Run(ctx)

	go dailyReset(ctx, registry, database, logs)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	server := api.NewServer(bus, database, registry, presets, api.SystemMeta{
		Venue:   cfg.VenueURL,
		Symbols: cfg.FeedSymbols,
		Version: buildVersion,
	}, cfg.JWTSecret)
	server.Metrics = metrics
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

// dailyReset clears every active agent's session accumulators at local
// midnight so stop-win/stop-loss budgets start fresh each day.
func dailyReset(ctx context.Context, registry *agent.Registry, database *db.Database, logs *db.LogWriter) {
	for {
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(midnight)):
		}

		for _, st := range registry.All() {
			rec := st.UpdateRecord(func(r *db.AgentRecord) {
				risk.ResetSession(r)
			})
			if err := database.SaveRiskState(ctx, rec); err != nil {
				log.Printf("daily reset: save %s: %v", st.ID, err)
				continue
			}
			logs.Append(st.ID, "info", "session", "daily session reset", "")
		}
		log.Printf("daily session reset applied to %d agents", registry.Count())
	}
}
