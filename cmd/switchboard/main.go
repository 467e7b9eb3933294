package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/butlerfleet/switchboard/internal/audit"
	"github.com/butlerfleet/switchboard/internal/buffer"
	"github.com/butlerfleet/switchboard/internal/classify"
	"github.com/butlerfleet/switchboard/internal/config"
	"github.com/butlerfleet/switchboard/internal/connector"
	"github.com/butlerfleet/switchboard/internal/dedup"
	"github.com/butlerfleet/switchboard/internal/dispatch"
	"github.com/butlerfleet/switchboard/internal/dlq"
	"github.com/butlerfleet/switchboard/internal/events"
	"github.com/butlerfleet/switchboard/internal/inbox"
	"github.com/butlerfleet/switchboard/internal/ingest"
	"github.com/butlerfleet/switchboard/internal/registry"
	"github.com/butlerfleet/switchboard/internal/reliability"
	"github.com/butlerfleet/switchboard/internal/route"
	"github.com/butlerfleet/switchboard/internal/telemetry"
	"github.com/butlerfleet/switchboard/internal/triage"
)

func main() {
	logger := log.New(log.Writer(), "[SWITCHBOARD] ", log.LstdFlags)
	logger.Println("starting switchboard...")

	configPath := flag.String("config", "switchboard.yaml", "path to the YAML config")
	flag.Parse()

	// .env is optional; deployments set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// STORAGE
	// ========================================================================

	if cfg.Database.DSN == "" {
		logger.Fatal("no database DSN configured (set DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("ping postgres: %v", err)
	}

	journal := inbox.NewStore(db)
	partitions := inbox.NewPartitionManager(db, cfg.Inbox.RetentionMonths)
	if err := partitions.EnsureCurrent(ctx); err != nil {
		logger.Fatalf("ensure inbox partition: %v", err)
	}
	go partitions.Run(ctx)

	var (
		window   dedup.Window
		affinity triage.Affinity
		cursor   connector.Cursor
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("ping redis: %v", err)
		}
		defer rdb.Close()
		window = dedup.NewRedisWindow(rdb, cfg.DedupTTL())
		affinity = triage.NewRedisAffinity(rdb, cfg.AffinityTTL())
		cursor = connector.NewRedisCursor(rdb)
	} else {
		logger.Println("redis not configured, using in-process dedup window and affinity")
		window = dedup.NewMemoryWindow(cfg.DedupTTL())
		affinity = triage.NewMemoryAffinity(cfg.AffinityTTL())
		cursor = connector.NewMemoryCursor()
	}

	// ========================================================================
	// EVENTS + TELEMETRY
	// ========================================================================

	metrics := telemetry.NewMetrics()

	var (
		bus     *events.Bus
		emitter events.Emitter
	)
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		pb, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Fatalf("pubsub bus: %v", err)
		}
		defer pb.Close()
		bus, emitter = pb.Bus, pb
	} else {
		bus = events.NewBus()
		emitter = bus
	}

	// ========================================================================
	// ROSTER + TRIAGE
	// ========================================================================

	roster := registry.NewCache()
	rosterStore := registry.NewStore(db)
	discovery := registry.NewDiscovery(rosterStore, roster, cfg.Registry.RosterDir,
		time.Duration(cfg.Registry.RefreshSec)*time.Second)
	if err := discovery.DiscoverRoster(ctx); err != nil {
		logger.Printf("roster discovery: %v", err)
	}
	if err := discovery.RefreshCache(ctx); err != nil {
		logger.Fatalf("load butler roster: %v", err)
	}
	go discovery.Run(ctx)

	ruleCache := triage.NewCache(triage.NewStore(db), time.Duration(cfg.Triage.RefreshSec)*time.Second)
	if _, err := ruleCache.Refresh(ctx); err != nil {
		logger.Fatalf("load triage rules: %v", err)
	}
	go ruleCache.Run(ctx)
	evaluator := triage.NewEvaluator(ruleCache, affinity, cfg.Triage.AllowAffinity)

	instructions := classify.NewInstructions(classify.NewInstructionStore(db), time.Minute)
	if err := instructions.Refresh(ctx); err != nil {
		logger.Printf("load routing instructions: %v", err)
	}
	go instructions.Run(ctx)

	// ========================================================================
	// PIPELINE
	// ========================================================================

	queue := buffer.New(cfg.BufferQueue())

	resolver := classify.NewResolver(
		classify.NewHTTPClient(cfg.Classifier.Endpoint, cfg.ClassifierBudgets()),
		cfg.Classifier.DefaultTarget,
	)

	breakers := reliability.NewBreakerManager(cfg.BreakerDefaults())
	executor := route.NewExecutor(
		roster,
		route.NewHTTPSink(),
		breakers,
		reliability.NewRateLimiter(cfg.TierBuckets()),
		cfg.DispatchTimeouts(),
		cfg.RetryPolicy(),
		rosterStore,
	)

	deadLetters := dlq.NewStore(db)
	pipeline := dispatch.New(cfg.Pipeline(), journal, queue, evaluator, affinity,
		resolver, executor, deadLetters, metrics, emitter)
	pipeline.SetInstructions(instructions)
	go pipeline.Run(ctx)

	acceptor := ingest.NewAcceptor(journal, window, queue, metrics, emitter)
	replayer := dlq.NewReplayer(deadLetters, acceptor)

	// ========================================================================
	// CONNECTORS
	// ========================================================================

	if conns := buildConnectors(cfg, cursor, connector.NewRollup(db)); len(conns) > 0 {
		go connector.NewManager(conns...).Run(ctx)
	}

	// Gauges the scrape path cannot compute on its own.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depths := make(map[string]int)
				for tier, n := range queue.TierDepths() {
					depths[string(tier)] = n
				}
				metrics.UpdateBufferDepth(depths)
				metrics.UpdateOpenCircuits(breakers.OpenCount())
			}
		}
	}()

	// ========================================================================
	// HTTP
	// ========================================================================

	server := ingest.NewServer(acceptor, journal, queue, pipeline, replayer,
		audit.NewStore(db), roster, bus, metrics)

	logger.Printf("listening on :%s (env %s)", cfg.Server.Port, cfg.Server.Env)
	if err := server.ListenAndServe(ctx, ":"+cfg.Server.Port); err != nil {
		logger.Fatalf("server: %v", err)
	}
	logger.Println("shutdown complete")
}

// buildConnectors assembles the enabled source adapters. The switchboard
// runs fine with none; out-of-process connectors use /v1/ingest directly.
func buildConnectors(cfg *config.Config, cursor connector.Cursor, rollup *connector.Rollup) []connector.Connector {
	var conns []connector.Connector
	submit := connector.NewHTTPSubmitter("http://127.0.0.1:"+cfg.Server.Port, 10*time.Second)

	if tg := cfg.Connectors.Telegram; tg.Enabled {
		conns = append(conns, connector.NewTelegramPoller("telegram",
			"https://api.telegram.org/bot"+tg.Token, tg.BotID, submit, cursor, rollup,
			time.Duration(tg.IntervalSec)*time.Second))
	}
	if em := cfg.Connectors.Email; em.Enabled {
		conns = append(conns, connector.NewEmailPoller("email",
			em.FeedURL, em.Mailbox, submit, cursor, rollup,
			time.Duration(em.IntervalSec)*time.Second))
	}
	if ch := cfg.Connectors.Chat; ch.Enabled {
		conns = append(conns, connector.NewChatConnector("chat",
			ch.FeedURL, ch.RoomsID, submit, rollup))
	}
	return conns
}
