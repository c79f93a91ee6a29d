// The server binary wires the whole control plane together: graph
// driver, event bus with its durable log, rate limiter, router, chat
// control plane, materializer, worker pool, and the HTTP surface.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cognigraph/backend/internal/api"
	"github.com/cognigraph/backend/internal/chat"
	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/gml"
	"github.com/cognigraph/backend/internal/graph"
	"github.com/cognigraph/backend/internal/infra"
	"github.com/cognigraph/backend/internal/policy"
	"github.com/cognigraph/backend/internal/ratelimit"
	"github.com/cognigraph/backend/internal/redact"
	"github.com/cognigraph/backend/internal/router"
	"github.com/cognigraph/backend/internal/telemetry"
	"github.com/cognigraph/backend/internal/workers"
)

// seedComponents are the Component nodes bootstrapped at startup.
var seedComponents = []string{
	"chat_cp", "rate_limiter", "router", "gml", "worker_pool",
	"broker", "feature_flags", "policy_gate", "voice",
}

func main() {
	// .env is optional; containers set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CG_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting cognigraph backend (env=%s, graph=%s)", cfg.Server.Env, cfg.Graph.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Breakers for every fail-open dependency.
	breakers := circuitbreaker.NewControlPlaneBreakers()

	// Graph store and driver.
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("graph store: %v", err)
	}
	driver := graph.NewDriver(store, breakers.Graph, cfg.Graph.PoolSize)
	defer driver.Close()

	// Durable log and bus; the bus resumes its sequence from disk.
	eventLog, err := events.OpenLog(cfg.Events.Dir, cfg.Events.MaxLogSize)
	if err != nil {
		log.Fatalf("event log: %v", err)
	}
	defer eventLog.Close()

	bus := events.NewBus(eventLog, redact.New(redact.MaxStrLenLog, "publish"))
	if maxSeq, err := eventLog.MaxSeq(); err == nil && maxSeq > 0 {
		bus.SetSeq(maxSeq)
		log.Printf("resumed event sequence at %d", maxSeq)
	}

	// Shared KV; the limiter and router metrics degrade without it.
	var kv infra.KV
	if redisKV, err := infra.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Printf("redis unavailable, running on local fallbacks: %v", err)
	} else {
		kv = redisKV
		defer redisKV.Close()
	}

	flags := config.NewFlags(cfg.Flags)
	limiter := ratelimit.New(kv, bus, cfg.RateLimit.Routes)

	// Router with the guaranteed local fallback provider.
	metrics := router.NewMetricsStore(kv)
	rt := router.New(cfg.Router, flags, metrics, breakers.Providers, driver, bus)
	rt.Register(router.NewLocalEchoProvider())
	if endpoint := os.Getenv("CG_CHAT_PROVIDER_URL"); endpoint != "" {
		rt.Register(router.NewHTTPProvider("remote-chat", "chat", endpoint, 1.0, 128<<10))
	}
	if endpoint := os.Getenv("CG_CHAT_CANARY_URL"); endpoint != "" {
		// Eligibility follows the canary_percent flag per trace.
		rt.RegisterCanary(router.NewHTTPProvider("canary-chat", "chat", endpoint, 1.0, 128<<10))
	}

	gate, err := policy.Load(cfg.Policies)
	if err != nil {
		log.Fatalf("policy seeds: %v", err)
	}

	classifier := chat.NewClassifier(rt, flags.IntentLLMRefine())
	cp := chat.New(cfg.Chat, limiter, classifier, gate, rt, bus)

	// Materializer with its dedupe store and the freshness tracker.
	fresh := telemetry.NewFreshness()
	dedupe, err := gml.OpenDedupe(cfg.Events.DedupePath)
	if err != nil {
		log.Fatalf("dedupe store: %v", err)
	}
	defer dedupe.Close()

	materializer := gml.New(driver, dedupe, flags, fresh)
	materializer.Start(ctx, bus)

	// Worker pool; the Pub/Sub broker is optional.
	var broker workers.Broker
	if cfg.Broker.Project != "" && cfg.Broker.Topic != "" {
		if pb, err := workers.NewPubSubBroker(cfg.Broker.Project, cfg.Broker.Topic); err != nil {
			log.Printf("broker unavailable, tasks run inline: %v", err)
		} else {
			broker = pb
			defer pb.Close()
		}
	}
	pool := workers.NewPool(cfg.Workers, flags, bus, broker, breakers.Broker, cfg.Events.DeadLetter)
	pool.RegisterHandler(workers.TaskKindRetentionSweep,
		workers.NewRetentionSweeper(driver, dedupe).Handle)
	pool.Start(ctx)
	workers.StartHousekeeping(ctx, pool, 6*time.Hour)

	// Telemetry aggregation.
	tel := telemetry.New(fresh)
	tel.RegisterSection("chat", cp.Stats)
	tel.RegisterSection("router", rt.Stats)
	tel.RegisterSection("rate_limit", limiter.Stats)
	tel.RegisterSection("bus", bus.Stats)
	tel.RegisterSection("gml", materializer.Stats)
	tel.RegisterSection("workers", pool.Stats)
	tel.RegisterSection("graph_driver", driver.Stats)
	tel.RegisterSection("breakers", breakers.Stats)
	tel.RegisterDegraded(driver.LegacyMode)
	tel.SetAsyncSources(telemetry.AsyncSources{
		Enabled:     flags.AsyncEnabled,
		QueueDepth:  pool.QueueDepth,
		LastApplied: materializer.LastApplied,
	})

	seed(ctx, driver, rt)

	srv := api.NewServer(cp, bus, eventLog, tel, flags, limiter, gate, pool)
	if err := srv.Start(ctx, cfg.Server.Port); err != nil {
		log.Printf("server stopped: %v", err)
	}

	pool.Wait()
	log.Println("shutdown complete")
}

// openStore picks the graph backend.
func openStore(ctx context.Context, cfg *config.Config) (graph.Store, error) {
	switch cfg.Graph.Backend {
	case "postgres":
		return graph.NewPostgresStore(cfg.Graph.DSN)
	case "spanner":
		return graph.NewSpannerStore(cfg.Graph.Project, cfg.Graph.Instance, cfg.Graph.Database)
	default:
		return graph.NewMemoryStore(), nil
	}
}

// seed bootstraps the Component and Provider nodes plus the default
// retention policy; every write is tolerant of an unavailable graph.
func seed(ctx context.Context, driver *graph.Driver, rt *router.Router) {
	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	driver.Seed(seedCtx, seedComponents, rt.Providers())

	err := driver.Upsert(seedCtx, graph.Upsert{
		Labels: []string{"RetentionPolicy"},
		ID:     "retention:default",
		Props: graph.Props{
			"artifact_max_age_days": 30,
			"mode":                  "archive",
		},
	})
	if err != nil {
		log.Printf("retention policy seed skipped: %v", err)
	}
}
