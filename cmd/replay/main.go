// replay re-applies the durable event log against the graph from a
// checkpoint. Dedupe makes it safe to run at any time; the usual reason
// is a stretch of legacy mode where the materializer skipped writes.
//
//	replay -events ./events -dedupe ./dedupe.db -checkpoint 0 -backend postgres -dsn $DSN
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/gml"
	"github.com/cognigraph/backend/internal/graph"
	"github.com/cognigraph/backend/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	var (
		eventsDir  = flag.String("events", "events", "durable event log directory")
		dedupePath = flag.String("dedupe", "dedupe.db", "dedupe store path")
		checkpoint = flag.Int64("checkpoint", 0, "replay events with seq greater than this")
		backend    = flag.String("backend", "memory", "graph backend: postgres | spanner | memory")
		dsn        = flag.String("dsn", os.Getenv("CG_GRAPH_DSN"), "postgres dsn")
		project    = flag.String("project", os.Getenv("CG_SPANNER_PROJECT"), "spanner project")
		instance   = flag.String("instance", os.Getenv("CG_SPANNER_INSTANCE"), "spanner instance")
		database   = flag.String("database", os.Getenv("CG_SPANNER_DATABASE"), "spanner database")
	)
	flag.Parse()

	var store graph.Store
	var err error
	switch *backend {
	case "postgres":
		store, err = graph.NewPostgresStore(*dsn)
	case "spanner":
		store, err = graph.NewSpannerStore(*project, *instance, *database)
	default:
		store = graph.NewMemoryStore()
	}
	if err != nil {
		log.Fatalf("graph store: %v", err)
	}
	driver := graph.NewDriver(store, nil, 0)
	defer driver.Close()

	dedupe, err := gml.OpenDedupe(*dedupePath)
	if err != nil {
		log.Fatalf("dedupe store: %v", err)
	}
	defer dedupe.Close()

	eventLog, err := events.OpenLog(*eventsDir, 0)
	if err != nil {
		log.Fatalf("event log: %v", err)
	}
	defer eventLog.Close()

	m := gml.New(driver, dedupe, nil, telemetry.NewFreshness())

	applied, deduped, err := m.Replay(context.Background(), eventLog, *checkpoint)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	log.Printf("replay done: %d applied, %d deduplicated (checkpoint %d)", applied, deduped, *checkpoint)
}
