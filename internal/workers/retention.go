package workers

import (
	"context"
	"log"
	"time"

	"github.com/cognigraph/backend/internal/gml"
	"github.com/cognigraph/backend/internal/graph"
)

// TaskKindRetentionSweep is the housekeeping task that archives old
// artifacts and prunes the dedupe store.
const TaskKindRetentionSweep = "retention_sweep"

const defaultArtifactMaxAgeDays = 30

// RetentionSweeper archives artifacts past the configured age. Archive,
// never delete: the sweep sets archived=true and leaves the node.
type RetentionSweeper struct {
	driver *graph.Driver
	dedupe *gml.DedupeStore
	logger *log.Logger
}

// NewRetentionSweeper builds the sweeper; dedupe may be nil.
func NewRetentionSweeper(driver *graph.Driver, dedupe *gml.DedupeStore) *RetentionSweeper {
	return &RetentionSweeper{
		driver: driver,
		dedupe: dedupe,
		logger: log.New(log.Writer(), "[RETENTION] ", log.LstdFlags),
	}
}

// maxAge reads the RetentionPolicy node, falling back to the default
// when the graph has no policy or is unavailable.
func (s *RetentionSweeper) maxAge(ctx context.Context) time.Duration {
	days := defaultArtifactMaxAgeDays
	node, err := s.driver.GetNode(ctx, "retention:default")
	if err == nil {
		switch v := node.Props["artifact_max_age_days"].(type) {
		case float64:
			days = int(v)
		case int:
			days = v
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// Handle is the Pool handler for TaskKindRetentionSweep.
func (s *RetentionSweeper) Handle(ctx context.Context, t *Task) error {
	maxAge := s.maxAge(ctx)
	cutoff := time.Now().UTC().Add(-maxAge)

	artifacts, err := s.driver.QueryNodes(ctx, "Artifact", nil)
	if err != nil {
		return err
	}

	archived := 0
	for _, a := range artifacts {
		if isArchived(a.Props) {
			continue
		}
		raw, _ := a.Props["ts"].(string)
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil || ts.After(cutoff) {
			continue
		}
		err = s.driver.Upsert(ctx, graph.Upsert{
			Labels: []string{"Artifact"},
			ID:     a.ID,
			Props: graph.Props{
				"archived":    true,
				"archived_ts": time.Now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return err
		}
		archived++
	}

	if s.dedupe != nil {
		pruned, err := s.dedupe.Prune(ctx, maxAge)
		if err != nil {
			s.logger.Printf("dedupe prune failed: %v", err)
		} else if pruned > 0 {
			s.logger.Printf("pruned %d dedupe ids", pruned)
		}
	}

	if archived > 0 {
		s.logger.Printf("archived %d artifacts older than %s", archived, maxAge)
	}
	return nil
}

func isArchived(p graph.Props) bool {
	v, _ := p["archived"].(bool)
	return v
}

// StartHousekeeping submits a retention sweep on an interval.
func StartHousekeeping(ctx context.Context, pool *Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Submit(ctx, &Task{
					Queue: QueueHousekeep,
					Kind:  TaskKindRetentionSweep,
				})
			}
		}
	}()
}
