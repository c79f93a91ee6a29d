// Package workers drains long-running work off the request path. Tasks
// go to the broker when it answers a fast health probe, and run inline
// otherwise; either way the caller gets an immediate answer and the
// event log records what happened.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/circuitbreaker"
	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
)

// Queue names and their concurrency caps.
const (
	QueueToolsRO     = "tools_ro"
	QueueToolsMut    = "tools_mut"
	QueueGraphIngest = "graph_ingest_heavy"
	QueueTTS         = "tts"
	QueueHousekeep   = "housekeeping"
)

var queueCaps = map[string]int{
	QueueToolsRO:     8,
	QueueToolsMut:    2,
	QueueGraphIngest: 2,
	QueueTTS:         4,
	QueueHousekeep:   1,
}

// maxAttempts per queue: read-only tool calls retry once, mutating
// tool calls and everything else get three retries.
var queueAttempts = map[string]int{
	QueueToolsRO:     2,
	QueueToolsMut:    4,
	QueueGraphIngest: 4,
	QueueTTS:         4,
	QueueHousekeep:   4,
}

// brokerProbeTimeout is the dispatch decision budget: a broker that
// cannot confirm health this fast gets bypassed.
const brokerProbeTimeout = 200 * time.Millisecond

const heartbeatInterval = 30 * time.Second

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workers_tasks_total",
			Help: "Tasks completed by queue and result",
		},
		[]string{"queue", "result"},
	)
	fallbackSyncTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workers_fallback_sync_total",
			Help: "Tasks executed without the broker because its probe failed",
		},
	)
	deadletterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workers_deadletter_total",
			Help: "Tasks written to the dead-letter log",
		},
	)
	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_queue_depth",
			Help: "Local queue depth by queue",
		},
		[]string{"queue"},
	)
)

// Task is one unit of asynchronous work.
type Task struct {
	ID             string                 `json:"id"`
	Queue          string                 `json:"queue"`
	Kind           string                 `json:"kind"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Retries        int                    `json:"retries"`
	EnqueuedTS     time.Time              `json:"enqueued_ts"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
}

// JSON serializes the task for the broker and the dead-letter log.
func (t *Task) JSON() ([]byte, error) { return json.Marshal(t) }

// Handler executes one task kind. A returned error triggers a retry
// until the queue's attempt budget runs out.
type Handler func(ctx context.Context, t *Task) error

// Pool owns the local queues, their workers, and the broker dispatch
// decision.
type Pool struct {
	cfg     config.WorkersConfig
	flags   *config.Flags
	bus     *events.Bus
	broker  Broker
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger

	workerID      string
	deadletterDir string

	mu       sync.RWMutex
	handlers map[string]Handler

	queues map[string]chan *Task
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	fallbacks atomic.Int64
}

// NewPool builds the pool. broker may be nil (single-process deploys);
// every dispatch then runs locally without a fallback event.
func NewPool(cfg config.WorkersConfig, flags *config.Flags, bus *events.Bus,
	broker Broker, breaker *circuitbreaker.CircuitBreaker, deadletterDir string) *Pool {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}

	queues := make(map[string]chan *Task, len(queueCaps))
	for q := range queueCaps {
		queues[q] = make(chan *Task, cfg.QueueDepth)
	}

	return &Pool{
		cfg:           cfg,
		flags:         flags,
		bus:           bus,
		broker:        broker,
		breaker:       breaker,
		logger:        log.New(log.Writer(), "[WORKERS] ", log.LstdFlags),
		workerID:      uuid.NewString()[:8],
		deadletterDir: deadletterDir,
		handlers:      make(map[string]Handler),
		queues:        queues,
	}
}

// RegisterHandler binds a task kind to its executor.
func (p *Pool) RegisterHandler(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Start launches the per-queue workers and the heartbeat.
func (p *Pool) Start(ctx context.Context) {
	for queue, n := range queueCaps {
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.worker(ctx, queue)
		}
	}
	go p.heartbeat(ctx)
}

// Wait blocks until every worker has drained out after ctx cancel.
func (p *Pool) Wait() { p.wg.Wait() }

// Submit dispatches a task. Broker first when it is configured, the
// async flag is on, and the health probe answers in time; the local
// queue otherwise. A full local queue runs the task inline on the
// caller's goroutine so work is never silently lost.
func (p *Pool) Submit(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedTS.IsZero() {
		t.EnqueuedTS = time.Now().UTC()
	}
	if _, ok := p.queues[t.Queue]; !ok {
		return fmt.Errorf("workers: unknown queue %q", t.Queue)
	}

	if p.broker != nil && (p.flags == nil || p.flags.AsyncEnabled()) {
		if p.brokerHealthy(ctx) {
			if err := p.publishBroker(ctx, t); err == nil {
				return nil
			}
		}
		// Broker configured but unusable: record the downgrade.
		fallbackSyncTotal.Inc()
		p.fallbacks.Add(1)
		if p.bus != nil {
			p.bus.Emit(events.KindAsyncFallback, t.ConversationID, t.TraceID, map[string]interface{}{
				"task_id": t.ID,
				"queue":   t.Queue,
				"kind":    t.Kind,
			})
		}
	}

	select {
	case p.queues[t.Queue] <- t:
		queueDepthGauge.WithLabelValues(t.Queue).Set(float64(len(p.queues[t.Queue])))
		return nil
	default:
		// Queue full: execute now rather than drop.
		p.execute(ctx, t)
		return nil
	}
}

func (p *Pool) brokerHealthy(ctx context.Context) bool {
	if p.breaker != nil && p.breaker.Allow() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, brokerProbeTimeout)
	defer cancel()
	healthy := p.broker.Healthy(probeCtx)
	if p.breaker != nil {
		p.breaker.Record(healthy)
	}
	return healthy
}

func (p *Pool) publishBroker(ctx context.Context, t *Task) error {
	err := p.broker.Publish(ctx, t)
	if err != nil {
		p.logger.Printf("broker publish for %s failed: %v", t.ID, err)
		if p.breaker != nil {
			p.breaker.Record(false)
		}
	}
	return err
}

func (p *Pool) worker(ctx context.Context, queue string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.queues[queue]:
			if !ok {
				return
			}
			queueDepthGauge.WithLabelValues(queue).Set(float64(len(p.queues[queue])))
			p.execute(ctx, t)
		}
	}
}

// execute runs one task with the per-task timeout and the queue's
// retry budget.
func (p *Pool) execute(ctx context.Context, t *Task) {
	p.mu.RLock()
	h, ok := p.handlers[t.Kind]
	p.mu.RUnlock()
	if !ok {
		p.logger.Printf("no handler for task kind %q, dead-lettering %s", t.Kind, t.ID)
		p.deadLetter(t, "no_handler")
		return
	}

	attempts := queueAttempts[t.Queue]
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t.Retries++
			select {
			case <-ctx.Done():
				p.deadLetter(t, "shutdown")
				return
			case <-time.After(backoff(attempt)):
			}
		}

		taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
		lastErr = h(taskCtx, t)
		cancel()

		if lastErr == nil {
			tasksTotal.WithLabelValues(t.Queue, "ok").Inc()
			p.completed.Add(1)
			return
		}
	}

	p.logger.Printf("task %s (%s) exhausted retries: %v", t.ID, t.Kind, lastErr)
	tasksTotal.WithLabelValues(t.Queue, "failed").Inc()
	p.failed.Add(1)
	p.deadLetter(t, "exhausted")

	if p.bus != nil {
		p.bus.Emit(events.KindTaskFailed, t.ConversationID, t.TraceID, map[string]interface{}{
			"task_id":     t.ID,
			"queue":       t.Queue,
			"kind":        t.Kind,
			"retries":     float64(t.Retries),
			"reason_safe": "task failed after retries",
		})
	}
}

// backoff is exponential with jitter: 1s, 2s, 4s... plus up to 50%.
func backoff(attempt int) time.Duration {
	base := time.Second << (attempt - 1)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// deadLetter appends the task to the JSONL dead-letter log.
func (p *Pool) deadLetter(t *Task, reason string) {
	deadletterTotal.Inc()
	if p.deadletterDir == "" {
		return
	}
	if err := os.MkdirAll(p.deadletterDir, 0o755); err != nil {
		p.logger.Printf("create deadletter dir: %v", err)
		return
	}

	entry := map[string]interface{}{
		"task":      t,
		"reason":    reason,
		"failed_ts": time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	name := filepath.Join(p.deadletterDir,
		fmt.Sprintf("deadletter-%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		p.logger.Printf("open deadletter file: %v", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// heartbeat emits worker.seen on an interval so the graph knows the
// pool is alive.
func (p *Pool) heartbeat(ctx context.Context) {
	if p.bus == nil {
		return
	}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths := make(map[string]interface{}, len(p.queues))
			for q, ch := range p.queues {
				depths[q] = len(ch)
			}
			p.bus.Emit(events.KindWorkerSeen, "", "", map[string]interface{}{
				"worker_id": p.workerID,
				"depths":    depths,
				"completed": p.completed.Load(),
				"failed":    p.failed.Load(),
			})
		}
	}
}

// QueueDepth is the total number of tasks waiting across local queues.
func (p *Pool) QueueDepth() int {
	total := 0
	for _, ch := range p.queues {
		total += len(ch)
	}
	return total
}

// Stats reports pool state for the telemetry snapshot.
func (p *Pool) Stats() map[string]interface{} {
	depths := make(map[string]int, len(p.queues))
	for q, ch := range p.queues {
		depths[q] = len(ch)
	}
	return map[string]interface{}{
		"worker_id":      p.workerID,
		"queue_depths":   depths,
		"completed":      p.completed.Load(),
		"failed":         p.failed.Load(),
		"fallback_syncs": p.fallbacks.Load(),
	}
}
