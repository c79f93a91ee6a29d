package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cognigraph/backend/internal/redact"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Events accepted by the in-process bus",
		},
		[]string{"kind"},
	)
	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		},
		[]string{"subscriber"},
	)
)

// Subscriber is a bounded queue attached to the bus. A slow subscriber
// only ever loses its own events; the publisher never waits.
type Subscriber struct {
	Name string
	C    chan *Event

	dropped atomic.Int64
}

// Dropped reports how many events this subscriber missed.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Bus fans events out to in-process subscribers and appends every event
// to the durable log before any subscriber sees it. Publish is a single
// non-blocking call; delivery happens inline, so two events published in
// order arrive in order on every subscriber queue. That gives the
// per-conversation ordering guarantee without any per-conversation state.
type Bus struct {
	mu   sync.RWMutex
	subs []*Subscriber

	log      *Log
	redactor *redact.Redactor
	seq      atomic.Int64
	logger   *log.Logger
}

// NewBus wires the bus to its durable log and publish-boundary redactor.
// Either may be nil (tests, degraded bring-up); the bus stays functional.
func NewBus(durable *Log, red *redact.Redactor) *Bus {
	return &Bus{
		log:      durable,
		redactor: red,
		logger:   log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
}

// Subscribe attaches a named bounded queue. Buffer must absorb normal
// bursts; overflow is dropped for this subscriber only.
func (b *Bus) Subscribe(name string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscriber{Name: name, C: make(chan *Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes the subscriber queue.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != sub {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	b.mu.Unlock()
	close(sub.C)
}

// Publish stamps, redacts, persists, and fans out. It never blocks and
// never returns an error to the caller: the durable append is the only
// failure surface and it is logged, not propagated.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	if b.redactor != nil {
		e.Payload = b.redactor.Walk(e.Payload)
	}
	e.Seq = b.seq.Add(1)

	publishedTotal.WithLabelValues(e.Kind).Inc()

	// Durable append first: the log is the truth subscribers are a view of.
	if b.log != nil {
		if err := b.log.Append(e); err != nil {
			b.logger.Printf("durable append failed for %s: %v", e.EventID, err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.C <- e:
		default:
			sub.dropped.Add(1)
			droppedTotal.WithLabelValues(sub.Name).Inc()
		}
	}
}

// Emit builds an envelope and publishes it.
func (b *Bus) Emit(kind, conversationID, traceID string, payload map[string]interface{}) *Event {
	e := New(kind, conversationID, traceID, payload)
	b.Publish(e)
	return e
}

// LastSeq returns the most recently assigned sequence number.
func (b *Bus) LastSeq() int64 { return b.seq.Load() }

// SetSeq advances the sequence counter, used on startup to continue
// after the highest seq found in the durable log.
func (b *Bus) SetSeq(seq int64) { b.seq.Store(seq) }

// SubscriberCount returns the number of attached queues.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats reports bus state for the telemetry snapshot.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	drops := make(map[string]int64, len(b.subs))
	for _, s := range b.subs {
		drops[s.Name] = s.Dropped()
	}
	return map[string]interface{}{
		"subscribers": len(b.subs),
		"last_seq":    b.seq.Load(),
		"dropped":     drops,
	}
}
