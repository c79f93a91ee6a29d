// Package router selects inference providers, streams their output,
// and cascades through a fallback chain while recording per-provider
// rolling metrics. Providers are opaque: the router never knows what
// model sits behind one.
package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request describes one inference call.
type Request struct {
	Kind           string // chat, scraper, tts, stt, ...
	Message        string
	ConversationID string
	TraceID        string
	ContextSize    int
	LatencyBudget  time.Duration

	// StepOrder positions the emitted run.step inside the Run.
	StepOrder int
}

// Chunk is one streamed piece of provider output. Err is set on a
// mid-stream failure; Done marks a clean end of stream.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Provider is an opaque inference backend.
type Provider interface {
	ID() string
	Kind() string
	CostUnits() float64
	MaxContext() int

	// Stream starts the call and returns the chunk channel. An error
	// here means the call never started; mid-stream failures arrive as
	// Chunk.Err. The channel closes after Done or Err.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// lastResortCost ranks the echo provider behind any plausibly priced
// remote so scoring only reaches it when the cascade has nothing else.
const lastResortCost = 100

// LocalEchoProvider is the deterministic local fallback: always
// available, produces a canned assistant turn. Its presence guarantees
// /chat can answer even with every remote provider down, but its cost
// keeps it at the bottom of the ranking.
type LocalEchoProvider struct {
	id string
}

// NewLocalEchoProvider returns the built-in fallback provider.
func NewLocalEchoProvider() *LocalEchoProvider {
	return &LocalEchoProvider{id: "local-echo"}
}

func (p *LocalEchoProvider) ID() string         { return p.id }
func (p *LocalEchoProvider) Kind() string       { return "chat" }
func (p *LocalEchoProvider) CostUnits() float64 { return lastResortCost }
func (p *LocalEchoProvider) MaxContext() int    { return 1 << 20 }

func (p *LocalEchoProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 2)
	go func() {
		defer close(out)
		reply := "I received your message"
		if s := strings.TrimSpace(req.Message); s != "" {
			reply = fmt.Sprintf("I received your message (%d chars). A full answer is temporarily unavailable.", len(s))
		}
		select {
		case out <- Chunk{Text: reply}:
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}

// HTTPProvider calls a remote chat backend that streams JSONL chunks:
// one {"text": "..."} object per line, closing the body at end of turn.
type HTTPProvider struct {
	id         string
	kind       string
	endpoint   string
	cost       float64
	maxContext int
	client     *http.Client
}

// NewHTTPProvider builds a remote provider. The client timeout is the
// transport ceiling; per-call deadlines come from the router's context.
func NewHTTPProvider(id, kind, endpoint string, cost float64, maxContext int) *HTTPProvider {
	return &HTTPProvider{
		id:         id,
		kind:       kind,
		endpoint:   endpoint,
		cost:       cost,
		maxContext: maxContext,
		client:     &http.Client{Timeout: 0},
	}
}

func (p *HTTPProvider) ID() string         { return p.id }
func (p *HTTPProvider) Kind() string       { return p.kind }
func (p *HTTPProvider) CostUnits() float64 { return p.cost }
func (p *HTTPProvider) MaxContext() int    { return p.maxContext }

func (p *HTTPProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(map[string]interface{}{
		"message":         req.Message,
		"conversation_id": req.ConversationID,
		"trace_id":        req.TraceID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.id, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("provider %s: upstream status %d", p.id, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("provider %s: unexpected status %d", p.id, resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var piece struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(line, &piece); err != nil {
				out <- Chunk{Err: fmt.Errorf("provider %s: malformed stream: %w", p.id, err)}
				return
			}
			select {
			case out <- Chunk{Text: piece.Text}:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
		if err := sc.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("provider %s: stream read: %w", p.id, err)}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}
