package chat

import (
	"context"
	"strings"
	"time"

	"github.com/cognigraph/backend/internal/router"
)

// Confidence bands. High admits mutating tools, medium read-only tools,
// low forces a clarifying question.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"

	HighThreshold   = 0.85
	MediumThreshold = 0.72
)

// Intent is the classification result.
type Intent struct {
	Name       string
	Confidence float64
	Band       string
	Mutating   bool
	Refined    bool
}

func bandFor(confidence float64) string {
	switch {
	case confidence >= HighThreshold:
		return BandHigh
	case confidence >= MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

type intentRule struct {
	name       string
	keywords   []string
	confidence float64
	mutating   bool
}

// Stage one: fast deterministic keyword matching. The table is ordered;
// first hit wins.
var intentRules = []intentRule{
	{"codecraft.apply", []string{"apply the change", "commit this", "write the file"}, 0.9, true},
	{"codecraft.generate", []string{"generate", "write code", "implement"}, 0.8, false},
	{"tools.exec", []string{"exec", "run command", "shell"}, 0.88, true},
	{"search.web", []string{"search", "look up", "find out"}, 0.8, false},
	{"chat.smalltalk", []string{"hello", "hi", "hey", "thanks", "thank you"}, 0.9, false},
	{"chat.question", []string{"what", "how", "why", "when", "who", "?"}, 0.75, false},
}

// Classifier runs the two-stage intent pipeline: heuristics first, then
// an optional LLM refinement through the router when the flag is on.
type Classifier struct {
	router  *router.Router
	refine  bool
	timeout time.Duration
}

// NewClassifier builds the classifier. router may be nil, which
// disables refinement regardless of the flag.
func NewClassifier(r *router.Router, refine bool) *Classifier {
	return &Classifier{router: r, refine: refine, timeout: 2 * time.Second}
}

// Classify never fails: the worst case is a low-confidence general
// intent, which the policy gate turns into a clarifying question.
func (c *Classifier) Classify(ctx context.Context, message, traceID string) Intent {
	intent := heuristic(message)

	if c.refine && c.router != nil && intent.Band != BandHigh {
		if refined, ok := c.llmRefine(ctx, message, traceID, intent); ok {
			return refined
		}
	}
	return intent
}

func heuristic(message string) Intent {
	lowered := strings.ToLower(message)
	for _, r := range intentRules {
		for _, kw := range r.keywords {
			if strings.Contains(lowered, kw) {
				return Intent{
					Name:       r.name,
					Confidence: r.confidence,
					Band:       bandFor(r.confidence),
					Mutating:   r.mutating,
				}
			}
		}
	}
	return Intent{Name: "chat.general", Confidence: 0.5, Band: BandLow}
}

// llmRefine asks a provider to confirm or correct the heuristic label.
// Any failure keeps the heuristic result; refinement is an upgrade, not
// a dependency.
func (c *Classifier) llmRefine(ctx context.Context, message, traceID string, base Intent) (Intent, bool) {
	refineCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	outcome := c.router.Route(refineCtx, "", router.Request{
		Kind:          "chat",
		Message:       "classify intent: " + message,
		TraceID:       traceID,
		LatencyBudget: c.timeout,
	}, nil)
	if outcome.Status != "ok" || outcome.Reply == "" {
		return Intent{}, false
	}

	label := strings.TrimSpace(strings.ToLower(outcome.Reply))
	for _, r := range intentRules {
		if strings.Contains(label, r.name) {
			confidence := r.confidence
			if confidence < base.Confidence {
				confidence = base.Confidence
			}
			return Intent{
				Name:       r.name,
				Confidence: confidence,
				Band:       bandFor(confidence),
				Mutating:   r.mutating,
				Refined:    true,
			}, true
		}
	}
	return Intent{}, false
}
