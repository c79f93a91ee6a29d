// Package policy gates requests. The engine is deliberately opaque to
// the rest of the core: callers hand in a request plus classification
// context and get back allow, deny, or needs_approval with a safe
// reason. Policy definitions are authored outside the core and loaded
// as YAML seeds.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Effect is the gate outcome.
type Effect string

const (
	Allow         Effect = "allow"
	Deny          Effect = "deny"
	NeedsApproval Effect = "needs_approval"
)

// Request is what the gate sees. Raw message content stays out of the
// decision record; only derived fields are stored downstream.
type Request struct {
	CallerID   string
	Intent     string
	Band       string // high | medium | low
	Confidence float64
	Mutating   bool // the classified intent would invoke mutating tools
	Message    string
}

// Decision is the compact gate result. ReasonSafe never leaks policy
// internals.
type Decision struct {
	Effect     Effect
	PolicyID   string
	ReasonSafe string
}

// Rule is one seeded policy. MatchKeywords are case-insensitive
// substring matches against the message; MatchIntents match the
// classified intent exactly.
type Rule struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	MatchKeywords []string `yaml:"match_keywords"`
	MatchIntents  []string `yaml:"match_intents"`
	AppliesTo     string   `yaml:"applies_to"` // "", "mutating", "readonly"
	Effect        string   `yaml:"effect"`
	ReasonSafe    string   `yaml:"reason_safe"`
}

type seedFile struct {
	Policies []Rule `yaml:"policies"`
}

// Engine evaluates the seeded rules in order; first match wins.
type Engine struct {
	rules []Rule
}

// Load reads the YAML policy seeds. A missing file yields the built-in
// defaults rather than an error: the gate must exist even when policy
// authorship lags a deployment.
func Load(path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Engine{rules: defaultRules()}, nil
	}
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode policy seeds: %w", err)
	}
	if len(f.Policies) == 0 {
		f.Policies = defaultRules()
	}
	return &Engine{rules: f.Policies}, nil
}

// NewWithRules is the test constructor.
func NewWithRules(rules []Rule) *Engine { return &Engine{rules: rules} }

// defaultRules carries the four referenced policy ids with conservative
// semantics; richer definitions arrive via seeds.
func defaultRules() []Rule {
	return []Rule{
		{
			ID:            "safety_code_exec_v1",
			MatchKeywords: []string{"exec", "shell", "run command"},
			AppliesTo:     "mutating",
			Effect:        string(NeedsApproval),
			ReasonSafe:    "code execution requires operator approval",
		},
		{
			ID:            "no_big_diff_v1",
			MatchKeywords: []string{"rewrite everything", "replace all"},
			AppliesTo:     "mutating",
			Effect:        string(Deny),
			ReasonSafe:    "large mutations are not permitted in one step",
		},
		{
			ID:           "reuse_first_v1",
			MatchIntents: []string{"codecraft.generate"},
			Effect:       string(Allow),
			ReasonSafe:   "",
		},
		{
			ID:           "test_gate_v1",
			MatchIntents: []string{"codecraft.apply"},
			AppliesTo:    "mutating",
			Effect:       string(NeedsApproval),
			ReasonSafe:   "changes must pass the test gate before apply",
		},
	}
}

// Evaluate runs the gate. Band restrictions apply before rules: a low
// band never reaches mutating rules because the control plane already
// refuses tools below medium confidence.
func (e *Engine) Evaluate(req Request) Decision {
	msg := strings.ToLower(req.Message)

	for _, r := range e.rules {
		if !ruleApplies(r, req, msg) {
			continue
		}
		switch Effect(r.Effect) {
		case Deny:
			return Decision{Effect: Deny, PolicyID: r.ID, ReasonSafe: safeReason(r)}
		case NeedsApproval:
			return Decision{Effect: NeedsApproval, PolicyID: r.ID, ReasonSafe: safeReason(r)}
		case Allow:
			return Decision{Effect: Allow, PolicyID: r.ID}
		}
	}
	return Decision{Effect: Allow}
}

func ruleApplies(r Rule, req Request, loweredMsg string) bool {
	switch r.AppliesTo {
	case "mutating":
		if !req.Mutating {
			return false
		}
	case "readonly":
		if req.Mutating {
			return false
		}
	}

	for _, intent := range r.MatchIntents {
		if intent == req.Intent {
			return true
		}
	}
	for _, kw := range r.MatchKeywords {
		if strings.Contains(loweredMsg, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func safeReason(r Rule) string {
	if r.ReasonSafe != "" {
		return r.ReasonSafe
	}
	return "blocked by policy"
}
