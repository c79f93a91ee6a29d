package config

import (
	"fmt"
	"sync"
)

// Canary percentages are restricted to the rollout ladder.
var validCanary = map[int]bool{0: true, 1: true, 10: true, 50: true, 100: true}

// Flags is the mutable feature-flag set. Operators change flags through
// the internal API; every change is reported to the registered listener
// so a feature_flag.updated event reaches the graph.
type Flags struct {
	mu sync.RWMutex

	materializerEnabled bool
	asyncEnabled        bool
	routerEnabled       bool
	intentLLMRefine     bool
	canaryPercent       int
	providers           map[string]bool

	onChange func(name string, value interface{})
}

// NewFlags builds the runtime flag set from config defaults.
func NewFlags(d FlagDefaults) *Flags {
	providers := make(map[string]bool, len(d.Providers))
	for k, v := range d.Providers {
		providers[k] = v
	}
	return &Flags{
		materializerEnabled: d.MaterializerEnabled,
		asyncEnabled:        d.AsyncEnabled,
		routerEnabled:       d.RouterEnabled,
		intentLLMRefine:     d.IntentLLMRefine,
		canaryPercent:       d.CanaryPercent,
		providers:           providers,
	}
}

// OnChange registers the change listener. One listener is enough: the
// bus fans out from there.
func (f *Flags) OnChange(fn func(name string, value interface{})) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

func (f *Flags) notify(name string, value interface{}) {
	if f.onChange != nil {
		f.onChange(name, value)
	}
}

func (f *Flags) MaterializerEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.materializerEnabled
}

func (f *Flags) AsyncEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.asyncEnabled
}

func (f *Flags) RouterEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.routerEnabled
}

func (f *Flags) IntentLLMRefine() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.intentLLMRefine
}

func (f *Flags) CanaryPercent() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.canaryPercent
}

// ProviderEnabled defaults to true for providers never mentioned.
func (f *Flags) ProviderEnabled(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	enabled, ok := f.providers[id]
	if !ok {
		return true
	}
	return enabled
}

// Set updates a flag by name. Unknown names and invalid values error;
// a successful change fires the listener.
func (f *Flags) Set(name string, value interface{}) error {
	f.mu.Lock()

	var err error
	switch name {
	case "materializer_enabled":
		f.materializerEnabled, err = asBool(value)
	case "async_enabled":
		f.asyncEnabled, err = asBool(value)
	case "router_enabled":
		f.routerEnabled, err = asBool(value)
	case "intent_llm_refine":
		f.intentLLMRefine, err = asBool(value)
	case "canary_percent":
		var p int
		p, err = asInt(value)
		if err == nil && !validCanary[p] {
			err = fmt.Errorf("canary_percent must be one of 0, 1, 10, 50, 100")
		}
		if err == nil {
			f.canaryPercent = p
		}
	default:
		const prefix = "provider."
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			var b bool
			b, err = asBool(value)
			if err == nil {
				f.providers[name[len(prefix):]] = b
			}
		} else {
			err = fmt.Errorf("unknown flag %q", name)
		}
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	f.notify(name, value)
	return nil
}

// Snapshot returns the current flag values for telemetry and the graph.
func (f *Flags) Snapshot() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	providers := make(map[string]bool, len(f.providers))
	for k, v := range f.providers {
		providers[k] = v
	}
	return map[string]interface{}{
		"materializer_enabled": f.materializerEnabled,
		"async_enabled":        f.asyncEnabled,
		"router_enabled":       f.routerEnabled,
		"intent_llm_refine":    f.intentLLMRefine,
		"canary_percent":       f.canaryPercent,
		"providers":            providers,
	}
}

func asBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return t == "1" || t == "true", nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case float64: // JSON numbers decode as float64
		return int(t), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", v)
	}
}
