package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Graph.Backend)
	assert.Equal(t, 3, cfg.Router.MaxFallbacks)
	assert.Equal(t, 20*time.Second, cfg.Router.ProviderTimeout)
	assert.Equal(t, 5*time.Second, cfg.Chat.StageBudget)
	assert.True(t, cfg.Flags.MaterializerEnabled)

	chat, ok := cfg.RateLimit.Routes["/chat"]
	require.True(t, ok)
	assert.Equal(t, 60, chat.PerMinute)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Server.Env)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `server:
  port: 9090
  env: staging
graph:
  backend: postgres
  dsn: "postgres://localhost/cg"
router:
  max_fallbacks: 1
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "staging", cfg.Server.Env)
	assert.Equal(t, "postgres", cfg.Graph.Backend)
	assert.Equal(t, 1, cfg.Router.MaxFallbacks)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CG_PORT", "7070")
	t.Setenv("CG_GRAPH_BACKEND", "spanner")
	t.Setenv("CG_ROUTER_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "spanner", cfg.Graph.Backend)
	assert.False(t, cfg.Flags.RouterEnabled)
}

func TestFlagsSet(t *testing.T) {
	f := NewFlags(FlagDefaults{RouterEnabled: true, CanaryPercent: 0})

	require.NoError(t, f.Set("router_enabled", false))
	assert.False(t, f.RouterEnabled())

	require.NoError(t, f.Set("canary_percent", 10))
	assert.Equal(t, 10, f.CanaryPercent())

	// JSON numbers arrive as float64.
	require.NoError(t, f.Set("canary_percent", float64(50)))
	assert.Equal(t, 50, f.CanaryPercent())
}

func TestFlagsSetRejectsInvalid(t *testing.T) {
	f := NewFlags(FlagDefaults{})

	assert.Error(t, f.Set("canary_percent", 37), "only the rollout ladder values are valid")
	assert.Error(t, f.Set("no_such_flag", true))
	assert.Error(t, f.Set("router_enabled", 12))
}

func TestFlagsProviderToggle(t *testing.T) {
	f := NewFlags(FlagDefaults{Providers: map[string]bool{}})

	assert.True(t, f.ProviderEnabled("gpt-large"), "unmentioned providers default to enabled")
	require.NoError(t, f.Set("provider.gpt-large", false))
	assert.False(t, f.ProviderEnabled("gpt-large"))
}

func TestFlagsOnChange(t *testing.T) {
	f := NewFlags(FlagDefaults{})

	var gotName string
	var gotValue interface{}
	f.OnChange(func(name string, value interface{}) {
		gotName, gotValue = name, value
	})

	require.NoError(t, f.Set("async_enabled", true))
	assert.Equal(t, "async_enabled", gotName)
	assert.Equal(t, true, gotValue)

	// A rejected change never fires the listener.
	gotName = ""
	_ = f.Set("canary_percent", 37)
	assert.Empty(t, gotName)
}

func TestFlagsSnapshot(t *testing.T) {
	f := NewFlags(FlagDefaults{MaterializerEnabled: true, CanaryPercent: 1})

	snap := f.Snapshot()
	assert.Equal(t, true, snap["materializer_enabled"])
	assert.Equal(t, 1, snap["canary_percent"])
}
