// Package config loads the control plane's YAML configuration with
// environment overrides, and owns the mutable feature-flag set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Graph     GraphConfig     `yaml:"graph"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Events    EventsConfig    `yaml:"events"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Router    RouterConfig    `yaml:"router"`
	Chat      ChatConfig      `yaml:"chat"`
	Workers   WorkersConfig   `yaml:"workers"`
	Policies  string          `yaml:"policies"`
	Flags     FlagDefaults    `yaml:"flags"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type GraphConfig struct {
	// Backend: postgres | spanner | memory
	Backend  string `yaml:"backend"`
	DSN      string `yaml:"dsn"`
	Project  string `yaml:"project"`
	Instance string `yaml:"instance"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type EventsConfig struct {
	Dir        string `yaml:"dir"`
	DeadLetter string `yaml:"deadletter_dir"`
	DedupePath string `yaml:"dedupe_path"`
	MaxLogSize int64  `yaml:"max_log_size"`
}

type RouteLimit struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type RateLimitConfig struct {
	Routes map[string]RouteLimit `yaml:"routes"`
}

type RouterConfig struct {
	MaxFallbacks    int           `yaml:"max_fallbacks"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	WeightLatency   float64       `yaml:"weight_latency"`
	WeightError     float64       `yaml:"weight_error"`
	WeightCost      float64       `yaml:"weight_cost"`
	WeightCtx       float64       `yaml:"weight_ctx"`
}

type ChatConfig struct {
	StageBudget    time.Duration `yaml:"stage_budget"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type WorkersConfig struct {
	QueueDepth int           `yaml:"queue_depth"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// FlagDefaults seeds the mutable flag set at startup.
type FlagDefaults struct {
	MaterializerEnabled bool            `yaml:"materializer_enabled"`
	AsyncEnabled        bool            `yaml:"async_enabled"`
	RouterEnabled       bool            `yaml:"router_enabled"`
	IntentLLMRefine     bool            `yaml:"intent_llm_refine"`
	CanaryPercent       int             `yaml:"canary_percent"`
	Providers           map[string]bool `yaml:"providers"`
}

// Load reads the YAML file (if present) and applies environment
// overrides. A missing file is not an error: env-only deployments are
// the norm in containers.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "dev"},
		Graph:  GraphConfig{Backend: "memory", PoolSize: 16},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Events: EventsConfig{
			Dir:        "events",
			DeadLetter: "deadletter",
			DedupePath: "dedupe.db",
		},
		RateLimit: RateLimitConfig{
			Routes: map[string]RouteLimit{
				"/chat":       {PerMinute: 60, Burst: 100},
				"/internal/*": {PerMinute: 1000, Burst: 2000},
			},
		},
		Router: RouterConfig{
			MaxFallbacks:    3,
			ProviderTimeout: 20 * time.Second,
			WeightLatency:   0.4,
			WeightError:     0.3,
			WeightCost:      0.2,
			WeightCtx:       0.1,
		},
		Chat: ChatConfig{
			StageBudget:    5 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Workers: WorkersConfig{
			QueueDepth:  1000,
			TaskTimeout: 5 * time.Minute,
		},
		Policies: "policies.yaml",
		Flags: FlagDefaults{
			MaterializerEnabled: true,
			AsyncEnabled:        true,
			RouterEnabled:       true,
			Providers:           map[string]bool{},
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CG_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("CG_GRAPH_BACKEND"); v != "" {
		cfg.Graph.Backend = v
	}
	if v := os.Getenv("CG_GRAPH_DSN"); v != "" {
		cfg.Graph.DSN = v
	}
	if v := os.Getenv("CG_SPANNER_PROJECT"); v != "" {
		cfg.Graph.Project = v
	}
	if v := os.Getenv("CG_SPANNER_INSTANCE"); v != "" {
		cfg.Graph.Instance = v
	}
	if v := os.Getenv("CG_SPANNER_DATABASE"); v != "" {
		cfg.Graph.Database = v
	}
	if v := os.Getenv("CG_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CG_BROKER_PROJECT"); v != "" {
		cfg.Broker.Project = v
	}
	if v := os.Getenv("CG_BROKER_TOPIC"); v != "" {
		cfg.Broker.Topic = v
	}
	if v := os.Getenv("CG_EVENTS_DIR"); v != "" {
		cfg.Events.Dir = v
	}
	if v := os.Getenv("CG_CANARY_PERCENT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Flags.CanaryPercent = p
		}
	}
	if v := os.Getenv("CG_MATERIALIZER_ENABLED"); v != "" {
		cfg.Flags.MaterializerEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("CG_ASYNC_ENABLED"); v != "" {
		cfg.Flags.AsyncEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("CG_ROUTER_ENABLED"); v != "" {
		cfg.Flags.RouterEnabled = v == "1" || v == "true"
	}
}
