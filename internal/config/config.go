// Package config loads the agentcore configuration file.
//
// Configuration is a single YAML document. Environment variables in the
// raw file are expanded before decoding, so values like api_key can be
// written as "${ANTHROPIC_API_KEY}". Unknown fields are rejected.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Loop      LoopConfig      `yaml:"loop"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Breakers  BreakersConfig  `yaml:"breakers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoopConfig bounds the agentic run loop.
type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	Deadline       time.Duration `yaml:"deadline"`
	MaxTokens      int           `yaml:"max_tokens"`
	HistoryLimit   int           `yaml:"history_limit"`
	ParallelTools  bool          `yaml:"parallel_tools"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	System         string        `yaml:"system"`
	TracePath      string        `yaml:"trace_path"`
}

// CacheConfig tunes the in-memory tier of the state cache.
type CacheConfig struct {
	DefaultTTL    time.Duration            `yaml:"default_ttl"`
	MaxEntries    int                      `yaml:"max_entries"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	NamespaceTTL  map[string]time.Duration `yaml:"namespace_ttl"`
}

// StoreConfig configures durable persistence. An empty path keeps
// everything in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// BreakersConfig holds the per-dependency breakers.
type BreakersConfig struct {
	LLM   BreakerConfig `yaml:"llm"`
	Store BreakerConfig `yaml:"store"`
}

// TierConfig describes a rate-limit tier as a fixed window.
type TierConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// RateLimitConfig maps tier names to their limits.
type RateLimitConfig struct {
	Enabled     bool                  `yaml:"enabled"`
	DefaultTier string                `yaml:"default_tier"`
	Tiers       map[string]TierConfig `yaml:"tiers"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file. Environment variables
// are expanded before decoding and unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a raw YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied and no provider
// selected. Useful for tests and the in-memory CLI path.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "anthropic"
	}
	if cfg.Loop.MaxIterations == 0 {
		cfg.Loop.MaxIterations = 10
	}
	if cfg.Loop.MaxTokens == 0 {
		cfg.Loop.MaxTokens = 4096
	}
	if cfg.Loop.HistoryLimit == 0 {
		cfg.Loop.HistoryLimit = 50
	}
	if cfg.Loop.MaxConcurrency == 0 {
		cfg.Loop.MaxConcurrency = 5
	}
	if cfg.Loop.ToolTimeout == 0 {
		cfg.Loop.ToolTimeout = 30 * time.Second
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 15 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Breakers.LLM.Threshold == 0 {
		cfg.Breakers.LLM.Threshold = 5
	}
	if cfg.Breakers.LLM.Cooldown == 0 {
		cfg.Breakers.LLM.Cooldown = 30 * time.Second
	}
	if cfg.Breakers.Store.Threshold == 0 {
		cfg.Breakers.Store.Threshold = 5
	}
	if cfg.Breakers.Store.Cooldown == 0 {
		cfg.Breakers.Store.Cooldown = 30 * time.Second
	}
	if cfg.RateLimit.DefaultTier == "" {
		cfg.RateLimit.DefaultTier = "standard"
	}
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit.Tiers = map[string]TierConfig{
			"standard": {Window: time.Minute, MaxRequests: 60},
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	switch cfg.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.name %q is not supported", cfg.Provider.Name)
	}
	if cfg.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	if cfg.Loop.MaxConcurrency < 1 {
		return fmt.Errorf("loop.max_concurrency must be at least 1")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", cfg.Logging.Format)
	}
	if cfg.RateLimit.Enabled {
		if _, ok := cfg.RateLimit.Tiers[cfg.RateLimit.DefaultTier]; !ok {
			return fmt.Errorf("rate_limit.default_tier %q has no matching tier", cfg.RateLimit.DefaultTier)
		}
		for name, tier := range cfg.RateLimit.Tiers {
			if tier.Window <= 0 || tier.MaxRequests <= 0 {
				return fmt.Errorf("rate_limit.tiers.%s must set a positive window and max_requests", name)
			}
		}
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Listen) == "" {
		return fmt.Errorf("metrics.listen must be set when metrics are enabled")
	}
	return nil
}
