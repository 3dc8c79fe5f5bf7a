// Package config loads orchestra.yaml and watches the intent signature library.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/orchestra/internal/aggregate"
	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/ratecontrol"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// EnvPrefix prefixes every environment override, e.g. ORCHESTRA_ENGINE_MAX_CONCURRENCY.
const EnvPrefix = "ORCHESTRA"

type EngineConfig struct {
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	FallbackEnabled   bool          `mapstructure:"fallback_enabled"`
	AbortOnFailure    bool          `mapstructure:"abort_on_failure"`
}

type ContextConfig struct {
	MaxTokens            int     `mapstructure:"max_tokens"`
	ReservedTokens       int     `mapstructure:"reserved_tokens"`
	CompressionThreshold float64 `mapstructure:"compression_threshold"`
	CharsPerToken        int     `mapstructure:"chars_per_token"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests"`
}

type AgentsConfig struct {
	// LLMServiceURL selects HTTP agents; empty runs the builtin offline agents.
	LLMServiceURL  string               `mapstructure:"llm_service_url"`
	RequestTimeout time.Duration        `mapstructure:"request_timeout"`
	RateLimits     ratecontrol.Config   `mapstructure:"rate_limits"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type IntentsConfig struct {
	// Path to a YAML signature library. Empty uses the built-in library.
	Path string `mapstructure:"path"`
}

type AggregationConfig struct {
	MaxSummaryTokens int           `mapstructure:"max_summary_tokens"`
	DescriptionChars int           `mapstructure:"description_chars"`
	SummaryTimeout   time.Duration `mapstructure:"summary_timeout"`
	UseSummarizer    bool          `mapstructure:"use_summarizer"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	MaxLen       int64         `mapstructure:"max_len"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	// Driver is "postgres" or "sqlite3".
	Driver string `mapstructure:"driver"`
	// DSN enables outcome persistence when set.
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// RequestTimeout bounds one synchronous orchestration.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Config is the whole of orchestra.yaml.
type Config struct {
	Engine      EngineConfig      `mapstructure:"engine"`
	Context     ContextConfig     `mapstructure:"context"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Intents     IntentsConfig     `mapstructure:"intents"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
}

// Load reads configuration with precedence env > file > defaults. path may
// be empty: ORCHESTRA_CONFIG is consulted, then orchestra.yaml in the working
// directory and /etc/orchestra. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orchestra")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/orchestra")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.default_timeout", "60s")
	v.SetDefault("engine.default_max_retries", 1)
	v.SetDefault("engine.backoff_base", "1s")
	v.SetDefault("engine.max_backoff", "10s")
	v.SetDefault("engine.max_concurrency", 8)
	v.SetDefault("engine.fallback_enabled", false)
	v.SetDefault("engine.abort_on_failure", false)

	v.SetDefault("context.max_tokens", 8000)
	v.SetDefault("context.reserved_tokens", 1000)
	v.SetDefault("context.compression_threshold", 0.8)
	v.SetDefault("context.chars_per_token", 4)

	v.SetDefault("agents.llm_service_url", "")
	v.SetDefault("agents.request_timeout", "30s")
	v.SetDefault("agents.rate_limits.default.rpm", 0)
	v.SetDefault("agents.rate_limits.default.tpm", 0)
	v.SetDefault("agents.circuit_breaker.failure_threshold", 5)
	v.SetDefault("agents.circuit_breaker.reset_timeout", "10s")
	v.SetDefault("agents.circuit_breaker.half_open_requests", 1)

	v.SetDefault("intents.path", "")

	v.SetDefault("aggregation.max_summary_tokens", 256)
	v.SetDefault("aggregation.description_chars", 120)
	v.SetDefault("aggregation.summary_timeout", "10s")
	v.SetDefault("aggregation.use_summarizer", true)

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "orchestra")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.redis_addr", "")
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.ttl", "24h")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "5m")
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Context.ReservedTokens >= c.Context.MaxTokens {
		return fmt.Errorf("context.reserved_tokens (%d) must be below context.max_tokens (%d)",
			c.Context.ReservedTokens, c.Context.MaxTokens)
	}
	if c.Context.CompressionThreshold <= 0 || c.Context.CompressionThreshold > 1 {
		return fmt.Errorf("context.compression_threshold must be in (0, 1], got %v", c.Context.CompressionThreshold)
	}
	if c.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine.max_concurrency must be positive, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.DefaultMaxRetries < 0 {
		return fmt.Errorf("engine.default_max_retries must not be negative")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be postgres or sqlite3, got %q", c.Store.Driver)
	}
	return nil
}

// ErrorPolicy is the workflow error policy described by the engine section.
func (c *Config) ErrorPolicy() workflows.ErrorPolicy {
	return workflows.ErrorPolicy{
		FallbackEnabled: c.Engine.FallbackEnabled,
		AbortOnFailure:  c.Engine.AbortOnFailure,
		MaxRetries:      c.Engine.DefaultMaxRetries,
		DefaultTimeout:  c.Engine.DefaultTimeout,
		BackoffBase:     c.Engine.BackoffBase,
		MaxBackoff:      c.Engine.MaxBackoff,
	}
}

// ContextStore is the per-run context store sizing.
func (c *Config) ContextStore() contextstore.Config {
	return contextstore.Config{
		MaxTokens:            c.Context.MaxTokens,
		ReservedTokens:       c.Context.ReservedTokens,
		CompressionThreshold: c.Context.CompressionThreshold,
		CharsPerToken:        c.Context.CharsPerToken,
	}
}

// Breaker is the per-capability circuit breaker configuration.
func (c *Config) Breaker() circuitbreaker.Config {
	cb := circuitbreaker.DefaultConfig()
	if n := c.Agents.CircuitBreaker.FailureThreshold; n > 0 {
		cb.FailureThreshold = uint32(n)
	}
	if d := c.Agents.CircuitBreaker.ResetTimeout; d > 0 {
		cb.Timeout = d
	}
	if n := c.Agents.CircuitBreaker.HalfOpenRequests; n > 0 {
		cb.MaxRequests = uint32(n)
	}
	return cb
}

// AggregatorConfig is the aggregator configuration.
func (c *Config) AggregatorConfig() aggregate.Config {
	return aggregate.Config{
		MaxSummaryTokens: c.Aggregation.MaxSummaryTokens,
		DescriptionChars: c.Aggregation.DescriptionChars,
		CharsPerToken:    c.Context.CharsPerToken,
		SummaryTimeout:   c.Aggregation.SummaryTimeout,
	}
}
