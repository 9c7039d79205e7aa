// Package config handles loading and validating gateway configuration:
// koanf layered with a YAML file then LLMGATEWAY_-prefixed environment
// variables, with godotenv populating the process environment from a
// .env file first. Every setting the gateway needs gets a field on
// Config, grouped by the component that owns it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	KV        KVConfig                  `koanf:"kv"`
	Cache     CacheConfig               `koanf:"cache"`
	Circuit   CircuitBreakerConfig      `koanf:"circuit_breaker"`
	Retry     RetryConfig               `koanf:"retry"`
	Pool      PoolConfig                `koanf:"connection_pool"`
	Queue     QueueConfig               `koanf:"queue"`
	RateLimit RateLimitConfig           `koanf:"rate_limit"`
	Tracker   TrackerConfig             `koanf:"execution_tracking"`
	Timeouts  TimeoutConfig             `koanf:"timeouts"`
	Features  FeatureFlags              `koanf:"features"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// KVConfig configures the connection pool fronting the shared KV store
// (spec §4.2). Host/port/db/password per spec §6's configuration list.
type KVConfig struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port"`
	DB               int           `koanf:"db"`
	Password         string        `koanf:"password"`
	MinConnections   int           `koanf:"min_connections"`
	MaxConnections   int           `koanf:"max_connections"`
	HealthCheckEvery time.Duration `koanf:"health_check_interval"`
	BatchSize        int           `koanf:"batch_size"`
	BatchTimeout     time.Duration `koanf:"batch_timeout"`
}

// CacheConfig configures the two-tier cache (spec §4.1).
type CacheConfig struct {
	L1MaxSize    int           `koanf:"l1_max_size"`
	L2DefaultTTL time.Duration `koanf:"l2_default_ttl"`
	L2Required   bool          `koanf:"l2_required"`
}

// CircuitBreakerConfig configures the distributed circuit breaker
// (spec §4.4).
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
	SuccessThreshold int           `koanf:"success_threshold"`
}

// RetryConfig configures the resilience wrapper (spec §4.4).
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// PoolConfig configures the connection-pool admission controller
// (spec §4.5).
type PoolConfig struct {
	MaxConcurrentConnections int     `koanf:"max_concurrent_connections"`
	MaxConnectionsPerUser    int     `koanf:"max_connections_per_user"`
	DegradedThreshold        float64 `koanf:"degraded_threshold"`
	CriticalThreshold        float64 `koanf:"critical_threshold"`
}

// QueueConfig configures the message bus and queue-failover mechanism
// (spec §4.3, §4.8).
type QueueConfig struct {
	Type                   string        `koanf:"type"` // "stream" or "log"
	MaxDepth               int64         `koanf:"max_depth"`
	BackpressureThreshold  float64       `koanf:"backpressure_threshold"`
	BackpressureMaxRetries int           `koanf:"backpressure_max_retries"`
	BackpressureBaseDelay  time.Duration `koanf:"backpressure_base_delay"`
	BackpressureMaxDelay   time.Duration `koanf:"backpressure_max_delay"`
	FailoverMaxRetries     int           `koanf:"failover_max_retries"`
	FailoverTimeout        time.Duration `koanf:"failover_timeout"`
	FailoverBaseDelay      time.Duration `koanf:"failover_base_delay"`
	FailoverCapDelay       time.Duration `koanf:"failover_cap_delay"`
	ConsumeBatchSize       int           `koanf:"consume_batch_size"`
	ConsumeBlock           time.Duration `koanf:"consume_block"`
	LoadShedRatePerSecond  float64       `koanf:"load_shed_rate_per_second"`
	LoadShedBurst          int           `koanf:"load_shed_burst"`
	KafkaBrokers           []string      `koanf:"kafka_brokers"`
	KafkaTopic             string        `koanf:"kafka_topic"`
	KafkaConsumerGroup     string        `koanf:"kafka_consumer_group"`
}

// RateLimitConfig configures the separate, local rate-limit tier
// (spec §6, §9 Open Question — deliberately independent of PoolConfig).
type RateLimitConfig struct {
	DefaultPerMinute int `koanf:"default_per_minute"`
	PremiumPerMinute int `koanf:"premium_per_minute"`
	Burst            int `koanf:"burst"`
}

// TrackerConfig configures the execution tracker (spec §4.9).
type TrackerConfig struct {
	Enabled    bool    `koanf:"enabled"`
	SampleRate float64 `koanf:"sample_rate"`
}

// TimeoutConfig holds the various timeouts from spec §5 / §6.
type TimeoutConfig struct {
	FirstChunk   time.Duration `koanf:"first_chunk"`
	TotalRequest time.Duration `koanf:"total_request"`
	Idle         time.Duration `koanf:"idle"`
	Heartbeat    time.Duration `koanf:"heartbeat_interval"`
}

// FeatureFlags are runtime-toggleable via POST /admin/config.
type FeatureFlags struct {
	UseFakeLLM    bool `koanf:"use_fake_llm"`
	EnableCaching bool `koanf:"enable_caching"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Any env var starting with "LLMGATEWAY_" overrides a config value.
	// The prefix is dropped, the rest lower-cased, and every "_" becomes
	// a ".": LLMGATEWAY_SERVER_PORT -> server.port. A key whose own name
	// contains "_" (e.g. connection_pool.max_concurrent_connections)
	// cannot be set this way.
	if err := k.Load(env.Provider("LLMGATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMGATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1]
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config with every field set to the value the gateway
// ships with out of the box. Load unmarshals over this, so a config file
// only needs to mention the keys it overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses must not be write-deadlined
		},
		Providers: map[string]ProviderConfig{},
		KV: KVConfig{
			Host:             "localhost",
			Port:             6379,
			DB:               0,
			MinConnections:   5,
			MaxConnections:   50,
			HealthCheckEvery: 30 * time.Second,
			BatchSize:        10,
			BatchTimeout:     10 * time.Millisecond,
		},
		Cache: CacheConfig{
			L1MaxSize:    1000,
			L2DefaultTTL: 3600 * time.Second,
			L2Required:   false,
		},
		Circuit: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 1,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		Pool: PoolConfig{
			MaxConcurrentConnections: 1000,
			MaxConnectionsPerUser:    10,
			DegradedThreshold:        0.70,
			CriticalThreshold:        0.90,
		},
		Queue: QueueConfig{
			Type:                   "stream",
			MaxDepth:               10000,
			BackpressureThreshold:  0.80,
			BackpressureMaxRetries: 5,
			BackpressureBaseDelay:  100 * time.Millisecond,
			BackpressureMaxDelay:   2 * time.Second,
			FailoverMaxRetries:     3,
			FailoverTimeout:        30 * time.Second,
			FailoverBaseDelay:      500 * time.Millisecond,
			FailoverCapDelay:       10 * time.Second,
			ConsumeBatchSize:       10,
			ConsumeBlock:           2 * time.Second,
			LoadShedRatePerSecond:  200,
			LoadShedBurst:          50,
			KafkaTopic:             "stream-failover",
			KafkaConsumerGroup:     "gateway-consumers",
		},
		RateLimit: RateLimitConfig{
			DefaultPerMinute: 60,
			PremiumPerMinute: 600,
			Burst:            10,
		},
		Tracker: TrackerConfig{
			Enabled:    true,
			SampleRate: 0.1,
		},
		Timeouts: TimeoutConfig{
			FirstChunk:   10 * time.Second,
			TotalRequest: 120 * time.Second,
			Idle:         60 * time.Second,
			Heartbeat:    15 * time.Second,
		},
		Features: FeatureFlags{
			UseFakeLLM:    false,
			EnableCaching: true,
		},
	}
}

// Validate checks the invariants the rest of the gateway assumes hold,
// so a misconfiguration fails fast at startup (CONFIG_ERROR) instead of
// corrupting distributed state at runtime.
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrentConnections <= 0 {
		return fmt.Errorf("connection_pool.max_concurrent_connections must be positive")
	}
	if c.Pool.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("connection_pool.max_connections_per_user must be positive")
	}
	if c.Tracker.SampleRate < 0 || c.Tracker.SampleRate > 1 {
		return fmt.Errorf("execution_tracking.sample_rate must be in [0,1]")
	}
	switch c.Queue.Type {
	case "stream", "log":
	default:
		return fmt.Errorf("queue.type must be %q or %q, got %q", "stream", "log", c.Queue.Type)
	}
	return nil
}
