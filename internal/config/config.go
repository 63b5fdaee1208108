// Package config holds the typed configuration for the dispatch
// binaries: defaults, flag binding, optional YAML file overlay and
// validation.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"
)

// StreamBus configures the stream-server connection.
type StreamBus struct {
	// URL is a redis:// connection URL. The DISPATCH_REDIS_URL
	// environment variable overrides it when set.
	URL string `json:"url"`

	// DefaultBlockMs bounds blocking consumer reads. Minimum 100.
	DefaultBlockMs int64 `json:"defaultBlockMs"`

	// DefaultCount caps per-read batch size.
	DefaultCount int64 `json:"defaultCount"`

	// MaxLen bounds published streams via approximate trimming.
	// Minimum 100.
	MaxLen int64 `json:"maxLen"`
}

// Processor configures the event-processing pipeline.
type Processor struct {
	MaxVehiclesPerCity      int   `json:"maxVehiclesPerCity"`
	MaxVehicleAgeMs         int64 `json:"maxVehicleAgeMs"`
	CleanupIntervalMs       int64 `json:"cleanupIntervalMs"`
	MaxRetries              int   `json:"maxRetries"`
	RetryBaseDelayMs        int64 `json:"retryBaseDelayMs"`
	RetryMaxDelayMs         int64 `json:"retryMaxDelayMs"`
	CircuitBreakerThreshold int   `json:"circuitBreakerThreshold"`
	CircuitBreakerTimeoutMs int64 `json:"circuitBreakerTimeoutMs"`
	EnableMetrics           bool  `json:"enableMetrics"`
	EnableDetailedLogging   bool  `json:"enableDetailedLogging"`
}

// ScopeStore configures scope/frame retention.
type ScopeStore struct {
	DefaultTTLMs int64 `json:"defaultTtlMs"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr string `json:"addr"`
}

// Config is the root configuration for dispatch-server.
type Config struct {
	StreamBus  StreamBus  `json:"streamBus"`
	Processor  Processor  `json:"processor"`
	ScopeStore ScopeStore `json:"scopeStore"`
	HTTP       HTTP       `json:"http"`
	LogLevel   string     `json:"logLevel"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		StreamBus: StreamBus{
			URL:            "redis://localhost:6379",
			DefaultBlockMs: 5000,
			DefaultCount:   100,
			MaxLen:         10000,
		},
		Processor: Processor{
			MaxVehiclesPerCity:      10000,
			MaxVehicleAgeMs:         5 * 60 * 1000,
			CleanupIntervalMs:       60 * 1000,
			MaxRetries:              3,
			RetryBaseDelayMs:        1000,
			RetryMaxDelayMs:         10000,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeoutMs: 30000,
			EnableMetrics:           true,
			EnableDetailedLogging:   false,
		},
		ScopeStore: ScopeStore{DefaultTTLMs: 120000},
		HTTP:       HTTP{Addr: ":8080"},
		LogLevel:   "info",
	}
}

// BindFlags registers command-line flags mutating this config.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.StreamBus.URL, "redis-url", c.StreamBus.URL, "Stream server connection URL")
	fs.Int64Var(&c.StreamBus.DefaultBlockMs, "block-ms", c.StreamBus.DefaultBlockMs, "Blocking read timeout in milliseconds")
	fs.Int64Var(&c.StreamBus.DefaultCount, "read-count", c.StreamBus.DefaultCount, "Batch size per consumer read")
	fs.Int64Var(&c.StreamBus.MaxLen, "max-stream-len", c.StreamBus.MaxLen, "Approximate stream length bound")
	fs.Int64Var(&c.ScopeStore.DefaultTTLMs, "scope-ttl-ms", c.ScopeStore.DefaultTTLMs, "Scope and frame TTL in milliseconds")
	fs.StringVar(&c.HTTP.Addr, "http-addr", c.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.IntVar(&c.Processor.MaxVehiclesPerCity, "max-vehicles-per-city", c.Processor.MaxVehiclesPerCity, "Per-city vehicle cap")
	fs.Int64Var(&c.Processor.MaxVehicleAgeMs, "max-vehicle-age-ms", c.Processor.MaxVehicleAgeMs, "Vehicle staleness cutoff in milliseconds")
	fs.Int64Var(&c.Processor.CleanupIntervalMs, "cleanup-interval-ms", c.Processor.CleanupIntervalMs, "Cleanup tick in milliseconds")
	fs.BoolVar(&c.Processor.EnableDetailedLogging, "detailed-logging", c.Processor.EnableDetailedLogging, "Log every processed event")
}

// LoadFile overlays values from a YAML file onto the config. Fields
// absent from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies recognized environment overrides.
func (c *Config) ApplyEnv() {
	if url := os.Getenv("DISPATCH_REDIS_URL"); url != "" {
		c.StreamBus.URL = url
	}
}

// Validate checks required fields and documented minimums.
func (c *Config) Validate() error {
	if c.StreamBus.URL == "" {
		return fmt.Errorf("streamBus.url is required")
	}
	if c.StreamBus.DefaultBlockMs < 100 {
		return fmt.Errorf("streamBus.defaultBlockMs must be >= 100")
	}
	if c.StreamBus.DefaultCount <= 0 {
		return fmt.Errorf("streamBus.defaultCount must be positive")
	}
	if c.StreamBus.MaxLen < 100 {
		return fmt.Errorf("streamBus.maxLen must be >= 100")
	}
	if c.Processor.MaxVehiclesPerCity <= 0 {
		return fmt.Errorf("processor.maxVehiclesPerCity must be positive")
	}
	if c.Processor.MaxVehicleAgeMs <= 0 {
		return fmt.Errorf("processor.maxVehicleAgeMs must be positive")
	}
	if c.Processor.CleanupIntervalMs <= 0 {
		return fmt.Errorf("processor.cleanupIntervalMs must be positive")
	}
	if c.Processor.MaxRetries < 0 {
		return fmt.Errorf("processor.maxRetries must be >= 0")
	}
	if c.Processor.RetryBaseDelayMs <= 0 || c.Processor.RetryMaxDelayMs <= 0 {
		return fmt.Errorf("processor retry delays must be positive")
	}
	if c.Processor.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("processor.circuitBreakerThreshold must be positive")
	}
	if c.Processor.CircuitBreakerTimeoutMs <= 0 {
		return fmt.Errorf("processor.circuitBreakerTimeoutMs must be positive")
	}
	if c.ScopeStore.DefaultTTLMs <= 0 {
		return fmt.Errorf("scopeStore.defaultTtlMs must be positive")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}
