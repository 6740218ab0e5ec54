package configs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// APIKey declares a client credential the static authorizer accepts, its
// scopes, and optional per-key rate-limit overrides.
type APIKey struct {
	Key             string   `yaml:"key"`
	Scopes          []string `yaml:"scopes,omitempty"`
	RateLimit       int      `yaml:"rate_limit,omitempty"`
	RateLimitWindow string   `yaml:"rate_limit_window,omitempty"`
	BurstLimit      int      `yaml:"burst_limit,omitempty"`
}

// ResourceConfig binds a resource URI to an upstream path.
type ResourceConfig struct {
	URI         string `yaml:"uri"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	MimeType    string `yaml:"mime_type,omitempty"`
	Path        string `yaml:"path"`
}

// VersionConfig declares one supported API version.
type VersionConfig struct {
	Version      string `yaml:"version"`
	Status       string `yaml:"status"` // current, deprecated, sunset
	DeprecatedAt string `yaml:"deprecated_at,omitempty"`
	SunsetAt     string `yaml:"sunset_at,omitempty"`
}

// FileConfig defines the structure loaded from the YAML configuration file.
type FileConfig struct {
	SchemaSources []string         `yaml:"schema_sources"`
	APIKeys       []APIKey         `yaml:"api_keys"`
	Resources     []ResourceConfig `yaml:"resources"`
	Versions      []VersionConfig  `yaml:"versions"`
}

// Config holds the final application configuration, merged from file and
// environment variables. Fields are loaded from environment variables with
// the prefix "TOOLGATE_", overriding file settings; command-line flags in
// cmd/toolgate override both.
type Config struct {
	// Config file path (loaded first from env).
	ConfigFilePath string `envconfig:"CONFIG_FILE"`

	// File-loaded fields.
	SchemaSources []string
	APIKeys       []APIKey
	Resources     []ResourceConfig
	Versions      []VersionConfig

	// Transport.
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`
	SSEKeepAlive      time.Duration `envconfig:"SSE_KEEP_ALIVE" default:"15s"`
	SSESessionTimeout time.Duration `envconfig:"SSE_SESSION_TIMEOUT" default:"5m"`
	SSEReplayBuffer   int           `envconfig:"SSE_REPLAY_BUFFER" default:"64"`

	// Upstream backend.
	UpstreamBaseURL   string        `envconfig:"UPSTREAM_BASE_URL"`
	UpstreamAuthToken string        `envconfig:"UPSTREAM_AUTH_TOKEN"`
	HTTPClientTimeout time.Duration `envconfig:"HTTP_CLIENT_TIMEOUT" default:"30s"`

	// Admission.
	AuthRequired         bool          `envconfig:"AUTH_REQUIRED" default:"false"`
	RateLimitMaxRequests int           `envconfig:"RATE_LIMIT_MAX_REQUESTS" default:"100"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	RateLimitBurst       int           `envconfig:"RATE_LIMIT_BURST" default:"20"`
	RateLimitBurstWindow time.Duration `envconfig:"RATE_LIMIT_BURST_WINDOW" default:"10s"`
	MaxConcurrent        int           `envconfig:"MAX_CONCURRENT" default:"10"`
	QueueTimeout         time.Duration `envconfig:"QUEUE_TIMEOUT" default:"30s"`

	// Execution.
	ToolTimeout      time.Duration `envconfig:"TOOL_TIMEOUT" default:"30s"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"1h"`
	IdempotencySweep time.Duration `envconfig:"IDEMPOTENCY_SWEEP" default:"5m"`

	// Streaming.
	StreamingEnabled bool `envconfig:"STREAMING_ENABLED" default:"true"`
	StreamThreshold  int  `envconfig:"STREAM_THRESHOLD" default:"20"`
	StreamChunkSize  int  `envconfig:"STREAM_CHUNK_SIZE" default:"10"`

	// Webhooks.
	WebhookEnabled bool          `envconfig:"WEBHOOK_ENABLED" default:"false"`
	WebhookURL     string        `envconfig:"WEBHOOK_URL"`
	WebhookSecret  string        `envconfig:"WEBHOOK_SECRET"`
	WebhookRetries int           `envconfig:"WEBHOOK_RETRIES" default:"3"`
	WebhookTimeout time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`

	// Versioning.
	DefaultAPIVersion string `envconfig:"DEFAULT_API_VERSION" default:"v2"`

	// Lifecycle.
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`

	// Observability.
	OtelExporterOtlpEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	LogLevel                 string `envconfig:"LOG_LEVEL" default:"info"`
}

// ParsedLogLevel returns the slog.Level for the configured LogLevel string.
func (c *Config) ParsedLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		fallthrough
	default:
		return slog.LevelInfo
	}
}

// Load loads configuration first from environment variables (to get the file
// path), then from the YAML file if one is specified, and finally processes
// environment variables again so they override file settings.
func Load() (*Config, error) {
	var initialCfg Config
	if err := envconfig.Process("toolgate", &initialCfg); err != nil {
		return nil, fmt.Errorf("failed to process initial environment variables: %w", err)
	}

	fileCfg := FileConfig{}
	if initialCfg.ConfigFilePath != "" {
		yamlFile, err := os.ReadFile(initialCfg.ConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		if err := yaml.Unmarshal(yamlFile, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", initialCfg.ConfigFilePath, err)
		}
		slog.Info("Loaded configuration from file.", "path", initialCfg.ConfigFilePath)
	} else {
		slog.Info("No config file path specified (TOOLGATE_CONFIG_FILE), using defaults/env vars only.")
	}

	finalCfg := initialCfg
	finalCfg.SchemaSources = fileCfg.SchemaSources
	finalCfg.APIKeys = fileCfg.APIKeys
	finalCfg.Resources = fileCfg.Resources
	finalCfg.Versions = fileCfg.Versions

	// Process environment variables again so they override file settings.
	if err := envconfig.Process("toolgate", &finalCfg); err != nil {
		return nil, fmt.Errorf("failed to process overriding environment variables: %w", err)
	}

	return &finalCfg, nil
}
