package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for the feed service, loaded
// from a single YAML file and optionally overlaid by environment
// variables. Grounded on the teacher's fail-fast LoadConfig/validateConfig
// shape: parse once at startup, validate exhaustively, never partially
// apply a broken config.
type Config struct {
	Marketfeed MarketfeedConfig `yaml:"marketfeed"`
	Book       BookConfig       `yaml:"book"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Transport  TransportConfig  `yaml:"transport"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// MarketfeedConfig identifies the running service for logs and metrics.
type MarketfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BookConfig bounds the Book Engine's resource usage.
type BookConfig struct {
	// ArenaCapacity is the number of order slots pre-allocated per coin's
	// arena before it grows. Zero means the arena grows from empty.
	ArenaCapacity int `yaml:"arena_capacity"`
	// MaxLevelsPerSide caps TopN requests regardless of what a client asks
	// for, per spec §4.1's n_levels invariant.
	MaxLevelsPerSide int `yaml:"max_levels_per_side"`
}

// IngestConfig configures the Batcher and the reference EventSource.
type IngestConfig struct {
	// EventsPath/SnapshotPath drive the reference FileSource. A production
	// deployment swaps in a different EventSource without touching this
	// struct's other fields.
	EventsPath   string `yaml:"events_path"`
	SnapshotPath string `yaml:"snapshot_path"`

	// BacklogCapacity bounds how many un-paired blocks the Batcher may
	// buffer before ErrBacklogOverflow is fatal.
	BacklogCapacity int `yaml:"backlog_capacity"`

	// PollsPerSecond bounds FileSource's idle-tail retry rate.
	PollsPerSecond float64 `yaml:"polls_per_second"`

	// SnapshotInterval is T_snap: how often the authoritative snapshot is
	// polled and cross-checked. Spec default 10s.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// IdleTimeout is T_idle: if no record of any kind arrives from the
	// event source for this long, the ingestor stops with exit code 1
	// (heartbeat expired). Default 5s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// FanoutConfig bounds per-client resource usage in the subscription
// fan-out.
type FanoutConfig struct {
	// ClientQueueSize is the bounded outgoing queue depth per client
	// before the backpressure-via-disconnect policy kicks in.
	ClientQueueSize int `yaml:"client_queue_size"`
	// MaxSubscriptionsPerClient caps how many (coin,kind) subscriptions
	// one client connection may hold concurrently.
	MaxSubscriptionsPerClient int `yaml:"max_subscriptions_per_client"`
}

// TransportConfig configures the WebSocket listener.
type TransportConfig struct {
	Address                  string `yaml:"address"`
	Port                     int    `yaml:"port"`
	WebsocketCompressionLevel int   `yaml:"websocket_compression_level"`
	// InactivityExitSecs is parsed but not read by main. The inactivity
	// exit in effect is Ingest.IdleTimeout (no record from the event
	// source), which the --inactivity-exit-secs flag overrides, clamped to
	// a minimum of 5s.
	InactivityExitSecs int `yaml:"inactivity_exit_secs"`
}

// LoggingConfig configures the structured logger. Mirrors the teacher's
// logrus + lumberjack wiring.
type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// DashboardConfig controls the optional Gin-powered operational status
// API exposed by internal/dashboard.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

// CloudWatchConfig controls the optional CloudWatch metrics sink.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

const defaultConfigPath = "config/config.yml"

// envConfigPaths maps a normalized APP_ENV value to a dedicated config file
// consulted when the caller passed the default path, so a deployment only
// needs to set APP_ENV to pick up its environment-specific overrides.
var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

// LoadConfig reads, parses, and validates the configuration file at path.
// When path is the default and APP_ENV names an environment with a
// dedicated file, that file is used instead.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{
		Ingest: IngestConfig{
			BacklogCapacity:  64,
			PollsPerSecond:   50,
			SnapshotInterval: 10 * time.Second,
			IdleTimeout:      5 * time.Second,
		},
		Fanout: FanoutConfig{
			ClientQueueSize:           1024,
			MaxSubscriptionsPerClient: 64,
		},
		Book: BookConfig{
			MaxLevelsPerSide: 100,
		},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketfeed.Name == "" {
		return fmt.Errorf("marketfeed.name is required")
	}
	if cfg.Marketfeed.Version == "" {
		return fmt.Errorf("marketfeed.version is required")
	}

	if cfg.Ingest.EventsPath == "" {
		return fmt.Errorf("ingest.events_path is required")
	}
	if cfg.Ingest.SnapshotPath == "" {
		return fmt.Errorf("ingest.snapshot_path is required")
	}
	if cfg.Ingest.BacklogCapacity <= 0 {
		return fmt.Errorf("ingest.backlog_capacity must be greater than 0")
	}
	if cfg.Ingest.SnapshotInterval <= 0 {
		return fmt.Errorf("ingest.snapshot_interval must be greater than 0")
	}
	if cfg.Ingest.IdleTimeout <= 0 {
		return fmt.Errorf("ingest.idle_timeout must be greater than 0")
	}

	if cfg.Fanout.ClientQueueSize <= 0 {
		return fmt.Errorf("fanout.client_queue_size must be greater than 0")
	}
	if cfg.Fanout.MaxSubscriptionsPerClient < 0 {
		return fmt.Errorf("fanout.max_subscriptions_per_client must not be negative")
	}

	if cfg.Book.ArenaCapacity < 0 {
		return fmt.Errorf("book.arena_capacity must not be negative")
	}
	if cfg.Book.MaxLevelsPerSide <= 0 {
		return fmt.Errorf("book.max_levels_per_side must be greater than 0")
	}

	if cfg.Transport.Port < 0 || cfg.Transport.Port > 65535 {
		return fmt.Errorf("transport.port must be a valid TCP port")
	}
	if cfg.Transport.WebsocketCompressionLevel < 0 || cfg.Transport.WebsocketCompressionLevel > 9 {
		return fmt.Errorf("transport.websocket_compression_level must be between 0 and 9")
	}

	if cfg.CloudWatch.Enabled {
		if cfg.CloudWatch.Region == "" {
			return fmt.Errorf("cloudwatch.region is required when cloudwatch is enabled")
		}
		if !isValidCloudWatchNamespace(cfg.CloudWatch.Namespace) {
			return fmt.Errorf("cloudwatch.namespace '%s' is invalid", cfg.CloudWatch.Namespace)
		}
	}

	return nil
}

var cwNamespaceRegexp = regexp.MustCompile(`^[A-Za-z0-9._/#:-]{1,255}$`)

func isValidCloudWatchNamespace(name string) bool {
	return name != "" && cwNamespaceRegexp.MatchString(name)
}
