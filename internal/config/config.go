// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Download    DownloadConfig    `mapstructure:"download"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RegistryConfig points at the retailer registry file.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// CredentialsConfig locates portal credentials.
type CredentialsConfig struct {
	File   string `mapstructure:"file"`
	EnvVar string `mapstructure:"env_var"`
}

// SchedulerConfig bounds run-level concurrency and time.
type SchedulerConfig struct {
	Concurrency            int `mapstructure:"concurrency"`
	RetailerTimeoutSeconds int `mapstructure:"retailer_timeout_seconds"`
	RunTimeoutSeconds      int `mapstructure:"run_timeout_seconds"`
	ReleaseGraceSeconds    int `mapstructure:"release_grace_seconds"`
}

// DiscoveryConfig sets the generic link patterns.
type DiscoveryConfig struct {
	Patterns       []string `mapstructure:"patterns"`
	AnchorSelector string   `mapstructure:"anchor_selector"`
}

// DownloadConfig governs per-retailer file retrieval.
type DownloadConfig struct {
	Concurrency      int   `mapstructure:"concurrency"`
	TimeoutSeconds   int   `mapstructure:"timeout_seconds"`
	MaxAttempts      int   `mapstructure:"max_attempts"`
	BackoffInitialMs int   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int   `mapstructure:"backoff_max_ms"`
	MaxFileBytes     int64 `mapstructure:"max_file_bytes"`

	// HostRPS paces fetches per portal host. Zero disables pacing.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// StorageConfig selects and tunes the blob backend.
type StorageConfig struct {
	Backend                string `mapstructure:"backend"`
	GCSBucket              string `mapstructure:"gcs_bucket"`
	LocalDir               string `mapstructure:"local_dir"`
	WriteAttempts          int    `mapstructure:"write_attempts"`
	BackoffInitialMs       int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int    `mapstructure:"backoff_max_ms"`
	ManifestTimeoutSeconds int    `mapstructure:"manifest_timeout_seconds"`
}

// BrowserConfig configures the browsing collaborator.
type BrowserConfig struct {
	Engine            string `mapstructure:"engine"`
	UserAgent         string `mapstructure:"user_agent"`
	Headless          bool   `mapstructure:"headless"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMs          int    `mapstructure:"settle_ms"`
}

// DBConfig controls access to the run ledger. An empty DSN disables it.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	RunsTable      string `mapstructure:"runs_table"`
	RetailersTable string `mapstructure:"retailers_table"`
	MaxConns       int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Storage backends.
const (
	BackendGCS    = "gcs"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Browser engines.
const (
	EngineChromedp = "chromedp"
	EngineStatic   = "static"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("registry.path", "retailers.yaml")
	v.SetDefault("credentials.env_var", "RETAILER_CREDS_JSON")
	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.retailer_timeout_seconds", 30*60)
	v.SetDefault("scheduler.run_timeout_seconds", 5*60*60)
	v.SetDefault("scheduler.release_grace_seconds", 10)
	v.SetDefault("discovery.patterns", []string{".xml", ".gz", ".zip"})
	v.SetDefault("discovery.anchor_selector", "a[href]")
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.timeout_seconds", 90)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.backoff_initial_ms", 500)
	v.SetDefault("download.backoff_max_ms", 8000)
	v.SetDefault("download.max_file_bytes", int64(512<<20))
	v.SetDefault("download.host_rps", 2.0)
	v.SetDefault("download.host_burst", 2)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.write_attempts", 4)
	v.SetDefault("storage.backoff_initial_ms", 250)
	v.SetDefault("storage.backoff_max_ms", 5000)
	v.SetDefault("storage.manifest_timeout_seconds", 60)
	v.SetDefault("browser.engine", EngineChromedp)
	v.SetDefault("browser.user_agent", "retail-price-crawler/1.0")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.settle_ms", 500)
	v.SetDefault("db.runs_table", "crawl_runs")
	v.SetDefault("db.retailers_table", "crawl_retailer_results")
	v.SetDefault("pubsub.topic_name", "crawl-runs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Registry.Path) == "" {
		return fmt.Errorf("registry.path is required")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.RetailerTimeoutSeconds <= 0 || c.Scheduler.RunTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler timeouts must be > 0")
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0")
	}
	if c.Download.HostRPS < 0 {
		return fmt.Errorf("download.host_rps must be >= 0")
	}
	if c.Storage.WriteAttempts <= 0 {
		return fmt.Errorf("storage.write_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Browser.Engine {
	case EngineChromedp, EngineStatic:
	default:
		return fmt.Errorf("unknown browser.engine %q", c.Browser.Engine)
	}
	if len(c.Discovery.Patterns) == 0 {
		return fmt.Errorf("discovery.patterns must not be empty")
	}
	return nil
}

// RetailerTimeout is the per-retailer wall-clock budget.
func (c Config) RetailerTimeout() time.Duration {
	return time.Duration(c.Scheduler.RetailerTimeoutSeconds) * time.Second
}

// RunTimeout is the global wall-clock budget of a run.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Scheduler.RunTimeoutSeconds) * time.Second
}

// ReleaseGrace bounds how long a timed-out slot waits for its crawl to unwind.
func (c Config) ReleaseGrace() time.Duration {
	return time.Duration(c.Scheduler.ReleaseGraceSeconds) * time.Second
}

// ManifestTimeout bounds the manifest write.
func (c Config) ManifestTimeout() time.Duration {
	return time.Duration(c.Storage.ManifestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds HTTP server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
