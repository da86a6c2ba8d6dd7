// Package config assembles the runtime configuration for the service.
//
// Values are resolved once at startup with the following precedence:
// process environment, then a .env file, then an optional YAML file,
// then built-in defaults. The resulting struct is passed down
// explicitly.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Watcher WatcherConfig `yaml:"watcher"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string `yaml:"port"`
	PublicDir   string `yaml:"public_dir"`
	SiteURL     string `yaml:"site_url"`
	Development bool   `yaml:"development"`
}

// APIConfig holds upstream catalog API configuration.
type APIConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// WatcherConfig holds poll scheduling configuration.
type WatcherConfig struct {
	Interval time.Duration `yaml:"-"`
}

// UnmarshalYAML parses the interval from a duration string such as "1h".
func (w *WatcherConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval string `yaml:"interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("invalid watcher interval %q: %w", raw.Interval, err)
		}
		w.Interval = d
	}
	return nil
}

// StorageConfig selects and configures the history backend.
type StorageConfig struct {
	Type        string `yaml:"type"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
}

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			PublicDir: "public",
			SiteURL:   "http://localhost:8080",
		},
		API: APIConfig{
			URL: "https://openrouter.ai",
		},
		Watcher: WatcherConfig{
			Interval: time.Hour,
		},
		Storage: StorageConfig{
			Type:       "sqlite",
			SQLitePath: "data/modelwatch.db",
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "data/cache",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load assembles the configuration from all sources.
func Load() (*Config, error) {
	// Optional; real environment variables win over .env entries
	// because godotenv never overrides what is already set.
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("MODELWATCH_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration for values that would
// break startup.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.API.URL == "" {
		return fmt.Errorf("api url must not be empty")
	}
	if c.Watcher.Interval <= 0 {
		return fmt.Errorf("watcher interval must be positive, got %s", c.Watcher.Interval)
	}
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path must not be empty")
		}
	case "postgresql":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres url must not be empty for storage type postgresql")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

func applyEnv(cfg *Config) {
	envString("MODELWATCH_PORT", &cfg.Server.Port)
	envString("MODELWATCH_PUBLIC_DIR", &cfg.Server.PublicDir)
	envString("MODELWATCH_SITE_URL", &cfg.Server.SiteURL)
	envBool("MODELWATCH_DEVELOPMENT", &cfg.Server.Development)

	envString("MODELWATCH_API_URL", &cfg.API.URL)
	envString("MODELWATCH_API_KEY", &cfg.API.APIKey)

	envDuration("MODELWATCH_INTERVAL", &cfg.Watcher.Interval)

	envString("MODELWATCH_STORAGE_TYPE", &cfg.Storage.Type)
	envString("MODELWATCH_SQLITE_PATH", &cfg.Storage.SQLitePath)
	envString("MODELWATCH_POSTGRES_URL", &cfg.Storage.PostgresURL)

	envBool("MODELWATCH_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("MODELWATCH_CACHE_DIR", &cfg.Cache.Dir)

	envBool("MODELWATCH_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("MODELWATCH_METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	envString("MODELWATCH_LOG_LEVEL", &cfg.Logging.Level)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean in environment, keeping previous value", "key", key, "value", v)
		return
	}
	*dst = b
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, keeping previous value", "key", key, "value", v)
		return
	}
	*dst = d
}
