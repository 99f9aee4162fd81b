package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	Mirror  MirrorConfig  `yaml:"mirror" envconfig:"MIRROR"`
	Admin   AdminConfig   `yaml:"admin" envconfig:"ADMIN"`
	Tracing TracingConfig `yaml:"tracing" envconfig:"TRACING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig throttles the public validation endpoints
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// StoreConfig contains key store persistence configuration
type StoreConfig struct {
	Path          string `yaml:"path" envconfig:"PATH"`
	DefaultResets int    `yaml:"default_resets" envconfig:"DEFAULT_RESETS"`
}

// MirrorConfig configures the best-effort external key replica. The
// mirror is never authoritative; when disabled or rate-limited the
// local operation proceeds unaffected.
type MirrorConfig struct {
	Enabled           bool          `yaml:"enabled" envconfig:"ENABLED"`
	BaseURL           string        `yaml:"base_url" envconfig:"BASE_URL"`
	Secret            string        `yaml:"secret" envconfig:"SECRET"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute" envconfig:"MAX_CALLS_PER_MINUTE"`
}

// AdminConfig gates the administrative command surface. An empty token
// leaves the surface disabled.
type AdminConfig struct {
	Token string `yaml:"token" envconfig:"TOKEN"`
}

// TracingConfig controls the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// defaultConfig returns the baseline configuration. File and
// environment values overlay these.
func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   25,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: filepath.Join("logs", "keyforge.log"),
		},
		Store: StoreConfig{
			Path:          filepath.Join("data", "keys.json"),
			DefaultResets: 7,
		},
		Mirror: MirrorConfig{
			Timeout:           5 * time.Second,
			MaxCallsPerMinute: 30,
		},
	}
}

// Load loads configuration: defaults, then an optional YAML file, then
// environment variables, each layer overriding the previous one.
func Load() (*Config, error) {
	return LoadFromFile(configFilePath())
}

// LoadFromFile is Load with an explicit config file path, used by
// tests. An empty path skips the file layer.
func LoadFromFile(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := loadFile(configFile, &cfg); err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if err := envconfig.Process("KF", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.Store.DefaultResets < 1 {
		return fmt.Errorf("default resets must be positive: %d", c.Store.DefaultResets)
	}
	if c.Mirror.Enabled && c.Mirror.BaseURL == "" {
		return fmt.Errorf("mirror enabled but base_url not set")
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// configFilePath returns the config file location, overridable via
// KF_CONFIG_FILE
func configFilePath() string {
	if path := os.Getenv("KF_CONFIG_FILE"); path != "" {
		return path
	}
	return "keyforge.yaml"
}
