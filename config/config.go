// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Quota     QuotaConfig     `yaml:"quota"`
	Suspicion SuspicionConfig `yaml:"suspicion"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Remote    RemoteConfig    `yaml:"remote"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// QuotaConfig configures daily quota enforcement.
type QuotaConfig struct {
	FreeDailyLimit int64 `yaml:"free_daily_limit"`
}

// SuspicionConfig configures abuse scoring. The weights are heuristics;
// deployments tune them here rather than in code.
type SuspicionConfig struct {
	WindowSecs           int `yaml:"window_secs"`
	ScoreLimit           int `yaml:"score_limit"`
	BlockThreshold       int `yaml:"block_threshold"`
	MaxBlockSecs         int `yaml:"max_block_secs"`
	WeightNoAgent        int `yaml:"weight_no_agent"`
	WeightAutomatedAgent int `yaml:"weight_automated_agent"`
	WeightEndpointSpread int `yaml:"weight_endpoint_spread"`
	WeightRapidFire      int `yaml:"weight_rapid_fire"`
	EndpointSpreadLimit  int `yaml:"endpoint_spread_limit"`
	RapidFireMs          int `yaml:"rapid_fire_ms"`
	RetentionSecs        int `yaml:"retention_secs"`
	SweepIntervalSecs    int `yaml:"sweep_interval_secs"`
}

// FallbackConfig configures the degrade-gracefully circuit.
type FallbackConfig struct {
	ProbeIntervalSecs   int `yaml:"probe_interval_secs"`
	RemoteCallTimeoutMs int `yaml:"remote_call_timeout_ms"`
}

// RemoteConfig configures the remote rewrite provider.
type RemoteConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// PricingConfig prices provider token consumption in micro-dollars per
// million tokens.
type PricingConfig struct {
	PromptPerMillion     int64 `yaml:"prompt_per_million"`
	CompletionPerMillion int64 `yaml:"completion_per_million"`
}

// UsageConfig configures usage event recording.
type UsageConfig struct {
	BatchSize         int `yaml:"batch_size"`
	FlushIntervalSecs int `yaml:"flush_interval_secs"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "textgate.db",
		},
		Auth: AuthConfig{
			KeyPrefix: "tg_",
		},
		Quota: QuotaConfig{
			FreeDailyLimit: 5,
		},
		Suspicion: SuspicionConfig{
			WindowSecs:           900,
			ScoreLimit:           5,
			BlockThreshold:       5,
			MaxBlockSecs:         86400,
			WeightNoAgent:        3,
			WeightAutomatedAgent: 2,
			WeightEndpointSpread: 2,
			WeightRapidFire:      4,
			EndpointSpreadLimit:  10,
			RapidFireMs:          100,
			RetentionSecs:        3600,
			SweepIntervalSecs:    300,
		},
		Fallback: FallbackConfig{
			ProbeIntervalSecs:   300,
			RemoteCallTimeoutMs: 30000,
		},
		Pricing: PricingConfig{
			PromptPerMillion:     3_000_000,
			CompletionPerMillion: 15_000_000,
		},
		Usage: UsageConfig{
			BatchSize:         100,
			FlushIntervalSecs: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithFallback loads from the file when it exists, otherwise from
// defaults plus environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasEnvConfig reports whether any recognized environment variable is set.
func HasEnvConfig() bool {
	for _, name := range []string{
		"FREE_DAILY_LIMIT",
		"SUSPICION_WINDOW_SECONDS",
		"SUSPICION_BLOCK_THRESHOLD",
		"PROBE_INTERVAL_SECONDS",
		"REMOTE_CALL_TIMEOUT_MS",
		"TEXTGATE_REMOTE_URL",
		"TEXTGATE_DATABASE_DSN",
		"TEXTGATE_SERVER_PORT",
	} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// applyEnv applies environment overrides. The flat admission-control options
// are unprefixed; deployment-level options carry the TEXTGATE_ prefix.
func (c *Config) applyEnv() {
	envInt64(&c.Quota.FreeDailyLimit, "FREE_DAILY_LIMIT")
	envInt(&c.Suspicion.WindowSecs, "SUSPICION_WINDOW_SECONDS")
	envInt(&c.Suspicion.BlockThreshold, "SUSPICION_BLOCK_THRESHOLD")
	envInt(&c.Fallback.ProbeIntervalSecs, "PROBE_INTERVAL_SECONDS")
	envInt(&c.Fallback.RemoteCallTimeoutMs, "REMOTE_CALL_TIMEOUT_MS")

	envString(&c.Server.Host, "TEXTGATE_SERVER_HOST")
	envInt(&c.Server.Port, "TEXTGATE_SERVER_PORT")
	envString(&c.Database.DSN, "TEXTGATE_DATABASE_DSN")
	envString(&c.Remote.URL, "TEXTGATE_REMOTE_URL")
	envString(&c.Remote.APIKey, "TEXTGATE_REMOTE_API_KEY")
	envString(&c.Remote.Model, "TEXTGATE_REMOTE_MODEL")
	envString(&c.Logging.Level, "TEXTGATE_LOG_LEVEL")
	envString(&c.Logging.Format, "TEXTGATE_LOG_FORMAT")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Quota.FreeDailyLimit <= 0 {
		return fmt.Errorf("quota.free_daily_limit must be positive, got %d", c.Quota.FreeDailyLimit)
	}
	if c.Suspicion.WindowSecs <= 0 {
		return fmt.Errorf("suspicion.window_secs must be positive, got %d", c.Suspicion.WindowSecs)
	}
	if c.Suspicion.BlockThreshold <= 0 {
		return fmt.Errorf("suspicion.block_threshold must be positive, got %d", c.Suspicion.BlockThreshold)
	}
	if c.Suspicion.MaxBlockSecs < c.Suspicion.WindowSecs {
		return fmt.Errorf("suspicion.max_block_secs must be at least the window")
	}
	if c.Fallback.ProbeIntervalSecs <= 0 {
		return fmt.Errorf("fallback.probe_interval_secs must be positive, got %d", c.Fallback.ProbeIntervalSecs)
	}
	if c.Fallback.RemoteCallTimeoutMs <= 0 {
		return fmt.Errorf("fallback.remote_call_timeout_ms must be positive, got %d", c.Fallback.RemoteCallTimeoutMs)
	}
	return nil
}

func envString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
