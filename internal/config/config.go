package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Devices   DevicesConfig   `yaml:"devices"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver            string        `yaml:"driver"`
	Path              string        `yaml:"path"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"max_conns"`
	ArchivePath       string        `yaml:"archive_path"`
	ArchiveDays       int           `yaml:"archive_days"`
	ArchiveInterval   time.Duration `yaml:"archive_interval"`
	ArchivePassphrase string        `yaml:"archive_passphrase"`
}

type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type DevicesConfig struct {
	Devices          []DeviceConfig `yaml:"devices"`
	HeartbeatTimeout time.Duration  `yaml:"heartbeat_timeout"`
}

type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	BatchSize   int           `yaml:"batch_size"`
	GraceWindow time.Duration `yaml:"grace_window"`
}

type MetricsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	Issuer          string `yaml:"issuer"`
	AdminRole       string `yaml:"admin_role"`
	DeviceTokenHash string `yaml:"device_token_hash"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/printq.db",
			MaxConns:        10,
			ArchivePath:     "./data/archives",
			ArchiveDays:     90,
			ArchiveInterval: 24 * time.Hour,
		},
		Devices: DevicesConfig{
			HeartbeatTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:    2 * time.Second,
			MaxBackoff:  time.Minute,
			BatchSize:   16,
			GraceWindow: time.Minute,
		},
		Metrics: MetricsConfig{
			CacheTTL: time.Second,
		},
		Auth: AuthConfig{
			Issuer:    "",
			AdminRole: "admin",
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadEnvFiles loads dotenv files into the process environment. Missing
// files are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg fields from PRINTQ_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTQ_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv("PRINTQ_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("PRINTQ_DB_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("PRINTQ_ARCHIVE_PATH"); v != "" {
		c.Database.ArchivePath = v
	}

	if v := os.Getenv("PRINTQ_ARCHIVE_PASSPHRASE"); v != "" {
		c.Database.ArchivePassphrase = v
	}

	if v := os.Getenv("PRINTQ_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Devices.HeartbeatTimeout = d
		}
	}

	if v := os.Getenv("PRINTQ_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Interval = d
		}
	}

	if v := os.Getenv("PRINTQ_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}

	if v := os.Getenv("PRINTQ_DEVICE_TOKEN_HASH"); v != "" {
		c.Auth.DeviceTokenHash = v
	}

	if v := os.Getenv("PRINTQ_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("PRINTQ_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid: sqlite, postgres)", c.Database.Driver)
	}

	if c.Database.ArchiveDays < 0 {
		return fmt.Errorf("archive days must be non-negative")
	}

	if c.Database.ArchiveInterval < 0 {
		return fmt.Errorf("archive interval must be non-negative")
	}

	seen := make(map[string]bool)
	for _, d := range c.Devices.Devices {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("device id is required")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id: %s", d.ID)
		}
		seen[d.ID] = true
	}

	if c.Devices.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}

	if c.Scheduler.MaxBackoff < c.Scheduler.Interval {
		return fmt.Errorf("scheduler max backoff must be at least the interval")
	}

	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler batch size must be at least 1")
	}

	if c.Scheduler.GraceWindow < 0 {
		return fmt.Errorf("scheduler grace window must be non-negative")
	}

	if c.Metrics.CacheTTL < 0 {
		return fmt.Errorf("metrics cache ttl must be non-negative")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}

	if c.Auth.AdminRole == "" {
		return fmt.Errorf("auth admin role is required")
	}

	for _, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook %q: url is required", ep.Name)
		}
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
