package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	EventsLocal = "local"
	EventsRedis = "redis"

	WorkerModeDocker = "docker"
	WorkerModeExec   = "exec"
)

// Config holds all configuration for the repolens server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Webhook  WebhookConfig
	Jobs     JobsConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	AllowedOrigin      string
	RateLimitPerMinute int
	EventsBackend      string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ReserveConns is added to MaxOpenConns for worker callbacks, which
	// tend to arrive together. Load sets it to WORKER_MAX_CONCURRENT.
	ReserveConns int
}

type RedisConfig struct {
	URL string
}

type WebhookConfig struct {
	Secret       string
	MaxBodyBytes int64
}

type JobsConfig struct {
	StatusTTL     time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// WorkerConfig describes how analysis workers are launched.
type WorkerConfig struct {
	Mode          string        `env:"WORKER_MODE" envDefault:"docker"`
	Command       string        `env:"WORKER_COMMAND" envDefault:"docker"`
	Image         string        `env:"WORKER_IMAGE" envDefault:"repolens-analyzer:latest"`
	Args          []string      `env:"WORKER_ARGS" envSeparator:" "`
	ScratchRoot   string        `env:"WORKER_SCRATCH_ROOT"`
	Languages     []string      `env:"WORKER_LANGUAGES" envDefault:"it_IT,en_US" envSeparator:","`
	PermittedList string        `env:"WORKER_PERMITTED_LIST"`
	PassEnv       []string      `env:"WORKER_PASS_ENV" envDefault:"USE_MOCK_ANALYSIS,AGENT_MODEL_ID,AWS_ACCESS_KEY_ID,AWS_SECRET_ACCESS_KEY,AWS_SESSION_TOKEN,AWS_REGION" envSeparator:","`
	ExtraHosts    []string      `env:"WORKER_EXTRA_HOSTS" envDefault:"host.docker.internal:host-gateway" envSeparator:","`
	CallbackURL   string        `env:"WORKER_CALLBACK_URL" envDefault:"http://host.docker.internal:8080/api/v1/webhooks/analysis"`
	MaxConcurrent int64         `env:"WORKER_MAX_CONCURRENT" envDefault:"4"`
	ReapInterval  time.Duration `env:"WORKER_REAP_INTERVAL" envDefault:"15s"`
}

var validDrivers = map[string]bool{
	DriverPostgres: true,
	DriverSQLite:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("REPOLENS_PORT", 8080),
			Env:                envString("REPOLENS_ENV", "development"),
			AllowedOrigin:      os.Getenv("REPOLENS_ALLOWED_ORIGIN"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			EventsBackend:      envString("EVENTS_BACKEND", EventsLocal),
		},
		Database: LoadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Webhook: WebhookConfig{
			Secret:       os.Getenv("WEBHOOK_SECRET"),
			MaxBodyBytes: int64(envInt("WEBHOOK_MAX_BODY_BYTES", 10<<20)),
		},
		Jobs: JobsConfig{
			StatusTTL:     envDuration("JOB_STATUS_TTL", 30*time.Minute),
			StaleAfter:    envDuration("JOB_STALE_AFTER", 0),
			SweepInterval: envDuration("JOB_SWEEP_INTERVAL", time.Minute),
		},
	}

	if err := env.Parse(&cfg.Worker); err != nil {
		return nil, fmt.Errorf("parse worker config: %w", err)
	}
	cfg.Database.ReserveConns = int(cfg.Worker.MaxConcurrent)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database section. Used by the CLI, which does
// not need Redis or worker settings.
func LoadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Driver:          envString("DATABASE_DRIVER", DriverPostgres),
		URL:             os.Getenv("DATABASE_URL"),
		SQLitePath:      envString("SQLITE_PATH", "repolens.db"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Validate checks the database section on its own.
func (d DatabaseConfig) Validate() error {
	if !validDrivers[d.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", d.Driver)
	}
	if d.Driver == DriverPostgres && d.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if d.Driver == DriverSQLite && d.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is sqlite")
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.EventsBackend != EventsLocal && c.Server.EventsBackend != EventsRedis {
		return fmt.Errorf("EVENTS_BACKEND must be one of local, redis; got %q", c.Server.EventsBackend)
	}

	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_BODY_BYTES must be positive")
	}

	if c.Jobs.StaleAfter < 0 {
		return fmt.Errorf("JOB_STALE_AFTER must not be negative")
	}
	if c.Jobs.StaleAfter > 0 && c.Jobs.SweepInterval <= 0 {
		return fmt.Errorf("JOB_SWEEP_INTERVAL must be positive when JOB_STALE_AFTER is set")
	}

	switch c.Worker.Mode {
	case WorkerModeDocker:
		if c.Worker.Image == "" {
			return fmt.Errorf("WORKER_IMAGE is required when WORKER_MODE is docker")
		}
	case WorkerModeExec:
	default:
		return fmt.Errorf("WORKER_MODE must be one of docker, exec; got %q", c.Worker.Mode)
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("WORKER_COMMAND is required")
	}
	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("WORKER_MAX_CONCURRENT must be positive")
	}
	u, err := url.Parse(c.Worker.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("WORKER_CALLBACK_URL must be an absolute http(s) URL, got %q", c.Worker.CallbackURL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
