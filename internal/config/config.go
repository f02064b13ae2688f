// Package config defines the top-level configuration for the arbitrage
// execution coordinator and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBEXEC_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Venues      []VenueConfig     `toml:"venues"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	ConnectRetries int      `toml:"connect_retries"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the in-flight
// lock, the status channel and the API rate limiter; with Enabled false all
// three are skipped.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the outcome
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// CoordinatorConfig tunes the orchestrator, the rendezvous and the leg
// executors.
type CoordinatorConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	MinProfit         float64  `toml:"min_profit"`
	CandidateLimit    int      `toml:"candidate_limit"`
	MaxRetries        int      `toml:"max_retries"`
	RetryBackoff      duration `toml:"retry_backoff"`
	RendezvousTimeout duration `toml:"rendezvous_timeout"`
	GraceWindow       duration `toml:"grace_window"`
	LegTimeout        duration `toml:"leg_timeout"`
	DedupTTL          duration `toml:"dedup_ttl"`
	LockTTL           duration `toml:"lock_ttl"`
	ShutdownGrace     duration `toml:"shutdown_grace"`
	QueueCapacity     int      `toml:"queue_capacity"`
	AutoStart         bool     `toml:"auto_start"`
	// ExpirySweep is how often active opportunities past their deadline are
	// marked expired. Zero disables the sweep.
	ExpirySweep duration `toml:"expiry_sweep"`
}

// VenueConfig describes one venue and the automation agent that drives it.
// The agent secret comes from Secret, or from SecretFile decrypted with
// SecretPassword.
type VenueConfig struct {
	Name           string `toml:"name"`
	AgentURL       string `toml:"agent_url"`
	APIKey         string `toml:"api_key"`
	Secret         string `toml:"secret"`
	SecretFile     string `toml:"secret_file"`
	SecretPassword string `toml:"secret_password"`
	QueueCapacity  int    `toml:"queue_capacity"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. An empty APIKey leaves the
// mutating endpoints open; RateLimit is requests per client per minute, zero
// disables it.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "postgres",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			ConnectRetries: 5,
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "arbexec",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbexec-outcomes",
			ForcePathStyle: true,
		},
		Coordinator: CoordinatorConfig{
			PollInterval:      duration{time.Second},
			MinProfit:         0.5,
			CandidateLimit:    10,
			MaxRetries:        3,
			RetryBackoff:      duration{2 * time.Second},
			RendezvousTimeout: duration{20 * time.Second},
			GraceWindow:       duration{30 * time.Second},
			LegTimeout:        duration{2 * time.Minute},
			DedupTTL:          duration{5 * time.Minute},
			LockTTL:           duration{5 * time.Minute},
			ShutdownGrace:     duration{30 * time.Second},
			QueueCapacity:     16,
			AutoStart:         true,
			ExpirySweep:       duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"arb_failed", "orphan_exposure", "consistency_anomaly"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode. "full" runs the
// coordinator and the HTTP API; "headless" runs the coordinator alone.
var validModes = map[string]bool{
	"full":     true,
	"headless": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, headless)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Coordinator
	co := c.Coordinator
	if co.PollInterval.Duration <= 0 {
		errs = append(errs, "coordinator: poll_interval must be > 0")
	}
	if co.CandidateLimit < 1 {
		errs = append(errs, "coordinator: candidate_limit must be >= 1")
	}
	if co.MaxRetries < 1 {
		errs = append(errs, "coordinator: max_retries must be >= 1")
	}
	if co.RendezvousTimeout.Duration <= 0 {
		errs = append(errs, "coordinator: rendezvous_timeout must be > 0")
	}
	if co.LegTimeout.Duration > 0 && co.LegTimeout.Duration <= co.RendezvousTimeout.Duration {
		errs = append(errs, "coordinator: leg_timeout must exceed rendezvous_timeout")
	}
	if co.QueueCapacity < 1 {
		errs = append(errs, "coordinator: queue_capacity must be >= 1")
	}

	// Venues
	if len(c.Venues) < 2 {
		errs = append(errs, fmt.Sprintf("venues: at least two venues are required, got %d", len(c.Venues)))
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		label := fmt.Sprintf("venues[%d]", i)
		if v.Name == "" {
			errs = append(errs, label+": name must not be empty")
		} else {
			label = "venues." + v.Name
			if seen[v.Name] {
				errs = append(errs, label+": duplicate venue name")
			}
			seen[v.Name] = true
		}
		if u, err := url.Parse(v.AgentURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, label+": agent_url must be an absolute URL")
		}
		if v.SecretFile != "" && v.SecretPassword == "" {
			errs = append(errs, label+": secret_password is required when secret_file is set")
		}
		if v.QueueCapacity < 0 {
			errs = append(errs, label+": queue_capacity must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
