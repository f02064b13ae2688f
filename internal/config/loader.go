package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBEXEC_* environment variable overrides, and
// returns the final Config. The caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBEXEC_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBEXEC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBEXEC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBEXEC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBEXEC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBEXEC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBEXEC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBEXEC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBEXEC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBEXEC_POSTGRES_POOL_MIN_CONNS")
	setInt(&cfg.Postgres.ConnectRetries, "ARBEXEC_POSTGRES_CONNECT_RETRIES")
	setBool(&cfg.Postgres.RunMigrations, "ARBEXEC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBEXEC_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ARBEXEC_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBEXEC_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBEXEC_S3_FORCE_PATH_STYLE")

	// ── Coordinator ──
	setDuration(&cfg.Coordinator.PollInterval, "ARBEXEC_COORDINATOR_POLL_INTERVAL")
	setFloat64(&cfg.Coordinator.MinProfit, "ARBEXEC_COORDINATOR_MIN_PROFIT")
	setInt(&cfg.Coordinator.CandidateLimit, "ARBEXEC_COORDINATOR_CANDIDATE_LIMIT")
	setInt(&cfg.Coordinator.MaxRetries, "ARBEXEC_COORDINATOR_MAX_RETRIES")
	setDuration(&cfg.Coordinator.RetryBackoff, "ARBEXEC_COORDINATOR_RETRY_BACKOFF")
	setDuration(&cfg.Coordinator.RendezvousTimeout, "ARBEXEC_COORDINATOR_RENDEZVOUS_TIMEOUT")
	setDuration(&cfg.Coordinator.LegTimeout, "ARBEXEC_COORDINATOR_LEG_TIMEOUT")
	setBool(&cfg.Coordinator.AutoStart, "ARBEXEC_COORDINATOR_AUTO_START")
	setDuration(&cfg.Coordinator.ExpirySweep, "ARBEXEC_COORDINATOR_EXPIRY_SWEEP")

	// ── Venues: ARBEXEC_VENUE_<NAME>_{AGENT_URL,API_KEY,SECRET,SECRET_PASSWORD} ──
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		prefix := "ARBEXEC_VENUE_" + envName(v.Name) + "_"
		setStr(&v.AgentURL, prefix+"AGENT_URL")
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.Secret, prefix+"SECRET")
		setStr(&v.SecretPassword, prefix+"SECRET_PASSWORD")
	}

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBEXEC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBEXEC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBEXEC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBEXEC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ARBEXEC_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "ARBEXEC_NOTIFY_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBEXEC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBEXEC_MODE")
	setStr(&cfg.LogLevel, "ARBEXEC_LOG_LEVEL")
}

// envName upper-cases a venue name and replaces anything outside [A-Z0-9]
// with an underscore.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
