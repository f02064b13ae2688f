package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/arbexec/internal/blob/s3"
	"github.com/alanyoungcy/arbexec/internal/cache/redis"
	"github.com/alanyoungcy/arbexec/internal/config"
	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/notify"
	"github.com/alanyoungcy/arbexec/internal/platform/agent"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
	"github.com/alanyoungcy/arbexec/internal/store/postgres"
)

// Dependencies bundles the infrastructure the coordinator runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	OpportunityStore domain.OpportunityStore
	LegStore         domain.LegStore
	AuditStore       domain.AuditStore

	// Redis; nil when redis.enabled is false.
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Outcome archive; nil when s3.enabled is false.
	Archiver *s3blob.Archiver

	// Venue agents, in configuration order.
	Agents []*agent.Client

	Notifier *notify.Notifier

	// HealthChecks are registered on GET /api/health.
	HealthChecks map[string]handler.Check
}

// Wire constructs every concrete dependency from cfg and returns them
// together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Check)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:            cfg.Postgres.DSN,
		Host:           cfg.Postgres.Host,
		Port:           cfg.Postgres.Port,
		Database:       cfg.Postgres.Database,
		User:           cfg.Postgres.User,
		Password:       cfg.Postgres.Password,
		SSLMode:        cfg.Postgres.SSLMode,
		MaxConns:       cfg.Postgres.PoolMaxConns,
		MinConns:       cfg.Postgres.PoolMinConns,
		ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		ConnectRetries: cfg.Postgres.ConnectRetries,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		applied, err := pgClient.RunMigrations(ctx)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
		}
	}

	pool := pgClient.Pool()
	deps.OpportunityStore = postgres.NewOpportunityStore(pool)
	deps.LegStore = postgres.NewLegStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.HealthChecks["postgres"] = pgClient.Ping

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 outcome archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		store := s3blob.NewStore(s3Client)
		deps.Archiver = s3blob.NewArchiver(store, store, cfg.S3.Prefix)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Venue agents ---
	for _, vc := range cfg.Venues {
		client, err := newAgentClient(vc)
		if err != nil {
			return fail(fmt.Errorf("wire: venue %s: %w", vc.Name, err))
		}
		deps.Agents = append(deps.Agents, client)
		deps.HealthChecks["agent:"+vc.Name] = agentCheck(client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// newAgentClient resolves the venue secret and builds the agent client. A
// venue without an API key talks to its agent unsigned.
func newAgentClient(vc config.VenueConfig) (*agent.Client, error) {
	var auth *crypto.AgentAuth
	if vc.APIKey != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           vc.Secret,
			EncryptedPath: vc.SecretFile,
			Password:      vc.SecretPassword,
		})
		if err != nil {
			return nil, err
		}
		auth = &crypto.AgentAuth{Key: vc.APIKey, Secret: secret}
	}
	return agent.NewClient(domain.Venue(vc.Name), vc.AgentURL, auth), nil
}

// agentCheck fails unless the agent is logged in with its page ready.
func agentCheck(c *agent.Client) handler.Check {
	return func(ctx context.Context) error {
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if !h.LoggedIn || !h.PageReady {
			return fmt.Errorf("agent %s not ready (status %q)", c.Venue(), h.Status)
		}
		return nil
	}
}
