package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/notify"
	"github.com/alanyoungcy/arbexec/internal/pipeline"
	"github.com/alanyoungcy/arbexec/internal/server"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
	"github.com/alanyoungcy/arbexec/internal/server/ws"
	"github.com/alanyoungcy/arbexec/internal/service"
)

// coordinator is the executor graph built for one run.
type coordinator struct {
	orch       *executor.Orchestrator
	rendezvous *executor.Rendezvous
	workers    []*executor.LegWorker
	arbs       *service.ArbService
}

// buildCoordinator assembles the admission slot, one queue and leg worker per
// venue, the rendezvous and the orchestrator.
func (a *App) buildCoordinator(deps *Dependencies) (*coordinator, error) {
	co := a.cfg.Coordinator

	var archive service.OutcomeArchiver
	if deps.Archiver != nil {
		archive = deps.Archiver
	}
	arbs := service.NewArbService(deps.OpportunityStore, deps.AuditStore, deps.SignalBus, archive, a.logger)

	rv := executor.NewRendezvous(executor.RendezvousConfig{
		Parties:     2,
		GraceWindow: co.GraceWindow.Duration,
	}, a.logger)
	if deps.Notifier.Enabled() {
		rv.OnAnomaly(func(arbID string, venue domain.Venue, detail string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = deps.Notifier.Notify(ctx, notify.EventConsistencyAnomaly,
				"Rendezvous consistency anomaly",
				fmt.Sprintf("arb %s, venue %s: %s", arbID, venue, detail),
			)
		})
	}

	registry := executor.NewRegistry()
	workers := make([]*executor.LegWorker, 0, len(deps.Agents))
	for i, client := range deps.Agents {
		capacity := a.cfg.Venues[i].QueueCapacity
		if capacity <= 0 {
			capacity = co.QueueCapacity
		}
		q := executor.NewVenueQueue(client.Venue(), capacity)
		if err := registry.Register(q); err != nil {
			return nil, fmt.Errorf("app: register venue %s: %w", client.Venue(), err)
		}
		workers = append(workers, executor.NewLegWorker(q, client, rv, deps.LegStore, executor.LegWorkerConfig{
			LegTimeout:        co.LegTimeout.Duration,
			RendezvousTimeout: co.RendezvousTimeout.Duration,
		}, a.logger))
	}

	orch := executor.NewOrchestrator(executor.OrchestratorConfig{
		PollInterval:   co.PollInterval.Duration,
		MinProfit:      co.MinProfit,
		CandidateLimit: co.CandidateLimit,
		MaxRetries:     co.MaxRetries,
		RetryBackoff:   co.RetryBackoff.Duration,
		DedupTTL:       co.DedupTTL.Duration,
		LockTTL:        co.LockTTL.Duration,
		ShutdownGrace:  co.ShutdownGrace.Duration,
		StartPaused:    !co.AutoStart,
	}, executor.NewAdmissionSlot(), registry, rv, arbs, arbs, a.logger)
	if deps.LockManager != nil {
		orch.SetLockManager(deps.LockManager)
	}
	if deps.Notifier.Enabled() {
		orch.SetAlerter(deps.Notifier)
	}

	return &coordinator{orch: orch, rendezvous: rv, workers: workers, arbs: arbs}, nil
}

// runCoordinator adds the leg workers, the orchestrator loop and the expiry
// sweeper to g.
func (a *App) runCoordinator(ctx context.Context, g *errgroup.Group, c *coordinator) {
	for _, w := range c.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		return c.orch.Run(ctx)
	})

	if sweep := a.cfg.Coordinator.ExpirySweep.Duration; sweep > 0 {
		sweeper := pipeline.NewExpirySweeper(c.arbs, a.logger)
		g.Go(func() error {
			return sweeper.RunLoop(ctx, sweep)
		})
	}
}

// HeadlessMode runs the coordinator without the HTTP API. Opportunities come
// from the ranking feed only.
func (a *App) HeadlessMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting headless mode", slog.Int("venues", len(deps.Agents)))

	c, err := a.buildCoordinator(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.runCoordinator(ctx, g, c)
	return g.Wait()
}

// FullMode runs the coordinator together with the operator API and, when
// Redis is available, the WebSocket hub.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.Int("venues", len(deps.Agents)))

	c, err := a.buildCoordinator(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.runCoordinator(ctx, g, c)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	} else {
		a.logger.InfoContext(ctx, "server.enabled is false; running without the API")
	}
	return g.Wait()
}

// startHTTPServer adds the API server and hub goroutines to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *coordinator) {
	startedAt := time.Now().UTC()

	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.HealthChecks {
		health.Register(name, check)
	}

	var outcomes handler.OutcomeLoader
	if deps.Archiver != nil {
		outcomes = deps.Archiver
	}

	handlers := server.Handlers{
		Health:     health,
		Status:     handler.NewStatusHandler(c.orch, a.cfg.Mode, startedAt, a.logger),
		Rendezvous: handler.NewRendezvousHandler(c.rendezvous, a.logger),
		Arbs:       handler.NewArbHandler(c.arbs, c.orch, outcomes, a.logger),
	}

	if deps.SignalBus != nil {
		hub := ws.NewHub(deps.SignalBus, ws.Config{
			Channels:  []string{service.ChannelArb},
			Mode:      a.cfg.Mode,
			Status:    func() any { return c.orch.Snapshot() },
			StartedAt: startedAt,
		}, a.cfg.Server.CORSOrigins, a.logger)
		handlers.Hub = hub
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
