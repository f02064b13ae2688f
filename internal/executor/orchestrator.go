package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// RankingFeed supplies active opportunities ordered by descending profit.
type RankingFeed interface {
	FetchCandidates(ctx context.Context, minProfit float64, limit int) ([]domain.Opportunity, error)
}

// OpportunitySaver persists opportunity status changes.
type OpportunitySaver interface {
	SaveOpportunity(ctx context.Context, opp domain.Opportunity) error
}

// Alert event types.
const (
	EventArbFailed      = "arb_failed"
	EventOrphanExposure = "orphan_exposure"
)

// Alerter forwards operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// OrchestratorConfig controls the dispatch loop.
type OrchestratorConfig struct {
	PollInterval   time.Duration
	MinProfit      float64
	CandidateLimit int
	MaxRetries     int
	RetryBackoff   time.Duration
	DedupTTL       time.Duration
	LockTTL        time.Duration
	// ShutdownGrace bounds how long a stopping orchestrator waits for legs
	// that are already in flight.
	ShutdownGrace time.Duration
	// StartPaused makes Run wait for an explicit Start.
	StartPaused bool
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Outcome is the resolution of one dispatched opportunity.
type Outcome struct {
	ArbID      string                             `json:"arb_id"`
	Status     domain.ArbStatus                   `json:"status"`
	Results    map[domain.Venue]domain.LegResult `json:"results,omitempty"`
	Exposed    []domain.Venue                     `json:"exposed,omitempty"`
	Reason     string                             `json:"reason,omitempty"`
	Skipped    bool                               `json:"skipped,omitempty"`
	FinishedAt time.Time                          `json:"finished_at"`
}

// Snapshot is the orchestrator state reported to operators.
type Snapshot struct {
	Running          bool           `json:"running"`
	Venues           []domain.Venue `json:"venues"`
	SlotOccupied     bool           `json:"slot_occupied"`
	ActiveRendezvous int            `json:"active_rendezvous"`
	LastOutcome      *Outcome       `json:"last_outcome,omitempty"`
}

// Orchestrator drains the admission slot one opportunity at a time, fans its
// legs out to venue queues and joins on their results. It never retries a
// leg; retries belong to the leg executors.
type Orchestrator struct {
	cfg        OrchestratorConfig
	slot       *AdmissionSlot
	registry   *Registry
	rendezvous *Rendezvous
	feed       RankingFeed
	saver      OpportunitySaver
	locks      domain.LockManager
	alerts     Alerter
	dedup      *Dedup
	logger     *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Outcome
}

// NewOrchestrator wires the dispatch loop. feed and saver may be nil, in which
// case only explicitly admitted opportunities are processed and nothing is
// persisted.
func NewOrchestrator(
	cfg OrchestratorConfig,
	slot *AdmissionSlot,
	registry *Registry,
	rendezvous *Rendezvous,
	feed RankingFeed,
	saver OpportunitySaver,
	logger *slog.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		slot:       slot,
		registry:   registry,
		rendezvous: rendezvous,
		feed:       feed,
		saver:      saver,
		dedup:      NewDedup(cfg.DedupTTL),
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// SetLockManager enables the distributed in-flight lock.
func (o *Orchestrator) SetLockManager(lm domain.LockManager) { o.locks = lm }

// SetAlerter enables operator alerts for failures and orphan exposure.
func (o *Orchestrator) SetAlerter(a Alerter) { o.alerts = a }

// Run starts the loop, unless StartPaused is set, and blocks until ctx is
// done. Loops started later through Start inherit ctx.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()

	if !o.cfg.StartPaused {
		o.Start()
	} else {
		o.logger.Info("orchestrator paused until started")
	}
	<-ctx.Done()
	o.Stop()
	return nil
}

// Start launches the loop. It seals the worker registry and is a no-op when
// already running.
func (o *Orchestrator) Start() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.registry.Seal()

	o.mu.Lock()
	base := o.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		slog.Any("venues", o.registry.Venues()),
		slog.Duration("poll_interval", o.cfg.PollInterval),
	)
	go o.loop(ctx, done)
}

// Stop halts the loop and waits for the current opportunity to resolve. It is
// a no-op when not running.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done
	o.logger.Info("orchestrator stopped")
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Admit offers opp without blocking.
func (o *Orchestrator) Admit(opp domain.Opportunity) error {
	if !o.slot.TryAdmit(opp) {
		metrics.DispatchRejected.WithLabelValues("slot_occupied").Inc()
		return fmt.Errorf("executor: admit %s: %w", opp.ID, domain.ErrSlotOccupied)
	}
	return nil
}

// AdmitBlocking waits for the slot to free up.
func (o *Orchestrator) AdmitBlocking(ctx context.Context, opp domain.Opportunity) error {
	if err := o.slot.Admit(ctx, opp); err != nil {
		return fmt.Errorf("executor: admit %s: %w", opp.ID, err)
	}
	return nil
}

// RegisteredVenues returns the venues with a worker queue.
func (o *Orchestrator) RegisteredVenues() []domain.Venue { return o.registry.Venues() }

// LastOutcome returns the most recent resolution, if any.
func (o *Orchestrator) LastOutcome() (Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Outcome{}, false
	}
	return *o.last, true
}

// Snapshot summarizes the orchestrator for status endpoints.
func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		Running:          o.Running(),
		Venues:           o.registry.Venues(),
		SlotOccupied:     o.slot.Occupied(),
		ActiveRendezvous: o.rendezvous.ActiveCount(),
	}
	if last, ok := o.LastOutcome(); ok {
		s.LastOutcome = &last
	}
	return s
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	lastCleanup := time.Now()
	for ctx.Err() == nil {
		o.cycle(ctx)
		if time.Since(lastCleanup) >= o.cfg.DedupTTL {
			o.dedup.Cleanup()
			lastCleanup = time.Now()
		}
	}
}

// cycle runs one iteration. A panic is contained to the opportunity that
// caused it.
func (o *Orchestrator) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator cycle panicked", slog.Any("panic", r))
			metrics.InFlight.Set(0)
		}
	}()

	opp, ok := o.slot.Poll(ctx, o.cfg.PollInterval)
	if !ok {
		if ctx.Err() == nil {
			o.refill(ctx)
		}
		return
	}
	o.process(ctx, opp)
}

// refill pulls ranked candidates and offers a random pick among the top-K.
// Randomizing spreads load and avoids hammering the single best quote.
func (o *Orchestrator) refill(ctx context.Context) {
	if o.feed == nil {
		return
	}
	cands, err := o.feed.FetchCandidates(ctx, o.cfg.MinProfit, o.cfg.CandidateLimit)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("fetch candidates failed", slog.String("error", err.Error()))
		}
		return
	}
	pick, ok := o.pick(cands, time.Now().UTC())
	if !ok {
		return
	}
	if !o.slot.TryAdmit(pick) {
		o.logger.Debug("slot occupied, candidate deferred", slog.String("arb_id", pick.ID))
	}
}

func (o *Orchestrator) pick(cands []domain.Opportunity, now time.Time) (domain.Opportunity, bool) {
	eligible := make([]domain.Opportunity, 0, len(cands))
	for _, c := range cands {
		if c.Expired(now) || o.dedup.Recent(c.ID) {
			continue
		}
		if c.Status != "" && c.Status != domain.ArbStatusActive {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return domain.Opportunity{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].ProfitPct > eligible[j].ProfitPct })
	k := min(o.cfg.CandidateLimit, len(eligible))
	return eligible[rand.IntN(k)], true
}

// process takes one opportunity from admission to resolution.
func (o *Orchestrator) process(ctx context.Context, opp domain.Opportunity) Outcome {
	log := o.logger.With(slog.String("arb_id", opp.ID))
	o.dedup.Mark(opp.ID)

	if opp.Expired(time.Now().UTC()) {
		log.Info("opportunity expired before dispatch")
		return o.resolve(ctx, opp, domain.ArbStatusExpired, nil, "expired before dispatch")
	}

	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, "arb:"+opp.ID, o.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.Info("opportunity locked by another coordinator, skipping")
				metrics.DispatchRejected.WithLabelValues("locked").Inc()
			} else {
				log.Error("acquire in-flight lock failed, skipping", slog.String("error", err.Error()))
				metrics.DispatchRejected.WithLabelValues("lock_error").Inc()
			}
			return o.record(Outcome{ArbID: opp.ID, Status: opp.Status, Skipped: true, Reason: err.Error(), FinishedAt: time.Now().UTC()})
		}
		defer unlock()
	}

	metrics.InFlight.Set(1)
	defer metrics.InFlight.Set(0)

	opp.Status = domain.ArbStatusInProgress
	o.save(ctx, opp)

	if len(opp.Legs) == 0 {
		return o.resolve(ctx, opp, domain.ArbStatusCompleted, nil, "no legs")
	}

	byVenue, err := opp.LegsByVenue()
	if err == nil {
		err = opp.Validate()
	}
	if err != nil {
		log.Error("invalid opportunity", slog.String("error", err.Error()))
		metrics.DispatchRejected.WithLabelValues("invalid").Inc()
		return o.resolve(ctx, opp, domain.ArbStatusFailed, nil, err.Error())
	}

	venues := opp.Venues()
	if missing := o.registry.Missing(venues); len(missing) > 0 {
		reason := fmt.Sprintf("%s: %s", domain.ErrVenueNotRegistered, joinVenues(missing))
		log.Error("dispatch rejected", slog.String("reason", reason))
		metrics.DispatchRejected.WithLabelValues("venue_not_registered").Inc()
		return o.resolve(ctx, opp, domain.ArbStatusFailed, nil, reason)
	}

	start := time.Now()
	barrier := NewCompletionBarrier(opp.ID, venues, o.logger)
	for i, v := range venues {
		q, _ := o.registry.Queue(v)
		task := NewLegTask(opp.ID, byVenue[v], o.cfg.MaxRetries, o.cfg.RetryBackoff, barrier)
		if err := q.Enqueue(ctx, task); err != nil {
			log.Error("dispatch aborted", slog.String("venue", string(v)), slog.String("error", err.Error()))
			o.rendezvous.Cancel(opp.ID)
			for _, rest := range venues[i:] {
				barrier.Report(domain.LegResult{
					Venue:      rest,
					Message:    "dispatch aborted: " + err.Error(),
					FinishedAt: time.Now().UTC(),
				})
			}
			break
		}
		log.Debug("leg dispatched", slog.String("venue", string(v)), slog.String("leg_id", task.Leg.ID))
	}

	o.join(ctx, barrier, venues, log)
	metrics.JoinDuration.Observe(time.Since(start).Seconds())
	o.rendezvous.Release(opp.ID)

	results := barrier.Results()
	out := Outcome{ArbID: opp.ID, Results: results}
	if barrier.Succeeded() {
		return o.finish(ctx, opp, domain.ArbStatusCompleted, out)
	}
	for _, v := range venues {
		if r, ok := results[v]; ok && r.Success {
			out.Exposed = append(out.Exposed, v)
		}
	}
	out.Reason = failureReason(results, venues)
	return o.finish(ctx, opp, domain.ArbStatusFailed, out)
}

// join waits for every leg result. The wait itself is unbounded; only a
// stopping orchestrator gives up after ShutdownGrace and fails the stragglers.
func (o *Orchestrator) join(ctx context.Context, b *CompletionBarrier, venues []domain.Venue, log *slog.Logger) {
	select {
	case <-b.Done():
		return
	case <-ctx.Done():
	}

	log.Warn("stopping with legs in flight, waiting for results", slog.Duration("grace", o.cfg.ShutdownGrace))
	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-b.Done():
		return
	case <-timer.C:
	}

	o.rendezvous.Cancel(b.arbID)
	reported := b.Results()
	for _, v := range venues {
		if _, ok := reported[v]; ok {
			continue
		}
		b.Report(domain.LegResult{Venue: v, Message: "abandoned at shutdown", FinishedAt: time.Now().UTC()})
	}
}

func (o *Orchestrator) resolve(ctx context.Context, opp domain.Opportunity, status domain.ArbStatus, results map[domain.Venue]domain.LegResult, reason string) Outcome {
	return o.finish(ctx, opp, status, Outcome{ArbID: opp.ID, Results: results, Reason: reason})
}

func (o *Orchestrator) finish(ctx context.Context, opp domain.Opportunity, status domain.ArbStatus, out Outcome) Outcome {
	opp.Status = status
	o.save(ctx, opp)

	out.Status = status
	out.FinishedAt = time.Now().UTC()
	metrics.OpportunitiesResolved.WithLabelValues(string(status)).Inc()

	log := o.logger.With(slog.String("arb_id", opp.ID), slog.String("status", string(status)))
	switch {
	case len(out.Exposed) > 0:
		metrics.OrphanExposures.Inc()
		log.Error("orphan exposure: partner leg did not place",
			slog.String("placed", joinVenues(out.Exposed)),
			slog.String("reason", out.Reason),
		)
		o.alert(ctx, EventOrphanExposure, "Orphan exposure "+opp.ID,
			fmt.Sprintf("placed on %s only; %s", joinVenues(out.Exposed), out.Reason))
	case status == domain.ArbStatusFailed:
		log.Warn("opportunity failed", slog.String("reason", out.Reason))
		o.alert(ctx, EventArbFailed, "Arb failed "+opp.ID, out.Reason)
	default:
		log.Info("opportunity resolved")
	}
	return o.record(out)
}

func (o *Orchestrator) record(out Outcome) Outcome {
	o.mu.Lock()
	o.last = &out
	o.mu.Unlock()
	return out
}

// save persists with a context detached from loop cancellation so a stopping
// orchestrator still records the final status.
func (o *Orchestrator) save(ctx context.Context, opp domain.Opportunity) {
	if o.saver == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	opp.UpdatedAt = time.Now().UTC()
	if err := o.saver.SaveOpportunity(sctx, opp); err != nil {
		o.logger.Error("save opportunity failed",
			slog.String("arb_id", opp.ID),
			slog.String("status", string(opp.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerts == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.alerts.Notify(actx, event, title, message); err != nil {
		o.logger.Warn("alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func failureReason(results map[domain.Venue]domain.LegResult, venues []domain.Venue) string {
	var parts []string
	for _, v := range venues {
		r, ok := results[v]
		switch {
		case !ok:
			parts = append(parts, string(v)+": no result")
		case !r.Success:
			parts = append(parts, string(v)+": "+r.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func joinVenues(vs []domain.Venue) string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return strings.Join(out, ",")
}
