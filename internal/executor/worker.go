package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// VenueSession is the automated session a leg executor drives on one venue.
// Prepare brings the bet slip to the point where submission is a single
// action; Submit performs it and returns the venue's ticket reference.
// Implementations may wrap an error with backoff.Permanent to stop retries.
type VenueSession interface {
	Prepare(ctx context.Context, leg domain.Leg) error
	Submit(ctx context.Context, leg domain.Leg) (ticket string, err error)
}

// LegWorkerConfig bounds a leg executor.
type LegWorkerConfig struct {
	// LegTimeout caps the whole execution of one task.
	LegTimeout time.Duration
	// RendezvousTimeout caps the wait for the partner venue.
	RendezvousTimeout time.Duration
}

// LegWorker drains one venue queue. For every task it prepares the bet,
// meets its partner at the rendezvous, submits, and reports exactly one
// result through the task's barrier.
type LegWorker struct {
	queue      *VenueQueue
	session    VenueSession
	rendezvous *Rendezvous
	legs       domain.LegStore
	cfg        LegWorkerConfig
	logger     *slog.Logger
}

// NewLegWorker creates a worker for queue's venue. legs may be nil.
func NewLegWorker(
	queue *VenueQueue,
	session VenueSession,
	rendezvous *Rendezvous,
	legs domain.LegStore,
	cfg LegWorkerConfig,
	logger *slog.Logger,
) *LegWorker {
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 2 * time.Minute
	}
	if cfg.RendezvousTimeout <= 0 {
		cfg.RendezvousTimeout = 20 * time.Second
	}
	return &LegWorker{
		queue:      queue,
		session:    session,
		rendezvous: rendezvous,
		legs:       legs,
		cfg:        cfg,
		logger: logger.With(
			slog.String("component", "leg_worker"),
			slog.String("venue", string(queue.Venue())),
		),
	}
}

// Run executes tasks until ctx is done, then fails whatever is still queued
// so no barrier waits forever.
func (w *LegWorker) Run(ctx context.Context) error {
	w.logger.Info("leg worker started")
	defer w.logger.Info("leg worker stopped")

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case task := <-w.queue.Tasks():
			metrics.QueueDepth.WithLabelValues(string(w.queue.Venue())).Set(float64(w.queue.Len()))
			w.Execute(ctx, task)
		}
	}
}

func (w *LegWorker) drain() {
	for {
		select {
		case task := <-w.queue.Tasks():
			w.rendezvous.Cancel(task.ArbID)
			task.Report(false, "worker stopped before execution", 0, "")
		default:
			return
		}
	}
}

// Execute runs one task end to end. The deferred report guarantees a single
// result even when the session panics.
func (w *LegWorker) Execute(ctx context.Context, task LegTask) {
	leg := task.Leg
	if leg.Status == "" {
		leg.Status = domain.LegStatusPending
	}
	log := w.logger.With(slog.String("arb_id", task.ArbID), slog.String("leg_id", leg.ID))

	var (
		success bool
		message string
		ticket  string
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("leg executor panicked", slog.Any("panic", r))
			message = fmt.Sprintf("panic: %v", r)
			success = false
			w.rendezvous.NotifyFailed(task.ArbID, task.Venue, message)
			w.rendezvous.Cancel(task.ArbID)
		}
		task.Report(success, message, leg.AttemptCount, ticket)
	}()

	lctx, cancel := context.WithTimeout(ctx, w.cfg.LegTimeout)
	defer cancel()

	if !w.rendezvous.RegisterIntent(task.ArbID, task.Venue) {
		message = domain.ErrRendezvousCancelled.Error()
		w.abandon(lctx, &leg, message)
		return
	}

	if err := w.prepare(lctx, task); err != nil {
		message = "prepare: " + err.Error()
		log.Warn("prepare failed, cancelling partner", slog.String("error", err.Error()))
		w.rendezvous.NotifyFailed(task.ArbID, task.Venue, message)
		w.rendezvous.Cancel(task.ArbID)
		w.abandon(lctx, &leg, message)
		return
	}

	if !w.rendezvous.MarkReady(task.ArbID, task.Venue) {
		message = domain.ErrRendezvousCancelled.Error()
		w.abandon(lctx, &leg, message)
		return
	}

	if !w.rendezvous.WaitForPartnerOrTimeout(lctx, task.ArbID, task.Venue, w.cfg.RendezvousTimeout) {
		message = w.waitFailure(task)
		log.Warn("rendezvous not reached", slog.String("reason", message))
		w.rendezvous.NotifyFailed(task.ArbID, task.Venue, message)
		w.abandon(lctx, &leg, message)
		return
	}

	t, err := w.submit(lctx, task, &leg)
	if err != nil {
		message = fmt.Sprintf("%s: %s", domain.ErrExecutionFailed, err)
		log.Error("submit failed", slog.String("error", err.Error()), slog.Int("attempts", leg.AttemptCount))
		w.rendezvous.NotifyFailed(task.ArbID, task.Venue, message)
		return
	}

	ticket = t
	success = true
	message = "placed"
	w.rendezvous.NotifyPlaced(task.ArbID, task.Venue)
	log.Info("leg placed", slog.String("ticket", ticket), slog.Int("attempts", leg.AttemptCount))
}

// prepare retries Prepare until it succeeds, retries run out or the
// opportunity is cancelled by the partner.
func (w *LegWorker) prepare(ctx context.Context, task LegTask) error {
	op := func() error {
		if w.rendezvous.IsCancelled(task.ArbID) {
			return backoff.Permanent(domain.ErrRendezvousCancelled)
		}
		metrics.LegAttempts.WithLabelValues(string(task.Venue), "prepare").Inc()
		return w.session.Prepare(ctx, task.Leg)
	}
	return backoff.Retry(op, w.policy(ctx, task))
}

// submit places the bet, walking the leg through its lifecycle on every
// attempt. It stops early once the partner has given up.
func (w *LegWorker) submit(ctx context.Context, task LegTask, leg *domain.Leg) (string, error) {
	var ticket string
	op := func() error {
		if leg.Status == domain.LegStatusFailed {
			if reason, ok := w.rendezvous.PartnerFailure(task.ArbID, task.Venue); ok {
				w.abandon(ctx, leg, "partner failed: "+reason)
				return backoff.Permanent(fmt.Errorf("partner failed: %s", reason))
			}
			if err := w.transition(ctx, leg, domain.LegStatusRetrying); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := w.transition(ctx, leg, domain.LegStatusPlacing); err != nil {
			return backoff.Permanent(err)
		}

		metrics.LegAttempts.WithLabelValues(string(task.Venue), "submit").Inc()
		t, err := w.session.Submit(ctx, *leg)
		if err != nil {
			leg.FailureReason = err.Error()
			if terr := w.transition(ctx, leg, domain.LegStatusFailed); terr != nil {
				return backoff.Permanent(terr)
			}
			if !leg.CanRetry() {
				return backoff.Permanent(err)
			}
			return err
		}
		ticket = t
		leg.FailureReason = ""
		return w.transition(ctx, leg, domain.LegStatusPlaced)
	}
	if err := backoff.Retry(op, w.policy(ctx, task)); err != nil {
		return "", err
	}
	return ticket, nil
}

func (w *LegWorker) policy(ctx context.Context, task LegTask) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = task.RetryBackoff
	eb.MaxInterval = 4 * task.RetryBackoff
	eb.MaxElapsedTime = 0
	attempts := max(task.MaxRetries, 1)
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func (w *LegWorker) waitFailure(task LegTask) string {
	if reason, ok := w.rendezvous.PartnerFailure(task.ArbID, task.Venue); ok {
		return "partner failed: " + reason
	}
	if _, timedOut := w.rendezvous.TimedOutBy(task.ArbID); timedOut || !w.rendezvous.IsCancelled(task.ArbID) {
		return domain.ErrRendezvousTimeout.Error()
	}
	return domain.ErrRendezvousCancelled.Error()
}

// abandon moves a leg that never reached the venue to cancelled.
func (w *LegWorker) abandon(ctx context.Context, leg *domain.Leg, reason string) {
	leg.FailureReason = reason
	if !leg.Status.CanTransition(domain.LegStatusCancelled) {
		return
	}
	_ = w.transition(ctx, leg, domain.LegStatusCancelled)
}

// transition applies next and persists the leg when a store is configured.
// Persistence failures are logged; they never change the execution outcome.
func (w *LegWorker) transition(ctx context.Context, leg *domain.Leg, next domain.LegStatus) error {
	if err := leg.Transition(next, time.Now().UTC()); err != nil {
		return err
	}
	if w.legs == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.legs.UpdateLeg(sctx, *leg); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("persist leg failed",
			slog.String("leg_id", leg.ID),
			slog.String("status", string(leg.Status)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
