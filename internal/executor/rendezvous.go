package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
)

// RendezvousConfig tunes the two-party readiness protocol.
type RendezvousConfig struct {
	// Parties is the number of venues expected per opportunity.
	Parties int
	// GraceWindow is how long a cancelled or failed state stays visible so a
	// late party observes the cancellation instead of starting fresh.
	GraceWindow time.Duration
}

// syncState is the per-opportunity rendezvous record. Each state carries its
// own lock; the Rendezvous map lock is only held for lookup and insert.
type syncState struct {
	arbID     string
	createdAt time.Time

	// timeoutClaimed is set exactly once by the party that detects the
	// partner timeout first.
	timeoutClaimed atomic.Bool

	mu        sync.Mutex
	intents   map[domain.Venue]struct{}
	ready     map[domain.Venue]struct{}
	cancelled bool
	timeoutBy domain.Venue
	placed    map[domain.Venue]bool
	failures  map[domain.Venue]string
	removing  bool

	bothReady chan struct{} // closed when the ready set is full
	cancelCh  chan struct{} // closed on cancel
}

func newSyncState(arbID string) *syncState {
	return &syncState{
		arbID:     arbID,
		createdAt: time.Now().UTC(),
		intents:   make(map[domain.Venue]struct{}, 2),
		ready:     make(map[domain.Venue]struct{}, 2),
		placed:    make(map[domain.Venue]bool, 2),
		failures:  make(map[domain.Venue]string, 2),
		bothReady: make(chan struct{}),
		cancelCh:  make(chan struct{}),
	}
}

// Rendezvous lets the venue executors of one opportunity align the moment
// they submit. It tolerates a slow, crashed or timed-out partner: every wait
// is bounded and a timeout cancels both sides exactly once.
type Rendezvous struct {
	cfg    RendezvousConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*syncState

	onAnomaly func(arbID string, venue domain.Venue, detail string)
}

// NewRendezvous creates an empty coordinator.
func NewRendezvous(cfg RendezvousConfig, logger *slog.Logger) *Rendezvous {
	if cfg.Parties <= 0 {
		cfg.Parties = 2
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 30 * time.Second
	}
	return &Rendezvous{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rendezvous")),
		states: make(map[string]*syncState),
	}
}

// OnAnomaly registers fn to run, on its own goroutine, after every
// consistency anomaly. Call before the rendezvous is shared.
func (r *Rendezvous) OnAnomaly(fn func(arbID string, venue domain.Venue, detail string)) {
	r.onAnomaly = fn
}

// state returns the state for arbID, creating it on first touch.
func (r *Rendezvous) state(arbID string) *syncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[arbID]
	if !ok {
		st = newSyncState(arbID)
		r.states[arbID] = st
		metrics.ActiveRendezvous.Set(float64(len(r.states)))
	}
	return st
}

func (r *Rendezvous) lookup(arbID string) (*syncState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[arbID]
	return st, ok
}

// RegisterIntent records that venue is about to prepare its leg. It returns
// false when the opportunity is already cancelled or a third venue tries to
// join; the caller must then abort without further work.
func (r *Rendezvous) RegisterIntent(arbID string, venue domain.Venue) bool {
	st := r.state(arbID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.cancelled {
		r.logger.Debug("register intent rejected: cancelled",
			slog.String("arb_id", arbID), slog.String("venue", string(venue)))
		return false
	}
	if _, ok := st.intents[venue]; !ok && len(st.intents) >= r.cfg.Parties {
		r.logger.Error("register intent rejected: too many parties",
			slog.String("arb_id", arbID),
			slog.String("venue", string(venue)),
			slog.Int("parties", r.cfg.Parties),
		)
		return false
	}
	st.intents[venue] = struct{}{}
	return true
}

// MarkReady records that venue can submit immediately. Marking the same venue
// twice counts once. It returns false once the opportunity is cancelled, and
// rejects a venue outside the registered pair as a consistency anomaly.
// Completing the ready set commits the rendezvous: from then on it can no
// longer be cancelled.
func (r *Rendezvous) MarkReady(arbID string, venue domain.Venue) bool {
	st := r.state(arbID)
	st.mu.Lock()

	if st.cancelled {
		st.mu.Unlock()
		return false
	}
	if _, ok := st.ready[venue]; ok {
		st.mu.Unlock()
		return true
	}
	if len(st.ready) >= r.cfg.Parties {
		st.mu.Unlock()
		r.logger.Error("mark ready rejected: too many parties",
			slog.String("arb_id", arbID), slog.String("venue", string(venue)))
		return false
	}
	if _, ok := st.intents[venue]; !ok {
		if len(st.intents) >= r.cfg.Parties {
			intents := venueList(st.intents)
			st.mu.Unlock()
			r.anomaly(arbID, venue, "mark ready from venue outside "+intents)
			return false
		}
		r.logger.Warn("mark ready without registered intent",
			slog.String("arb_id", arbID), slog.String("venue", string(venue)))
		st.intents[venue] = struct{}{}
	}

	st.ready[venue] = struct{}{}
	if st.committed(r.cfg.Parties) {
		close(st.bothReady)
	}
	st.mu.Unlock()
	return true
}

// committed reports whether every party is ready and nothing cancelled first.
// Callers hold st.mu.
func (st *syncState) committed(parties int) bool {
	return !st.cancelled && len(st.ready) == parties
}

// WaitForPartnerOrTimeout blocks until the partner of venue is ready, the
// opportunity is cancelled, timeout elapses or ctx is done. It returns true
// only when every party is ready and nothing cancelled the opportunity. On
// timeout exactly one party claims the timeout and cancels; both return false.
func (r *Rendezvous) WaitForPartnerOrTimeout(ctx context.Context, arbID string, venue domain.Venue, timeout time.Duration) bool {
	start := time.Now()
	defer func() { metrics.RendezvousWait.Observe(time.Since(start).Seconds()) }()

	st := r.state(arbID)
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		metrics.RendezvousOutcomes.WithLabelValues("cancelled").Inc()
		return false
	}
	if _, ok := st.ready[venue]; !ok {
		st.mu.Unlock()
		r.anomaly(arbID, venue, "wait called before mark ready")
		return false
	}
	bothReady, cancelCh := st.bothReady, st.cancelCh
	st.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-bothReady:
		return r.confirm(st, venue)
	case <-cancelCh:
		metrics.RendezvousOutcomes.WithLabelValues("cancelled").Inc()
		return false
	case <-timer.C:
		return r.expire(st, venue, "partner not ready within "+timeout.String(), true)
	case <-ctx.Done():
		return r.expire(st, venue, "wait aborted: "+ctx.Err().Error(), false)
	}
}

// confirm re-validates the latch under the state lock. A released latch
// without a full ready set is a protocol bug that must never count as success.
func (r *Rendezvous) confirm(st *syncState, venue domain.Venue) bool {
	st.mu.Lock()
	committed := st.committed(r.cfg.Parties)
	cancelled := st.cancelled
	st.mu.Unlock()

	switch {
	case cancelled:
		metrics.RendezvousOutcomes.WithLabelValues("cancelled").Inc()
		return false
	case !committed:
		r.anomaly(st.arbID, venue, "latch released without every party ready")
		return false
	}
	metrics.RendezvousOutcomes.WithLabelValues("synced").Inc()
	return true
}

// expire handles a timed-out or aborted wait. The sync check, the timeout
// claim and the cancellation happen under one hold of st.mu, so a partner
// completing the ready set concurrently either commits before this call
// (and a timeout still reports synced) or finds the state cancelled.
func (r *Rendezvous) expire(st *syncState, venue domain.Venue, reason string, timedOut bool) bool {
	log := r.logger.With(slog.String("arb_id", st.arbID), slog.String("venue", string(venue)))

	st.mu.Lock()
	if st.committed(r.cfg.Parties) {
		st.mu.Unlock()
		if timedOut {
			metrics.RendezvousOutcomes.WithLabelValues("synced").Inc()
			return true
		}
		// The partner may already be submitting; there is nothing to cancel.
		log.Warn("wait aborted after both parties committed", slog.String("reason", reason))
		metrics.RendezvousOutcomes.WithLabelValues("aborted").Inc()
		return false
	}
	if st.cancelled {
		st.mu.Unlock()
		log.Info("rendezvous timeout already handled, following cancellation", slog.String("reason", reason))
		metrics.RendezvousOutcomes.WithLabelValues("timeout").Inc()
		return false
	}
	claimed := st.timeoutClaimed.CompareAndSwap(false, true)
	if claimed {
		st.timeoutBy = venue
	}
	st.cancelled = true
	close(st.cancelCh)
	st.mu.Unlock()

	if claimed {
		log.Warn("rendezvous timeout claimed, cancelling both parties", slog.String("reason", reason))
	} else {
		log.Info("rendezvous timeout already claimed, following cancellation", slog.String("reason", reason))
	}
	metrics.RendezvousOutcomes.WithLabelValues("timeout").Inc()
	r.scheduleRemoval(st, r.cfg.GraceWindow)
	return false
}

// anomaly logs a consistency violation and cancels the opportunity.
func (r *Rendezvous) anomaly(arbID string, venue domain.Venue, detail string) {
	r.logger.Error("rendezvous consistency anomaly",
		slog.String("arb_id", arbID),
		slog.String("venue", string(venue)),
		slog.String("detail", detail),
		slog.String("error", domain.ErrConsistencyAnomaly.Error()),
	)
	metrics.RendezvousOutcomes.WithLabelValues("anomaly").Inc()
	r.Cancel(arbID)
	if r.onAnomaly != nil {
		go r.onAnomaly(arbID, venue, detail)
	}
}

// ClaimTimeout atomically claims the one-shot timeout flag for arbID. Exactly
// one caller ever receives true.
func (r *Rendezvous) ClaimTimeout(arbID string, venue domain.Venue) bool {
	return r.claim(r.state(arbID), venue)
}

func (r *Rendezvous) claim(st *syncState, venue domain.Venue) bool {
	if !st.timeoutClaimed.CompareAndSwap(false, true) {
		return false
	}
	st.mu.Lock()
	st.timeoutBy = venue
	st.mu.Unlock()
	return true
}

// TimedOutBy returns the venue that claimed the timeout for arbID, if any.
func (r *Rendezvous) TimedOutBy(arbID string) (domain.Venue, bool) {
	st, ok := r.lookup(arbID)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.timeoutBy, st.timeoutBy != ""
}

// Cancel marks arbID cancelled and releases any waiter. Cancellation is
// monotonic. The state is dropped after the grace window. It returns true when
// this call performed the cancellation; a committed rendezvous is never
// cancelled.
func (r *Rendezvous) Cancel(arbID string) bool {
	return r.cancelState(r.state(arbID))
}

func (r *Rendezvous) cancelState(st *syncState) bool {
	st.mu.Lock()
	if st.cancelled {
		st.mu.Unlock()
		return false
	}
	if st.committed(r.cfg.Parties) {
		st.mu.Unlock()
		r.logger.Warn("cancel refused: both parties committed", slog.String("arb_id", st.arbID))
		return false
	}
	st.cancelled = true
	close(st.cancelCh)
	st.mu.Unlock()

	r.logger.Info("rendezvous cancelled", slog.String("arb_id", st.arbID))
	r.scheduleRemoval(st, r.cfg.GraceWindow)
	return true
}

// IsCancelled reports whether arbID has been cancelled. Unknown ids are not
// cancelled.
func (r *Rendezvous) IsCancelled(arbID string) bool {
	st, ok := r.lookup(arbID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// NotifyPlaced records that venue's bet was accepted.
func (r *Rendezvous) NotifyPlaced(arbID string, venue domain.Venue) {
	st, ok := r.lookup(arbID)
	if !ok {
		r.logger.Debug("notify placed for unknown rendezvous",
			slog.String("arb_id", arbID), slog.String("venue", string(venue)))
		return
	}
	st.mu.Lock()
	st.placed[venue] = true
	allPlaced := len(st.placed) == r.cfg.Parties
	st.mu.Unlock()

	if allPlaced {
		r.scheduleRemoval(st, 0)
	}
}

// NotifyFailed records that venue gave up on its leg.
func (r *Rendezvous) NotifyFailed(arbID string, venue domain.Venue, reason string) {
	st, ok := r.lookup(arbID)
	if !ok {
		r.logger.Debug("notify failed for unknown rendezvous",
			slog.String("arb_id", arbID), slog.String("venue", string(venue)))
		return
	}
	st.mu.Lock()
	st.failures[venue] = reason
	st.mu.Unlock()

	r.scheduleRemoval(st, r.cfg.GraceWindow)
}

// PartnerPlaced reports whether any venue other than venue has placed.
func (r *Rendezvous) PartnerPlaced(arbID string, venue domain.Venue) bool {
	st, ok := r.lookup(arbID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for v, placed := range st.placed {
		if v != venue && placed {
			return true
		}
	}
	return false
}

// PartnerFailure returns the failure reason recorded by the partner of venue.
func (r *Rendezvous) PartnerFailure(arbID string, venue domain.Venue) (string, bool) {
	st, ok := r.lookup(arbID)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for v, reason := range st.failures {
		if v != venue {
			return reason, true
		}
	}
	return "", false
}

// Release schedules removal of arbID after the grace window. The orchestrator
// calls it once the join completes so abandoned states do not accumulate.
func (r *Rendezvous) Release(arbID string) {
	if st, ok := r.lookup(arbID); ok {
		r.scheduleRemoval(st, r.cfg.GraceWindow)
	}
}

func (r *Rendezvous) scheduleRemoval(st *syncState, after time.Duration) {
	st.mu.Lock()
	if st.removing && after > 0 {
		st.mu.Unlock()
		return
	}
	st.removing = true
	st.mu.Unlock()

	if after <= 0 {
		r.remove(st)
		return
	}
	time.AfterFunc(after, func() { r.remove(st) })
}

// remove drops st only if it is still the live entry for its id.
func (r *Rendezvous) remove(st *syncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.states[st.arbID]; ok && cur == st {
		delete(r.states, st.arbID)
		metrics.ActiveRendezvous.Set(float64(len(r.states)))
	}
}

// ActiveCount returns the number of live rendezvous states.
func (r *Rendezvous) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// Summary renders the state of arbID for debugging.
func (r *Rendezvous) Summary(arbID string) string {
	st, ok := r.lookup(arbID)
	if !ok {
		return fmt.Sprintf("arb=%s state=none", arbID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	timeoutBy := string(st.timeoutBy)
	if timeoutBy == "" {
		timeoutBy = "-"
	}
	failures := make([]string, 0, len(st.failures))
	for v, reason := range st.failures {
		failures = append(failures, string(v)+":"+reason)
	}
	sort.Strings(failures)

	return fmt.Sprintf("arb=%s intents=%s ready=%s cancelled=%t timeout_by=%s placed=%s failed=[%s] age=%s",
		arbID,
		venueList(st.intents),
		venueList(st.ready),
		st.cancelled,
		timeoutBy,
		placedList(st.placed),
		strings.Join(failures, ","),
		time.Since(st.createdAt).Truncate(time.Millisecond),
	)
}

// ClearAll cancels every uncommitted state and drops them all. Operational
// recovery only.
func (r *Rendezvous) ClearAll() int {
	r.mu.Lock()
	states := r.states
	r.states = make(map[string]*syncState)
	metrics.ActiveRendezvous.Set(0)
	r.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if !st.cancelled && !st.committed(r.cfg.Parties) {
			st.cancelled = true
			close(st.cancelCh)
		}
		st.removing = true
		st.mu.Unlock()
	}
	r.logger.Warn("rendezvous states cleared", slog.Int("count", len(states)))
	return len(states)
}

func venueList(set map[domain.Venue]struct{}) string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, string(v))
	}
	sort.Strings(out)
	return "[" + strings.Join(out, ",") + "]"
}

func placedList(m map[domain.Venue]bool) string {
	out := make([]string, 0, len(m))
	for v, ok := range m {
		if ok {
			out = append(out, string(v))
		}
	}
	sort.Strings(out)
	return "[" + strings.Join(out, ",") + "]"
}
