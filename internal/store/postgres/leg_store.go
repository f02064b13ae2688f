package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// LegStore implements domain.LegStore using PostgreSQL.
type LegStore struct {
	pool *pgxpool.Pool
}

// NewLegStore creates a new LegStore backed by the given pool.
func NewLegStore(pool *pgxpool.Pool) *LegStore {
	return &LegStore{pool: pool}
}

const legSelectCols = `id, arb_id, venue, market, selection, odds, stake, is_primary,
	status, attempt_count, max_retries, last_attempt_at, failure_reason`

const legUpsert = `
	INSERT INTO legs (
		id, arb_id, venue, market, selection, odds, stake, is_primary,
		status, attempt_count, max_retries, last_attempt_at, failure_reason, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (id) DO UPDATE SET
		status          = EXCLUDED.status,
		attempt_count   = EXCLUDED.attempt_count,
		max_retries     = EXCLUDED.max_retries,
		last_attempt_at = EXCLUDED.last_attempt_at,
		failure_reason  = EXCLUDED.failure_reason,
		odds            = EXCLUDED.odds,
		stake           = EXCLUDED.stake,
		updated_at      = NOW()`

const legInsert = `
	INSERT INTO legs (
		id, arb_id, venue, market, selection, odds, stake, is_primary,
		status, attempt_count, max_retries, last_attempt_at, failure_reason, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func legArgs(leg domain.Leg) []any {
	return []any{
		leg.ID, leg.ArbID, string(leg.Venue), leg.Market, leg.Selection,
		leg.Odds, leg.Stake, leg.Primary,
		string(leg.Status), leg.AttemptCount, leg.MaxRetries, leg.LastAttemptAt, leg.FailureReason,
	}
}

func queueLegUpsert(batch *pgx.Batch, leg domain.Leg) {
	batch.Queue(legUpsert, legArgs(leg)...)
}

// UpdateLeg upserts a leg after a lifecycle transition.
func (s *LegStore) UpdateLeg(ctx context.Context, leg domain.Leg) error {
	if _, err := s.pool.Exec(ctx, legUpsert, legArgs(leg)...); err != nil {
		return fmt.Errorf("postgres: update leg %s: %w", leg.ID, err)
	}
	return nil
}

// ListByArb returns the legs of one opportunity ordered by venue.
func (s *LegStore) ListByArb(ctx context.Context, arbID string) ([]domain.Leg, error) {
	legs, err := listLegs(ctx, s.pool, []string{arbID})
	if err != nil {
		return nil, err
	}
	return legs[arbID], nil
}

// listLegs loads legs for several opportunities in one round trip.
func listLegs(ctx context.Context, pool *pgxpool.Pool, arbIDs []string) (map[string][]domain.Leg, error) {
	rows, err := pool.Query(ctx,
		`SELECT `+legSelectCols+` FROM legs WHERE arb_id = ANY($1) ORDER BY arb_id, venue`,
		arbIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list legs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Leg, len(arbIDs))
	for rows.Next() {
		var (
			leg           domain.Leg
			venue, status string
		)
		if err := rows.Scan(
			&leg.ID, &leg.ArbID, &venue, &leg.Market, &leg.Selection, &leg.Odds, &leg.Stake, &leg.Primary,
			&status, &leg.AttemptCount, &leg.MaxRetries, &leg.LastAttemptAt, &leg.FailureReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan leg: %w", err)
		}
		leg.Venue = domain.Venue(venue)
		leg.Status = domain.LegStatus(status)
		out[leg.ArbID] = append(out[leg.ArbID], leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list legs rows: %w", err)
	}
	return out, nil
}
