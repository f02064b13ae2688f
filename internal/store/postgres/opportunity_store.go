package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const oppSelectCols = `id, status, profit_pct, expires_at, created_at, updated_at`

// Insert stores a new opportunity and its legs in one transaction. An id
// already present, for the opportunity or any leg, yields
// domain.ErrAlreadyExists and nothing is written.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	createdAt := opp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO opportunities (id, status, profit_pct, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, string(opp.Status), opp.ProfitPct, opp.ExpiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, domain.ErrAlreadyExists)
	}

	for _, leg := range opp.Legs {
		leg.ArbID = opp.ID
		if _, err := tx.Exec(ctx, legInsert, legArgs(leg)...); err != nil {
			if isUniqueViolation(err) {
				err = domain.ErrAlreadyExists
			}
			return fmt.Errorf("postgres: insert leg %s of %s: %w", leg.ID, opp.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Upsert writes the opportunity row and all of its legs in one transaction.
func (s *OpportunityStore) Upsert(ctx context.Context, opp domain.Opportunity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	createdAt := opp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO opportunities (id, status, profit_pct, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			profit_pct = EXCLUDED.profit_pct,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`,
		opp.ID, string(opp.Status), opp.ProfitPct, opp.ExpiresAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert opportunity %s: %w", opp.ID, err)
	}

	batch := &pgx.Batch{}
	for _, leg := range opp.Legs {
		leg.ArbID = opp.ID
		queueLegUpsert(batch, leg)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: upsert legs of %s: %w", opp.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close leg batch: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateStatus sets the status of an opportunity.
func (s *OpportunityStore) UpdateStatus(ctx context.Context, id string, status domain.ArbStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update opportunity status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns an opportunity with its legs.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+oppSelectCols+` FROM opportunities WHERE id = $1`, id)
	opp, err := scanOpportunity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}

	legs, err := listLegs(ctx, s.pool, []string{id})
	if err != nil {
		return domain.Opportunity{}, err
	}
	opp.Legs = legs[id]
	return opp, nil
}

// ListActive is the ranking feed query: active, unexpired opportunities at or
// above minProfit, best first.
func (s *OpportunityStore) ListActive(ctx context.Context, minProfit float64, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.list(ctx, `
		SELECT `+oppSelectCols+` FROM opportunities
		WHERE status = 'active'
		  AND profit_pct >= $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY profit_pct DESC, created_at ASC
		LIMIT $2`, minProfit, limit)
}

// ListRecent returns the most recently updated opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `
		SELECT `+oppSelectCols+` FROM opportunities
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
}

// ExpireStale marks active opportunities past their deadline as expired.
// Rows owned by the orchestrator (in_progress) are left alone.
func (s *OpportunityStore) ExpireStale(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE opportunities SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire stale opportunities: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: expire stale opportunities: %w", err)
	}
	return ids, nil
}

func (s *OpportunityStore) list(ctx context.Context, query string, args ...any) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var (
		opps []domain.Opportunity
		ids  []string
	)
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opps = append(opps, opp)
		ids = append(ids, opp.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	if len(ids) == 0 {
		return opps, nil
	}

	legs, err := listLegs(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range opps {
		opps[i].Legs = legs[opps[i].ID]
	}
	return opps, nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		opp    domain.Opportunity
		status string
	)
	if err := row.Scan(&opp.ID, &status, &opp.ProfitPct, &opp.ExpiresAt, &opp.CreatedAt, &opp.UpdatedAt); err != nil {
		return domain.Opportunity{}, err
	}
	opp.Status = domain.ArbStatus(status)
	return opp, nil
}
