package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an audit entry. When detail carries an "arb_id" string it is
// also stored in its own indexed column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	var arbID *string
	if id, ok := detail["arb_id"].(string); ok && id != "" {
		arbID = &id
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, arb_id, detail) VALUES ($1, $2, $3)`,
		event, arbID, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit entries newest first with pagination and optional time
// filtering.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	q := newQuery(`SELECT id, event, COALESCE(arb_id, ''), detail, created_at FROM audit_log WHERE 1=1`)
	if opts.Since != nil {
		q.where("created_at >= ", *opts.Since)
	}
	if opts.Until != nil {
		q.where("created_at <= ", *opts.Until)
	}
	q.raw(" ORDER BY created_at DESC")
	q.page(opts.Limit, opts.Offset)
	return s.query(ctx, q.sql, q.args...)
}

// ListByArb returns the audit trail of one opportunity, oldest first.
func (s *AuditStore) ListByArb(ctx context.Context, arbID string) ([]domain.AuditEntry, error) {
	return s.query(ctx,
		`SELECT id, event, COALESCE(arb_id, ''), detail, created_at FROM audit_log WHERE arb_id = $1 ORDER BY created_at ASC`,
		arbID,
	)
}

func (s *AuditStore) query(ctx context.Context, sql string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.ArbID, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}
