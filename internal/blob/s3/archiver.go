package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// OutcomeRecord is the archived form of a resolved opportunity.
type OutcomeRecord struct {
	ArbID      string        `json:"arb_id"`
	Status     string        `json:"status"`
	ProfitPct  float64       `json:"profit_pct"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt time.Time     `json:"resolved_at"`
	Legs       []LegRecord   `json:"legs"`
	Audit      []AuditRecord `json:"audit,omitempty"`
}

// LegRecord is one archived leg.
type LegRecord struct {
	ID            string  `json:"id"`
	Venue         string  `json:"venue"`
	Market        string  `json:"market"`
	Selection     string  `json:"selection"`
	Odds          float64 `json:"odds"`
	Stake         float64 `json:"stake"`
	Primary       bool    `json:"primary"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// AuditRecord is one archived audit entry.
type AuditRecord struct {
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Archiver writes terminal opportunities to object storage as one JSON
// document per opportunity under <prefix>/outcomes/.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewArchiver creates an Archiver. reader may be nil when only writing.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *Archiver {
	return &Archiver{writer: writer, reader: reader, prefix: prefix}
}

// Path returns the object key for arbID.
func (a *Archiver) Path(arbID string) string {
	return path.Join(a.prefix, "outcomes", arbID+".json")
}

// Archive uploads the outcome of opp together with its audit trail.
func (a *Archiver) Archive(ctx context.Context, opp domain.Opportunity, audit []domain.AuditEntry) (string, error) {
	rec := OutcomeRecord{
		ArbID:      opp.ID,
		Status:     string(opp.Status),
		ProfitPct:  opp.ProfitPct,
		CreatedAt:  opp.CreatedAt,
		ResolvedAt: opp.UpdatedAt,
		Legs:       make([]LegRecord, 0, len(opp.Legs)),
	}
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = time.Now().UTC()
	}
	for _, l := range opp.Legs {
		rec.Legs = append(rec.Legs, LegRecord{
			ID:            l.ID,
			Venue:         string(l.Venue),
			Market:        l.Market,
			Selection:     l.Selection,
			Odds:          l.Odds,
			Stake:         l.Stake,
			Primary:       l.Primary,
			Status:        string(l.Status),
			Attempts:      l.AttemptCount,
			FailureReason: l.FailureReason,
		})
	}
	for _, e := range audit {
		rec.Audit = append(rec.Audit, AuditRecord{Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal outcome %s: %w", opp.ID, err)
	}
	key := a.Path(opp.ID)
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Load fetches the archived outcome of arbID.
func (a *Archiver) Load(ctx context.Context, arbID string) (OutcomeRecord, error) {
	if a.reader == nil {
		return OutcomeRecord{}, fmt.Errorf("s3blob: load %s: %w", arbID, domain.ErrNotFound)
	}
	body, err := a.reader.Get(ctx, a.Path(arbID))
	if err != nil {
		return OutcomeRecord{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return OutcomeRecord{}, fmt.Errorf("s3blob: read outcome %s: %w", arbID, err)
	}
	var rec OutcomeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OutcomeRecord{}, fmt.Errorf("s3blob: decode outcome %s: %w", arbID, err)
	}
	return rec, nil
}
