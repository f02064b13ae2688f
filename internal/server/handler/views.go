package handler

import (
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
)

type legView struct {
	ID            string     `json:"id"`
	Venue         string     `json:"venue"`
	Market        string     `json:"market"`
	Selection     string     `json:"selection"`
	Odds          float64    `json:"odds"`
	Stake         float64    `json:"stake"`
	Primary       bool       `json:"primary"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

type opportunityView struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	ProfitPct float64    `json:"profit_pct"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Legs      []legView  `json:"legs"`
}

func newOpportunityView(o domain.Opportunity) opportunityView {
	v := opportunityView{
		ID:        o.ID,
		Status:    string(o.Status),
		ProfitPct: o.ProfitPct,
		ExpiresAt: o.ExpiresAt,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
		Legs:      make([]legView, 0, len(o.Legs)),
	}
	for _, l := range o.Legs {
		v.Legs = append(v.Legs, legView{
			ID:            l.ID,
			Venue:         string(l.Venue),
			Market:        l.Market,
			Selection:     l.Selection,
			Odds:          l.Odds,
			Stake:         l.Stake,
			Primary:       l.Primary,
			Status:        string(l.Status),
			AttemptCount:  l.AttemptCount,
			MaxRetries:    l.MaxRetries,
			LastAttemptAt: l.LastAttemptAt,
			FailureReason: l.FailureReason,
		})
	}
	return v
}

type legResultView struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Attempts   int       `json:"attempts"`
	Ticket     string    `json:"ticket,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type outcomeView struct {
	ArbID      string                   `json:"arb_id"`
	Status     string                   `json:"status"`
	Results    map[string]legResultView `json:"results,omitempty"`
	Exposed    []domain.Venue           `json:"exposed,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Skipped    bool                     `json:"skipped,omitempty"`
	FinishedAt time.Time                `json:"finished_at"`
}

func newOutcomeView(o executor.Outcome) outcomeView {
	v := outcomeView{
		ArbID:      o.ArbID,
		Status:     string(o.Status),
		Exposed:    o.Exposed,
		Reason:     o.Reason,
		Skipped:    o.Skipped,
		FinishedAt: o.FinishedAt,
	}
	if len(o.Results) > 0 {
		v.Results = make(map[string]legResultView, len(o.Results))
		for venue, r := range o.Results {
			v.Results[string(venue)] = legResultView{
				Success:    r.Success,
				Message:    r.Message,
				Attempts:   r.Attempts,
				Ticket:     r.Ticket,
				FinishedAt: r.FinishedAt,
			}
		}
	}
	return v
}
