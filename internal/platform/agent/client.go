// Package agent is the REST client for a venue automation agent: the
// external process that drives a logged-in browser session on one betting
// venue. The coordinator only asks it to prepare and submit a bet slip.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

// Client talks to one venue agent. It satisfies executor.VenueSession.
type Client struct {
	venue      domain.Venue
	baseURL    string
	auth       *crypto.AgentAuth
	httpClient *http.Client
}

// NewClient creates a client for the agent at baseURL. auth may be nil for
// agents that do not verify signatures.
func NewClient(venue domain.Venue, baseURL string, auth *crypto.AgentAuth) *Client {
	return &Client{
		venue:   venue,
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Venue returns the venue this agent serves.
func (c *Client) Venue() domain.Venue { return c.venue }

// Prepare asks the agent to open the market and fill the bet slip so that
// Submit is a single click.
func (c *Client) Prepare(ctx context.Context, leg domain.Leg) error {
	body, err := c.do(ctx, http.MethodPost, "/v1/legs/prepare", newLegRequest(leg))
	if err != nil {
		return fmt.Errorf("agent %s: prepare %s: %w", c.venue, leg.ID, err)
	}
	var resp prepareResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("agent %s: decode prepare: %w", c.venue, err)
	}
	if resp.Status != "ready" {
		return fmt.Errorf("agent %s: prepare %s: status %q", c.venue, leg.ID, resp.Status)
	}
	return nil
}

// Submit places the prepared bet and returns the venue ticket.
func (c *Client) Submit(ctx context.Context, leg domain.Leg) (string, error) {
	req := newLegRequest(leg)
	req.Attempt = leg.AttemptCount
	body, err := c.do(ctx, http.MethodPost, "/v1/legs/submit", req)
	if err != nil {
		return "", fmt.Errorf("agent %s: submit %s: %w", c.venue, leg.ID, err)
	}
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("agent %s: decode submit: %w", c.venue, err)
	}
	if resp.Status != "accepted" || resp.Ticket == "" {
		return "", fmt.Errorf("agent %s: submit %s: status %q", c.venue, leg.ID, resp.Status)
	}
	return resp.Ticket, nil
}

// Health probes the agent's session.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("agent %s: health: %w", c.venue, err)
	}
	var resp HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return HealthResponse{}, fmt.Errorf("agent %s: decode health: %w", c.venue, err)
	}
	return resp, nil
}

func newLegRequest(leg domain.Leg) legRequest {
	return legRequest{
		ArbID:     leg.ArbID,
		LegID:     leg.ID,
		Market:    leg.Market,
		Selection: leg.Selection,
		Odds:      leg.Odds,
		Stake:     leg.Stake,
		Primary:   leg.Primary,
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, signs, sends and reads a request against the agent.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var raw []byte
	if reqBody != nil {
		var err error
		raw, err = json.Marshal(reqBody)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("marshal request body: %w", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, string(raw)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// ErrRejected marks a request the agent refused for good; retrying it cannot
// succeed.
var ErrRejected = errors.New("agent rejected request")

// checkStatus maps non-2xx codes to errors. Client errors other than timeouts,
// conflicts and rate limits are permanent so the leg executor stops retrying.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: unauthorized: %s (%s)", domain.ErrUnauthorized, apiErr.Error, apiErr.Code))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s (%s)", domain.ErrRateLimited, apiErr.Error, apiErr.Code)
	case http.StatusConflict:
		return fmt.Errorf("conflict: %s (%s)", apiErr.Error, apiErr.Code)
	case http.StatusRequestTimeout:
		return fmt.Errorf("agent timeout: %s (%s)", apiErr.Error, apiErr.Code)
	}
	if statusCode >= 400 && statusCode < 500 {
		return backoff.Permanent(fmt.Errorf("%w: HTTP %d: %s (%s)", ErrRejected, statusCode, apiErr.Error, apiErr.Code))
	}
	return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Error, apiErr.Code)
}
