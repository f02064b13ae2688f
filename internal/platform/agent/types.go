package agent

// legRequest is the body of prepare and submit calls.
type legRequest struct {
	ArbID     string  `json:"arb_id"`
	LegID     string  `json:"leg_id"`
	Market    string  `json:"market"`
	Selection string  `json:"selection"`
	Odds      float64 `json:"odds"`
	Stake     float64 `json:"stake"`
	Primary   bool    `json:"primary"`
	Attempt   int     `json:"attempt,omitempty"`
}

type prepareResponse struct {
	Status string  `json:"status"`
	Odds   float64 `json:"odds,omitempty"`
}

type submitResponse struct {
	Status string `json:"status"`
	Ticket string `json:"ticket"`
}

// HealthResponse reports whether the agent's browser session is usable.
type HealthResponse struct {
	Status    string `json:"status"`
	Venue     string `json:"venue"`
	LoggedIn  bool   `json:"logged_in"`
	PageReady bool   `json:"page_ready"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
