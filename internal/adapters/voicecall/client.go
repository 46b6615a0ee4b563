// Package voicecall places outbound calls through the SIP gateway. Call
// acknowledgements (DTMF key, operator token) come back asynchronously via
// the call-ack webhook, not through this client.
package voicecall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// Client implements adapters.Caller.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a SIP gateway client.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, token: token, httpc: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type placeRequest struct {
	ContactID  string `json:"contact_id"`
	Phone      string `json:"phone"`
	IncidentID string `json:"incident_id"`
	StepSeq    int    `json:"step_seq"`
}

type placeResponse struct {
	Status string `json:"status"`
}

// Place asks the gateway to dial a contact. The (incident_id, step_seq) pair
// makes redials idempotent on the gateway side.
func (c *Client) Place(ctx context.Context, contact policy.Contact, incidentID string, stepSeq int) (adapters.CallStatus, error) {
	body, err := json.Marshal(placeRequest{
		ContactID:  string(contact.ID),
		Phone:      contact.Phone,
		IncidentID: incidentID,
		StepSeq:    stepSeq,
	})
	if err != nil {
		return adapters.CallFailed, fmt.Errorf("%w: encode call request: %v", sentinel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sip/call", bytes.NewReader(body))
	if err != nil {
		return adapters.CallFailed, fmt.Errorf("%w: build request: %v", sentinel.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return adapters.CallFailed, fmt.Errorf("%w: sip gateway: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return adapters.CallFailed, fmt.Errorf("%w: sip auth rejected (%d)", sentinel.ErrPermanent, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return adapters.CallFailed, fmt.Errorf("%w: sip gateway returned %d", sentinel.ErrUnavailable, resp.StatusCode)
	}

	var pr placeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return adapters.CallFailed, fmt.Errorf("%w: decode sip reply: %v", sentinel.ErrUnavailable, err)
	}
	switch adapters.CallStatus(pr.Status) {
	case adapters.CallAccepted:
		return adapters.CallAccepted, nil
	case adapters.CallBusy:
		return adapters.CallBusy, nil
	default:
		return adapters.CallFailed, nil
	}
}

// Ack is the webhook body the SIP gateway posts when a callee responds.
type Ack struct {
	IncidentID string `json:"incident_id"`
	ContactID  string `json:"contact_id"`
	Status     string `json:"status"`
}
