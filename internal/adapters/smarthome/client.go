// Package smarthome drives the smart-home gateway over HTTP, in the shape of
// a Home-Assistant-style REST service.
package smarthome

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// Client implements adapters.SmartHome.
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

// New creates a smart-home client. token is the gateway bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, token: token, httpc: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type commandRequest struct {
	Device string            `json:"device"`
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

// Apply sends one device command. Rate-limit and server faults come back as
// sentinel.ErrUnavailable (retryable); auth and validation rejections as
// sentinel.ErrPermanent.
func (c *Client) Apply(ctx context.Context, device domain.DeviceID, action string, params map[string]string) error {
	body, err := json.Marshal(commandRequest{Device: string(device), Action: action, Params: params})
	if err != nil {
		return fmt.Errorf("%w: encode command: %v", sentinel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/smart-home/cmd", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", sentinel.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: smart-home gateway: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return classifyStatus(resp, "smart-home")
}

// classifyStatus maps gateway status codes onto the sentinel failure classes.
func classifyStatus(resp *http.Response, gateway string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s auth rejected (%d)", sentinel.ErrPermanent, gateway, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s rate limited", sentinel.ErrUnavailable, gateway)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", sentinel.ErrUnavailable, gateway, resp.StatusCode)
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s rejected request (%d): %s", sentinel.ErrPermanent, gateway, resp.StatusCode, payload)
	}
}
