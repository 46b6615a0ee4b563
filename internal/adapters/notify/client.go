// Package notify sends SMS and email through the notification gateway. The
// gateway is a shared household service, so the client carries a circuit
// breaker: a dead gateway fails fast instead of stalling the retry budget of
// every notification job.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// Client implements adapters.Notifier.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a notification gateway client.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, token: token, httpc: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-gateway",
		MaxRequests: 2,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

type sendRequest struct {
	Channel    string            `json:"channel"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Send delivers one templated notification. An open breaker reports as
// retryable so the dispatcher's backoff naturally paces recovery probes.
func (c *Client) Send(ctx context.Context, channel, recipient, templateID string, fields map[string]string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.send(ctx, channel, recipient, templateID, fields)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: notify gateway circuit open", sentinel.ErrUnavailable)
	}
	return err
}

func (c *Client) send(ctx context.Context, channel, recipient, templateID string, fields map[string]string) error {
	body, err := json.Marshal(sendRequest{
		Channel:    channel,
		Recipient:  recipient,
		TemplateID: templateID,
		Fields:     fields,
	})
	if err != nil {
		return fmt.Errorf("%w: encode notification: %v", sentinel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/notify/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", sentinel.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: notify gateway: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: notify auth rejected (%d)", sentinel.ErrPermanent, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: notify gateway returned %d", sentinel.ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: notify gateway rejected request (%d)", sentinel.ErrPermanent, resp.StatusCode)
	}
}
