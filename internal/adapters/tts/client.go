// Package tts hands response envelopes to the TTS collaborator over HTTP.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// Client implements adapters.Speaker.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a TTS edge client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, httpc: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Speak posts the audio-out event. The envelope already carries locale and
// urgency; synthesis choices belong to the collaborator.
func (c *Client) Speak(ctx context.Context, env adapters.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", sentinel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/speak", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", sentinel.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: tts edge: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: tts edge returned %d", sentinel.ErrUnavailable, resp.StatusCode)
	}
	return nil
}
