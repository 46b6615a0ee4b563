// Package video controls the emergency WebRTC camera uplink and mints the
// short-lived access tokens family clients present to view it.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SearocIsMe/elderly-companion/pkg/platform/sentinel"
)

// TokenIssuer mints stream access tokens. Tokens are HS256 JWTs scoped to one
// stream and camera set; the uplink service verifies them with the shared
// secret.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer. ttl bounds how long a family client can
// join after an incident opens.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a token for a stream.
func (i *TokenIssuer) Issue(streamID string, cameras []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     streamID,
		"cameras": cameras,
		"iat":     now.Unix(),
		"exp":     now.Add(i.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return signed, nil
}

// Verify parses a stream token and returns the stream id it grants.
func (i *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: stream token", sentinel.ErrExpired)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: stream token has no subject", sentinel.ErrInvalidState)
	}
	return sub, nil
}

// Client implements adapters.Video against the uplink control service.
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

// New creates an uplink control client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, httpc: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type activateRequest struct {
	StreamID    string   `json:"stream_id"`
	Cameras     []string `json:"cameras"`
	AccessToken string   `json:"access_token"`
}

type deactivateRequest struct {
	StreamID string `json:"stream_id"`
}

// Activate starts the uplink for a stream.
func (c *Client) Activate(ctx context.Context, streamID string, cameras []string, accessToken string) error {
	return c.post(ctx, "/video/activate", activateRequest{
		StreamID:    streamID,
		Cameras:     cameras,
		AccessToken: accessToken,
	})
}

// Deactivate stops the uplink for a stream.
func (c *Client) Deactivate(ctx context.Context, streamID string) error {
	return c.post(ctx, "/video/deactivate", deactivateRequest{StreamID: streamID})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode video request: %v", sentinel.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", sentinel.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: video uplink: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: video auth rejected (%d)", sentinel.ErrPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("%w: video uplink returned %d", sentinel.ErrUnavailable, resp.StatusCode)
	}
}
