package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/SearocIsMe/elderly-companion/internal/policy"
)

// FailureReason names why the LLM stage could not produce a typed intent.
// The values appear verbatim in audit outcomes.
type FailureReason string

// Failure reasons.
const (
	ReasonTimeout     FailureReason = "intent_timeout"
	ReasonSchema      FailureReason = "schema_violation"
	ReasonEndpoint    FailureReason = "endpoint_error"
	ReasonCircuitOpen FailureReason = "circuit_open"
)

// Failure is the typed outcome of an exhausted LLM stage. The orchestrator
// falls back to a conservative chat response; it never fabricates an intent.
type Failure struct {
	Reason FailureReason
	Err    error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("intent failure (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("intent failure (%s)", f.Reason)
}

// Unwrap exposes the cause.
func (f *Failure) Unwrap() error { return f.Err }

// request is the body POSTed to the LLM endpoint.
type request struct {
	SystemPromptVersion  string `json:"system_prompt_version"`
	UserText             string `json:"user_text"`
	SessionSummary       string `json:"session_summary"`
	DomainVocabularyHash string `json:"domain_vocabulary_hash"`
}

// retrySchedule is the bounded backoff between attempts after the first.
var retrySchedule = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}

// Client turns free text into a typed Intent via an external LLM endpoint.
// Emergencies never pass through here; the bypass path runs on rules alone.
type Client struct {
	endpoint      string
	promptVersion string
	httpc         *http.Client
	breaker       *gobreaker.CircuitBreaker
	logger        *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithLogger sets a logger for retry and breaker reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an intent client against the given endpoint URL.
func NewClient(endpoint, promptVersion string, opts ...Option) *Client {
	c := &Client{
		endpoint:      endpoint,
		promptVersion: promptVersion,
		httpc:         &http.Client{},
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intent-llm",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return c
}

// Parse sends the utterance to the LLM endpoint and returns the validated
// typed intent. The caller's ctx carries the hard deadline. Schema violations
// and endpoint errors are retried twice with bounded backoff (200 ms, 500 ms)
// before a Failure surfaces; once ctx is done, Parse returns an
// intent_timeout Failure without retrying.
func (c *Client) Parse(ctx context.Context, text, sessionSummary string, snap *policy.Snapshot) (Intent, error) {
	body, err := json.Marshal(request{
		SystemPromptVersion:  c.promptVersion,
		UserText:             text,
		SessionSummary:       sessionSummary,
		DomainVocabularyHash: snap.VocabularyHash(),
	})
	if err != nil {
		return Intent{}, &Failure{Reason: ReasonEndpoint, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Intent{}, &Failure{Reason: ReasonTimeout, Err: ctx.Err()}
			case <-time.After(retrySchedule[attempt-1]):
			}
		}

		it, err := c.attempt(ctx, body, snap)
		if err == nil {
			return it, nil
		}
		lastErr = err

		var fail *Failure
		if errors.As(err, &fail) && fail.Reason == ReasonCircuitOpen {
			return Intent{}, err
		}
		if ctx.Err() != nil {
			return Intent{}, &Failure{Reason: ReasonTimeout, Err: ctx.Err()}
		}
		c.logger.WarnContext(ctx, "intent parse attempt failed",
			"attempt", attempt+1,
			"error", err,
		)
	}
	var fail *Failure
	if errors.As(lastErr, &fail) {
		return Intent{}, lastErr
	}
	return Intent{}, &Failure{Reason: ReasonEndpoint, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, body []byte, snap *policy.Snapshot) (Intent, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(ctx, body, snap)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Intent{}, &Failure{Reason: ReasonCircuitOpen, Err: err}
		}
		return Intent{}, err
	}
	return result.(Intent), nil
}

func (c *Client) roundTrip(ctx context.Context, body []byte, snap *policy.Snapshot) (Intent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Intent{}, &Failure{Reason: ReasonEndpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Intent{}, &Failure{Reason: ReasonTimeout, Err: err}
		}
		return Intent{}, &Failure{Reason: ReasonEndpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Intent{}, &Failure{
			Reason: ReasonEndpoint,
			Err:    fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, payload),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Intent{}, &Failure{Reason: ReasonEndpoint, Err: err}
	}

	it, err := DecodeStrict(data)
	if err != nil {
		return Intent{}, &Failure{Reason: ReasonSchema, Err: err}
	}
	if err := it.ValidateAgainst(snap); err != nil {
		return Intent{}, &Failure{Reason: ReasonSchema, Err: err}
	}
	return it, nil
}
