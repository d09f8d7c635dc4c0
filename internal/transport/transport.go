package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offline-meal-queue/internal/models"
)

var (
	// ErrRejected marks a 4xx answer. The record will not succeed by retrying
	// as-is, though the queue still keeps it.
	ErrRejected = errors.New("delivery rejected")
	// ErrUnavailable marks transport errors and non-2xx answers outside 4xx.
	ErrUnavailable = errors.New("backend unavailable")
)

// Result describes one delivery attempt.
type Result struct {
	StatusCode int
	Err        error
}

// OK reports whether the backend acknowledged the event with a 2xx.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Permanent reports whether the backend rejected the payload itself.
func (r Result) Permanent() bool {
	return errors.Is(r.Err, ErrRejected)
}

// Label names the outcome for metrics: success, rejected or transient.
func (r Result) Label() string {
	switch {
	case r.OK():
		return "success"
	case r.Permanent():
		return "rejected"
	default:
		return "transient"
	}
}

// Transport delivers one meal event to the backend.
type Transport interface {
	Deliver(ctx context.Context, meal models.MealCollection) Result
}

// TokenSource yields the bearer token attached to outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. The empty token sends no header.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// HTTPTransport posts events as JSON to the submission endpoint.
type HTTPTransport struct {
	client    *http.Client
	submitURL string
	tokens    TokenSource
}

// NewHTTP builds a transport for baseURL+submitPath with a per-request timeout.
func NewHTTP(baseURL, submitPath string, timeout time.Duration, tokens TokenSource) *HTTPTransport {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		submitURL: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(submitPath, "/"),
		tokens:    tokens,
	}
}

// Deliver performs exactly one POST. Any non-2xx or transport error is a failure.
func (t *HTTPTransport) Deliver(ctx context.Context, meal models.MealCollection) Result {
	body, err := json.Marshal(meal)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal meal: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.submitURL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if meal.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", meal.IdempotencyKey)
	}
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return Result{Err: fmt.Errorf("acquire token: %w", err)}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)}
	default:
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)}
	}
}
