// Package smarthome is a client for the orchestrator's device control endpoint.
//
// One call maps to one POST /api/smart-home/control request. The client is
// instrumented with otelhttp so each call shows up as a client span.
package smarthome

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/alicevoice/internal/resilience"
)

// DefaultBaseURL is the orchestrator address used when none is configured.
const DefaultBaseURL = "http://localhost:8000"

// DefaultTimeout bounds a single control call.
const DefaultTimeout = 10 * time.Second

const controlPath = "/api/smart-home/control"

// Actions accepted by the control endpoint.
const (
	ActionTurnOn  = "turn_on"
	ActionTurnOff = "turn_off"
	ActionSet     = "set"
)

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// ControlRequest is the body of a control call.
type ControlRequest struct {
	Target     string  `json:"target"`
	Action     string  `json:"action"`
	Brightness *int    `json:"brightness"`
	Color      *string `json:"color"`
}

// Validate reports malformed requests before they reach the network.
func (r ControlRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Target) == "" {
		errs = append(errs, errors.New("target is required"))
	}
	switch r.Action {
	case ActionTurnOn, ActionTurnOff, ActionSet:
	default:
		errs = append(errs, fmt.Errorf("action %q is not one of turn_on, turn_off, set", r.Action))
	}
	if r.Brightness != nil && (*r.Brightness < 0 || *r.Brightness > 100) {
		errs = append(errs, fmt.Errorf("brightness %d is outside 0..100", *r.Brightness))
	}
	return errors.Join(errs...)
}

// ControlResponse is the orchestrator's reply.
type ControlResponse struct {
	Success bool   `json:"success"`
	Target  string `json:"target"`
	Action  string `json:"action"`
}

// StatusError is returned when the orchestrator answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("smarthome: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("smarthome: unexpected status %d: %s", e.Code, e.Body)
}

// Controller is the device control capability the tool dispatcher depends on.
type Controller interface {
	Control(ctx context.Context, req ControlRequest) (*ControlResponse, error)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout. Zero or negative disables the client
// timeout; the caller's context still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = max(d, 0) }
}

// WithHTTPClient replaces the underlying HTTP client. Its transport is used
// as-is (no extra instrumentation).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker routes every call through cb. Build cb with [IsOutage] as its
// failure classifier so rejected requests do not trip it.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// IsOutage reports whether err means the orchestrator is unreachable or
// failing: transport errors and 5xx answers. 4xx answers and cancellation by
// the caller are not outages.
func IsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// Client talks to the device control endpoint. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

var _ Controller = (*Client)(nil)

// New returns a Client for baseURL. An empty baseURL means DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Control validates req and posts it. A non-2xx answer yields a *StatusError
// carrying the response body.
func (c *Client) Control(ctx context.Context, req ControlRequest) (*ControlResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("smarthome: invalid request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("smarthome: marshal request: %w", err)
	}

	if c.breaker == nil {
		return c.post(ctx, req, body)
	}
	var out *ControlResponse
	err = c.breaker.Execute(func() error {
		var err error
		out, err = c.post(ctx, req, body)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("smarthome: orchestrator unavailable: %w", err)
	}
	return out, err
}

func (c *Client) post(ctx context.Context, req ControlRequest, body []byte) (*ControlResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+controlPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("smarthome: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("smarthome: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	out := &ControlResponse{Success: true, Target: req.Target, Action: req.Action}
	// Older orchestrators answer with an empty body on success.
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("smarthome: decode response: %w", err)
	}
	return out, nil
}
