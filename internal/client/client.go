// Package client is the Go SDK agents use to ask the gate for approval.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultURL     = "http://localhost:3000"
	DefaultTimeout = 10 * time.Second

	defaultMaxRetries   = 3
	defaultPollInterval = 2 * time.Second
)

var retryBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Fallback is what RequestApprovalSafe returns when the gate is unreachable.
type Fallback string

const (
	FallbackDeny  Fallback = "deny"
	FallbackAllow Fallback = "allow"
)

// FallbackID is the id of synthetic requests returned on connectivity failure.
const FallbackID = "fallback"

// Options configures a Client. Zero values fall back to AGENTGATE_URL,
// AGENTGATE_API_KEY and AGENTGATE_TIMEOUT, then to the package defaults.
type Options struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	Fallback   Fallback
	MaxRetries *int
	HTTPClient *http.Client
}

// Client talks to the gate over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	fallback   Fallback
	maxRetries int
	http       *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a client.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimSpace(opts.URL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("AGENTGATE_URL"))
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid gate url %q: %w", baseURL, err)
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("AGENTGATE_API_KEY")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		if raw := strings.TrimSpace(os.Getenv("AGENTGATE_TIMEOUT")); raw != "" {
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil || secs <= 0 {
				return nil, fmt.Errorf("invalid AGENTGATE_TIMEOUT %q", raw)
			}
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	fallback := Fallback(strings.ToLower(strings.TrimSpace(string(opts.Fallback))))
	switch fallback {
	case "":
		fallback = FallbackDeny
	case FallbackDeny, FallbackAllow:
	default:
		return nil, fmt.Errorf("invalid fallback %q: expected deny or allow", opts.Fallback)
	}

	maxRetries := defaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > len(retryBackoffs) {
		maxRetries = len(retryBackoffs)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		fallback:   fallback,
		maxRetries: maxRetries,
		http:       httpClient,
		sleep:      sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Error is returned for every failed call. Connectivity is set when the
// gate could not be reached at all.
type Error struct {
	StatusCode   int
	Type         string
	Message      string
	ResetMs      int64
	Connectivity bool
	err          error
}

func (e *Error) Error() string {
	switch {
	case e.Connectivity:
		return "agentgate: " + e.Message
	case e.Type != "":
		return fmt.Sprintf("agentgate: %d %s: %s", e.StatusCode, e.Type, e.Message)
	default:
		return fmt.Sprintf("agentgate: %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.err }

// IsConnectivity reports whether err means the gate was unreachable.
func IsConnectivity(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Connectivity
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// do sends one call with retries and decodes the JSON response into out.
// out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	backoffs := retryBackoffs[:c.maxRetries]
	for attempt := 0; ; attempt++ {
		status, data, err := c.send(ctx, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Message: ctx.Err().Error(), Connectivity: true, err: ctx.Err()}
			}
			if attempt < len(backoffs) {
				slog.Warn("agentgate connection error, retrying",
					"attempt", attempt+1,
					"max_attempts", len(backoffs)+1,
					"backoff", backoffs[attempt],
					"error", err,
				)
				if err := c.sleep(ctx, backoffs[attempt]); err != nil {
					return &Error{Message: err.Error(), Connectivity: true, err: err}
				}
				continue
			}
			return &Error{Message: "connection failed: " + err.Error(), Connectivity: true, err: err}
		}

		if retryableStatus(status) && attempt < len(backoffs) {
			slog.Warn("agentgate returned server error, retrying",
				"status", status,
				"attempt", attempt+1,
				"max_attempts", len(backoffs)+1,
				"backoff", backoffs[attempt],
			)
			if err := c.sleep(ctx, backoffs[attempt]); err != nil {
				return &Error{Message: err.Error(), Connectivity: true, err: err}
			}
			continue
		}

		if status >= 400 {
			return decodeError(status, data)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func decodeError(status int, data []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			ResetMs int64  `json:"reset_ms"`
		} `json:"error"`
	}
	e := &Error{StatusCode: status}
	if json.Unmarshal(data, &envelope) == nil {
		e.Type = envelope.Error.Type
		e.Message = envelope.Error.Message
		e.ResetMs = envelope.Error.ResetMs
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d", status)
	}
	return e
}
