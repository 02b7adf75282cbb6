package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// ApprovalRequest mirrors the server's request representation.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Urgency        string         `json:"urgency"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`

	// Fallback is set on synthetic requests built when the gate was
	// unreachable.
	Fallback bool `json:"-"`
}

// Decided reports whether the request reached a terminal status.
func (r ApprovalRequest) Decided() bool {
	return isTerminal(r.Status)
}

// Approved reports whether the action may proceed.
func (r ApprovalRequest) Approved() bool {
	return r.Status == "approved"
}

// DecisionResult is the answer to CheckDecision.
type DecisionResult struct {
	ID        string
	Status    string
	Decision  string
	IsDecided bool
	DecidedBy string
	Reason    string
}

func isTerminal(status string) bool {
	switch status {
	case "approved", "denied", "expired":
		return true
	}
	return false
}

// ApprovalInput describes a new request.
type ApprovalInput struct {
	Action    string
	Params    map[string]any
	Context   map[string]any
	Urgency   string
	ExpiresAt *time.Time
	TTL       time.Duration
}

// Policy is a stored policy.
type Policy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Rules       json.RawMessage `json:"rules"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PolicyInput is the writable part of a policy.
type PolicyInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Rules       json.RawMessage `json:"rules"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// Key is API key metadata. The plaintext is only ever in IssuedKey.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Scopes     []string   `json:"scopes"`
	RateLimit  *int       `json:"rate_limit"` // nil = unlimited
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// IssuedKey is returned once by CreateKey.
type IssuedKey struct {
	Key       Key    `json:"key"`
	Plaintext string `json:"plaintext"`
}

type createRequestBody struct {
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Urgency    string         `json:"urgency,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"`
}

// RequestApproval creates an approval request. The returned request may
// already be decided when a policy matched.
func (c *Client) RequestApproval(ctx context.Context, in ApprovalInput) (ApprovalRequest, error) {
	if strings.TrimSpace(in.Action) == "" {
		return ApprovalRequest{}, fmt.Errorf("action is required")
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	body := createRequestBody{
		Action:    in.Action,
		Params:    in.Params,
		Context:   in.Context,
		Urgency:   urgency,
		ExpiresAt: in.ExpiresAt,
	}
	if in.TTL > 0 {
		body.TTLSeconds = int((in.TTL + time.Second - 1) / time.Second)
	}

	var out ApprovalRequest
	if err := c.do(ctx, "POST", "/api/requests", body, &out); err != nil {
		return ApprovalRequest{}, err
	}
	return out, nil
}

// RequestApprovalSafe is RequestApproval with graceful degradation: when
// the gate is unreachable it returns a synthetic request approved or denied
// according to the configured fallback. API errors are still returned.
func (c *Client) RequestApprovalSafe(ctx context.Context, in ApprovalInput) (ApprovalRequest, error) {
	req, err := c.RequestApproval(ctx, in)
	if err == nil {
		return req, nil
	}
	if !IsConnectivity(err) {
		return ApprovalRequest{}, err
	}
	return c.fallbackRequest(in, err), nil
}

func (c *Client) fallbackRequest(in ApprovalInput, cause error) ApprovalRequest {
	status := "denied"
	if c.fallback == FallbackAllow {
		status = "approved"
	}
	slog.Warn("agentgate unreachable, using fallback decision", "action", in.Action, "decision", status, "error", cause)

	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	reqCtx := in.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	urgency := in.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	return ApprovalRequest{
		ID:       FallbackID,
		Action:   in.Action,
		Params:   params,
		Context:  reqCtx,
		Urgency:  urgency,
		Status:   status,
		Fallback: true,
	}
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (ApprovalRequest, error) {
	var out ApprovalRequest
	if err := c.do(ctx, "GET", "/api/requests/"+url.PathEscape(id), nil, &out); err != nil {
		return ApprovalRequest{}, err
	}
	return out, nil
}

// CheckDecision reports the current status of a request.
func (c *Client) CheckDecision(ctx context.Context, id string) (DecisionResult, error) {
	req, err := c.GetRequest(ctx, id)
	if err != nil {
		return DecisionResult{}, err
	}
	res := DecisionResult{
		ID:        req.ID,
		Status:    req.Status,
		IsDecided: req.Decided(),
		DecidedBy: req.DecidedBy,
		Reason:    req.DecisionReason,
	}
	if res.IsDecided {
		res.Decision = req.Status
	}
	return res, nil
}

// WaitForDecision polls until the request is terminal or ctx ends. A zero
// interval polls every two seconds.
func (c *Client) WaitForDecision(ctx context.Context, id string, interval time.Duration) (DecisionResult, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	for {
		res, err := c.CheckDecision(ctx, id)
		if err != nil {
			return DecisionResult{}, err
		}
		if res.IsDecided {
			return res, nil
		}
		if err := c.sleep(ctx, interval); err != nil {
			return res, err
		}
	}
}

// ListRequests lists requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string, limit int) ([]ApprovalRequest, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Requests []ApprovalRequest `json:"requests"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Decide approves or denies a pending request.
func (c *Client) Decide(ctx context.Context, id, decision, decidedBy, reason string) (ApprovalRequest, error) {
	body := map[string]string{"decision": decision}
	if decidedBy != "" {
		body["decided_by"] = decidedBy
	}
	if reason != "" {
		body["reason"] = reason
	}
	var out ApprovalRequest
	if err := c.do(ctx, "POST", "/api/requests/"+url.PathEscape(id)+"/decide", body, &out); err != nil {
		return ApprovalRequest{}, err
	}
	return out, nil
}

// ListPolicies returns every policy. Both a bare array and the
// {"policies": [...]} envelope are accepted.
func (c *Client) ListPolicies(ctx context.Context) ([]Policy, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "GET", "/api/policies", nil, &raw); err != nil {
		return nil, err
	}
	var list []Policy
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Policies []Policy `json:"policies"`
		Data     []Policy `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	if envelope.Policies != nil {
		return envelope.Policies, nil
	}
	return envelope.Data, nil
}

// CreatePolicy stores a new policy.
func (c *Client) CreatePolicy(ctx context.Context, in PolicyInput) (Policy, error) {
	var out Policy
	if err := c.do(ctx, "POST", "/api/policies", in, &out); err != nil {
		return Policy{}, err
	}
	return out, nil
}

// UpdatePolicy replaces the writable fields of the policy with the given id.
func (c *Client) UpdatePolicy(ctx context.Context, id string, in PolicyInput) (Policy, error) {
	var out Policy
	if err := c.do(ctx, "PUT", "/api/policies/"+url.PathEscape(id), in, &out); err != nil {
		return Policy{}, err
	}
	return out, nil
}

// CreateKey issues a key. The plaintext in the result is not retrievable
// again. A nil rateLimit takes the server default and 0 asks for an
// unlimited key.
func (c *Client) CreateKey(ctx context.Context, name string, scopes []string, rateLimit *int) (IssuedKey, error) {
	body := map[string]any{"name": name, "scopes": scopes}
	if rateLimit != nil {
		body["rate_limit"] = *rateLimit
	}
	var out IssuedKey
	if err := c.do(ctx, "POST", "/api/keys", body, &out); err != nil {
		return IssuedKey{}, err
	}
	return out, nil
}

// RevokeKey permanently disables a key.
func (c *Client) RevokeKey(ctx context.Context, id string) (Key, error) {
	var out Key
	if err := c.do(ctx, "DELETE", "/api/keys/"+url.PathEscape(id), nil, &out); err != nil {
		return Key{}, err
	}
	return out, nil
}

// ListKeys returns key metadata.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var out struct {
		Keys []Key `json:"keys"`
	}
	if err := c.do(ctx, "GET", "/api/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}
