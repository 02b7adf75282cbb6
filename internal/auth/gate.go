// Package auth admits callers: it resolves a bearer secret to a key and
// charges the key's rate limit.
package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/permission"
	"github.com/MEKXH/agentgate/internal/ratelimit"
)

// Validator resolves a plaintext secret to a live key.
type Validator interface {
	Validate(ctx context.Context, plaintext string) (apikey.Key, error)
}

// Caller is an admitted principal.
type Caller struct {
	KeyID       string
	Name        string
	Permissions permission.Set
	Limit       ratelimit.Result
}

// Gate validates credentials and enforces per-key limits.
type Gate struct {
	keys    Validator
	limiter ratelimit.Limiter
	events  bus.Sink
}

// NewGate creates a gate. Each key is charged against its own limit; keys
// issued without one are unlimited.
func NewGate(keys Validator, limiter ratelimit.Limiter, events bus.Sink) *Gate {
	if events == nil {
		events = bus.Discard{}
	}
	return &Gate{keys: keys, limiter: limiter, events: events}
}

// BearerToken extracts the secret from an Authorization header value.
// A bare token without the scheme is accepted too.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Admit authenticates the secret and consumes one slot of its window.
// Unknown or revoked keys are unauthenticated; an exhausted window returns a
// rate limited error carrying the reset hint. Limiter backend failures are
// storage errors so the caller may retry.
func (g *Gate) Admit(ctx context.Context, secret string) (Caller, error) {
	const op = "auth.admit"

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Caller{}, apperr.Unauthenticated(op, "missing api key")
	}
	key, err := g.keys.Validate(ctx, secret)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Caller{}, apperr.Unauthenticated(op, "invalid api key")
		}
		return Caller{}, err
	}

	caller := Caller{
		KeyID:       key.ID,
		Name:        key.Name,
		Permissions: key.Permissions(),
	}

	limit := key.Limit()
	if g.limiter == nil || limit == 0 {
		caller.Limit = ratelimit.Result{Allowed: true, Remaining: -1}
		return caller, nil
	}

	res, err := g.limiter.Check(ctx, key.ID, limit)
	if err != nil {
		return Caller{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	caller.Limit = res
	if !res.Allowed {
		slog.Warn("rate limit exceeded", "key_id", key.ID, "limit", res.Limit, "reset_ms", res.ResetMs)
		g.events.Emit(ctx, bus.Event{
			Type:  bus.RateLimitExceeded,
			Actor: key.Name,
			Data: map[string]any{
				"key_id":   key.ID,
				"limit":    res.Limit,
				"reset_ms": res.ResetMs,
			},
		})
		return caller, apperr.RateLimited(op, res.ResetMs)
	}
	return caller, nil
}
