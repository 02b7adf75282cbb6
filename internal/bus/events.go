package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// Lifecycle event types.
const (
	RequestCreated    = "request.created"
	RequestDecided    = "request.decided"
	RequestExpired    = "request.expired"
	PolicyMatched     = "policy.matched"
	KeyCreated        = "key.created"
	KeyRevoked        = "key.revoked"
	RateLimitExceeded = "rate_limit.exceeded"
)

// Event is a typed lifecycle notification. Data holds event specific
// fields (decision, elapsed_ms, policy_id, ...).
type Event struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
	// TraceID is the transport request id that caused the event, if any.
	TraceID string `json:"trace_id,omitempty"`
}

// Sink receives events. Emit must not block and must not fail the caller.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
