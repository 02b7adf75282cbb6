package approval

import (
	"context"
	"strings"
	"time"

	"github.com/MEKXH/agentgate/internal/audit"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// ParseStatus validates a status literal. Empty input is allowed and
// returns "".
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return st, true
	}
	return "", false
}

// Urgency is informational; it affects display and policy matching only.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency validates an urgency literal; empty means normal.
func ParseUrgency(s string) (Urgency, bool) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UrgencyNormal, true
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return u, true
	}
	return "", false
}

// Request is a persisted approval request. DecidedAt and DecidedBy are set
// iff Status is approved or denied.
type Request struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params"`
	Context        map[string]any `json:"context"`
	Urgency        Urgency        `json:"urgency"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// ExpiredAt reports whether a pending request has passed its deadline.
func (r Request) ExpiredAt(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// CreateInput contains fields needed to create an approval request.
// ExpiresAt wins over TTL when both are set.
type CreateInput struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Urgency   string         `json:"urgency,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	TTL       time.Duration  `json:"-"`
	// Actor is recorded in the creation audit entry.
	Actor string `json:"-"`
}

// DecisionInput contains fields needed to approve or deny a request.
type DecisionInput struct {
	Decision  Status `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

// Query filters requests when listing.
type Query struct {
	Status Status
	Action string
	// ExpiresBefore selects pending requests whose deadline is at or
	// before the given time.
	ExpiresBefore *time.Time
	Limit         int
	Offset        int
}

// Transition is one pending-to-terminal move applied with its audit entry.
// The repository applies it only if the request is still pending.
type Transition struct {
	ID        string
	To        Status
	At        time.Time
	DecidedBy string
	Reason    string
	Audit     audit.Entry
}

// Repository is the storage contract of the lifecycle manager.
type Repository interface {
	// InsertRequest stores a new request together with its audit entry.
	InsertRequest(ctx context.Context, req Request, entry audit.Entry) error
	RequestByID(ctx context.Context, id string) (Request, error)
	// TransitionRequest atomically applies t when the stored status is
	// pending. A non-pending request yields a conflict error and no writes.
	TransitionRequest(ctx context.Context, t Transition) (Request, error)
	ListRequests(ctx context.Context, q Query) ([]Request, error)
	AuditEntries(ctx context.Context, requestID string) ([]audit.Entry, error)
}
