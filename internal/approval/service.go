// Package approval owns the request state machine: creation, automatic and
// human decisions, and expiry.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/permission"
	"github.com/MEKXH/agentgate/internal/policy"
	"github.com/MEKXH/agentgate/internal/tracing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	sweepBatch       = 500

	defaultActor = "api"
)

// Evaluator recommends a decision for a new request.
type Evaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Result, error)
}

// Service orchestrates approval lifecycle operations.
type Service struct {
	repo       Repository
	policies   Evaluator
	events     bus.Sink
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService creates a lifecycle manager. policies and events may be nil.
func NewService(repo Repository, policies Evaluator, events bus.Sink) *Service {
	if events == nil {
		events = bus.Discard{}
	}
	return &Service{
		repo:     repo,
		policies: policies,
		events:   events,
		now:      time.Now,
	}
}

// SetDefaultTTL sets the deadline applied to requests created without one.
// Zero disables it.
func (s *Service) SetDefaultTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	s.defaultTTL = ttl
}

// Create stores a new pending request and applies any automatic decision
// before returning. Creation requires approvals:read.
func (s *Service) Create(ctx context.Context, in CreateInput, perms permission.Set) (req Request, err error) {
	const op = "approval.create"
	ctx, span := tracing.Start(ctx, op, "action", in.Action)
	defer func() { tracing.End(span, err) }()

	if !perms.Has(permission.ApprovalsRead) {
		return Request{}, apperr.Permission(op, "missing permission %s", permission.ApprovalsRead)
	}

	action := strings.TrimSpace(in.Action)
	if action == "" {
		return Request{}, apperr.Validation(op, "action is required")
	}
	urgency, ok := ParseUrgency(in.Urgency)
	if !ok {
		return Request{}, apperr.Validation(op, "invalid urgency %q", in.Urgency)
	}
	if in.TTL < 0 {
		return Request{}, apperr.Validation(op, "ttl must not be negative")
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	switch {
	case in.ExpiresAt != nil:
		at := in.ExpiresAt.UTC()
		expiresAt = &at
	case in.TTL > 0:
		at := now.Add(in.TTL)
		expiresAt = &at
	case s.defaultTTL > 0:
		at := now.Add(s.defaultTTL)
		expiresAt = &at
	}

	actor := strings.TrimSpace(in.Actor)
	if actor == "" {
		actor = defaultActor
	}

	req = Request{
		ID:        newRequestID(),
		Action:    action,
		Params:    nonNil(in.Params),
		Context:   nonNil(in.Context),
		Urgency:   urgency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}

	entry := audit.NewEntry(req.ID, bus.RequestCreated, actor, now, map[string]any{
		"action":  req.Action,
		"urgency": string(req.Urgency),
	})
	if err := s.repo.InsertRequest(ctx, req, entry); err != nil {
		return Request{}, apperr.Storage(op, err)
	}

	slog.Info("approval request created", "request_id", req.ID, "action", req.Action, "urgency", req.Urgency, "actor", actor)
	s.events.Emit(ctx, bus.Event{
		Type:      bus.RequestCreated,
		RequestID: req.ID,
		Actor:     actor,
		Data: map[string]any{
			"action":  req.Action,
			"urgency": string(req.Urgency),
		},
	})

	if req.ExpiredAt(now) {
		req, _, err = s.expireRequest(ctx, req)
		return req, err
	}
	return s.applyPolicy(ctx, req), nil
}

// applyPolicy runs the engine and applies auto decisions. Evaluation and
// storage failures leave the request pending and are logged.
func (s *Service) applyPolicy(ctx context.Context, req Request) Request {
	if s.policies == nil {
		return req
	}

	res, err := s.evaluate(ctx, req)
	if err != nil {
		slog.Error("policy evaluation failed, request left pending", "request_id", req.ID, "action", req.Action, "error", err)
		return req
	}

	var to Status
	switch res.Outcome {
	case policy.OutcomeAutoApprove:
		to = StatusApproved
	case policy.OutcomeAutoDeny:
		to = StatusDenied
	default:
		return req
	}

	reason := fmt.Sprintf("policy %q rule %d", res.Policy, res.RuleIndex)
	decided, err := s.transition(ctx, "approval.auto_decide", req, to, res.PolicyID, reason, audit.ActorPolicy)
	if err != nil {
		slog.Error("auto decision not applied, request left pending",
			"request_id", req.ID,
			"policy_id", res.PolicyID,
			"decision", to,
			"error", err,
		)
		if current, getErr := s.repo.RequestByID(ctx, req.ID); getErr == nil {
			return current
		}
		return req
	}
	return decided
}

func (s *Service) evaluate(ctx context.Context, req Request) (res policy.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindPolicyEvaluation, "approval.evaluate", "panic: %v", r)
		}
	}()
	return s.policies.Evaluate(ctx, policy.Input{
		RequestID: req.ID,
		Action:    req.Action,
		Urgency:   string(req.Urgency),
		Params:    req.Params,
		Context:   req.Context,
	})
}

// ParseDecision accepts approved/denied and their short forms.
func ParseDecision(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return StatusApproved, true
	case "denied", "deny", "rejected", "reject":
		return StatusDenied, true
	}
	return "", false
}

// Decide applies a human or agent decision. Exactly one decision can win;
// later attempts, and attempts on expired requests, fail with a conflict.
func (s *Service) Decide(ctx context.Context, id string, in DecisionInput, perms permission.Set) (req Request, err error) {
	const op = "approval.decide"
	ctx, span := tracing.Start(ctx, op, "request_id", id)
	defer func() { tracing.End(span, err) }()

	if !perms.Has(permission.ApprovalsDecide) {
		return Request{}, apperr.Permission(op, "missing permission %s", permission.ApprovalsDecide)
	}
	to, ok := ParseDecision(string(in.Decision))
	if !ok {
		return Request{}, apperr.Validation(op, "decision must be approved or denied, got %q", in.Decision)
	}
	decidedBy := strings.TrimSpace(in.DecidedBy)
	if decidedBy == "" {
		return Request{}, apperr.Validation(op, "decided_by is required")
	}

	current, err := s.load(ctx, op, id)
	if err != nil {
		return Request{}, err
	}
	if current.ExpiredAt(s.now().UTC()) {
		if _, _, err := s.expireRequest(ctx, current); err != nil {
			return Request{}, err
		}
		return Request{}, apperr.Conflict(op, "request %s has expired", current.ID)
	}
	if current.Status.Terminal() {
		return Request{}, apperr.Conflict(op, "request %s is already %s", current.ID, current.Status)
	}

	return s.transition(ctx, op, current, to, decidedBy, strings.TrimSpace(in.Reason), decidedBy)
}

// Get returns a request, expiring it first when its deadline has passed.
func (s *Service) Get(ctx context.Context, id string, perms permission.Set) (Request, error) {
	const op = "approval.get"
	if !perms.Has(permission.ApprovalsRead) {
		return Request{}, apperr.Permission(op, "missing permission %s", permission.ApprovalsRead)
	}
	req, err := s.load(ctx, op, id)
	if err != nil {
		return Request{}, err
	}
	if req.ExpiredAt(s.now().UTC()) {
		req, _, err = s.expireRequest(ctx, req)
		return req, err
	}
	return req, nil
}

// Expire moves a pending request past its deadline to expired. Calling it on
// any other request is a no-op that returns the current state.
func (s *Service) Expire(ctx context.Context, id string) (Request, error) {
	req, err := s.load(ctx, "approval.expire", id)
	if err != nil {
		return Request{}, err
	}
	if !req.ExpiredAt(s.now().UTC()) {
		return req, nil
	}
	req, _, err = s.expireRequest(ctx, req)
	return req, err
}

// List returns requests matching q, newest first. Expired pending entries
// are transitioned before being returned.
func (s *Service) List(ctx context.Context, q Query, perms permission.Set) ([]Request, error) {
	const op = "approval.list"
	if !perms.Has(permission.ApprovalsRead) {
		return nil, apperr.Permission(op, "missing permission %s", permission.ApprovalsRead)
	}
	if q.Limit == 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit < 0 || q.Limit > maxListLimit {
		return nil, apperr.Validation(op, "limit must be between 1 and %d", maxListLimit)
	}
	if q.Offset < 0 {
		return nil, apperr.Validation(op, "offset must not be negative")
	}
	if _, ok := ParseStatus(string(q.Status)); !ok {
		return nil, apperr.Validation(op, "invalid status %q", q.Status)
	}

	reqs, err := s.repo.ListRequests(ctx, q)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	now := s.now().UTC()
	out := reqs[:0]
	for _, req := range reqs {
		if req.ExpiredAt(now) {
			if req, _, err = s.expireRequest(ctx, req); err != nil {
				return nil, err
			}
		}
		if q.Status != "" && req.Status != q.Status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// ExpirePending expires every pending request whose deadline has passed and
// returns the ones this call transitioned.
func (s *Service) ExpirePending(ctx context.Context) ([]Request, error) {
	const op = "approval.expire_pending"
	now := s.now().UTC()
	due, err := s.repo.ListRequests(ctx, Query{Status: StatusPending, ExpiresBefore: &now, Limit: sweepBatch})
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	expired := make([]Request, 0, len(due))
	for _, req := range due {
		if !req.ExpiredAt(now) {
			continue
		}
		updated, changed, err := s.expireRequest(ctx, req)
		if err != nil {
			return expired, err
		}
		if changed {
			expired = append(expired, updated)
		}
	}
	return expired, nil
}

// History returns the audit trail of a request, oldest first.
func (s *Service) History(ctx context.Context, id string, perms permission.Set) ([]audit.Entry, error) {
	const op = "approval.history"
	if !perms.Has(permission.AuditRead) {
		return nil, apperr.Permission(op, "missing permission %s", permission.AuditRead)
	}
	req, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.AuditEntries(ctx, req.ID)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	return entries, nil
}

func (s *Service) load(ctx context.Context, op, id string) (Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, apperr.Validation(op, "id is required")
	}
	req, err := s.repo.RequestByID(ctx, id)
	if err != nil {
		return Request{}, apperr.Storage(op, err)
	}
	return req, nil
}

// expireRequest transitions req to expired. Losing the race to another
// transition is not an error; the stored state is returned with changed
// set to false.
func (s *Service) expireRequest(ctx context.Context, req Request) (Request, bool, error) {
	updated, err := s.transition(ctx, "approval.expire", req, StatusExpired, "", "", audit.ActorSystem)
	if err == nil {
		return updated, true, nil
	}
	if apperr.Is(err, apperr.KindConflict) {
		current, err := s.load(ctx, "approval.expire", req.ID)
		return current, false, err
	}
	return Request{}, false, err
}

func (s *Service) transition(ctx context.Context, op string, req Request, to Status, decidedBy, reason, actor string) (Request, error) {
	now := s.now().UTC()

	details := map[string]any{"from": string(req.Status), "to": string(to)}
	eventType := bus.RequestDecided
	if to == StatusExpired {
		eventType = bus.RequestExpired
	} else {
		details["decided_by"] = decidedBy
		if reason != "" {
			details["reason"] = reason
		}
	}

	updated, err := s.repo.TransitionRequest(ctx, Transition{
		ID:        req.ID,
		To:        to,
		At:        now,
		DecidedBy: decidedBy,
		Reason:    reason,
		Audit:     audit.NewEntry(req.ID, eventType, actor, now, details),
	})
	if err != nil {
		return Request{}, apperr.Storage(op, err)
	}

	elapsed := now.Sub(req.CreatedAt).Milliseconds()
	if to == StatusExpired {
		slog.Info("approval request expired", "request_id", updated.ID, "pending_ms", elapsed)
		s.events.Emit(ctx, bus.Event{
			Type:      bus.RequestExpired,
			RequestID: updated.ID,
			Actor:     actor,
			Data:      map[string]any{"action": updated.Action, "pending_ms": elapsed},
		})
		return updated, nil
	}

	slog.Info("approval request decided",
		"request_id", updated.ID,
		"decision", updated.Status,
		"decided_by", updated.DecidedBy,
		"elapsed_ms", elapsed,
	)
	s.events.Emit(ctx, bus.Event{
		Type:      bus.RequestDecided,
		RequestID: updated.ID,
		Actor:     actor,
		Data: map[string]any{
			"action":     updated.Action,
			"decision":   string(updated.Status),
			"decided_by": updated.DecidedBy,
			"reason":     updated.DecisionReason,
			"auto":       actor == audit.ActorPolicy,
			"elapsed_ms": elapsed,
		},
	})
	return updated, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
