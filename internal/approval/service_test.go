package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/permission"
	"github.com/MEKXH/agentgate/internal/policy"
)

var (
	readOnly = permission.Set{permission.ApprovalsRead}
	decider  = permission.Set{permission.ApprovalsRead, permission.ApprovalsDecide, permission.AuditRead}
)

// fakeRepo is a Repository with a single consistent-write point per
// request and injectable failures.
type fakeRepo struct {
	mu            sync.Mutex
	requests      map[string]Request
	audit         map[string][]audit.Entry
	insertErr     error
	transitionErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{requests: map[string]Request{}, audit: map[string][]audit.Entry{}}
}

func (f *fakeRepo) InsertRequest(_ context.Context, req Request, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.requests[req.ID] = req
	f.audit[req.ID] = append(f.audit[req.ID], entry)
	return nil
}

func (f *fakeRepo) RequestByID(_ context.Context, id string) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return Request{}, apperr.NotFound("fake", "request %s not found", id)
	}
	return req, nil
}

func (f *fakeRepo) TransitionRequest(_ context.Context, t Transition) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return Request{}, f.transitionErr
	}
	req, ok := f.requests[t.ID]
	if !ok {
		return Request{}, apperr.NotFound("fake", "request %s not found", t.ID)
	}
	if req.Status != StatusPending {
		return Request{}, apperr.Conflict("fake", "request %s is %s", t.ID, req.Status)
	}
	req.Status = t.To
	req.UpdatedAt = t.At
	if t.To == StatusApproved || t.To == StatusDenied {
		at := t.At
		req.DecidedAt = &at
		req.DecidedBy = t.DecidedBy
		req.DecisionReason = t.Reason
	}
	f.requests[t.ID] = req
	f.audit[t.ID] = append(f.audit[t.ID], t.Audit)
	return req, nil
}

func (f *fakeRepo) ListRequests(_ context.Context, q Query) ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.ExpiresBefore != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*q.ExpiresBefore)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeRepo) AuditEntries(_ context.Context, id string) ([]audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Entry(nil), f.audit[id]...), nil
}

type evaluatorFunc func(ctx context.Context, in policy.Input) (policy.Result, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, in policy.Input) (policy.Result, error) {
	return f(ctx, in)
}

type captureSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *captureSink) Emit(_ context.Context, e bus.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureSink) ofType(typ string) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T, eval Evaluator) (*Service, *fakeRepo, *captureSink, *time.Time) {
	t.Helper()
	repo := newFakeRepo()
	sink := &captureSink{}
	svc := NewService(repo, eval, sink)
	now := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, repo, sink, &now
}

func TestService_CreateAndDecideFlow(t *testing.T) {
	svc, repo, sink, now := newTestService(t, nil)
	created := *now

	req, err := svc.Create(context.Background(), CreateInput{
		Action:  "deploy:production",
		Params:  map[string]any{"service": "api"},
		Urgency: "high",
		Actor:   "ci-bot",
	}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected status %q, got %q", StatusPending, req.Status)
	}
	if req.DecidedAt != nil || req.DecidedBy != "" {
		t.Fatal("pending request must not carry decision fields")
	}
	if req.Urgency != UrgencyHigh || !req.CreatedAt.Equal(created) {
		t.Fatalf("unexpected request: %+v", req)
	}

	*now = created.Add(90 * time.Second)
	decided, err := svc.Decide(context.Background(), req.ID, DecisionInput{
		Decision:  StatusApproved,
		DecidedBy: "alice",
		Reason:    "looks good",
	}, decider)
	if err != nil {
		t.Fatalf("Decide error: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedBy != "alice" || decided.DecisionReason != "looks good" {
		t.Fatalf("unexpected decided request: %+v", decided)
	}
	if decided.DecidedAt == nil || !decided.DecidedAt.Equal(*now) || !decided.UpdatedAt.Equal(*now) {
		t.Fatalf("unexpected decision timestamps: %+v", decided)
	}

	_, err = svc.Decide(context.Background(), req.ID, DecisionInput{Decision: StatusDenied, DecidedBy: "bob"}, decider)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on second decide, got %v", err)
	}
	stored, _ := repo.RequestByID(context.Background(), req.ID)
	if stored.Status != StatusApproved || stored.DecidedBy != "alice" {
		t.Fatalf("second decide must not overwrite: %+v", stored)
	}

	decidedEvents := sink.ofType(bus.RequestDecided)
	if len(decidedEvents) != 1 {
		t.Fatalf("expected 1 request.decided event, got %d", len(decidedEvents))
	}
	if decidedEvents[0].Data["elapsed_ms"] != int64(90_000) {
		t.Fatalf("expected elapsed_ms 90000, got %v", decidedEvents[0].Data["elapsed_ms"])
	}
	if len(sink.ofType(bus.RequestCreated)) != 1 {
		t.Fatal("expected request.created event")
	}

	history, err := svc.History(context.Background(), req.ID, decider)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 2 || history[0].EventType != bus.RequestCreated || history[1].Actor != "alice" {
		t.Fatalf("unexpected audit trail: %+v", history)
	}
	if history[0].Actor != "ci-bot" {
		t.Fatalf("expected creation actor ci-bot, got %q", history[0].Actor)
	}
}

func TestService_ConcurrentDecideHasOneWinner(t *testing.T) {
	svc, repo, _, _ := newTestService(t, nil)
	req, err := svc.Create(context.Background(), CreateInput{Action: "rotate_keys"}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := StatusApproved
			if i%2 == 1 {
				decision = StatusDenied
			}
			_, err := svc.Decide(context.Background(), req.ID, DecisionInput{Decision: decision, DecidedBy: "agent"}, decider)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case apperr.Is(err, apperr.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d/%d", attempts-1, wins, conflicts)
	}
	if n := len(repo.audit[req.ID]); n != 2 {
		t.Fatalf("expected exactly one transition audit row, got %d rows", n)
	}
}

func TestService_AutoDenyByPolicy(t *testing.T) {
	eval := evaluatorFunc(func(_ context.Context, in policy.Input) (policy.Result, error) {
		if in.Action == "send_email" {
			return policy.Result{Outcome: policy.OutcomeAutoDeny, Matched: true, PolicyID: "pol-1", Policy: "no-email", Decision: policy.DecisionAutoDeny}, nil
		}
		return policy.Result{Outcome: policy.OutcomeNoDecision}, nil
	})
	svc, repo, sink, _ := newTestService(t, eval)

	req, err := svc.Create(context.Background(), CreateInput{Action: "send_email"}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.Status != StatusDenied {
		t.Fatalf("expected immediate denial, got %q", req.Status)
	}
	if req.DecidedBy != "pol-1" || req.DecidedAt == nil {
		t.Fatalf("expected decision attributed to policy, got %+v", req)
	}

	entries := repo.audit[req.ID]
	if len(entries) != 2 || entries[1].Actor != audit.ActorPolicy {
		t.Fatalf("expected policy audit actor, got %+v", entries)
	}
	decided := sink.ofType(bus.RequestDecided)
	if len(decided) != 1 || decided[0].Data["auto"] != true {
		t.Fatalf("expected one auto request.decided event, got %+v", decided)
	}

	other, _ := svc.Create(context.Background(), CreateInput{Action: "read_file"}, readOnly)
	if other.Status != StatusPending {
		t.Fatalf("unmatched request should stay pending, got %q", other.Status)
	}
}

func TestService_AutoApproveByPolicy(t *testing.T) {
	eval := evaluatorFunc(func(context.Context, policy.Input) (policy.Result, error) {
		return policy.Result{Outcome: policy.OutcomeAutoApprove, Matched: true, PolicyID: "pol-ok"}, nil
	})
	svc, _, _, _ := newTestService(t, eval)

	req, err := svc.Create(context.Background(), CreateInput{Action: "read_docs"}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.Status != StatusApproved || req.DecidedBy != "pol-ok" {
		t.Fatalf("expected auto approval, got %+v", req)
	}
}

func TestService_PolicyFailureLeavesRequestPending(t *testing.T) {
	tests := []struct {
		name string
		eval Evaluator
	}{
		{
			name: "error",
			eval: evaluatorFunc(func(context.Context, policy.Input) (policy.Result, error) {
				return policy.Result{}, apperr.Wrap(apperr.KindPolicyEvaluation, "test", errors.New("cache down"))
			}),
		},
		{
			name: "panic",
			eval: evaluatorFunc(func(context.Context, policy.Input) (policy.Result, error) {
				panic("bad rule")
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _, _ := newTestService(t, tt.eval)
			req, err := svc.Create(context.Background(), CreateInput{Action: "send_email"}, readOnly)
			if err != nil {
				t.Fatalf("Create must not fail on policy errors: %v", err)
			}
			if req.Status != StatusPending {
				t.Fatalf("expected pending, got %q", req.Status)
			}
		})
	}
}

func TestService_ExpiredOnNextGet(t *testing.T) {
	svc, _, sink, now := newTestService(t, nil)
	past := now.Add(-time.Minute)

	req, err := svc.Create(context.Background(), CreateInput{Action: "deploy", ExpiresAt: &past}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.Status != StatusExpired {
		t.Fatalf("request past its deadline must not be returned pending, got %q", req.Status)
	}

	got, err := svc.Get(context.Background(), req.ID, readOnly)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %q", got.Status)
	}
	if got.DecidedAt != nil || got.DecidedBy != "" {
		t.Fatalf("expired request must not carry decision fields: %+v", got)
	}
	if n := len(sink.ofType(bus.RequestExpired)); n != 1 {
		t.Fatalf("expected one request.expired event, got %d", n)
	}
}

func TestService_LazyExpiryOnGetAndDecide(t *testing.T) {
	svc, _, sink, now := newTestService(t, nil)
	start := *now

	req, _ := svc.Create(context.Background(), CreateInput{Action: "deploy", TTL: 30 * time.Second}, readOnly)
	*now = start.Add(31 * time.Second)

	_, err := svc.Decide(context.Background(), req.ID, DecisionInput{Decision: StatusApproved, DecidedBy: "alice"}, decider)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict deciding an expired request, got %v", err)
	}

	got, _ := svc.Get(context.Background(), req.ID, readOnly)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %q", got.Status)
	}

	expired := sink.ofType(bus.RequestExpired)
	if len(expired) != 1 {
		t.Fatalf("expected exactly one expiry event, got %d", len(expired))
	}
	if expired[0].Data["pending_ms"] != int64(31_000) {
		t.Fatalf("expected pending_ms 31000, got %v", expired[0].Data["pending_ms"])
	}

	again, err := svc.Expire(context.Background(), req.ID)
	if err != nil || again.Status != StatusExpired {
		t.Fatalf("Expire must be idempotent, got %+v err=%v", again, err)
	}
	if len(sink.ofType(bus.RequestExpired)) != 1 {
		t.Fatal("repeated expiry must not emit again")
	}
}

func TestService_ExpirePendingSweep(t *testing.T) {
	svc, _, _, now := newTestService(t, nil)
	start := *now

	soon, _ := svc.Create(context.Background(), CreateInput{Action: "exec", TTL: 30 * time.Second}, readOnly)
	later, _ := svc.Create(context.Background(), CreateInput{Action: "exec", TTL: 5 * time.Minute}, readOnly)
	never, _ := svc.Create(context.Background(), CreateInput{Action: "exec"}, readOnly)

	*now = start.Add(31 * time.Second)
	sweeper := NewSweeper(svc, time.Hour)
	if n := sweeper.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 expired request, got %d", n)
	}

	got, _ := svc.Get(context.Background(), soon.ID, readOnly)
	if got.Status != StatusExpired {
		t.Fatalf("expected %s expired, got %q", soon.ID, got.Status)
	}

	pending, err := svc.List(context.Background(), Query{Status: StatusPending}, readOnly)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range pending {
		ids[r.ID] = true
	}
	if len(pending) != 2 || !ids[later.ID] || !ids[never.ID] {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestService_ListAppliesLazyExpiry(t *testing.T) {
	svc, _, _, now := newTestService(t, nil)
	start := *now
	svc.Create(context.Background(), CreateInput{Action: "exec", TTL: time.Second}, readOnly)
	*now = start.Add(2 * time.Second)

	pending, err := svc.List(context.Background(), Query{Status: StatusPending}, readOnly)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expired request must not be listed as pending, got %d", len(pending))
	}
}

func TestService_DefaultTTLApplied(t *testing.T) {
	svc, _, _, now := newTestService(t, nil)
	svc.SetDefaultTTL(15 * time.Minute)

	req, err := svc.Create(context.Background(), CreateInput{Action: "exec"}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if req.ExpiresAt == nil || !req.ExpiresAt.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("expected default ttl deadline, got %v", req.ExpiresAt)
	}
}

func TestService_Permissions(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	if _, err := svc.Create(context.Background(), CreateInput{Action: "x"}, nil); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected permission error for empty set, got %v", err)
	}
	req, _ := svc.Create(context.Background(), CreateInput{Action: "x"}, readOnly)
	if _, err := svc.Decide(context.Background(), req.ID, DecisionInput{Decision: StatusApproved, DecidedBy: "a"}, readOnly); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected permission error deciding with read-only set, got %v", err)
	}
	if _, err := svc.History(context.Background(), req.ID, readOnly); !apperr.Is(err, apperr.KindPermission) {
		t.Fatalf("expected permission error reading audit, got %v", err)
	}
	if _, err := svc.Decide(context.Background(), req.ID, DecisionInput{Decision: StatusApproved, DecidedBy: "a"}, permission.Set{permission.Wildcard}); err != nil {
		t.Fatalf("wildcard should decide: %v", err)
	}
}

func TestService_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		run  func() error
	}{
		{"empty action", func() error { _, err := svc.Create(ctx, CreateInput{Action: "  "}, readOnly); return err }},
		{"bad urgency", func() error { _, err := svc.Create(ctx, CreateInput{Action: "x", Urgency: "asap"}, readOnly); return err }},
		{"negative ttl", func() error { _, err := svc.Create(ctx, CreateInput{Action: "x", TTL: -time.Second}, readOnly); return err }},
		{"bad decision", func() error {
			_, err := svc.Decide(ctx, "id", DecisionInput{Decision: "maybe", DecidedBy: "a"}, decider)
			return err
		}},
		{"missing decider", func() error {
			_, err := svc.Decide(ctx, "id", DecisionInput{Decision: StatusApproved}, decider)
			return err
		}},
		{"bad limit", func() error { _, err := svc.List(ctx, Query{Limit: 10_000}, readOnly); return err }},
		{"bad status", func() error { _, err := svc.List(ctx, Query{Status: "done"}, readOnly); return err }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.run(); !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := svc.Get(ctx, "missing", readOnly); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestService_StorageErrorsAreRetryable(t *testing.T) {
	svc, repo, _, _ := newTestService(t, nil)
	repo.insertErr = errors.New("connection reset")

	_, err := svc.Create(context.Background(), CreateInput{Action: "x"}, readOnly)
	if !apperr.Is(err, apperr.KindStorage) || !apperr.KindOf(err).Retryable() {
		t.Fatalf("expected retryable storage error, got %v", err)
	}

	repo.insertErr = nil
	req, _ := svc.Create(context.Background(), CreateInput{Action: "x"}, readOnly)
	repo.transitionErr = errors.New("deadlock detected")
	_, err = svc.Decide(context.Background(), req.ID, DecisionInput{Decision: StatusApproved, DecidedBy: "a"}, decider)
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	stored, _ := repo.RequestByID(context.Background(), req.ID)
	if stored.Status != StatusPending {
		t.Fatalf("failed transition must leave request pending, got %q", stored.Status)
	}
}

func TestParseUrgencyAndStatus(t *testing.T) {
	if u, ok := ParseUrgency(""); !ok || u != UrgencyNormal {
		t.Fatalf("empty urgency should default to normal, got %q", u)
	}
	if u, ok := ParseUrgency(" CRITICAL "); !ok || u != UrgencyCritical {
		t.Fatalf("expected critical, got %q", u)
	}
	if _, ok := ParseStatus("archived"); ok {
		t.Fatal("unknown status should be rejected")
	}
	if d, ok := ParseDecision("deny"); !ok || d != StatusDenied {
		t.Fatalf("expected deny to map to denied, got %q", d)
	}
}
