package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	opts.URL = srv.URL
	if opts.APIKey == "" {
		opts.APIKey = "agk_test"
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func intPtr(n int) *int { return &n }

func TestNew_EnvDefaults(t *testing.T) {
	t.Setenv("AGENTGATE_URL", "http://gate.internal:4000/")
	t.Setenv("AGENTGATE_API_KEY", "agk_env")
	t.Setenv("AGENTGATE_TIMEOUT", "2.5")

	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.baseURL != "http://gate.internal:4000" || c.apiKey != "agk_env" {
		t.Fatalf("unexpected client: %+v", c)
	}
	if c.http.Timeout != 2500*time.Millisecond {
		t.Fatalf("expected 2.5s timeout, got %v", c.http.Timeout)
	}
	if c.fallback != FallbackDeny || c.maxRetries != 3 {
		t.Fatalf("unexpected defaults: fallback=%q retries=%d", c.fallback, c.maxRetries)
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New(Options{Fallback: "maybe"}); err == nil {
		t.Fatal("expected error for invalid fallback")
	}
	t.Setenv("AGENTGATE_TIMEOUT", "soon")
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for invalid timeout")
	}
}

func TestRequestApproval_SendsBearerAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/requests" {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agk_test" {
			t.Errorf("expected bearer header, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "deploy" || body["urgency"] != "normal" || body["ttl_seconds"] != float64(90) {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"req_1","action":"deploy","status":"pending","urgency":"normal"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{})
	req, err := c.RequestApproval(context.Background(), ApprovalInput{
		Action: "deploy",
		Params: map[string]any{"env": "prod"},
		TTL:    90 * time.Second,
	})
	if err != nil {
		t.Fatalf("RequestApproval error: %v", err)
	}
	if req.ID != "req_1" || req.Decided() {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestRetriesServerErrorsWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"type":"storage","message":"storage unavailable, retry later"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"req_1","status":"approved"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, Options{})
	res, err := c.CheckDecision(context.Background(), "req_1")
	if err != nil {
		t.Fatalf("CheckDecision error: %v", err)
	}
	if !res.IsDecided || res.Decision != "approved" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("unexpected backoffs: %v", *slept)
	}
}

func TestServerErrorAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{MaxRetries: intPtr(1)})
	_, err := c.GetRequest(context.Background(), "req_1")
	var ce *Error
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusBadGateway || ce.Connectivity {
		t.Fatalf("expected 502 error, got %v", err)
	}
	if ce.Message != "HTTP 502" {
		t.Fatalf("expected fallback message, got %q", ce.Message)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"type":"permission","message":"missing permission approvals:decide"},"request_id":"x"}`))
		}))

		c, _ := newTestClient(t, srv, Options{})
		_, err := c.Decide(context.Background(), "req_1", "approved", "", "")
		srv.Close()

		var ce *Error
		if !errors.As(err, &ce) || ce.StatusCode != status || ce.Type != "permission" {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if calls.Load() != 1 {
			t.Fatalf("status %d: expected 1 call, got %d", status, calls.Load())
		}
	}
}

func TestRateLimitedErrorCarriesReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limited","message":"rate limit exceeded","reset_ms":1500}}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, Options{})
	_, err := c.ListKeys(context.Background())
	var ce *Error
	if !errors.As(err, &ce) || ce.ResetMs != 1500 {
		t.Fatalf("expected reset_ms in error, got %v", err)
	}
	if len(*slept) != 0 {
		t.Fatal("429 must not be retried")
	}
}

func TestRequestApprovalSafe_Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	tests := []struct {
		fallback Fallback
		want     string
	}{
		{"", "denied"},
		{FallbackDeny, "denied"},
		{FallbackAllow, "approved"},
	}
	for _, tt := range tests {
		c, slept := newTestClient(t, srv, Options{Fallback: tt.fallback})
		req, err := c.RequestApprovalSafe(context.Background(), ApprovalInput{Action: "deploy"})
		if err != nil {
			t.Fatalf("fallback %q: unexpected error %v", tt.fallback, err)
		}
		if req.ID != FallbackID || req.Status != tt.want || !req.Fallback || !req.Decided() {
			t.Fatalf("fallback %q: unexpected request %+v", tt.fallback, req)
		}
		if req.Params == nil || req.Context == nil {
			t.Fatal("fallback request must carry empty maps")
		}
		if len(*slept) != 3 {
			t.Fatalf("expected 3 retries before falling back, got %v", *slept)
		}
	}
}

func TestRequestApprovalSafe_APIErrorsPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"unauthenticated","message":"invalid api key"}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{Fallback: FallbackAllow})
	_, err := c.RequestApprovalSafe(context.Background(), ApprovalInput{Action: "deploy"})
	if err == nil || IsConnectivity(err) {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestWaitForDecision(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"id":"req_1","status":"pending"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"req_1","status":"expired"}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, Options{})
	res, err := c.WaitForDecision(context.Background(), "req_1", 0)
	if err != nil {
		t.Fatalf("WaitForDecision error: %v", err)
	}
	if res.Status != "expired" || !res.IsDecided {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(*slept) != 2 || (*slept)[0] != defaultPollInterval {
		t.Fatalf("unexpected polling: %v", *slept)
	}
}

func TestWaitForDecision_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"req_1","status":"pending"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	res, err := c.WaitForDecision(ctx, "req_1", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != "pending" {
		t.Fatalf("expected last seen status, got %+v", res)
	}
}

func TestListPolicies_AcceptsBothShapes(t *testing.T) {
	bodies := []string{
		`[{"id":"pol_1","name":"a","priority":1,"rules":[],"enabled":true}]`,
		`{"policies":[{"id":"pol_1","name":"a","priority":1,"rules":[],"enabled":true}],"request_id":"x"}`,
	}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c, _ := newTestClient(t, srv, Options{})
		policies, err := c.ListPolicies(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("ListPolicies error: %v", err)
		}
		if len(policies) != 1 || policies[0].ID != "pol_1" {
			t.Fatalf("unexpected policies for %s: %+v", body, policies)
		}
	}
}

func TestCreateKey_RateLimitOnlySentWhenSet(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"k1","name":"ci","rate_limit":null},"plaintext":"agk_new"}`))
	}))
	defer srv.Close()
	c, _ := newTestClient(t, srv, Options{})

	issued, err := c.CreateKey(context.Background(), "ci", []string{"request:read"}, nil)
	if err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	if issued.Key.RateLimit != nil || issued.Plaintext != "agk_new" {
		t.Fatalf("unexpected issued key: %+v", issued)
	}
	if _, err := c.CreateKey(context.Background(), "ci", []string{"request:read"}, intPtr(0)); err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}

	if _, ok := bodies[0]["rate_limit"]; ok {
		t.Fatalf("omitted limit must not be sent, got %v", bodies[0])
	}
	if bodies[1]["rate_limit"] != float64(0) {
		t.Fatalf("explicit zero limit must be sent, got %v", bodies[1])
	}
}
