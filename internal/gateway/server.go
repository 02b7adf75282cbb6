package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/auth"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/config"
	"github.com/MEKXH/agentgate/internal/metrics"
	"github.com/MEKXH/agentgate/internal/policy"
	"github.com/MEKXH/agentgate/internal/version"
)

const maxBodyBytes = 1 << 20

// Deps are the services the HTTP surface routes to.
type Deps struct {
	Gate      *auth.Gate
	Approvals *approval.Service
	Policies  *policy.Service
	Keys      *apikey.Registry
	Metrics   *metrics.Recorder
}

type Server struct {
	cfg        config.ServerConfig
	handler    http.Handler
	httpServer *http.Server
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 3000
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:     cfg,
		handler: NewHandler(deps),
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// NewHandler builds the routing table. /health and /version are public;
// everything under /api goes through the gate.
func NewHandler(deps Deps) http.Handler {
	h := &handler{deps: deps}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": getRequestID(r),
		})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"request_id": getRequestID(r),
		})
	})

	mux.HandleFunc("POST /api/requests", h.guard(h.createRequest))
	mux.HandleFunc("GET /api/requests", h.guard(h.listRequests))
	mux.HandleFunc("GET /api/requests/{id}", h.guard(h.getRequest))
	mux.HandleFunc("POST /api/requests/{id}/decide", h.guard(h.decideRequest))
	mux.HandleFunc("GET /api/requests/{id}/audit", h.guard(h.requestAudit))

	mux.HandleFunc("GET /api/policies", h.guard(h.listPolicies))
	mux.HandleFunc("POST /api/policies", h.guard(h.createPolicy))
	mux.HandleFunc("GET /api/policies/{id}", h.guard(h.getPolicy))
	mux.HandleFunc("PUT /api/policies/{id}", h.guard(h.updatePolicy))
	mux.HandleFunc("DELETE /api/policies/{id}", h.guard(h.deletePolicy))

	mux.HandleFunc("GET /api/keys", h.guard(h.listKeys))
	mux.HandleFunc("POST /api/keys", h.guard(h.createKey))
	mux.HandleFunc("DELETE /api/keys/{id}", h.guard(h.revokeKey))

	mux.HandleFunc("GET /api/stats", h.guard(h.stats))
	return mux
}

type handler struct {
	deps Deps
}

type guardedFunc func(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string)

// guard admits the caller, stamps rate limit headers and the request id on
// the context, then runs next.
func (h *handler) guard(next guardedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		if h.deps.Gate == nil {
			writeError(w, requestID, errors.New("gate is not configured"))
			return
		}

		caller, err := h.deps.Gate.Admit(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
		setRateLimitHeaders(w, caller)
		if err != nil {
			writeError(w, requestID, err)
			return
		}

		ctx := bus.WithRequestID(r.Context(), requestID)
		next(w, r.WithContext(ctx), caller, requestID)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, caller auth.Caller) {
	res := caller.Limit
	if res.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetMs, 10))
	if !res.Allowed {
		secs := (res.ResetMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

// decodeBody reads a JSON body into v. Unknown fields are allowed so older
// clients keep working.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("gateway.decode", "invalid json request: %v", err)
	}
	return nil
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	errType := string(kind)
	message := err.Error()
	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Message != "" {
		message = typed.Message
	}
	if kind == "" || status >= http.StatusInternalServerError {
		slog.Error("gateway request failed", "request_id", requestID, "status", status, "error", err)
	}
	switch kind {
	case "", apperr.KindPolicyEvaluation:
		errType = "internal_error"
		message = "internal error"
	case apperr.KindStorage:
		message = "storage unavailable, retry later"
	}

	body := map[string]any{"type": errType, "message": message}
	if kind == apperr.KindRateLimited {
		body["reset_ms"] = apperr.ResetMsOf(err)
	}
	writeJSON(w, status, map[string]any{
		"error":      body,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
