package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/auth"
	"github.com/MEKXH/agentgate/internal/permission"
	"github.com/MEKXH/agentgate/internal/policy"
)

type createRequestBody struct {
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
	Context    map[string]any `json:"context"`
	Urgency    string         `json:"urgency"`
	ExpiresAt  *time.Time     `json:"expires_at"`
	TTLSeconds int            `json:"ttl_seconds"`
	// LegacyExpiresAt is the camelCase spelling older SDKs send.
	LegacyExpiresAt *time.Time `json:"expiresAt"`
}

func (h *handler) createRequest(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	var body createRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, requestID, err)
		return
	}
	expiresAt := body.ExpiresAt
	if expiresAt == nil {
		expiresAt = body.LegacyExpiresAt
	}
	if body.TTLSeconds < 0 {
		writeError(w, requestID, apperr.Validation("gateway.create_request", "ttl_seconds must not be negative"))
		return
	}

	req, err := h.deps.Approvals.Create(r.Context(), approval.CreateInput{
		Action:    body.Action,
		Params:    body.Params,
		Context:   body.Context,
		Urgency:   body.Urgency,
		ExpiresAt: expiresAt,
		TTL:       time.Duration(body.TTLSeconds) * time.Second,
		Actor:     caller.Name,
	}, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *handler) listRequests(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	q := r.URL.Query()
	status, ok := approval.ParseStatus(q.Get("status"))
	if !ok {
		writeError(w, requestID, apperr.Validation("gateway.list_requests", "invalid status %q", q.Get("status")))
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, requestID, err)
		return
	}

	reqs, err := h.deps.Approvals.List(r.Context(), approval.Query{
		Status: status,
		Action: strings.TrimSpace(q.Get("action")),
		Limit:  limit,
		Offset: offset,
	}, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests":   reqs,
		"request_id": requestID,
	})
}

func (h *handler) getRequest(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	req, err := h.deps.Approvals.Get(r.Context(), r.PathValue("id"), caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) decideRequest(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	var body struct {
		Decision  string `json:"decision"`
		DecidedBy string `json:"decided_by"`
		Reason    string `json:"reason"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, requestID, err)
		return
	}
	decidedBy := strings.TrimSpace(body.DecidedBy)
	if decidedBy == "" {
		decidedBy = caller.Name
	}

	req, err := h.deps.Approvals.Decide(r.Context(), r.PathValue("id"), approval.DecisionInput{
		Decision:  approval.Status(body.Decision),
		DecidedBy: decidedBy,
		Reason:    body.Reason,
	}, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) requestAudit(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	entries, err := h.deps.Approvals.History(r.Context(), r.PathValue("id"), caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"request_id": requestID,
	})
}

func (h *handler) listPolicies(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	recs, err := h.deps.Policies.List(r.Context(), caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies":   recs,
		"request_id": requestID,
	})
}

func (h *handler) getPolicy(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	rec, err := h.deps.Policies.Get(r.Context(), r.PathValue("id"), caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) createPolicy(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	var draft policy.Draft
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, requestID, err)
		return
	}
	rec, err := h.deps.Policies.Create(r.Context(), draft, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) updatePolicy(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	var draft policy.Draft
	if err := decodeBody(w, r, &draft); err != nil {
		writeError(w, requestID, err)
		return
	}
	rec, err := h.deps.Policies.Update(r.Context(), r.PathValue("id"), draft, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) deletePolicy(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	if err := h.deps.Policies.Delete(r.Context(), r.PathValue("id"), caller.Permissions); err != nil {
		writeError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listKeys(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	if !caller.Permissions.Has(permission.KeysManage) {
		writeError(w, requestID, apperr.Permission("gateway.list_keys", "missing permission %s", permission.KeysManage))
		return
	}
	keys, err := h.deps.Keys.List(r.Context())
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":       keys,
		"request_id": requestID,
	})
}

func (h *handler) createKey(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	if !caller.Permissions.Has(permission.KeysManage) {
		writeError(w, requestID, apperr.Permission("gateway.create_key", "missing permission %s", permission.KeysManage))
		return
	}
	var body struct {
		Name      string   `json:"name"`
		Scopes    []string `json:"scopes"`
		RateLimit *int     `json:"rate_limit"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, requestID, err)
		return
	}
	issued, err := h.deps.Keys.Create(r.Context(), body.Name, body.Scopes, body.RateLimit, caller.Permissions)
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *handler) revokeKey(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	if !caller.Permissions.Has(permission.KeysManage) {
		writeError(w, requestID, apperr.Permission("gateway.revoke_key", "missing permission %s", permission.KeysManage))
		return
	}
	key, err := h.deps.Keys.Revoke(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request, caller auth.Caller, requestID string) {
	if !caller.Permissions.Has(permission.ApprovalsRead) {
		writeError(w, requestID, apperr.Permission("gateway.stats", "missing permission %s", permission.ApprovalsRead))
		return
	}
	snap := h.deps.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":      snap,
		"pending":    snap.Requests.Pending(),
		"request_id": requestID,
	})
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("gateway.query", "%s must be an integer", name)
	}
	return n, nil
}
