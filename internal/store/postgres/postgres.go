// Package postgres is the PostgreSQL repository used for multi-node
// deployments. All writes that touch more than one row run in a transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/policy"
)

const uniqueViolation = "23505"

// Store implements approval.Repository, apikey.Repository and
// policy.Repository on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id              TEXT PRIMARY KEY,
		action          TEXT NOT NULL,
		params          JSONB NOT NULL DEFAULT '{}',
		context         JSONB NOT NULL DEFAULT '{}',
		urgency         TEXT NOT NULL DEFAULT 'normal',
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		decided_at      TIMESTAMPTZ,
		decided_by      TEXT NOT NULL DEFAULT '',
		decision_reason TEXT NOT NULL DEFAULT '',
		expires_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_expiry ON approval_requests(expires_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id),
		event_type TEXT NOT NULL,
		actor      TEXT NOT NULL,
		details    JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_request ON audit_log(request_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS policies (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority    INTEGER NOT NULL DEFAULT 0,
		rules       JSONB NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		prefix       TEXT NOT NULL,
		key_hash     TEXT NOT NULL UNIQUE,
		scopes       TEXT[] NOT NULL DEFAULT '{}',
		rate_limit   INTEGER,
		created_at   TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		revoked_at   TIMESTAMPTZ
	)`,
	// NULL means unlimited; older schemas stored 0.
	`ALTER TABLE api_keys ALTER COLUMN rate_limit DROP NOT NULL`,
	`ALTER TABLE api_keys ALTER COLUMN rate_limit DROP DEFAULT`,
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Requests

const requestColumns = `id, action, params, context, urgency, status, created_at, updated_at,
	decided_at, decided_by, decision_reason, expires_at`

func (s *Store) InsertRequest(ctx context.Context, req approval.Request, entry audit.Entry) error {
	const op = "postgres.insert_request"
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_requests (`+requestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			req.ID, req.Action, jsonMap(req.Params), jsonMap(req.Context), string(req.Urgency), string(req.Status),
			req.CreatedAt, req.UpdatedAt, req.DecidedAt, req.DecidedBy, req.DecisionReason, req.ExpiresAt)
		if err != nil {
			return classify(op, err, "request %s already exists", req.ID)
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *Store) RequestByID(ctx context.Context, id string) (approval.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return approval.Request{}, apperr.NotFound("postgres.request", "request %s not found", id)
	}
	if err != nil {
		return approval.Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return req, nil
}

// TransitionRequest moves a pending request and appends the audit entry in
// one transaction. The status guard in the UPDATE makes concurrent
// transitions serialize on the row; the loser sees a conflict.
func (s *Store) TransitionRequest(ctx context.Context, t approval.Transition) (approval.Request, error) {
	const op = "postgres.transition_request"

	var (
		decidedAt *time.Time
		decidedBy string
		reason    string
	)
	if t.To == approval.StatusApproved || t.To == approval.StatusDenied {
		at := t.At
		decidedAt = &at
		decidedBy = t.DecidedBy
		reason = t.Reason
	}

	var updated approval.Request
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE approval_requests
			SET status = $2, updated_at = $3, decided_at = $4, decided_by = $5, decision_reason = $6
			WHERE id = $1 AND status = 'pending'
			RETURNING `+requestColumns,
			t.ID, string(t.To), t.At, decidedAt, decidedBy, reason)
		req, err := scanRequest(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.transitionMiss(ctx, tx, op, t.ID)
		}
		if err != nil {
			return fmt.Errorf("transition request %s: %w", t.ID, err)
		}
		if err := insertAudit(ctx, tx, t.Audit); err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return approval.Request{}, err
	}
	return updated, nil
}

func (s *Store) transitionMiss(ctx context.Context, tx pgx.Tx, op, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM approval_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "request %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("transition request %s: %w", id, err)
	}
	return apperr.Conflict(op, "request %s is already %s", id, status)
}

func (s *Store) ListRequests(ctx context.Context, q approval.Query) ([]approval.Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.ExpiresBefore != nil {
		where = append(where, "status = 'pending'", "expires_at IS NOT NULL")
		add("expires_at <= $%d", *q.ExpiresBefore)
	}

	sql := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := []approval.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) AuditEntries(ctx context.Context, requestID string) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, event_type, actor, details, created_at
		FROM audit_log WHERE request_id = $1
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit entries %s: %w", requestID, err)
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EventType, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, tx pgx.Tx, e audit.Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (id, request_id, event_type, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.RequestID, e.EventType, e.Actor, jsonMap(e.Details), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Policies

const policyColumns = `id, name, description, priority, rules, enabled, created_at, updated_at`

func (s *Store) ListPolicies(ctx context.Context) ([]policy.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	out := []policy.Record{}
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PolicyByID(ctx context.Context, id string) (policy.Record, error) {
	rec, err := scanPolicy(s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return policy.Record{}, apperr.NotFound("postgres.policy", "policy %s not found", id)
	}
	if err != nil {
		return policy.Record{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) InsertPolicy(ctx context.Context, rec policy.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Name, rec.Description, rec.Priority, []byte(rec.Rules), rec.Enabled, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return classify("postgres.insert_policy", err, "policy %s already exists", rec.ID)
	}
	return nil
}

func (s *Store) UpdatePolicy(ctx context.Context, rec policy.Record) error {
	const op = "postgres.update_policy"
	tag, err := s.pool.Exec(ctx, `
		UPDATE policies
		SET name = $2, description = $3, priority = $4, rules = $5, enabled = $6, updated_at = $7
		WHERE id = $1`,
		rec.ID, rec.Name, rec.Description, rec.Priority, []byte(rec.Rules), rec.Enabled, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update policy %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(op, "policy %s not found", rec.ID)
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	const op = "postgres.delete_policy"
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(op, "policy %s not found", id)
	}
	return nil
}

// Keys

const keyColumns = `id, name, prefix, key_hash, scopes, rate_limit, created_at, last_used_at, revoked_at`

func (s *Store) InsertKey(ctx context.Context, key apikey.Key) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Name, key.Prefix, key.Hash, key.Scopes, key.RateLimit, key.CreatedAt, key.LastUsedAt, key.RevokedAt)
	if err != nil {
		return classify("postgres.insert_key", err, "key %s already exists", key.ID)
	}
	return nil
}

func (s *Store) KeyByHash(ctx context.Context, hash string) (apikey.Key, error) {
	key, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return apikey.Key{}, apperr.NotFound("postgres.key", "key not found")
	}
	if err != nil {
		return apikey.Key{}, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

// RevokeKey sets revoked_at once. A second call reports changed=false.
func (s *Store) RevokeKey(ctx context.Context, id string, at time.Time) (apikey.Key, bool, error) {
	const op = "postgres.revoke_key"
	key, err := scanKey(s.pool.QueryRow(ctx, `
		UPDATE api_keys SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+keyColumns, id, at))
	if err == nil {
		return key, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return apikey.Key{}, false, fmt.Errorf("revoke key %s: %w", id, err)
	}

	key, err = scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return apikey.Key{}, false, apperr.NotFound(op, "key %s not found", id)
	}
	if err != nil {
		return apikey.Key{}, false, fmt.Errorf("revoke key %s: %w", id, err)
	}
	return key, false, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]apikey.Key, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	out := []apikey.Key{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// TouchKeys batches last_used_at updates; timestamps only move forward.
func (s *Store) TouchKeys(ctx context.Context, lastUsed map[string]time.Time) error {
	if len(lastUsed) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, at := range lastUsed {
		batch.Queue(`
			UPDATE api_keys SET last_used_at = $2
			WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)`, id, at)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("touch keys: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (approval.Request, error) {
	var (
		r       approval.Request
		urgency string
		status  string
	)
	err := row.Scan(&r.ID, &r.Action, &r.Params, &r.Context, &urgency, &status,
		&r.CreatedAt, &r.UpdatedAt, &r.DecidedAt, &r.DecidedBy, &r.DecisionReason, &r.ExpiresAt)
	if err != nil {
		return approval.Request{}, err
	}
	r.Urgency = approval.Urgency(urgency)
	r.Status = approval.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.DecidedAt = utc(r.DecidedAt)
	r.ExpiresAt = utc(r.ExpiresAt)
	r.Params = jsonMap(r.Params)
	r.Context = jsonMap(r.Context)
	return r, nil
}

func scanPolicy(row pgx.Row) (policy.Record, error) {
	var (
		rec   policy.Record
		rules []byte
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Priority, &rules, &rec.Enabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return policy.Record{}, err
	}
	rec.Rules = rules
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func scanKey(row pgx.Row) (apikey.Key, error) {
	var k apikey.Key
	err := row.Scan(&k.ID, &k.Name, &k.Prefix, &k.Hash, &k.Scopes, &k.RateLimit, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		return apikey.Key{}, err
	}
	k.CreatedAt = k.CreatedAt.UTC()
	k.LastUsedAt = utc(k.LastUsedAt)
	k.RevokedAt = utc(k.RevokedAt)
	return k, nil
}

// classify turns unique violations into conflicts and leaves everything
// else for the caller to mark as a storage failure.
func classify(op string, err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Conflict(op, format, args...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func jsonMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
