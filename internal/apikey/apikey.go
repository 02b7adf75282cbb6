// Package apikey issues, validates and revokes bearer credentials.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/permission"
)

const (
	// SecretPrefix marks every issued key so leaked secrets are recognizable.
	SecretPrefix = "agk_"

	secretBytes   = 32
	displayPrefix = 8
)

// Key is the persisted metadata of a credential. The secret itself is never
// stored; Hash is the SHA-256 of the plaintext.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	RateLimit  *int       `json:"rate_limit"` // requests per minute, nil = unlimited
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been permanently disabled.
func (k Key) Revoked() bool { return k.RevokedAt != nil }

// Permissions maps the legacy scopes to the current vocabulary.
func (k Key) Permissions() permission.Set {
	return permission.FromScopes(k.Scopes)
}

// Limit returns the per-minute budget, or 0 when the key is unlimited.
func (k Key) Limit() int {
	if k.RateLimit == nil || *k.RateLimit <= 0 {
		return 0
	}
	return *k.RateLimit
}

// PerMinute is a convenience for the rateLimit argument of Create.
func PerMinute(n int) *int { return &n }

// Issued is returned once from Create. Plaintext is not recoverable later.
type Issued struct {
	Key       Key    `json:"key"`
	Plaintext string `json:"plaintext"`
}

// Repository is the storage contract the registry needs.
type Repository interface {
	InsertKey(ctx context.Context, key Key) error
	KeyByHash(ctx context.Context, hash string) (Key, error)
	// RevokeKey sets revoked_at when unset. changed is false when the key
	// was already revoked.
	RevokeKey(ctx context.Context, id string, at time.Time) (key Key, changed bool, err error)
	ListKeys(ctx context.Context) ([]Key, error)
	UsageWriter
}

// Registry owns key validity.
type Registry struct {
	repo         Repository
	events       bus.Sink
	usage        *UsageTracker
	defaultLimit int
	now          func() time.Time
}

// NewRegistry creates a registry. usage may be nil to disable last-used
// tracking; events may be nil.
func NewRegistry(repo Repository, usage *UsageTracker, events bus.Sink) *Registry {
	if events == nil {
		events = bus.Discard{}
	}
	return &Registry{
		repo:   repo,
		events: events,
		usage:  usage,
		now:    time.Now,
	}
}

// SetDefaultLimit sets the budget given to keys issued without an explicit
// rate limit. Zero leaves them unlimited.
func (r *Registry) SetDefaultLimit(perMinute int) {
	if perMinute < 0 {
		perMinute = 0
	}
	r.defaultLimit = perMinute
}

// Create issues a new key on behalf of granter, which must hold keys:manage
// and every permission the requested scopes map to. A nil rateLimit takes
// the registry default; a value <= 0 issues an unlimited key.
func (r *Registry) Create(ctx context.Context, name string, scopes []string, rateLimit *int, granter permission.Set) (Issued, error) {
	const op = "apikey.create"

	if !granter.Has(permission.KeysManage) {
		return Issued{}, apperr.Permission(op, "missing permission %s", permission.KeysManage)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Issued{}, apperr.Validation(op, "name is required")
	}
	cleaned := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return Issued{}, apperr.Validation(op, "at least one scope is required")
	}
	for _, p := range permission.FromScopes(cleaned) {
		if !granter.Has(p) {
			return Issued{}, apperr.Permission(op, "cannot grant %s without holding it", p)
		}
	}

	var limit *int
	switch {
	case rateLimit == nil:
		if r.defaultLimit > 0 {
			limit = PerMinute(r.defaultLimit)
		}
	case *rateLimit > 0:
		limit = PerMinute(*rateLimit)
	}

	plaintext, err := generateSecret()
	if err != nil {
		return Issued{}, apperr.Wrap(apperr.KindStorage, op, err)
	}

	key := Key{
		ID:        newID(),
		Name:      name,
		Prefix:    plaintext[:displayPrefix],
		Hash:      Hash(plaintext),
		Scopes:    cleaned,
		RateLimit: limit,
		CreatedAt: r.now().UTC(),
	}
	if err := r.repo.InsertKey(ctx, key); err != nil {
		return Issued{}, apperr.Storage(op, err)
	}

	slog.Info("api key created", "key_id", key.ID, "name", key.Name, "prefix", key.Prefix)
	r.events.Emit(ctx, bus.Event{
		Type: bus.KeyCreated,
		Data: map[string]any{"key_id": key.ID, "name": key.Name, "scopes": key.Scopes},
	})
	return Issued{Key: key, Plaintext: plaintext}, nil
}

// Validate resolves a presented secret to a live key. Unknown and revoked
// keys both return a not found error.
func (r *Registry) Validate(ctx context.Context, plaintext string) (Key, error) {
	const op = "apikey.validate"

	plaintext = strings.TrimSpace(plaintext)
	if !strings.HasPrefix(plaintext, SecretPrefix) {
		return Key{}, apperr.NotFound(op, "api key not found")
	}

	key, err := r.repo.KeyByHash(ctx, Hash(plaintext))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Key{}, apperr.NotFound(op, "api key not found")
		}
		return Key{}, apperr.Storage(op, err)
	}
	if key.Revoked() {
		return Key{}, apperr.NotFound(op, "api key not found")
	}

	if r.usage != nil {
		r.usage.Record(key.ID, r.now().UTC())
	}
	return key, nil
}

// Revoke disables a key permanently. Revoking twice is not an error.
func (r *Registry) Revoke(ctx context.Context, id string) (Key, error) {
	const op = "apikey.revoke"

	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, apperr.Validation(op, "id is required")
	}
	key, changed, err := r.repo.RevokeKey(ctx, id, r.now().UTC())
	if err != nil {
		return Key{}, apperr.Storage(op, err)
	}
	if changed {
		slog.Info("api key revoked", "key_id", key.ID, "name", key.Name)
		r.events.Emit(ctx, bus.Event{
			Type: bus.KeyRevoked,
			Data: map[string]any{"key_id": key.ID, "name": key.Name},
		})
	}
	return key, nil
}

// List returns key metadata, newest first as ordered by the repository.
func (r *Registry) List(ctx context.Context) ([]Key, error) {
	keys, err := r.repo.ListKeys(ctx)
	if err != nil {
		return nil, apperr.Storage("apikey.list", err)
	}
	return keys, nil
}

// Hash returns the lookup hash for a plaintext secret.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
