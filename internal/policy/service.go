package policy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/permission"
)

// Repository is the full policy storage contract used by Service.
type Repository interface {
	Store
	PolicyByID(ctx context.Context, id string) (Record, error)
	InsertPolicy(ctx context.Context, rec Record) error
	UpdatePolicy(ctx context.Context, rec Record) error
	DeletePolicy(ctx context.Context, id string) error
}

// Invalidator is implemented by Cache.
type Invalidator interface {
	Invalidate()
}

// Draft is the writable part of a policy.
type Draft struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int             `json:"priority" yaml:"priority"`
	Rules       json.RawMessage `json:"rules" yaml:"-"`
	Enabled     *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Service is the administrative surface over stored policies. Every write
// invalidates the cache before returning.
type Service struct {
	repo  Repository
	cache Invalidator
	now   func() time.Time
}

// NewService creates a policy admin service.
func NewService(repo Repository, cache Invalidator) *Service {
	return &Service{repo: repo, cache: cache, now: time.Now}
}

// List returns every stored policy, disabled ones included.
func (s *Service) List(ctx context.Context, perms permission.Set) ([]Record, error) {
	if err := require(perms, permission.PoliciesRead, "policy.list"); err != nil {
		return nil, err
	}
	recs, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, apperr.Storage("policy.list", err)
	}
	return recs, nil
}

// Get returns one stored policy.
func (s *Service) Get(ctx context.Context, id string, perms permission.Set) (Record, error) {
	if err := require(perms, permission.PoliciesRead, "policy.get"); err != nil {
		return Record{}, err
	}
	rec, err := s.repo.PolicyByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return Record{}, apperr.Storage("policy.get", err)
	}
	return rec, nil
}

// Create validates and stores a new policy. Policies are enabled unless the
// draft says otherwise.
func (s *Service) Create(ctx context.Context, d Draft, perms permission.Set) (Record, error) {
	const op = "policy.create"
	if err := require(perms, permission.PoliciesWrite, op); err != nil {
		return Record{}, err
	}
	if err := validateDraft(op, d); err != nil {
		return Record{}, err
	}
	defer s.cache.Invalidate()
	return s.insert(ctx, op, d)
}

// Update replaces the writable fields of an existing policy. A nil Enabled
// keeps the current state.
func (s *Service) Update(ctx context.Context, id string, d Draft, perms permission.Set) (Record, error) {
	const op = "policy.update"
	if err := require(perms, permission.PoliciesWrite, op); err != nil {
		return Record{}, err
	}
	if err := validateDraft(op, d); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.PolicyByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return Record{}, apperr.Storage(op, err)
	}
	defer s.cache.Invalidate()
	return s.update(ctx, op, rec, d)
}

func (s *Service) insert(ctx context.Context, op string, d Draft) (Record, error) {
	now := s.now().UTC()
	rec := Record{
		ID:          newPolicyID(),
		Name:        strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Description),
		Priority:    d.Priority,
		Rules:       d.Rules,
		Enabled:     d.Enabled == nil || *d.Enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertPolicy(ctx, rec); err != nil {
		return Record{}, apperr.Storage(op, err)
	}
	return rec, nil
}

func (s *Service) update(ctx context.Context, op string, rec Record, d Draft) (Record, error) {
	rec.Name = strings.TrimSpace(d.Name)
	rec.Description = strings.TrimSpace(d.Description)
	rec.Priority = d.Priority
	rec.Rules = d.Rules
	if d.Enabled != nil {
		rec.Enabled = *d.Enabled
	}
	rec.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdatePolicy(ctx, rec); err != nil {
		return Record{}, apperr.Storage(op, err)
	}
	return rec, nil
}

// Delete removes a policy.
func (s *Service) Delete(ctx context.Context, id string, perms permission.Set) error {
	const op = "policy.delete"
	if err := require(perms, permission.PoliciesWrite, op); err != nil {
		return err
	}
	err := s.repo.DeletePolicy(ctx, strings.TrimSpace(id))
	s.cache.Invalidate()
	if err != nil {
		return apperr.Storage(op, err)
	}
	return nil
}

// Import upserts drafts by name: a stored policy with the same name is
// updated in place and any other draft is created, so importing the same
// file twice leaves the policy set unchanged. A draft without enabled keeps
// the stored state. Import stops at the first failure and invalidates the
// cache once.
func (s *Service) Import(ctx context.Context, drafts []Draft, perms permission.Set) ([]Record, error) {
	const op = "policy.import"
	if err := require(perms, permission.PoliciesWrite, op); err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if err := validateDraft(op, d); err != nil {
			return nil, err
		}
	}

	existing, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	byName := make(map[string]Record, len(existing))
	for _, rec := range existing {
		if _, ok := byName[rec.Name]; !ok {
			byName[rec.Name] = rec
		}
	}

	defer s.cache.Invalidate()
	out := make([]Record, 0, len(drafts))
	for _, d := range drafts {
		var rec Record
		if current, ok := byName[strings.TrimSpace(d.Name)]; ok {
			rec, err = s.update(ctx, op, current, d)
		} else {
			rec, err = s.insert(ctx, op, d)
		}
		if err != nil {
			return out, err
		}
		byName[rec.Name] = rec
		out = append(out, rec)
	}
	return out, nil
}

func validateDraft(op string, d Draft) error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if _, err := DecodeRules(d.Rules); err != nil {
		return apperr.Validation(op, "invalid rules: %v", err)
	}
	return nil
}

func require(perms permission.Set, p permission.Permission, op string) error {
	if !perms.Has(p) {
		return apperr.Permission(op, "missing permission %s", p)
	}
	return nil
}

func newPolicyID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
