package permission

import "strings"

// Permission is one entry of the fixed permission vocabulary.
type Permission string

const (
	ApprovalsRead   Permission = "approvals:read"
	ApprovalsDecide Permission = "approvals:decide"
	PoliciesRead    Permission = "policies:read"
	PoliciesWrite   Permission = "policies:write"
	WebhooksManage  Permission = "webhooks:manage"
	KeysManage      Permission = "keys:manage"
	AuditRead       Permission = "audit:read"
	OverridesManage Permission = "overrides:manage"
	Wildcard        Permission = "*"
)

// Vocabulary lists every concrete permission, wildcard excluded.
var Vocabulary = []Permission{
	ApprovalsRead,
	ApprovalsDecide,
	PoliciesRead,
	PoliciesWrite,
	WebhooksManage,
	KeysManage,
	AuditRead,
	OverridesManage,
}

// Role is a named permission bundle for dashboard users.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Set is a granted permission list. Order is irrelevant.
type Set []Permission

// Has reports whether the set satisfies required.
func (s Set) Has(required Permission) bool {
	return Has(s, required)
}

// Has reports whether perms satisfies required. An empty set grants nothing.
func Has(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == Wildcard || p == required {
			return true
		}
	}
	return false
}

// ForRole returns the fixed permission set of a role. Unknown roles get
// nothing.
func ForRole(role Role) Set {
	switch Role(strings.ToLower(strings.TrimSpace(string(role)))) {
	case RoleViewer:
		return Set{ApprovalsRead, PoliciesRead, AuditRead}
	case RoleEditor:
		return Set{ApprovalsRead, ApprovalsDecide, PoliciesRead, PoliciesWrite, WebhooksManage, AuditRead}
	case RoleAdmin, RoleOwner:
		return Set{Wildcard}
	default:
		return nil
	}
}

// scopeGrants maps legacy API key scopes onto the vocabulary.
var scopeGrants = map[string][]Permission{
	"admin":          {Wildcard},
	"request:read":   {ApprovalsRead},
	"request:create": {ApprovalsRead},
	"request:decide": {ApprovalsRead, ApprovalsDecide},
	"policy:read":    {PoliciesRead},
	"policy:write":   {PoliciesRead, PoliciesWrite},
	"webhook:manage": {WebhooksManage},
	"key:manage":     {KeysManage},
	"audit:read":     {AuditRead},
}

// FromScopes maps a legacy scope list to permissions. Unknown scopes
// degrade to approvals:read instead of being rejected or dropped, and
// scopes already in the new vocabulary map to themselves.
func FromScopes(scopes []string) Set {
	seen := make(map[Permission]struct{}, len(scopes))
	out := make(Set, 0, len(scopes))
	add := func(p Permission) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, raw := range scopes {
		scope := strings.ToLower(strings.TrimSpace(raw))
		if scope == "" {
			continue
		}
		if grants, ok := scopeGrants[scope]; ok {
			for _, p := range grants {
				add(p)
			}
			continue
		}
		if isVocabulary(Permission(scope)) {
			add(Permission(scope))
			continue
		}
		add(ApprovalsRead)
	}
	return out
}

func isVocabulary(p Permission) bool {
	if p == Wildcard {
		return true
	}
	for _, v := range Vocabulary {
		if v == p {
			return true
		}
	}
	return false
}
