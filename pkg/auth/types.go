package auth

import (
	"strings"
	"time"
)

// Owner represents the principal a token acts on behalf of. The engine only
// needs enough of the owning account to decide whether a token is still
// backed by a live principal.
type Owner struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Active    bool       `json:"active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Class determines which scopes a token may be issued with. The class is
// fixed at issuance and never re-evaluated.
type Class string

const (
	// ClassBasic tokens may only carry read scopes
	ClassBasic Class = "basic"
	// ClassAdvanced tokens may carry any scope
	ClassAdvanced Class = "advanced"
)

// Valid reports whether the class is one of the known classes.
func (c Class) Valid() bool {
	return c == ClassBasic || c == ClassAdvanced
}

// Scope represents a namespaced capability string, e.g. "repo:read"
type Scope string

const (
	ScopeRepoRead   Scope = "repo:read"
	ScopeRepoWrite  Scope = "repo:write"
	ScopeIssueRead  Scope = "issue:read"
	ScopeIssueWrite Scope = "issue:write"
	ScopeOrgRead    Scope = "org:read"
	ScopeOrgWrite   Scope = "org:write"
	ScopeOrgAdmin   Scope = "org:admin"
	ScopeUserRead   Scope = "user:read"
	ScopeUserWrite  Scope = "user:write"
	ScopeAuditRead  Scope = "audit:read"
)

// ReadOnly reports whether the scope grants read-only access. Basic-class
// tokens are restricted to read-only scopes at issuance.
func (s Scope) ReadOnly() bool {
	return strings.HasSuffix(string(s), ":read")
}

// Token represents one issued credential. The plaintext secret is never
// stored; only its SHA-256 digest is persisted.
type Token struct {
	ID           string  `json:"id"`
	OwnerID      string  `json:"owner_id"`
	SecretHash   string  `json:"-"` // Never expose hash
	SecretPrefix string  `json:"secret_prefix"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	Class        Class   `json:"class"`
	Scopes       []Scope `json:"scopes"`

	// RateLimit is the max requests per rolling hour; nil means unlimited.
	RateLimit *int `json:"rate_limit,omitempty"`

	// AllowedIPs holds exact addresses or CIDR blocks; empty means
	// unrestricted. AllowedReferrers holds domain suffixes.
	AllowedIPs       []string `json:"allowed_ips,omitempty"`
	AllowedReferrers []string `json:"allowed_referrers,omitempty"`

	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	RevokedBy    *string    `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// HasScope checks if the token's scope set contains the given scope.
func (t *Token) HasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the token's expiry, if any, has passed.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// AuthContext holds the identity resolved from a verified token. Route
// handlers receive this through the request context.
type AuthContext struct {
	OwnerID string
	TokenID string
	Scopes  []Scope
}

// HasScope checks if the context has a specific scope
func (ac *AuthContext) HasScope(scope Scope) bool {
	for _, s := range ac.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
