package auth

import "errors"

var (
	// ErrInvalidScope is returned at issuance when a requested scope is
	// unknown or not allowed for the token class.
	ErrInvalidScope = errors.New("invalid scope for token class")

	// ErrInvalidClass is returned at issuance for an unknown token class.
	ErrInvalidClass = errors.New("invalid token class")

	// ErrTokenNotFound is returned by stores when no token matches.
	ErrTokenNotFound = errors.New("token not found")

	// ErrOwnerNotFound is returned by stores when the owning principal
	// does not exist.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrStoreUnavailable wraps store timeouts and connection failures.
	// Verification treats it as fail-closed, never as "token is invalid".
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// Reason is the typed outcome of a failed verification. Everything in the
// token-unusable group (InvalidToken, TokenExpired, IPNotAllowed,
// ReferrerNotAllowed) must be presented identically to unauthenticated
// callers so the engine does not leak which tokens exist.
type Reason string

const (
	ReasonInvalidToken       Reason = "invalid_token"
	ReasonTokenExpired       Reason = "token_expired"
	ReasonIPNotAllowed       Reason = "ip_not_allowed"
	ReasonReferrerNotAllowed Reason = "referrer_not_allowed"
	ReasonInsufficientScope  Reason = "insufficient_scope"
	ReasonRateLimitExceeded  Reason = "rate_limit_exceeded"
	ReasonStoreUnavailable   Reason = "store_unavailable"
)

// Enumerable reports whether disclosing this reason to an unauthenticated
// caller would help token enumeration. Only non-enumerable reasons are safe
// to surface distinctly.
func (r Reason) Enumerable() bool {
	switch r {
	case ReasonRateLimitExceeded, ReasonInsufficientScope, ReasonStoreUnavailable:
		return false
	}
	return true
}
