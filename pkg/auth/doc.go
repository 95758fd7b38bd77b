// Package auth implements the API token credential engine: issuance of
// scoped, hashed bearer secrets, and verification of presented secrets on
// every protected request.
//
// The Manager owns the lifecycle (issue, revoke, list). The Verifier is
// the hot path: a state machine over lookup, liveness, owner integrity,
// IP and referrer restrictions, scope membership, and the rate budget.
// All token-unusable failure reasons must be collapsed to a single
// unauthorized response by callers to avoid token enumeration.
package auth
