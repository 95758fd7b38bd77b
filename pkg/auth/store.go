package auth

import (
	"context"
	"time"
)

// Store is the persistence surface the engine consumes. Postgres is the
// system of record (pkg/store/postgres); tests substitute fakes.
//
// Implementations return ErrTokenNotFound / ErrOwnerNotFound for missing
// rows and wrap timeouts or connection failures in ErrStoreUnavailable so
// the verifier can fail closed without treating an outage as a bad token.
type Store interface {
	// CreateToken persists a new token record and fills in CreatedAt.
	CreateToken(ctx context.Context, token *Token) error

	// GetTokenByHash looks a token up by its secret digest. Soft-deleted
	// tokens are still returned; liveness is the verifier's decision.
	GetTokenByHash(ctx context.Context, secretHash string) (*Token, error)

	// GetTokenByID looks a token up by its opaque id.
	GetTokenByID(ctx context.Context, id string) (*Token, error)

	// ListOwnerTokens returns all tokens for an owner, newest first,
	// including revoked ones.
	ListOwnerTokens(ctx context.Context, ownerID string) ([]*Token, error)

	// SoftDeleteToken marks a token deleted. It reports whether this call
	// changed anything; deleting an already-deleted token is a no-op.
	SoftDeleteToken(ctx context.Context, id, revokedBy, reason string) (bool, error)

	// TouchLastUsed updates last_used_at. Best-effort; callers may drop
	// the error.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// GetOwner resolves the owning principal.
	GetOwner(ctx context.Context, id string) (*Owner, error)
}
