// Package memory provides an in-memory token store. It backs local
// development and the integration test harness; production deployments use
// pkg/store/postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/usage"
)

// Store keeps tokens, owners and usage records in process memory. All
// methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]*auth.Token
	byHash map[string]string // secret hash -> token id
	owners map[string]*auth.Owner
	usage  []*usage.Record
	nextID int64
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		tokens: make(map[string]*auth.Token),
		byHash: make(map[string]string),
		owners: make(map[string]*auth.Owner),
	}
}

// PutOwner installs or replaces an owner record
func (s *Store) PutOwner(owner *auth.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[owner.ID] = owner
}

// CreateToken persists a new token record
func (s *Store) CreateToken(ctx context.Context, token *auth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return fmt.Errorf("token %s already exists", token.ID)
	}
	cp := *token
	s.tokens[token.ID] = &cp
	s.byHash[token.SecretHash] = token.ID
	return nil
}

// GetTokenByHash looks a token up by its secret digest. Soft-deleted tokens
// are still returned; liveness is the verifier's decision.
func (s *Store) GetTokenByHash(ctx context.Context, secretHash string) (*auth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[secretHash]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	cp := *s.tokens[id]
	return &cp, nil
}

// GetTokenByID looks a token up by its opaque id
func (s *Store) GetTokenByID(ctx context.Context, id string) (*auth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

// ListOwnerTokens returns all of an owner's tokens, newest first
func (s *Store) ListOwnerTokens(ctx context.Context, ownerID string) ([]*auth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*auth.Token
	for _, tok := range s.tokens {
		if tok.OwnerID == ownerID {
			cp := *tok
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SoftDeleteToken marks a token deleted; repeating the call is a no-op
func (s *Store) SoftDeleteToken(ctx context.Context, id, revokedBy, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[id]
	if !ok || tok.DeletedAt != nil {
		return false, nil
	}

	now := time.Now().UTC()
	tok.DeletedAt = &now
	tok.RevokeReason = reason
	if revokedBy != "" {
		rb := revokedBy
		tok.RevokedBy = &rb
	}
	return true, nil
}

// TouchLastUsed updates last_used_at
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[id]; ok {
		tok.LastUsedAt = &at
	}
	return nil
}

// GetOwner resolves the owning principal
func (s *Store) GetOwner(ctx context.Context, id string) (*auth.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.owners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", auth.ErrOwnerNotFound, id)
	}
	cp := *owner
	return &cp, nil
}

// InsertUsage appends one usage record
func (s *Store) InsertUsage(ctx context.Context, record *usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	record.ID = s.nextID
	cp := *record
	s.usage = append(s.usage, &cp)
	return nil
}

// CountUsageSince counts verified calls for a token since the given time
func (s *Store) CountUsageSince(ctx context.Context, tokenID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.usage {
		if rec.TokenID == tokenID && !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// PruneUsageBefore deletes usage rows older than the cutoff
func (s *Store) PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usage[:0]
	var pruned int64
	for _, rec := range s.usage {
		if rec.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept
	return pruned, nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
