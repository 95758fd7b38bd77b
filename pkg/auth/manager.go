package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keygate/pkg/audit"
	"github.com/platinummonkey/keygate/pkg/observability"
)

// IssueRequest describes a token to be created
type IssueRequest struct {
	OwnerID     string  `json:"owner_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Class       Class   `json:"class"`
	Scopes      []Scope `json:"scopes"`

	// ExpiresInDays is converted to an absolute expiry at issuance time
	ExpiresInDays *int `json:"expires_in_days,omitempty"`

	RateLimit        *int     `json:"rate_limit,omitempty"`
	AllowedIPs       []string `json:"allowed_ips,omitempty"`
	AllowedReferrers []string `json:"allowed_referrers,omitempty"`
}

// IssueResult carries the created record and the plaintext secret. The
// secret is returned exactly once; it cannot be recovered afterwards.
type IssueResult struct {
	Token  *Token `json:"token"`
	Secret string `json:"secret"`
}

// Manager handles the token lifecycle: issuance, revocation, listing.
// Issuance is low-frequency and fully synchronous against the store.
type Manager struct {
	store     Store
	generator *SecretGenerator
	emitter   audit.Emitter
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerMetrics attaches Prometheus metrics
func WithManagerMetrics(m *observability.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithManagerClock overrides the manager's clock
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a token manager. The emitter may be nil; audit
// emission is always fire-and-forget.
func NewManager(store Store, emitter audit.Emitter, logger *observability.Logger, opts ...ManagerOption) *Manager {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	m := &Manager{
		store:     store,
		generator: NewSecretGenerator(),
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue validates the request, generates a secret, and persists the hashed
// record. No partial token exists after a validation failure.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("token name is required")
	}
	if !req.Class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, req.Class)
	}
	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}
	for _, scope := range req.Scopes {
		if !strings.Contains(string(scope), ":") {
			return nil, fmt.Errorf("%w: malformed scope %q", ErrInvalidScope, scope)
		}
		// Basic tokens must never carry a write or admin scope. This is
		// enforced here, not at verification.
		if req.Class == ClassBasic && !scope.ReadOnly() {
			return nil, fmt.Errorf("%w: %q requires an advanced token", ErrInvalidScope, scope)
		}
	}

	// A token must not be issued against a missing or deactivated account.
	owner, err := m.store.GetOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owner: %w", err)
	}
	if !owner.Active || owner.DeletedAt != nil {
		return nil, fmt.Errorf("%w: owner %s is not active", ErrOwnerNotFound, req.OwnerID)
	}

	secret, secretHash, secretPrefix, err := m.generator.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	now := m.now().UTC()
	token := &Token{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		SecretHash:       secretHash,
		SecretPrefix:     secretPrefix,
		Name:             req.Name,
		Description:      req.Description,
		Class:            req.Class,
		Scopes:           req.Scopes,
		RateLimit:        req.RateLimit,
		AllowedIPs:       req.AllowedIPs,
		AllowedReferrers: req.AllowedReferrers,
		CreatedAt:        now,
	}
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays <= 0 {
			return nil, fmt.Errorf("expires_in_days must be positive")
		}
		expiresAt := now.Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		token.ExpiresAt = &expiresAt
	}

	if err := m.store.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	m.emitter.Emit(ctx, &audit.Event{
		EventType: audit.EventTokenCreated,
		Status:    audit.EventStatusSuccess,
		OwnerID:   token.OwnerID,
		TokenID:   token.ID,
		Message:   fmt.Sprintf("token %q created", token.Name),
		Metadata: map[string]interface{}{
			"class":  string(token.Class),
			"scopes": token.Scopes,
		},
	})
	m.logger.WithFields(map[string]interface{}{
		"token_id": token.ID,
		"owner_id": token.OwnerID,
		"class":    string(token.Class),
	}).Info("token issued")
	if m.metrics != nil {
		m.metrics.TokensIssuedTotal.WithLabelValues(string(token.Class)).Inc()
	}

	// The plaintext secret leaves the engine exactly here and nowhere else.
	return &IssueResult{Token: token, Secret: secret}, nil
}

// Revoke soft-deletes a token. Revoking an already-revoked token is a
// no-op: no error, no duplicate audit event.
func (m *Manager) Revoke(ctx context.Context, tokenID, revokedBy, reason string) error {
	changed, err := m.store.SoftDeleteToken(ctx, tokenID, revokedBy, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if !changed {
		return nil
	}

	m.emitter.Emit(ctx, &audit.Event{
		EventType: audit.EventTokenRevoked,
		Status:    audit.EventStatusSuccess,
		TokenID:   tokenID,
		Message:   fmt.Sprintf("token revoked: %s", reason),
		Metadata:  map[string]interface{}{"revoked_by": revokedBy},
	})
	m.logger.WithField("token_id", tokenID).Info("token revoked")
	if m.metrics != nil {
		m.metrics.TokensRevokedTotal.Inc()
	}

	return nil
}

// ListOwnerTokens returns all of an owner's tokens, including revoked ones
func (m *Manager) ListOwnerTokens(ctx context.Context, ownerID string) ([]*Token, error) {
	return m.store.ListOwnerTokens(ctx, ownerID)
}
