package auth

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/keygate/pkg/audit"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/platinummonkey/keygate/pkg/ratelimit"
	"github.com/platinummonkey/keygate/pkg/usage"
)

// VerifyRequest carries a presented secret plus the request context the
// restriction checks need.
type VerifyRequest struct {
	Secret        string
	RequiredScope Scope

	IP       string
	Referrer string

	// Request metadata recorded in the usage trail
	Endpoint  string
	Method    string
	UserAgent string
}

// VerifyResult is the tagged outcome of a verification. Exactly one of
// OK=true or a populated Reason holds.
type VerifyResult struct {
	OK     bool
	Reason Reason

	OwnerID string
	TokenID string
	Scopes  []Scope

	// Rate budget after this request; only meaningful when the token has
	// a configured limit.
	RateLimit  int
	Remaining  int
	RetryAfter time.Duration

	// RecordUsage appends this request's usage row once the response
	// status is known. Set only on success when a recorder is configured.
	// Callers that never learn a downstream status should invoke it
	// with 200.
	RecordUsage func(statusCode int)
}

// Verifier is the hot path: it resolves a presented secret to a live,
// unrestricted, in-budget token on every protected request. All state
// checks are hard stops; usage recording and audit emission are
// fire-and-forget so they never gate the result.
type Verifier struct {
	store     Store
	generator *SecretGenerator
	limiter   ratelimit.Limiter
	recorder  *usage.Recorder
	emitter   audit.Emitter
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithVerifierMetrics attaches Prometheus metrics
func WithVerifierMetrics(m *observability.Metrics) VerifierOption {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// WithVerifierClock overrides the verifier's clock
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier. limiter, recorder and emitter may each
// be nil: a nil limiter disables rate enforcement, a nil recorder skips
// the usage trail, a nil emitter discards audit events.
func NewVerifier(store Store, limiter ratelimit.Limiter, recorder *usage.Recorder, emitter audit.Emitter, logger *observability.Logger, opts ...VerifierOption) *Verifier {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	v := &Verifier{
		store:     store,
		generator: NewSecretGenerator(),
		limiter:   limiter,
		recorder:  recorder,
		emitter:   emitter,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the verification state machine. Store failures fail closed
// as ReasonStoreUnavailable and are never reported as a bad token.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) VerifyResult {
	start := v.now()
	result := v.verify(ctx, req)
	if v.metrics != nil {
		outcome := "ok"
		if !result.OK {
			outcome = string(result.Reason)
		}
		v.metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
		v.metrics.VerificationDuration.Observe(time.Since(start).Seconds())
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) VerifyResult {
	// 1. Hash & lookup. A malformed secret is rejected without a round
	// trip; lookups only ever go through the digest.
	if err := v.generator.ValidateFormat(req.Secret); err != nil {
		return fail(ReasonInvalidToken)
	}

	token, err := v.store.GetTokenByHash(ctx, v.generator.Hash(req.Secret))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return fail(ReasonInvalidToken)
		}
		v.logger.WithError(err).Error("token lookup failed")
		return fail(ReasonStoreUnavailable)
	}

	now := v.now()

	// 2. Liveness
	if token.DeletedAt != nil {
		return fail(ReasonInvalidToken)
	}
	if token.Expired(now) {
		return fail(ReasonTokenExpired)
	}

	// 3. Owner integrity: a token cannot outlive the account it authorizes
	owner, err := v.store.GetOwner(ctx, token.OwnerID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			return fail(ReasonInvalidToken)
		}
		v.logger.WithError(err).Error("owner lookup failed")
		return fail(ReasonStoreUnavailable)
	}
	if !owner.Active || owner.DeletedAt != nil {
		return fail(ReasonInvalidToken)
	}

	// 4. Network restriction
	if len(token.AllowedIPs) > 0 && !ipAllowed(token.AllowedIPs, req.IP) {
		v.auditRejected(token, req, ReasonIPNotAllowed)
		return fail(ReasonIPNotAllowed)
	}

	// 5. Referrer restriction
	if len(token.AllowedReferrers) > 0 && !referrerAllowed(token.AllowedReferrers, req.Referrer) {
		v.auditRejected(token, req, ReasonReferrerNotAllowed)
		return fail(ReasonReferrerNotAllowed)
	}

	// 6. Scope check
	if !token.HasScope(req.RequiredScope) {
		return fail(ReasonInsufficientScope)
	}

	// 7. Rate check. Tokens without a configured limit short-circuit past
	// the limiter entirely.
	result := VerifyResult{
		OK:      true,
		OwnerID: owner.ID,
		TokenID: token.ID,
		Scopes:  token.Scopes,
	}
	if token.RateLimit != nil && v.limiter != nil {
		decision, err := v.limiter.Allow(ctx, token.ID, *token.RateLimit)
		if err != nil {
			// Fail closed: an unreachable limiter must not grant
			// unmetered access.
			v.logger.WithError(err).Error("rate limit check failed")
			return fail(ReasonStoreUnavailable)
		}
		result.RateLimit = decision.Limit
		result.Remaining = decision.Remaining
		if !decision.Allowed {
			if v.metrics != nil {
				v.metrics.RateLimitRejectionsTotal.Inc()
			}
			// Rejected attempts are not usage, but they are logged for
			// abuse monitoring.
			v.auditRejected(token, req, ReasonRateLimitExceeded)
			r := fail(ReasonRateLimitExceeded)
			r.RateLimit = decision.Limit
			r.RetryAfter = decision.RetryAfter(now)
			return r
		}
	}

	// 8. Success: touch last_used_at off the request path. The usage row
	// needs the real response status, so it is handed back as a callback
	// the HTTP layer invokes after the downstream handler has responded.
	if v.recorder != nil {
		v.recorder.TouchLastUsed(token.ID, now.UTC())
		rec := v.recorder
		result.RecordUsage = func(statusCode int) {
			rec.Record(&usage.Record{
				TokenID:    token.ID,
				Endpoint:   req.Endpoint,
				Method:     req.Method,
				StatusCode: statusCode,
				IPAddress:  req.IP,
				UserAgent:  req.UserAgent,
				CreatedAt:  now.UTC(),
			})
		}
	}
	v.emitter.Emit(ctx, &audit.Event{
		EventType: audit.EventTokenUsed,
		Status:    audit.EventStatusSuccess,
		OwnerID:   owner.ID,
		TokenID:   token.ID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Method:    req.Method,
		Path:      req.Endpoint,
	})

	return result
}

func (v *Verifier) auditRejected(token *Token, req VerifyRequest, reason Reason) {
	eventType := audit.EventTokenRejected
	if reason == ReasonRateLimitExceeded {
		eventType = audit.EventTokenRateLimited
	}
	v.emitter.Emit(context.Background(), &audit.Event{
		EventType: eventType,
		Status:    audit.EventStatusDenied,
		OwnerID:   token.OwnerID,
		TokenID:   token.ID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Method:    req.Method,
		Path:      req.Endpoint,
		Message:   string(reason),
	})
}

func fail(reason Reason) VerifyResult {
	return VerifyResult{OK: false, Reason: reason}
}

// ipAllowed checks the caller address against an allow-list of exact
// addresses and CIDR blocks. An unparseable caller address fails closed.
func ipAllowed(allowed []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowedAddr, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if allowedAddr.Unmap() == addr {
			return true
		}
	}
	return false
}

// referrerAllowed extracts the hostname from the referrer and requires a
// domain-suffix match: "app.example.com" matches "example.com" but
// "example.com.evil.test" does not.
func referrerAllowed(allowed []string, referrer string) bool {
	if referrer == "" {
		return false
	}

	u, err := url.Parse(referrer)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		// Some clients send a bare host rather than a full URL
		host = strings.ToLower(strings.Split(referrer, "/")[0])
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
	}
	if host == "" {
		return false
	}

	for _, entry := range allowed {
		domain := strings.ToLower(strings.TrimSpace(entry))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
