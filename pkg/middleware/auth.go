package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/contextkeys"
	"github.com/platinummonkey/keygate/pkg/ratelimit"
)

// TokenVerifier is the verification surface the middleware consumes
type TokenVerifier interface {
	Verify(ctx context.Context, req auth.VerifyRequest) auth.VerifyResult
}

// AuthMiddleware guards routes with bearer token verification
type AuthMiddleware struct {
	verifier TokenVerifier
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireScope wraps a handler with verification against one scope
func (m *AuthMiddleware) RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := bearerSecret(r)
			if !ok {
				unauthorizedResponse(w)
				return
			}

			result := m.verifier.Verify(r.Context(), auth.VerifyRequest{
				Secret:        secret,
				RequiredScope: scope,
				IP:            GetClientIP(r),
				Referrer:      r.Referer(),
				Endpoint:      r.URL.Path,
				Method:        r.Method,
				UserAgent:     r.UserAgent(),
			})

			if !result.OK {
				m.rejected(w, result)
				return
			}

			if result.RateLimit > 0 {
				setRateLimitHeaders(w, result.RateLimit, result.Remaining)
			}

			ctx := contextkeys.WithAuth(r.Context(), &auth.AuthContext{
				OwnerID: result.OwnerID,
				TokenID: result.TokenID,
				Scopes:  result.Scopes,
			})

			// The usage trail carries the status the handler actually
			// wrote, so the row is recorded after the handler returns.
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))
			if result.RecordUsage != nil {
				result.RecordUsage(sw.status)
			}
		})
	}
}

// statusWriter captures the status code written downstream. A handler
// that never calls WriteHeader implicitly responds 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ForwardAuth authenticates a request on behalf of a fronting proxy
// (nginx auth_request, traefik forwardAuth). The required scope is read
// from the X-Required-Scope header so a single endpoint can guard routes
// with different requirements; a request without the header is rejected
// rather than defaulted to a weaker scope. On success the owner and
// token IDs are returned as headers for the proxy to forward upstream.
func (m *AuthMiddleware) ForwardAuth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := auth.Scope(r.Header.Get("X-Required-Scope"))
		if scope == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"missing X-Required-Scope header"}`))
			return
		}
		m.RequireScope(scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ac := contextkeys.GetAuth(r.Context()); ac != nil {
				w.Header().Set("X-Auth-Owner", ac.OwnerID)
				w.Header().Set("X-Auth-Token-ID", ac.TokenID)
			}
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(w, r)
	})
}

// rejected maps a verification failure onto an HTTP response. Every
// token-unusable reason produces the same 401 body so callers cannot probe
// which tokens exist; only rate limiting and service health are disclosed
// distinctly.
func (m *AuthMiddleware) rejected(w http.ResponseWriter, result auth.VerifyResult) {
	switch result.Reason {
	case auth.ReasonRateLimitExceeded:
		retryAfter := int(result.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		setRateLimitHeaders(w, result.RateLimit, 0)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`, retryAfter)
	case auth.ReasonInsufficientScope:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"insufficient permissions"}`))
	case auth.ReasonStoreUnavailable:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"service temporarily unavailable"}`))
	default:
		unauthorizedResponse(w)
	}
}

// bearerSecret extracts the secret from an Authorization: Bearer header
func bearerSecret(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"invalid or expired token"}`))
}

func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	reset := time.Now().UTC().Truncate(ratelimit.Window).Add(ratelimit.Window)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
}

// GetClientIP extracts the client IP from the request
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first (if behind proxy); the original
	// client is the first entry.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
