package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keygate/pkg/api"
	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/middleware"
	"github.com/platinummonkey/keygate/pkg/ratelimit"
	"github.com/platinummonkey/keygate/pkg/store/memory"
	"github.com/platinummonkey/keygate/pkg/usage"
)

// harness wires the full engine against the in-memory store: the
// management API, a middleware-protected resource route, the cached
// limiter over the durable usage counts, and the usage recorder.
type harness struct {
	store    *memory.Store
	recorder *usage.Recorder
	router   *mux.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.New()
	store.PutOwner(&auth.Owner{ID: "owner-1", Username: "alice", Active: true})

	recorder := usage.NewRecorder(store, nil, 256)
	t.Cleanup(func() { recorder.Close() })

	// Pin the limiter clock mid-window so a run straddling a wall-clock
	// hour boundary cannot reset the counters.
	at := time.Now().UTC().Truncate(time.Hour).Add(30 * time.Minute)
	limiter := ratelimit.NewCachedLimiter(ratelimit.NewStoreLimiter(store), 64, time.Minute,
		ratelimit.WithClock(func() time.Time { return at }))
	manager := auth.NewManager(store, nil, nil)
	verifier := auth.NewVerifier(store, limiter, recorder, nil, nil)

	router := mux.NewRouter()
	api.NewTokenAPI(manager, nil).RegisterRoutes(router)

	authMW := middleware.NewAuthMiddleware(verifier)
	router.Handle("/v1/repos", authMW.RequireScope(auth.ScopeRepoRead)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"repos":[]}`))
		}))).Methods(http.MethodGet)

	return &harness{store: store, recorder: recorder, router: router}
}

func (h *harness) issue(t *testing.T, body map[string]interface{}) (id, secret string) {
	t.Helper()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens", &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("issue failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode issue response: %v", err)
	}
	return resp.ID, resp.Secret
}

func (h *harness) get(secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/repos", nil)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestIssueVerifyRevokeFlow(t *testing.T) {
	h := newHarness(t)

	_, secret := h.issue(t, map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "integration",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})

	if rec := h.get(secret); rec.Code != http.StatusOK {
		t.Fatalf("authenticated request: %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.get(""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request: %d, want 401", rec.Code)
	}
	if rec := h.get("kg_bm90LXRoZS1yaWdodC1zZWNyZXQ"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: %d, want 401", rec.Code)
	}
}

func TestRevokedTokenStopsWorking(t *testing.T) {
	h := newHarness(t)

	id, secret := h.issue(t, map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "doomed",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})

	if rec := h.get(secret); rec.Code != http.StatusOK {
		t.Fatalf("pre-revocation request: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/tokens/"+id, nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: %d", rec.Code)
	}

	if rec := h.get(secret); rec.Code != http.StatusUnauthorized {
		t.Errorf("post-revocation request: %d, want 401", rec.Code)
	}
}

func TestScopeEnforcementEndToEnd(t *testing.T) {
	h := newHarness(t)

	// Advanced token whose scopes do not include repo:read
	_, secret := h.issue(t, map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "wrong scope",
		"class":    "advanced",
		"scopes":   []string{"org:admin"},
	})

	if rec := h.get(secret); rec.Code != http.StatusForbidden {
		t.Errorf("out-of-scope request: %d, want 403", rec.Code)
	}
}

func TestRateLimitEndToEnd(t *testing.T) {
	h := newHarness(t)

	_, secret := h.issue(t, map[string]interface{}{
		"owner_id":   "owner-1",
		"name":       "limited",
		"class":      "basic",
		"scopes":     []string{"repo:read"},
		"rate_limit": 5,
	})

	for i := 0; i < 5; i++ {
		rec := h.get(secret)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d %s", i+1, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
			t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, got)
		}
	}

	rec := h.get(secret)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request over the limit: %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}

	// Other routes for other tokens are unaffected
	_, other := h.issue(t, map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "unlimited",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})
	if rec := h.get(other); rec.Code != http.StatusOK {
		t.Errorf("unlimited token: %d, want 200", rec.Code)
	}
}

func TestUsageTrailEndToEnd(t *testing.T) {
	h := newHarness(t)

	_, secret := h.issue(t, map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "tracked",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})

	for i := 0; i < 3; i++ {
		if rec := h.get(secret); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}

	// Drain the async recorder, then the durable trail must hold one row
	// per verified call.
	h.recorder.Close()

	tokens, err := h.store.ListOwnerTokens(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ListOwnerTokens failed: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(tokens))
	}
	count, err := h.store.CountUsageSince(context.Background(), tokens[0].ID, time.Time{})
	if err != nil {
		t.Fatalf("CountUsageSince failed: %v", err)
	}
	if count != 3 {
		t.Errorf("usage rows = %d, want 3", count)
	}
	if tokens[0].LastUsedAt == nil {
		t.Error("last_used_at was not touched")
	}
}
