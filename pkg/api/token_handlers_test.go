package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keygate/pkg/auth"
)

// memStore is a minimal in-memory auth.Store for handler tests
type memStore struct {
	mu     sync.Mutex
	tokens map[string]*auth.Token
	owners map[string]*auth.Owner
}

func newMemStore() *memStore {
	return &memStore{
		tokens: make(map[string]*auth.Token),
		owners: make(map[string]*auth.Owner),
	}
}

func (s *memStore) CreateToken(ctx context.Context, token *auth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *memStore) GetTokenByHash(ctx context.Context, secretHash string) (*auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.SecretHash == secretHash {
			return tok, nil
		}
	}
	return nil, auth.ErrTokenNotFound
}

func (s *memStore) GetTokenByID(ctx context.Context, id string) (*auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}
	return tok, nil
}

func (s *memStore) ListOwnerTokens(ctx context.Context, ownerID string) ([]*auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Token
	for _, tok := range s.tokens {
		if tok.OwnerID == ownerID {
			out = append(out, tok)
		}
	}
	return out, nil
}

func (s *memStore) SoftDeleteToken(ctx context.Context, id, revokedBy, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok || tok.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	tok.DeletedAt = &now
	return true, nil
}

func (s *memStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (s *memStore) GetOwner(ctx context.Context, id string) (*auth.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", auth.ErrOwnerNotFound, id)
	}
	return owner, nil
}

func setupAPI(t *testing.T) (*mux.Router, *memStore) {
	t.Helper()

	store := newMemStore()
	store.owners["owner-1"] = &auth.Owner{ID: "owner-1", Username: "alice", Active: true}

	manager := auth.NewManager(store, nil, nil)
	router := mux.NewRouter()
	NewTokenAPI(manager, nil).RegisterRoutes(router)
	return router, store
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIssueTokenEndpoint(t *testing.T) {
	router, _ := setupAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "ci token",
		"class":    "advanced",
		"scopes":   []string{"repo:read", "repo:write"},
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID == "" || resp.Secret == "" {
		t.Errorf("incomplete response: %+v", resp)
	}

	// The secret hash must never appear in the payload
	if bytes.Contains(rec.Body.Bytes(), []byte("secret_hash")) {
		t.Error("response leaks the secret hash field")
	}
}

func TestIssueTokenEndpointRejectsBasicWriteScope(t *testing.T) {
	router, _ := setupAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "bad",
		"class":    "basic",
		"scopes":   []string{"repo:write"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestIssueTokenEndpointUnknownOwner(t *testing.T) {
	router, _ := setupAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"owner_id": "ghost",
		"name":     "t",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestIssueTokenEndpointBadBody(t *testing.T) {
	router, _ := setupAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/tokens", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRevokeTokenEndpoint(t *testing.T) {
	router, store := setupAPI(t)

	issue := doJSON(t, router, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"owner_id": "owner-1",
		"name":     "doomed",
		"class":    "basic",
		"scopes":   []string{"repo:read"},
	})
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(issue.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode issue response: %v", err)
	}

	rec := doJSON(t, router, http.MethodDelete, "/v1/tokens/"+resp.ID, map[string]string{
		"revoked_by": "admin",
		"reason":     "rotation",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if store.tokens[resp.ID].DeletedAt == nil {
		t.Error("token was not revoked")
	}

	// Revoking again is still a 204
	rec = doJSON(t, router, http.MethodDelete, "/v1/tokens/"+resp.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("repeat revoke status = %d, want 204", rec.Code)
	}
}

func TestListTokensEndpoint(t *testing.T) {
	router, _ := setupAPI(t)

	for _, name := range []string{"one", "two"} {
		rec := doJSON(t, router, http.MethodPost, "/v1/tokens", map[string]interface{}{
			"owner_id": "owner-1",
			"name":     name,
			"class":    "basic",
			"scopes":   []string{"repo:read"},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("issue %q failed: %d", name, rec.Code)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/owners/owner-1/tokens", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Tokens []*auth.Token `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Tokens) != 2 {
		t.Errorf("listed %d tokens, want 2", len(resp.Tokens))
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/owners/nobody/tokens", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"tokens":[]`)) {
		t.Errorf("expected an empty list, got %s", rec.Body.String())
	}
}
