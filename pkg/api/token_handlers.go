package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/keygate/pkg/auth"
	"github.com/platinummonkey/keygate/pkg/observability"
)

// TokenAPI exposes the token management surface consumed by the web
// application's route layer: issue, list, revoke. Verification itself is
// not an endpoint; in-process callers use the middleware.
type TokenAPI struct {
	manager *auth.Manager
	logger  *observability.Logger
}

// NewTokenAPI creates the management handlers
func NewTokenAPI(manager *auth.Manager, logger *observability.Logger) *TokenAPI {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &TokenAPI{manager: manager, logger: logger}
}

// RegisterRoutes attaches the token management routes
func (a *TokenAPI) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/tokens", a.handleIssueToken).Methods(http.MethodPost)
	r.HandleFunc("/v1/tokens/{id}", a.handleRevokeToken).Methods(http.MethodDelete)
	r.HandleFunc("/v1/owners/{ownerID}/tokens", a.handleListTokens).Methods(http.MethodGet)
}

// issueTokenResponse is the only place the plaintext secret ever appears
type issueTokenResponse struct {
	ID        string       `json:"id"`
	Secret    string       `json:"secret"`
	Scopes    []auth.Scope `json:"scopes"`
	ExpiresAt interface{}  `json:"expires_at"`
	Token     *auth.Token  `json:"token"`
}

func (a *TokenAPI) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req auth.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.manager.Issue(r.Context(), req)
	if err != nil {
		// Issuance errors are surfaced verbatim: the caller is the token
		// owner and is trusted to see why creation failed.
		switch {
		case errors.Is(err, auth.ErrInvalidScope), errors.Is(err, auth.ErrInvalidClass):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrOwnerNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			a.logger.WithError(err).Error("token issuance failed")
			writeError(w, http.StatusInternalServerError, "failed to issue token")
		}
		return
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		ID:        result.Token.ID,
		Secret:    result.Secret,
		Scopes:    result.Token.Scopes,
		ExpiresAt: result.Token.ExpiresAt,
		Token:     result.Token,
	})
}

func (a *TokenAPI) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["id"]

	var body struct {
		RevokedBy string `json:"revoked_by"`
		Reason    string `json:"reason"`
	}
	// Body is optional for revocation
	json.NewDecoder(r.Body).Decode(&body)

	if err := a.manager.Revoke(r.Context(), tokenID, body.RevokedBy, body.Reason); err != nil {
		a.logger.WithError(err).WithField("token_id", tokenID).Error("token revocation failed")
		writeError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *TokenAPI) handleListTokens(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerID"]

	tokens, err := a.manager.ListOwnerTokens(r.Context(), ownerID)
	if err != nil {
		a.logger.WithError(err).WithField("owner_id", ownerID).Error("token listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	if tokens == nil {
		tokens = []*auth.Token{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
