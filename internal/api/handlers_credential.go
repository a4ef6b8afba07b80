package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/vault"
)

// CredentialManager is the part of the vault the admin API exposes.
type CredentialManager interface {
	Store(ctx context.Context, accessToken, refreshToken string, expiresInSeconds int64, scope string) error
	Status(ctx context.Context) (*vault.CredentialStatus, error)
	Revoke(ctx context.Context) error
}

type ProfileFetcher interface {
	GetProfile(ctx context.Context) (*graph.Profile, error)
}

type CredentialHandler struct {
	vault   CredentialManager
	profile ProfileFetcher
}

func NewCredentialHandler(v CredentialManager, profile ProfileFetcher) *CredentialHandler {
	return &CredentialHandler{vault: v, profile: profile}
}

func (h *CredentialHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.vault.Status(r.Context())
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type importCredentialRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Import stores the token response of a completed OAuth consent, in the
// shape the Azure AD token endpoint returns it.
func (h *CredentialHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "access_token and refresh_token are required")
		return
	}

	if err := h.vault.Store(r.Context(), req.AccessToken, req.RefreshToken, req.ExpiresIn, req.Scope); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	status, err := h.vault.Status(r.Context())
	if err != nil {
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *CredentialHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Revoke(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Profile shows which account the relay posts as.
func (h *CredentialHandler) Profile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profile.GetProfile(r.Context())
	if err != nil {
		var he *graph.HTTPError
		if errors.As(err, &he) {
			writeError(w, http.StatusBadGateway, he.Error())
			return
		}
		writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":           p.ID,
		"display_name": p.DisplayName,
		"email":        p.Email(),
	})
}

func writeVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrNoCredential):
		writeError(w, http.StatusNotFound, "no credential stored")
	case errors.Is(err, vault.ErrCredentialUnreadable):
		writeError(w, http.StatusConflict, "stored credential cannot be decrypted with the configured secret")
	case errors.Is(err, vault.ErrRefreshFailed):
		writeError(w, http.StatusBadGateway, "credential refresh failed")
	default:
		writeError(w, http.StatusInternalServerError, "credential lookup failed")
	}
}
