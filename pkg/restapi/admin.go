package restapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"

	"github.com/lsst/gafaelfawr/pkg/token"
)

// requireAdmin authenticates r and checks the caller holds admin:token.
func (h *Handler) requireAdmin(r *http.Request) (tokenmanager.Auth, *credential.Credential, error) {
	auth, _, cred, err := h.authenticate(r)
	if err != nil {
		return tokenmanager.Auth{}, nil, err
	}
	if !auth.Scopes.Contains(adminScope) {
		return tokenmanager.Auth{}, nil, apierrors.NewPermissionDenied("admin:token scope is required")
	}
	return auth, cred, nil
}

// ListAdmins serves GET /auth/api/v1/admins.
func (h *Handler) ListAdmins(w http.ResponseWriter, r *http.Request) error {
	if _, _, err := h.requireAdmin(r); err != nil {
		return err
	}
	admins, err := tokendb.ListAdmins(r.Context(), h.db.DB())
	if err != nil {
		return apierrors.NewInternal("failed to list admins", err)
	}
	writeJSON(w, http.StatusOK, admins)
	return nil
}

type addAdminRequest struct {
	Username string `json:"username"`
}

// AddAdmin serves POST /auth/api/v1/admins.
func (h *Handler) AddAdmin(w http.ResponseWriter, r *http.Request) error {
	_, cred, err := h.requireAdmin(r)
	if err != nil {
		return err
	}
	if err := h.requireCSRF(r, cred); err != nil {
		return err
	}
	var req addAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return apierrors.NewInvalidRequest("username is required")
	}
	if err := tokendb.AddAdmin(r.Context(), h.db.DB(), req.Username); err != nil {
		return apierrors.NewInternal("failed to add admin", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// RemoveAdmin serves DELETE /auth/api/v1/admins/{username}.
func (h *Handler) RemoveAdmin(w http.ResponseWriter, r *http.Request) error {
	_, cred, err := h.requireAdmin(r)
	if err != nil {
		return err
	}
	if err := h.requireCSRF(r, cred); err != nil {
		return err
	}
	username := chi.URLParam(r, "username")
	if err := tokendb.RemoveAdmin(r.Context(), h.db.DB(), username); err != nil {
		return apierrors.NewInternal("failed to remove admin", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type adminCreateTokenRequest struct {
	Username  string   `json:"username"`
	Type      string   `json:"type"`
	TokenName string   `json:"token_name"`
	Scopes    []string `json:"scopes"`
	Expires   *int64   `json:"expires,omitempty"`
}

// AdminCreateToken serves POST /auth/api/v1/tokens: admin-minted
// service/user tokens. The configured bootstrap token authenticates here
// even with no admin allow-list entry yet, per scenario 6.
func (h *Handler) AdminCreateToken(w http.ResponseWriter, r *http.Request) error {
	var auth tokenmanager.Auth
	var cred *credential.Credential

	if bootstrapAuth, ok := h.bootstrapAuth(r); ok {
		auth = bootstrapAuth
	} else {
		var err error
		auth, cred, err = h.requireAdmin(r)
		if err != nil {
			return err
		}
		if err := h.requireCSRF(r, cred); err != nil {
			return err
		}
	}

	var req adminCreateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return apierrors.NewInvalidRequest("username is required")
	}

	adminReq := tokenmanager.AdminTokenRequest{
		Username: req.Username, Type: token.Type(req.Type), Name: req.TokenName,
		Scopes: token.Scopes(req.Scopes), Expires: unixToTime(req.Expires),
	}
	tok, err := h.manager.CreateTokenFromAdminRequest(r.Context(), auth, adminReq, clientIP(r))
	if err != nil {
		return err
	}
	info, err := h.manager.GetTokenInfoUnchecked(r.Context(), tok.Key)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/auth/api/v1/users/"+req.Username+"/tokens/"+tok.Key)
	writeJSON(w, http.StatusCreated, newTokenInfoResponse(info))
	return nil
}
