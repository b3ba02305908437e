package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierrors.NewInvalidRequest("malformed request body")
	}
	return nil
}

// tokenInfoResponse is the wire shape of a token.Info, per scenario 1's
// literal example body.
type tokenInfoResponse struct {
	Token     string   `json:"token"`
	Username  string   `json:"username"`
	TokenType string   `json:"token_type"`
	TokenName string   `json:"token_name,omitempty"`
	Scopes    []string `json:"scopes"`
	Created   int64    `json:"created"`
	Expires   *int64   `json:"expires,omitempty"`
	Parent    string   `json:"parent,omitempty"`
	LastUsed  *int64   `json:"last_used,omitempty"`
}

func newTokenInfoResponse(info *token.Info) tokenInfoResponse {
	resp := tokenInfoResponse{
		Token: info.Key, Username: info.Username, TokenType: string(info.Type),
		TokenName: info.Name, Scopes: []string(info.Scopes.Sorted()), Created: info.Created.Unix(),
	}
	if info.Expires != nil {
		v := info.Expires.Unix()
		resp.Expires = &v
	}
	if info.Parent != "" {
		resp.Parent = info.Parent
	}
	if info.LastUsed != nil {
		v := info.LastUsed.Unix()
		resp.LastUsed = &v
	}
	return resp
}

// userInfoResponse is the identity snapshot captured at session creation.
type userInfoResponse struct {
	Username string   `json:"username"`
	Name     string   `json:"name,omitempty"`
	UID      string   `json:"uid,omitempty"`
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// TokenInfo serves GET /auth/api/v1/token-info: the durable record for the
// token the caller authenticated with.
func (h *Handler) TokenInfo(w http.ResponseWriter, r *http.Request) error {
	_, data, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	info, err := h.manager.GetTokenInfoUnchecked(r.Context(), data.Token.Key)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, newTokenInfoResponse(info))
	return nil
}

// UserInfo serves GET /auth/api/v1/user-info.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) error {
	_, data, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, userInfoResponse{
		Username: data.Username, Name: data.UserInfo.Name, UID: data.UserInfo.UID,
		Email: data.UserInfo.Email, Groups: data.UserInfo.Groups,
	})
	return nil
}

// loginInfoResponse is the CSRF token and scope catalog consumed by the UI
// when it loads, per §6's "CSRF + scope catalog for the UI".
type loginInfoResponse struct {
	CSRF     string            `json:"csrf"`
	Username string            `json:"username"`
	Scopes   map[string]string `json:"scopes"`
	Config   loginInfoConfig   `json:"config"`
}

type loginInfoConfig struct {
	Realm string `json:"realm"`
}

// LoginInfo serves GET /auth/api/v1/login.
func (h *Handler) LoginInfo(w http.ResponseWriter, r *http.Request) error {
	_, data, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	state, err := credential.ReadCookieState(r, h.box)
	if err != nil {
		return err
	}
	csrf := ""
	if state != nil {
		csrf = state.CSRF
	}
	writeJSON(w, http.StatusOK, loginInfoResponse{
		CSRF: csrf, Username: data.Username, Scopes: h.cfg.KnownScopes,
		Config: loginInfoConfig{Realm: h.cfg.Realm},
	})
	return nil
}

// createTokenRequest is the body of POST .../tokens.
type createTokenRequest struct {
	TokenName string   `json:"token_name"`
	Scopes    []string `json:"scopes"`
	Expires   *int64   `json:"expires,omitempty"`
}

// ListTokens serves GET /auth/api/v1/users/{username}/tokens.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) error {
	auth, _, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	username := chi.URLParam(r, "username")
	infos, err := h.manager.ListTokens(r.Context(), auth, username)
	if err != nil {
		return err
	}
	resp := make([]tokenInfoResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, newTokenInfoResponse(info))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// CreateToken serves POST /auth/api/v1/users/{username}/tokens.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) error {
	auth, _, cred, err := h.authenticate(r)
	if err != nil {
		return err
	}
	if err := h.requireCSRF(r, cred); err != nil {
		return err
	}
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	username := chi.URLParam(r, "username")
	expires := unixToTime(req.Expires)

	tok, err := h.manager.CreateUserToken(r.Context(), auth, username, req.TokenName, token.Scopes(req.Scopes), expires, clientIP(r))
	if err != nil {
		return err
	}
	info, err := h.manager.GetTokenInfoUnchecked(r.Context(), tok.Key)
	if err != nil {
		return err
	}
	w.Header().Set("Location", "/auth/api/v1/users/"+username+"/tokens/"+tok.Key)
	writeJSON(w, http.StatusCreated, newTokenInfoResponse(info))
	return nil
}

// GetToken serves GET /auth/api/v1/users/{username}/tokens/{key}.
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) error {
	auth, _, _, err := h.authenticate(r)
	if err != nil {
		return err
	}
	username := chi.URLParam(r, "username")
	info, err := h.manager.GetTokenInfoUnchecked(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		return err
	}
	if info.Username != username {
		return apierrors.NewNotFound("token not found")
	}
	if !canActAs(auth, info.Username) {
		return apierrors.NewPermissionDenied("cannot view another user's token")
	}
	writeJSON(w, http.StatusOK, newTokenInfoResponse(info))
	return nil
}

// modifyTokenRequest is the body of PATCH .../tokens/{key}. Expires uses a
// raw message so an explicit JSON null (clear expiry) can be distinguished
// from an omitted field (leave expiry unchanged).
type modifyTokenRequest struct {
	TokenName *string         `json:"token_name,omitempty"`
	Scopes    []string        `json:"scopes,omitempty"`
	Expires   json.RawMessage `json:"expires,omitempty"`
}

// ModifyToken serves PATCH /auth/api/v1/users/{username}/tokens/{key}.
func (h *Handler) ModifyToken(w http.ResponseWriter, r *http.Request) error {
	auth, _, cred, err := h.authenticate(r)
	if err != nil {
		return err
	}
	if err := h.requireCSRF(r, cred); err != nil {
		return err
	}
	var req modifyTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	fields := tokenmanager.ModifyFields{Name: req.TokenName}
	if req.Scopes != nil {
		scopes := token.Scopes(req.Scopes)
		fields.Scopes = &scopes
	}
	if len(req.Expires) > 0 {
		if string(req.Expires) == "null" {
			fields.ClearExpires = true
		} else {
			var unix int64
			if err := json.Unmarshal(req.Expires, &unix); err != nil {
				return apierrors.NewInvalidRequest("expires must be a unix timestamp or null")
			}
			fields.Expires = unixToTime(&unix)
		}
	}

	username := chi.URLParam(r, "username")
	key := chi.URLParam(r, "key")
	info, err := h.manager.ModifyToken(r.Context(), auth, username, key, fields, clientIP(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, newTokenInfoResponse(info))
	return nil
}

// DeleteToken serves DELETE /auth/api/v1/users/{username}/tokens/{key}.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) error {
	auth, _, cred, err := h.authenticate(r)
	if err != nil {
		return err
	}
	if err := h.requireCSRF(r, cred); err != nil {
		return err
	}
	username := chi.URLParam(r, "username")
	key := chi.URLParam(r, "key")
	if err := h.manager.DeleteToken(r.Context(), auth, username, key, clientIP(r)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func unixToTime(unix *int64) *time.Time {
	if unix == nil {
		return nil
	}
	t := time.Unix(*unix, 0).UTC()
	return &t
}

