package oidcissuer

import (
	"encoding/json"
	"net/http"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/openid"

	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

// Router wires the Server against the gateway's own session cookie, so the
// authorization_endpoint can identify the resource owner without a second
// login UI.
type Router struct {
	server    *Server
	manager   *tokenmanager.Manager
	box       *sealedbox.Box
	loginPath string
}

// NewRouter constructs a Router.
func NewRouter(server *Server, manager *tokenmanager.Manager, box *sealedbox.Box, loginPath string) *Router {
	return &Router{server: server, manager: manager, box: box, loginPath: loginPath}
}

// Authorize handles GET/POST /auth/openid/authorize.
func (rt *Router) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := rt.server.provider

	ar, err := provider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	data, err := rt.resolveSession(r)
	if err != nil {
		provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrAccessDenied.WithHint(err.Error()))
		return
	}
	if data == nil {
		http.Redirect(w, r, rt.loginPath+"?rd="+r.URL.String(), http.StatusSeeOther)
		return
	}

	session := newSession(data, rt.server.issuer, rt.server.key.KeyID, rt.server.lifetime)
	for _, scope := range ar.GetRequestedScopes() {
		if data.Scopes.Contains(scope) || scope == "openid" || scope == "profile" || scope == "email" {
			ar.GrantScope(scope)
		}
	}

	response, err := provider.NewAuthorizeResponse(ctx, ar, session)
	if err != nil {
		provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}
	provider.WriteAuthorizeResponse(ctx, w, ar, response)
}

// Token handles POST /auth/openid/token.
func (rt *Router) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := rt.server.provider

	session := &openid.DefaultSession{}
	accessRequest, err := provider.NewAccessRequest(ctx, r, session)
	if err != nil {
		provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := provider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		provider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}
	provider.WriteAccessResponse(ctx, w, accessRequest, response)
}

func (rt *Router) resolveSession(r *http.Request) (*token.Data, error) {
	cred, err := credential.Extract(r, rt.box)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}
	tok, err := token.Parse(cred.Raw)
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	return rt.manager.GetData(r.Context(), tok)
}

// WellKnown serves /.well-known/openid-configuration.
func (rt *Router) WellKnown(baseURL string) http.HandlerFunc {
	doc := map[string]any{
		"issuer":                                rt.server.issuer,
		"authorization_endpoint":                baseURL + "/auth/openid/authorize",
		"token_endpoint":                        baseURL + "/auth/openid/token",
		"jwks_uri":                              baseURL + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, doc)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
