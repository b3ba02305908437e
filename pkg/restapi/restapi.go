// Package restapi implements the gateway's management API (the
// /auth/api/v1/* surface): token-info and user-info lookups for the calling
// credential, user-scoped token CRUD, change-history queries, the admin
// allow-list, and admin-minted tokens.
package restapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/config"
	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

// adminScope is the scope granted to allow-listed administrators; mirrors
// tokenmanager's unexported constant of the same name.
const adminScope = "admin:token"

// Handler serves the management API.
type Handler struct {
	cfg     *config.Config
	manager *tokenmanager.Manager
	db      *tokendb.DB
	box     *sealedbox.Box
}

// New constructs a Handler.
func New(cfg *config.Config, manager *tokenmanager.Manager, db *tokendb.DB, box *sealedbox.Box) *Handler {
	return &Handler{cfg: cfg, manager: manager, db: db, box: box}
}

// Router builds the chi router mounted at /auth/api/v1.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/token-info", apierrors.ErrorHandler(h.TokenInfo))
	r.Get("/user-info", apierrors.ErrorHandler(h.UserInfo))
	r.Get("/login", apierrors.ErrorHandler(h.LoginInfo))

	r.Get("/users/{username}/tokens", apierrors.ErrorHandler(h.ListTokens))
	r.Post("/users/{username}/tokens", apierrors.ErrorHandler(h.CreateToken))
	r.Get("/users/{username}/tokens/{key}", apierrors.ErrorHandler(h.GetToken))
	r.Patch("/users/{username}/tokens/{key}", apierrors.ErrorHandler(h.ModifyToken))
	r.Delete("/users/{username}/tokens/{key}", apierrors.ErrorHandler(h.DeleteToken))
	r.Get("/users/{username}/tokens/{key}/change-history", apierrors.ErrorHandler(h.TokenHistory))
	r.Get("/users/{username}/token-change-history", apierrors.ErrorHandler(h.UserHistory))

	r.Get("/history/token-changes", apierrors.ErrorHandler(h.GlobalHistory))

	r.Get("/admins", apierrors.ErrorHandler(h.ListAdmins))
	r.Post("/admins", apierrors.ErrorHandler(h.AddAdmin))
	r.Delete("/admins/{username}", apierrors.ErrorHandler(h.RemoveAdmin))

	r.Post("/tokens", apierrors.ErrorHandler(h.AdminCreateToken))
	return r
}

// authenticate resolves the request's credential into a tokenmanager.Auth
// and its backing token.Data, per the same precedence as the /auth decision
// engine (C5): cookie, Bearer header, Basic header.
func (h *Handler) authenticate(r *http.Request) (tokenmanager.Auth, *token.Data, *credential.Credential, error) {
	cred, err := credential.Extract(r, h.box)
	if err != nil {
		return tokenmanager.Auth{}, nil, nil, err
	}
	if cred == nil {
		return tokenmanager.Auth{}, nil, nil, apierrors.NewInvalidToken("authentication required")
	}

	tok, err := token.Parse(cred.Raw)
	if err != nil {
		return tokenmanager.Auth{}, nil, nil, apierrors.NewInvalidToken("authentication required")
	}

	data, err := h.manager.GetData(r.Context(), tok)
	if err != nil {
		return tokenmanager.Auth{}, nil, nil, err
	}
	if data == nil {
		return tokenmanager.Auth{}, nil, nil, apierrors.NewInvalidToken("authentication required")
	}

	auth := tokenmanager.Auth{Username: data.Username, Scopes: data.Scopes, IsAdmin: data.Scopes.Contains(adminScope)}
	return auth, data, cred, nil
}

// requireCSRF enforces the spec's "mutating API calls require the CSRF
// token echoed in X-CSRF-Token" rule. The rule only applies to
// cookie-authenticated requests: a caller presenting a bearer credential
// directly (a CLI, a service) carries no ambient browser state for a
// cross-site form to forge.
func (h *Handler) requireCSRF(r *http.Request, cred *credential.Credential) error {
	if cred.Source != credential.SourceCookie {
		return nil
	}
	state, err := credential.ReadCookieState(r, h.box)
	if err != nil {
		return err
	}
	if !credential.CheckCSRF(r, state) {
		return apierrors.NewPermissionDenied("missing or invalid X-CSRF-Token")
	}
	return nil
}

// canActAs mirrors tokenmanager.Auth.canActAs, which is unexported: a
// caller may act as owner if it is that user, or holds admin:token.
func canActAs(auth tokenmanager.Auth, owner string) bool {
	return auth.Username == owner || auth.Scopes.Contains(adminScope)
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// bootstrapAuth reports whether the request's Authorization header presents
// the configured bootstrap token, per spec scenario 6 ("the bootstrap token
// in configuration is accepted only on /auth/api/v1/tokens POST"). A match
// authenticates as an ad hoc administrator with no backing stored token.
func (h *Handler) bootstrapAuth(r *http.Request) (tokenmanager.Auth, bool) {
	if h.cfg.BootstrapToken == "" {
		return tokenmanager.Auth{}, false
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return tokenmanager.Auth{}, false
	}
	if !token.SecretMatches(h.cfg.BootstrapToken, header[len(prefix):]) {
		return tokenmanager.Auth{}, false
	}
	return tokenmanager.Auth{Username: "bootstrap", Scopes: token.Scopes{adminScope}, IsAdmin: true}, true
}

// BootstrapAdmins seeds the admin allow-list from the configured
// initial_admins, if it is currently empty. Called once at service startup,
// before the server starts accepting logins (spec scenario 6).
func (h *Handler) BootstrapAdmins(ctx context.Context) error {
	return tokendb.BootstrapAdmins(ctx, h.db.DB(), h.cfg.InitialAdmins)
}
