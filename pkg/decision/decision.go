// Package decision implements the /auth subrequest decision engine (C5):
// the endpoint an NGINX auth_request directive calls on every proxied
// request to decide whether it may proceed.
package decision

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/metrics"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

// Engine evaluates /auth subrequests.
type Engine struct {
	manager *tokenmanager.Manager
	box     *sealedbox.Box
	realm   string
}

// New constructs an Engine.
func New(manager *tokenmanager.Manager, box *sealedbox.Box, realm string) *Engine {
	return &Engine{manager: manager, box: box, realm: realm}
}

// params is the parsed and validated query string of an /auth request.
type params struct {
	scopes        token.Scopes
	satisfyAny    bool
	authType      string
	notebook      bool
	delegateTo    string
	delegateScope token.Scopes
}

func parseParams(r *http.Request) (*params, error) {
	q := r.URL.Query()

	scopes := token.Scopes(q["scope"])
	if len(scopes) == 0 {
		return nil, apierrors.NewInvalidRequest("scope is required")
	}

	satisfy := q.Get("satisfy")
	if satisfy == "" {
		satisfy = "all"
	}
	if satisfy != "any" && satisfy != "all" {
		return nil, apierrors.NewInvalidRequest("satisfy must be \"any\" or \"all\"")
	}

	authType := q.Get("auth_type")
	if authType == "" {
		authType = "bearer"
	}
	if authType != "bearer" && authType != "basic" {
		return nil, apierrors.NewInvalidRequest("auth_type must be \"bearer\" or \"basic\"")
	}

	return &params{
		scopes:        scopes.Sorted(),
		satisfyAny:    satisfy == "any",
		authType:      authType,
		notebook:      q.Get("notebook") == "true",
		delegateTo:    q.Get("delegate_to"),
		delegateScope: token.Scopes(q["delegate_scope"]).Sorted(),
	}, nil
}

// isAJAX reports whether the request identifies as an XHR, per §4.5's
// "return 403 in place of 401 so the proxy does not redirect background
// requests" rule.
func isAJAX(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

func authScheme(authType string) string {
	if authType == "basic" {
		return "basic"
	}
	return "bearer"
}

func (e *Engine) challenge(w http.ResponseWriter, authType, errCode, scope string) {
	var b strings.Builder
	b.WriteString(authScheme(authType))
	fmt.Fprintf(&b, " realm=%q", e.realm)
	if errCode != "" {
		fmt.Fprintf(&b, ", error=%q", errCode)
	}
	if scope != "" {
		fmt.Fprintf(&b, ", scope=%q", scope)
	}
	w.Header().Set("WWW-Authenticate", b.String())
}

// Authorize handles GET /auth.
func (e *Engine) Authorize(w http.ResponseWriter, r *http.Request) error {
	p, err := parseParams(r)
	if err != nil {
		return err
	}

	cred, err := credential.Extract(r, e.box)
	if err != nil {
		return err
	}
	if cred == nil {
		return e.unauthorized(w, r, p, "")
	}

	tok, err := token.Parse(cred.Raw)
	if err != nil {
		return e.unauthorized(w, r, p, "invalid_token")
	}

	data, err := e.manager.GetData(r.Context(), tok)
	if err != nil {
		return err
	}
	if data == nil {
		return e.unauthorized(w, r, p, "invalid_token")
	}

	satisfied := p.scopes.Subset(data.Scopes)
	if p.satisfyAny {
		satisfied = p.scopes.Intersects(data.Scopes)
	}
	if !satisfied {
		return e.forbidden(w, r, p, "insufficient_scope", strings.Join(p.scopes.Sorted(), " "))
	}

	var reissued *token.Token
	if p.notebook {
		nb, err := e.manager.GetNotebookToken(r.Context(), data, clientIP(r))
		if err != nil {
			return err
		}
		reissued = &nb
	} else if p.delegateTo != "" {
		scope := p.delegateScope.Intersection(data.Scopes)
		internal, err := e.manager.GetInternalToken(r.Context(), data, p.delegateTo, scope, clientIP(r))
		if err != nil {
			return err
		}
		reissued = &internal
	}

	metrics.AuthDecisions.WithLabelValues("allow").Inc()
	e.writeIdentityHeaders(w, r, data, p, reissued)
	return nil
}

func (e *Engine) unauthorized(w http.ResponseWriter, r *http.Request, p *params, errCode string) error {
	metrics.AuthDecisions.WithLabelValues("unauthorized").Inc()
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	if isAJAX(r) {
		e.challenge(w, p.authType, errCode, "")
		return apierrors.NewPermissionDenied("authentication required")
	}
	e.challenge(w, p.authType, errCode, "")
	return apierrors.NewInvalidToken("authentication required")
}

func (e *Engine) forbidden(w http.ResponseWriter, _ *http.Request, p *params, errCode, scope string) error {
	metrics.AuthDecisions.WithLabelValues("forbidden").Inc()
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	e.challenge(w, p.authType, errCode, scope)
	return apierrors.NewInsufficientScope("token lacks required scope")
}

func (e *Engine) writeIdentityHeaders(w http.ResponseWriter, r *http.Request, data *token.Data, p *params, reissued *token.Token) {
	h := w.Header()
	h.Set("X-Auth-Request-Client-Ip", clientIP(r))
	h.Set("X-Auth-Request-User", data.Username)
	if data.UserInfo.UID != "" {
		h.Set("X-Auth-Request-Uid", data.UserInfo.UID)
	}
	if data.UserInfo.Email != "" {
		h.Set("X-Auth-Request-Email", data.UserInfo.Email)
	}
	if len(data.UserInfo.Groups) > 0 {
		h.Set("X-Auth-Request-Groups", strings.Join(data.UserInfo.Groups, ","))
	}
	if reissued != nil {
		h.Set("X-Auth-Request-Token", reissued.String())
		h.Set("X-Auth-Request-Token-Scopes", data.Scopes.Key())
	}
	h.Set("X-Auth-Request-Token-Scopes-Accepted", p.scopes.Key())
	satisfy := "all"
	if p.satisfyAny {
		satisfy = "any"
	}
	h.Set("X-Auth-Request-Token-Scopes-Satisfy", satisfy)
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
