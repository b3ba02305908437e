package login

import (
	"net"
	"net/http"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/metrics"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
)

// Machine drives the browser-facing START → AWAIT_CALLBACK → DONE flow of
// §4.6 against a single configured upstream Provider.
type Machine struct {
	provider       Provider
	manager        *tokenmanager.Manager
	box            *sealedbox.Box
	cookieDomain   string
	secureCookie   bool
	afterLogoutURL string
	isAdmin        func(username string) (bool, error)
}

// Config bundles the Machine's dependencies.
type Config struct {
	Provider       Provider
	Manager        *tokenmanager.Manager
	Box            *sealedbox.Box
	CookieDomain   string
	SecureCookie   bool
	AfterLogoutURL string
	IsAdmin        func(username string) (bool, error)
}

// New constructs a Machine.
func New(cfg Config) *Machine {
	return &Machine{
		provider:       cfg.Provider,
		manager:        cfg.Manager,
		box:            cfg.Box,
		cookieDomain:   cfg.CookieDomain,
		secureCookie:   cfg.SecureCookie,
		afterLogoutURL: cfg.AfterLogoutURL,
		isAdmin:        cfg.IsAdmin,
	}
}

// HandleLogin serves GET /login: with no code it starts a login (START →
// AWAIT_CALLBACK); with code and state it completes one (AWAIT_CALLBACK →
// DONE).
func (m *Machine) HandleLogin(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	if code := query.Get("code"); code != "" {
		return m.handleCallback(w, r, code, query.Get("state"))
	}
	return m.handleStart(w, r, query.Get("rd"))
}

func (m *Machine) handleStart(w http.ResponseWriter, r *http.Request, rd string) error {
	returnURL := rd
	if returnURL == "" {
		returnURL = r.Header.Get("X-Auth-Request-Redirect")
	}
	if returnURL == "" {
		return apierrors.NewInvalidRequest("no return URL provided via rd or X-Auth-Request-Redirect")
	}

	state, err := generateState()
	if err != nil {
		return apierrors.NewInternal("failed to generate login state", err)
	}

	var codeVerifier, codeChallenge string
	if m.provider.UsesPKCE() {
		codeVerifier, codeChallenge, err = generatePKCE()
		if err != nil {
			return apierrors.NewInternal("failed to generate PKCE parameters", err)
		}
	}

	if err := credential.WriteCookieState(w, m.box, &credential.CookieState{
		State:        state,
		ReturnURL:    returnURL,
		CodeVerifier: codeVerifier,
	}, m.cookieDomain, m.secureCookie); err != nil {
		return apierrors.NewInternal("failed to write login cookie", err)
	}

	http.Redirect(w, r, m.provider.AuthCodeURL(state, codeChallenge), http.StatusSeeOther)
	return nil
}

func (m *Machine) handleCallback(w http.ResponseWriter, r *http.Request, code, state string) error {
	cookie, err := credential.ReadCookieState(r, m.box)
	if err != nil {
		return apierrors.NewInternal("failed to read login cookie", err)
	}
	if cookie == nil || cookie.State == "" {
		metrics.LoginAttempts.WithLabelValues("state_mismatch").Inc()
		return apierrors.NewPermissionDenied("no login in progress")
	}
	if state != cookie.State {
		metrics.LoginAttempts.WithLabelValues("state_mismatch").Inc()
		return apierrors.NewPermissionDenied("state parameter does not match")
	}

	info, err := m.provider.Exchange(r.Context(), code, cookie.CodeVerifier)
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("provider_failure").Inc()
		return err
	}

	admin := false
	if m.isAdmin != nil {
		admin, err = m.isAdmin(info.Username)
		if err != nil {
			metrics.LoginAttempts.WithLabelValues("internal_error").Inc()
			return apierrors.NewInternal("failed to check admin allow-list", err)
		}
	}
	scopes := m.manager.DeriveScopes(info.Groups, admin)

	tok, err := m.manager.CreateSessionToken(r.Context(), info, scopes, clientIP(r))
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("internal_error").Inc()
		return err
	}

	csrf, err := generateState()
	if err != nil {
		metrics.LoginAttempts.WithLabelValues("internal_error").Inc()
		return apierrors.NewInternal("failed to generate CSRF token", err)
	}

	if err := credential.WriteCookieState(w, m.box, &credential.CookieState{
		Token: tok.String(),
		CSRF:  csrf,
	}, m.cookieDomain, m.secureCookie); err != nil {
		metrics.LoginAttempts.WithLabelValues("internal_error").Inc()
		return apierrors.NewInternal("failed to write session cookie", err)
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	http.Redirect(w, r, cookie.ReturnURL, http.StatusSeeOther)
	return nil
}

// HandleLogout clears the session cookie and redirects to the configured
// post-logout URL.
func (m *Machine) HandleLogout(w http.ResponseWriter, r *http.Request) error {
	credential.ClearCookie(w, m.cookieDomain, m.secureCookie)
	redirectURL := m.afterLogoutURL
	if redirectURL == "" {
		redirectURL = "/"
	}
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
