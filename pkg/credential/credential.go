// Package credential implements the credential extractor (C4): resolving
// the single opaque bearer credential present on an incoming request, from
// whichever of the cookie, Bearer header, or Basic header carries it.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/logger"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
)

// CookieName is the fixed name of the gateway's session cookie.
const CookieName = "gafaelfawr"

// oauthBasicSentinel is the legacy placeholder some OAuth clients send in
// the unused half of a Basic-auth pair (historically some HTTP client
// libraries required both Basic-auth fields to be non-empty).
const oauthBasicSentinel = "x-oauth-basic"

// Source names where a resolved credential came from.
type Source string

const (
	SourceCookie        Source = "cookie"
	SourceBearer        Source = "bearer"
	SourceBasicUsername Source = "basic-username"
	SourceBasicPassword Source = "basic-password"
)

// Credential is the single resolved bearer credential for a request.
type Credential struct {
	Raw    string
	Source Source
}

// CookieState is the sealed payload carried by the gafaelfawr cookie. Token
// holds the full wire-format token ("gt-<key>.<secret>") once a login has
// completed; State and ReturnURL are populated only while a login is in
// progress (§4.6).
type CookieState struct {
	Token        string `json:"token,omitempty"`
	CSRF         string `json:"csrf,omitempty"`
	State        string `json:"state,omitempty"`
	ReturnURL    string `json:"return_url,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// CheckCSRF reports whether the X-CSRF-Token request header matches the
// cookie's CSRF value, in constant time. A request carrying no session
// (state == nil) or no CSRF value never satisfies the check.
func CheckCSRF(r *http.Request, state *CookieState) bool {
	if state == nil || state.CSRF == "" {
		return false
	}
	return token.SecretMatches(state.CSRF, r.Header.Get("X-CSRF-Token"))
}

// ReadCookieState reads and unseals the gafaelfawr cookie, if present. A
// missing cookie, or one that fails to decrypt or parse, is reported as
// (nil, nil): the cookie carries no durable guarantee a client couldn't
// otherwise forge, so any failure here is equivalent to "not logged in".
func ReadCookieState(r *http.Request, box *sealedbox.Box) (*CookieState, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, nil //nolint:nilerr
	}
	plaintext, err := box.Open(c.Value)
	if err != nil {
		logger.Warnf("credential: failed to unseal cookie: %v", err)
		return nil, nil
	}
	var state CookieState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		logger.Warnf("credential: corrupt cookie payload: %v", err)
		return nil, nil
	}
	return &state, nil
}

// WriteCookieState seals state and sets it as the gafaelfawr cookie.
func WriteCookieState(w http.ResponseWriter, box *sealedbox.Box, state *CookieState, domain string, secure bool) error {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return err
	}
	envelope, err := box.Seal(plaintext)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    envelope,
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie deletes the gafaelfawr cookie.
func ClearCookie(w http.ResponseWriter, domain string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Extract resolves the request's credential per §4.4's precedence: cookie,
// then Bearer header, then Basic header. Returns (nil, nil) when no
// credential is present; a malformed Authorization header is reported as an
// invalid_request error.
func Extract(r *http.Request, box *sealedbox.Box) (*Credential, error) {
	if state, err := ReadCookieState(r, box); err == nil && state != nil && state.Token != "" {
		return &Credential{Raw: state.Token, Source: SourceCookie}, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}

	scheme, value, ok := strings.Cut(header, " ")
	if !ok || value == "" {
		return nil, apierrors.NewInvalidRequest("malformed Authorization header")
	}

	switch strings.ToLower(scheme) {
	case "bearer":
		return &Credential{Raw: value, Source: SourceBearer}, nil
	case "basic":
		return extractBasic(value)
	default:
		return nil, apierrors.NewInvalidRequest("unsupported Authorization scheme")
	}
}

func extractBasic(encoded string) (*Credential, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apierrors.NewInvalidRequest("malformed Basic authorization value")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, apierrors.NewInvalidRequest("malformed Basic authorization value")
	}

	switch {
	case password == oauthBasicSentinel:
		return &Credential{Raw: username, Source: SourceBasicUsername}, nil
	case username == oauthBasicSentinel:
		return &Credential{Raw: password, Source: SourceBasicPassword}, nil
	default:
		logger.Infow("credential: Basic auth used without the oauth-basic sentinel, using username as token",
			"username_len", len(username))
		return &Credential{Raw: username, Source: SourceBasicUsername}, nil
	}
}

// ErrNoCredential is returned by callers that require a credential where
// Extract returned (nil, nil); kept here so callers share one sentinel.
var ErrNoCredential = errors.New("credential: no credential present on request")
