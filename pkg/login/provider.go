// Package login implements the login state machine (C6): the browser-facing
// START → AWAIT_CALLBACK → DONE flow that exchanges an upstream OAuth2/OIDC
// code for a gateway session token.
package login

import (
	"context"

	"github.com/lsst/gafaelfawr/pkg/token"
)

// Provider is an upstream identity provider capable of producing an
// authorization URL and exchanging a callback code for user identity.
type Provider interface {
	// AuthCodeURL returns the URL to redirect the browser to, embedding
	// state and (if the provider uses PKCE) the code challenge.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades an authorization code (and PKCE verifier, if any) for
	// upstream user identity.
	Exchange(ctx context.Context, code, codeVerifier string) (token.UserInfo, error)

	// UsesPKCE reports whether this provider expects a code_challenge.
	UsesPKCE() bool
}
