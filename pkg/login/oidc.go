package login

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/token"
)

// OIDCProvider authenticates against a generic OpenID Connect issuer using
// the authorization-code flow with PKCE, verifying the returned ID token
// against the issuer's published JWKS.
type OIDCProvider struct {
	issuer       string
	audience     string
	usernameClaim string
	groupsClaim  string

	oauth2 *oauth2.Config
	jwks   *jwk.Cache
	jwksURL string

	registerOnce sync.Once
	registerErr  error
}

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	UsernameClaim string // defaults to "sub"
	GroupsClaim   string // defaults to "isMemberOf"
}

// NewOIDCProvider discovers issuer's endpoints and constructs an OIDCProvider.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	doc, err := discoverEndpoints(ctx, cfg.Issuer)
	if err != nil {
		return nil, apierrors.NewProviderFailure("failed to discover OIDC endpoints", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	usernameClaim := cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = "sub"
	}
	groupsClaim := cfg.GroupsClaim
	if groupsClaim == "" {
		groupsClaim = "isMemberOf"
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, apierrors.NewProviderFailure("failed to create JWKS cache", err)
	}

	return &OIDCProvider{
		issuer:        cfg.Issuer,
		audience:      cfg.ClientID,
		usernameClaim: usernameClaim,
		groupsClaim:   groupsClaim,
		jwks:          cache,
		jwksURL:       doc.JWKSURI,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
		},
	}, nil
}

// UsesPKCE reports that generic OIDC logins always use PKCE.
func (*OIDCProvider) UsesPKCE() bool { return true }

// AuthCodeURL returns the provider's authorization URL with the S256 PKCE
// challenge attached.
func (p *OIDCProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.oauth2.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (p *OIDCProvider) ensureRegistered(ctx context.Context) error {
	p.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		p.registerErr = p.jwks.Register(registerCtx, p.jwksURL)
	})
	return p.registerErr
}

// Exchange trades code and its PKCE verifier for an upstream token, then
// verifies the returned ID token and maps its claims to UserInfo.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (token.UserInfo, error) {
	tok, err := p.oauth2.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return token.UserInfo{}, apierrors.NewProviderFailure("failed to exchange authorization code", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return token.UserInfo{}, apierrors.NewProviderFailure("token response missing id_token", nil)
	}

	claims, err := p.verifyIDToken(ctx, rawIDToken)
	if err != nil {
		return token.UserInfo{}, err
	}

	return p.claimsToUserInfo(claims)
}

func (p *OIDCProvider) verifyIDToken(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if err := p.ensureRegistered(ctx); err != nil {
		return nil, apierrors.NewProviderFailure("failed to register JWKS URL", err)
	}

	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("id_token header missing kid")
		}
		keySet, err := p.jwks.Lookup(ctx, p.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("lookup JWKS: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key id %s not found in JWKS", kid)
		}
		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("export key: %w", err)
		}
		return rawKey, nil
	})
	if err != nil {
		return nil, apierrors.NewProviderFailure("id_token signature verification failed", err)
	}
	if !parsed.Valid {
		return nil, apierrors.NewProviderFailure("id_token is not valid", nil)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierrors.NewProviderFailure("id_token claims in unexpected format", nil)
	}

	issuer, _ := claims.GetIssuer()
	if issuer != p.issuer {
		return nil, apierrors.NewProviderFailure(fmt.Sprintf("id_token issuer %q does not match configured issuer", issuer), nil)
	}
	audiences, _ := claims.GetAudience()
	if !contains(audiences, p.audience) {
		return nil, apierrors.NewProviderFailure("id_token audience does not include our client id", nil)
	}

	return claims, nil
}

func (p *OIDCProvider) claimsToUserInfo(claims jwt.MapClaims) (token.UserInfo, error) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return token.UserInfo{}, apierrors.NewProviderFailure("id_token missing sub claim", nil)
	}

	username := sub
	if v, ok := claims[p.usernameClaim].(string); ok && v != "" {
		username = v
	}

	info := token.UserInfo{Username: username, UID: sub}
	if v, ok := claims["name"].(string); ok {
		info.Name = v
	}
	if v, ok := claims["email"].(string); ok {
		info.Email = v
	}
	if raw, ok := claims[p.groupsClaim].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				info.Groups = append(info.Groups, s)
			}
		}
	}
	return info, nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
