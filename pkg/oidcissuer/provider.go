package oidcissuer

import (
	"context"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
)

// Config bundles the authorization server's static dependencies.
type Config struct {
	Issuer               string
	SigningKey           *SigningKey
	HMACSecret           []byte
	Clients              []ClientConfig
	AccessTokenLifespan  time.Duration
	AuthCodeLifespan     time.Duration
	RefreshTokenLifespan time.Duration
}

// Server is the OIDC authorization server exposed under /auth/openid/*.
type Server struct {
	provider fosite.OAuth2Provider
	issuer   string
	key      *SigningKey
	lifetime time.Duration
}

// NewServer constructs a Server, wiring authorization-code + PKCE + OIDC
// factories over an in-memory store.
func NewServer(cfg Config) (*Server, error) {
	clients, err := NewClientStore(cfg.Clients)
	if err != nil {
		return nil, err
	}
	storage := newMemoryStorage(clients)

	fc := &fosite.Config{
		AccessTokenLifespan:   orDefault(cfg.AccessTokenLifespan, time.Hour),
		AuthorizeCodeLifespan: orDefault(cfg.AuthCodeLifespan, 10*time.Minute),
		RefreshTokenLifespan:  orDefault(cfg.RefreshTokenLifespan, 7*24*time.Hour),
		ScopeStrategy:         fosite.HierarchicScopeStrategy,
		GlobalSecret:          cfg.HMACSecret,
	}

	keyFunc := func(context.Context) (interface{}, error) {
		return cfg.SigningKey.Key, nil
	}

	provider := compose.Compose(
		fc,
		storage,
		&compose.CommonStrategy{
			CoreStrategy:               compose.NewOAuth2HMACStrategy(fc),
			OpenIDConnectTokenStrategy: compose.NewOpenIDConnectStrategy(fc, keyFunc),
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2TokenRevocationFactory,
		compose.OpenIDConnectExplicitFactory,
	)

	return &Server{
		provider: provider,
		issuer:   cfg.Issuer,
		key:      cfg.SigningKey,
		lifetime: fc.AccessTokenLifespan,
	}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}
