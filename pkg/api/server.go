// Package api wires the gateway's components into a single HTTP server:
// the /auth decision engine (C5), the browser login flow (C6), the OIDC
// issuer (C7), and the /auth/api/v1 management API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsst/gafaelfawr/pkg/apierrors"
	"github.com/lsst/gafaelfawr/pkg/config"
	"github.com/lsst/gafaelfawr/pkg/decision"
	"github.com/lsst/gafaelfawr/pkg/login"
	"github.com/lsst/gafaelfawr/pkg/logger"
	"github.com/lsst/gafaelfawr/pkg/metrics"
	"github.com/lsst/gafaelfawr/pkg/oidcissuer"
	"github.com/lsst/gafaelfawr/pkg/restapi"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
	"github.com/lsst/gafaelfawr/pkg/tokenstore"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	signingKeyID      = "primary"
)

// components bundles every constructed dependency so Serve can close the
// ones that own a connection once the server stops.
type components struct {
	store *tokenstore.Store
	db    *tokendb.DB
}

func (c *components) Close() {
	if c.store != nil {
		_ = c.store.Close()
	}
	if c.db != nil {
		_ = c.db.Close()
	}
}

func buildProvider(cfg *config.Config) (login.Provider, error) {
	loginRedirect := "https://" + cfg.Hostname + "/login"
	switch {
	case cfg.GitHub != nil:
		secret, err := config.ReadSecretFile(cfg.GitHub.ClientSecretFile)
		if err != nil {
			return nil, fmt.Errorf("api: read github client secret: %w", err)
		}
		return login.NewGitHubProvider(cfg.GitHub.ClientID, secret, loginRedirect, nil), nil
	case cfg.OIDC != nil:
		secret, err := config.ReadSecretFile(cfg.OIDC.ClientSecretFile)
		if err != nil {
			return nil, fmt.Errorf("api: read oidc client secret: %w", err)
		}
		return login.NewOIDCProvider(context.Background(), login.OIDCConfig{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: secret,
			RedirectURL:  loginRedirect,
			Scopes:       cfg.OIDC.Scopes,
		})
	default:
		return nil, fmt.Errorf("api: neither github nor oidc is configured")
	}
}

// BuildManager constructs the sealed box and the token manager (C3) alone,
// without the HTTP router, for callers that only need the token lifecycle —
// the generate-token CLI subcommand in particular. The returned components
// must be closed by the caller once done.
func BuildManager(ctx context.Context, cfg *config.Config) (*tokenmanager.Manager, *sealedbox.Box, *components, error) {
	manager, box, _, comps, err := buildManager(ctx, cfg)
	return manager, box, comps, err
}

// buildManager is the unexported form that also hands back the decoded
// session keys, which build() needs again to derive the OIDC server's
// HMACSecret.
func buildManager(ctx context.Context, cfg *config.Config) (*tokenmanager.Manager, *sealedbox.Box, []sealedbox.Key, *components, error) {
	sessionKeys, err := config.LoadSessionKeys(cfg.SessionSecretFile)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	box, err := sealedbox.New(sessionKeys)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("api: build sealed box: %w", err)
	}

	db, err := tokendb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("api: open token database: %w", err)
	}
	comps := &components{db: db}

	store, err := tokenstore.New(ctx, cfg.RedisURL, box)
	if err != nil {
		comps.Close()
		return nil, nil, nil, nil, fmt.Errorf("api: connect token store: %w", err)
	}
	comps.store = store

	manager := tokenmanager.New(tokenmanager.Config{
		Store:           store,
		DB:              db,
		KnownScopes:     cfg.KnownScopes,
		GroupMapping:    cfg.GroupMapping,
		SessionLifetime: config.SessionLifetime(),
		MinExpiresLead:  config.MinExpiresLeadTime(),
	})

	return manager, box, sessionKeys, comps, nil
}

// build constructs every component and the mounted chi router.
func build(ctx context.Context, cfg *config.Config) (http.Handler, *components, error) {
	manager, box, sessionKeys, comps, err := buildManager(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	signingKey, err := oidcissuer.LoadSigningKey(cfg.Issuer.KeyFile, signingKeyID)
	if err != nil {
		comps.Close()
		return nil, nil, err
	}

	oidcClients, err := config.LoadOIDCServerClients(cfg.OIDCServerSecretsFile)
	if err != nil {
		comps.Close()
		return nil, nil, err
	}
	serverClients := make([]oidcissuer.ClientConfig, 0, len(oidcClients))
	for _, c := range oidcClients {
		serverClients = append(serverClients, oidcissuer.ClientConfig{
			ID: c.ID, Secret: c.Secret, RedirectURIs: c.RedirectURIs,
		})
	}

	issuerServer, err := oidcissuer.NewServer(oidcissuer.Config{
		Issuer:     cfg.Issuer.Issuer,
		SigningKey: signingKey,
		HMACSecret: sessionKeys[0].Secret[:],
		Clients:    serverClients,
	})
	if err != nil {
		comps.Close()
		return nil, nil, fmt.Errorf("api: build oidc server: %w", err)
	}
	issuerRouter := oidcissuer.NewRouter(issuerServer, manager, box, "/login")

	provider, err := buildProvider(cfg)
	if err != nil {
		comps.Close()
		return nil, nil, err
	}

	loginMachine := login.New(login.Config{
		Provider:       provider,
		Manager:        manager,
		Box:            box,
		CookieDomain:   cfg.Hostname,
		SecureCookie:   true,
		AfterLogoutURL: cfg.AfterLogoutURL,
		IsAdmin: func(username string) (bool, error) {
			return tokendb.IsAdmin(context.Background(), comps.db.DB(), username)
		},
	})

	authEngine := decision.New(manager, box, cfg.Realm)
	restHandler := restapi.New(cfg, manager, comps.db, box)
	if err := restHandler.BootstrapAdmins(ctx); err != nil {
		comps.Close()
		return nil, nil, fmt.Errorf("api: bootstrap admin allow-list: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout))

	r.Get("/auth", apierrors.ErrorHandler(authEngine.Authorize))
	r.Get("/login", apierrors.ErrorHandler(loginMachine.HandleLogin))
	r.Get("/logout", apierrors.ErrorHandler(loginMachine.HandleLogout))
	r.Mount("/auth/api/v1", restHandler.Router())
	r.Get("/.well-known/jwks.json", signingKey.JWKSHandler)
	r.Get("/.well-known/openid-configuration", issuerRouter.WellKnown("https://"+cfg.Hostname))
	r.HandleFunc("/auth/openid/authorize", issuerRouter.Authorize)
	r.Post("/auth/openid/token", issuerRouter.Token)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	return r, comps, nil
}

// Serve starts the HTTP server on the given address and serves the gateway.
// It is assumed that the caller sets up appropriate signal handling.
func Serve(ctx context.Context, address string, cfg *config.Config) error {
	handler, comps, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infof("starting http server on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("http server stopped")
	return nil
}
