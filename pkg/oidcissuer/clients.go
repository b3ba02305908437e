package oidcissuer

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
)

const schemeHTTP = "http"

// ClientConfig is one registered OIDC relying party, sourced from the JSON
// secrets file named by oidc_server_secrets_file.
type ClientConfig struct {
	ID           string   `json:"id"`
	Secret       string   `json:"secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// ClientStore is an in-memory fosite.ClientManager built from config.
type ClientStore struct {
	clients map[string]fosite.Client
}

// NewClientStore bcrypt-hashes each client's secret and wraps it in a
// LoopbackClient so native/CLI relying parties using RFC 8252 loopback
// redirects are matched regardless of ephemeral port.
func NewClientStore(clients []ClientConfig) (*ClientStore, error) {
	store := &ClientStore{clients: make(map[string]fosite.Client, len(clients))}
	for _, c := range clients {
		var hashed []byte
		if c.Secret != "" {
			var err error
			hashed, err = bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
		}
		store.clients[c.ID] = NewLoopbackClient(&fosite.DefaultClient{
			ID:            c.ID,
			Secret:        hashed,
			RedirectURIs:  c.RedirectURIs,
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{"authorization_code", "refresh_token"},
			Scopes:        []string{"openid", "profile", "email"},
			Public:        c.Secret == "",
		})
	}
	return store, nil
}

// GetClient implements fosite.ClientManager.
func (s *ClientStore) GetClient(_ context.Context, id string) (fosite.Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return c, nil
}

// LoopbackClient is a fosite.Client implementation that supports RFC 8252
// Section 7.3 loopback redirect URI matching for native OAuth clients: the
// port is allowed to vary while scheme, host, path, and query must match.
type LoopbackClient struct {
	*fosite.DefaultClient
}

// NewLoopbackClient wraps a DefaultClient with loopback-aware redirect matching.
func NewLoopbackClient(client *fosite.DefaultClient) *LoopbackClient {
	return &LoopbackClient{DefaultClient: client}
}

// MatchRedirectURI reports whether requestedURI matches one of the client's
// registered redirect URIs, with loopback support.
func (c *LoopbackClient) MatchRedirectURI(requestedURI string) bool {
	for _, registeredURI := range c.GetRedirectURIs() {
		if matchesRedirectURI(requestedURI, registeredURI) {
			return true
		}
	}
	return false
}

func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}
	return matchesAsLoopback(requestedURI, registeredURI)
}

func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}
	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path || requested.RawQuery != registered.RawQuery {
		return false
	}
	return true
}

// IsLoopbackHost reports whether hostname is a loopback address per RFC
// 8252 Section 7.3: "localhost", 127.0.0.1, or ::1.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

var _ fosite.Client = (*LoopbackClient)(nil)
