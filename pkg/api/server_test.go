package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/config"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
)

func writeSessionSecretFile(t *testing.T) string {
	t.Helper()
	var secret [sealedbox.KeySize]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)

	entries := []map[string]string{{
		"id":     "k1",
		"secret": base64.RawURLEncoding.EncodeToString(secret[:]),
	}}
	data, err := json.Marshal(entries)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func writeSigningKeyFile(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "issuer.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func writeGitHubSecretFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "github-secret")
	require.NoError(t, os.WriteFile(path, []byte("client-secret\n"), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)

	return &config.Config{
		Realm:             "gafaelfawr",
		Hostname:          "gafaelfawr.example.com",
		SessionSecretFile: writeSessionSecretFile(t),
		DatabaseURL:       filepath.Join(t.TempDir(), "gafaelfawr.db"),
		RedisURL:          "redis://" + mr.Addr(),
		KnownScopes:       map[string]string{"read:all": "read everything", "admin:token": "administer"},
		GroupMapping:      map[string][]string{},
		Issuer: config.IssuerConfig{
			Issuer:  "https://gafaelfawr.example.com",
			KeyFile: writeSigningKeyFile(t),
		},
		GitHub: &config.GitHubConfig{
			ClientID:         "client-id",
			ClientSecretFile: writeGitHubSecretFile(t),
		},
	}
}

func TestBuildMountsExpectedRoutes(t *testing.T) {
	cfg := testConfig(t)
	handler, comps, err := build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(comps.Close)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth?scope=read:all", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login?rd=https://example.com/", nil))
	require.Equal(t, http.StatusSeeOther, w.Code)
}

func TestBuildManagerWithoutRouter(t *testing.T) {
	cfg := testConfig(t)
	manager, box, comps, err := BuildManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(comps.Close)
	require.NotNil(t, manager)
	require.NotNil(t, box)
}

func TestBuildRejectsMissingSessionSecretFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionSecretFile = filepath.Join(t.TempDir(), "does-not-exist.json")

	_, _, err := build(context.Background(), cfg)
	require.Error(t, err)
}
