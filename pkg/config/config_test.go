package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
hostname: "example.org"
realm: "example.org"
session_secret_file: "/etc/gafaelfawr/session-secret"
database_url: "sqlite:///var/lib/gafaelfawr/gafaelfawr.db"
redis_url: "redis://localhost:6379/0"
bootstrap_token: "gt-bootstrap.secret"
after_logout_url: "https://example.org/"
issuer:
  iss: "https://example.org/auth/openid"
  aud: "https://example.org"
  aud_internal: "https://example.org/internal"
  key_file: "/etc/gafaelfawr/issuer.pem"
github:
  client_id: "abc123"
  client_secret_file: "/etc/gafaelfawr/github-secret"
known_scopes:
  "read:all": "read access to everything"
  "exec:admin": "administrative access"
group_mapping:
  "g_admins":
    - "read:all"
    - "exec:admin"
initial_admins:
  - "alice"
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.Realm)
	assert.Equal(t, "abc123", cfg.GitHub.ClientID)
	assert.Nil(t, cfg.OIDC)
	assert.Equal(t, []string{"read:all", "exec:admin"}, cfg.GroupMapping["g_admins"])
	assert.Equal(t, defaultIssuerExpMinutes, cfg.Issuer.ExpMinutes)
	assert.True(t, cfg.ValidUsername("alice"))
	assert.False(t, cfg.ValidUsername("Alice!"))
}

func TestLoadRejectsBothProviders(t *testing.T) {
	content := sampleYAML + "\noidc:\n  client_id: x\n  issuer: https://idp.example.org\n"
	path := writeTempConfig(t, content)

	_, err := Load(path)
	assert.ErrorContains(t, err, "only one of github or oidc")
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	content := `
hostname: "example.org"
session_secret_file: "/etc/gafaelfawr/session-secret"
redis_url: "redis://localhost:6379/0"
issuer:
  iss: "https://example.org/auth/openid"
  key_file: "/etc/gafaelfawr/issuer.pem"
github:
  client_id: "abc123"
  client_secret_file: "/etc/gafaelfawr/github-secret"
`
	path := writeTempConfig(t, content)

	_, err := Load(path)
	assert.ErrorContains(t, err, "database_url")
}
