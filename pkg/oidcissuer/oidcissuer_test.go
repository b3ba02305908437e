package oidcissuer

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/token"
)

func testSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{KeyID: "test-key", Key: key}
}

func TestIssueAndVerify(t *testing.T) {
	key := testSigningKey(t)
	issuer := NewIssuer(key, "https://gafaelfawr.example.com", "https://internal.example.com", time.Hour)

	data := &token.Data{
		Username: "example",
		Scopes:   token.Scopes{"read:all"},
		UserInfo: token.UserInfo{Groups: []string{"g_users"}, Email: "example@example.com"},
	}

	signed, err := issuer.Issue(data, "https://rp.example.com")
	require.NoError(t, err)

	var claims Claims
	parsed, err := jwt.ParseWithClaims(signed, &claims, issuer.keyfunc)
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "example", claims.Subject)
	assert.Equal(t, "read:all", claims.Scope)
	assert.Equal(t, []string{"g_users"}, claims.IsMemberOf)
	assert.Contains(t, claims.Audience, "https://rp.example.com")
}

func TestReissueToInternalAudience(t *testing.T) {
	key := testSigningKey(t)
	issuer := NewIssuer(key, "https://gafaelfawr.example.com", "https://internal.example.com", time.Hour)

	data := &token.Data{Username: "example", Scopes: token.Scopes{"read:all"}}
	original, err := issuer.Issue(data, "https://rp.example.com")
	require.NoError(t, err)

	reissued, err := issuer.Reissue(original)
	require.NoError(t, err)

	var claims Claims
	_, err = jwt.ParseWithClaims(reissued, &claims, issuer.keyfunc)
	require.NoError(t, err)
	assert.Equal(t, "example", claims.Subject)
	assert.Equal(t, "read:all", claims.Scope)
	assert.Contains(t, claims.Audience, "https://internal.example.com")
}

func TestJWKSContainsPublicKey(t *testing.T) {
	key := testSigningKey(t)
	set := key.JWKS()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "test-key", set.Keys[0].KeyID)
	assert.Equal(t, "RS256", set.Keys[0].Algorithm)
}
