package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndParseRoundTrip(t *testing.T) {
	tok, err := New()
	require.NoError(t, err)
	assert.Len(t, tok.Key, 22)
	assert.Len(t, tok.Secret, 22)

	parsed, err := Parse(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "gt-nodot", "missing-prefix.secret", "gt-.secret", "gt-key."}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Errorf(t, err, "input %q should fail to parse", c)
	}
}

func TestSecretMatches(t *testing.T) {
	assert.True(t, SecretMatches("abc123", "abc123"))
	assert.False(t, SecretMatches("abc123", "abc124"))
	assert.False(t, SecretMatches("abc123", "short"))
}

func TestScopesSatisfaction(t *testing.T) {
	held := Scopes{"read:all", "exec:admin"}
	assert.True(t, held.Subset(Scopes{"read:all", "exec:admin", "write:all"}))
	assert.False(t, held.Subset(Scopes{"read:all"}))
	assert.True(t, held.Intersects(Scopes{"exec:admin"}))
	assert.False(t, Scopes{"a"}.Intersects(Scopes{"b"}))
	assert.Equal(t, Scopes{"exec:admin"}, Scopes{"exec:admin", "read:all"}.Intersection(Scopes{"exec:admin"}))
}

func TestScopesKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, Scopes{"a", "b"}.Key(), Scopes{"b", "a"}.Key())
}
