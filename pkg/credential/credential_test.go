package credential

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
)

func testBox(t *testing.T) *sealedbox.Box {
	t.Helper()
	var key [sealedbox.KeySize]byte
	box, err := sealedbox.New([]sealedbox.Key{{ID: "k1", Secret: key}})
	require.NoError(t, err)
	return box
}

func TestExtractPrefersCookie(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("Authorization", "Bearer gt-other.secret")

	w := httptest.NewRecorder()
	require.NoError(t, WriteCookieState(w, box, &CookieState{Token: "gt-cookie.secret"}, "example.com", true))
	for _, c := range w.Result().Cookies() {
		r.AddCookie(c)
	}

	cred, err := Extract(r, box)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, SourceCookie, cred.Source)
	assert.Equal(t, "gt-cookie.secret", cred.Raw)
}

func TestExtractBearer(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("Authorization", "Bearer gt-key.secret")

	cred, err := Extract(r, box)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, SourceBearer, cred.Source)
	assert.Equal(t, "gt-key.secret", cred.Raw)
}

func TestExtractBasicPasswordSentinel(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	encoded := base64.StdEncoding.EncodeToString([]byte("gt-key.secret:x-oauth-basic"))
	r.Header.Set("Authorization", "Basic "+encoded)

	cred, err := Extract(r, box)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, SourceBasicUsername, cred.Source)
	assert.Equal(t, "gt-key.secret", cred.Raw)
}

func TestExtractBasicUsernameSentinel(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	encoded := base64.StdEncoding.EncodeToString([]byte("x-oauth-basic:gt-key.secret"))
	r.Header.Set("Authorization", "Basic "+encoded)

	cred, err := Extract(r, box)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, SourceBasicPassword, cred.Source)
	assert.Equal(t, "gt-key.secret", cred.Raw)
}

func TestExtractNoCredential(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	cred, err := Extract(r, box)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestExtractMalformedAuthorizationHeader(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("Authorization", "garbage")
	_, err := Extract(r, box)
	assert.Error(t, err)
}

func TestExtractUnknownScheme(t *testing.T) {
	box := testBox(t)
	r := httptest.NewRequest(http.MethodGet, "/auth", nil)
	r.Header.Set("Authorization", "Digest abc")
	_, err := Extract(r, box)
	assert.Error(t, err)
}
