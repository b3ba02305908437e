package login

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/credential"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenmanager"
	"github.com/lsst/gafaelfawr/pkg/tokenstore"
)

type fakeProvider struct {
	authURL string
	info    token.UserInfo
	err     error
	pkce    bool
}

func (p *fakeProvider) UsesPKCE() bool { return p.pkce }
func (p *fakeProvider) AuthCodeURL(state, _ string) string {
	return p.authURL + "?state=" + state
}
func (p *fakeProvider) Exchange(context.Context, string, string) (token.UserInfo, error) {
	return p.info, p.err
}

func newTestMachine(t *testing.T, provider Provider) *Machine {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	var key [sealedbox.KeySize]byte
	box, err := sealedbox.New([]sealedbox.Key{{ID: "k1", Secret: key}})
	require.NoError(t, err)

	store, err := tokenstore.New(ctx, "redis://"+mr.Addr(), box)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	path := filepath.Join(t.TempDir(), "gafaelfawr.db")
	db, err := tokendb.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mgr := tokenmanager.New(tokenmanager.Config{
		Store:           store,
		DB:              db,
		KnownScopes:     map[string]string{"read:all": "read everything"},
		GroupMapping:    map[string][]string{"g_users": {"read:all"}},
		SessionLifetime: 90 * 24 * time.Hour,
		MinExpiresLead:  5 * time.Minute,
	})

	return New(Config{
		Provider:     provider,
		Manager:      mgr,
		Box:          box,
		CookieDomain: "example.com",
		SecureCookie: true,
	})
}

func TestHandleLoginStartRedirects(t *testing.T) {
	m := newTestMachine(t, &fakeProvider{authURL: "https://idp.example.com/authorize"})
	r := httptest.NewRequest(http.MethodGet, "/login?rd=https://app.example.com/", nil)
	w := httptest.NewRecorder()

	require.NoError(t, m.HandleLogin(w, r))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "idp.example.com")
	assert.NotEmpty(t, w.Result().Cookies())
}

func TestHandleLoginStartRequiresReturnURL(t *testing.T) {
	m := newTestMachine(t, &fakeProvider{authURL: "https://idp.example.com/authorize"})
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()

	err := m.HandleLogin(w, r)
	assert.Error(t, err)
}

func TestHandleLoginCallbackCompletesFlow(t *testing.T) {
	provider := &fakeProvider{
		authURL: "https://idp.example.com/authorize",
		info:    token.UserInfo{Username: "example", Groups: []string{"g_users"}},
	}
	m := newTestMachine(t, provider)

	startReq := httptest.NewRequest(http.MethodGet, "/login?rd=https://app.example.com/", nil)
	startW := httptest.NewRecorder()
	require.NoError(t, m.HandleLogin(startW, startReq))

	callbackReq := httptest.NewRequest(http.MethodGet, "/login?code=abc&state=", nil)
	for _, c := range startW.Result().Cookies() {
		callbackReq.AddCookie(c)
	}
	state, err := credential.ReadCookieState(callbackReq, m.box)
	require.NoError(t, err)
	require.NotNil(t, state)
	callbackReq.URL.RawQuery = "code=abc&state=" + state.State

	callbackW := httptest.NewRecorder()
	require.NoError(t, m.HandleLogin(callbackW, callbackReq))
	assert.Equal(t, http.StatusSeeOther, callbackW.Code)
	assert.Equal(t, "https://app.example.com/", callbackW.Header().Get("Location"))
}

func TestHandleLoginCallbackRejectsStateMismatch(t *testing.T) {
	provider := &fakeProvider{authURL: "https://idp.example.com/authorize"}
	m := newTestMachine(t, provider)

	startReq := httptest.NewRequest(http.MethodGet, "/login?rd=https://app.example.com/", nil)
	startW := httptest.NewRecorder()
	require.NoError(t, m.HandleLogin(startW, startReq))

	callbackReq := httptest.NewRequest(http.MethodGet, "/login?code=abc&state=wrong", nil)
	for _, c := range startW.Result().Cookies() {
		callbackReq.AddCookie(c)
	}
	callbackW := httptest.NewRecorder()
	err := m.HandleLogin(callbackW, callbackReq)
	assert.Error(t, err)
}

func TestHandleLogoutClearsCookie(t *testing.T) {
	m := newTestMachine(t, &fakeProvider{})
	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	w := httptest.NewRecorder()
	require.NoError(t, m.HandleLogout(w, r))
	assert.Equal(t, http.StatusSeeOther, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Less(t, cookies[0].MaxAge, 0)
}
