package tokenmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
	"github.com/lsst/gafaelfawr/pkg/tokendb"
	"github.com/lsst/gafaelfawr/pkg/tokenstore"
)

func newTestManager(t *testing.T) *Manager {
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

	return New(Config{
		Store: store,
		DB:    db,
		KnownScopes: map[string]string{
			"read:all":   "read everything",
			"exec:admin": "admin console",
			"admin:token": "manage tokens",
		},
		GroupMapping:    map[string][]string{"g_users": {"read:all"}},
		SessionLifetime: 90 * 24 * time.Hour,
		MinExpiresLead:  5 * time.Minute,
	})
}

func adminAuth(username string) Auth {
	return Auth{Username: username, Scopes: token.Scopes{"admin:token"}, IsAdmin: true}
}

func TestCreateSessionTokenAndGetData(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info := token.UserInfo{Username: "example", Name: "Example Person", Groups: []string{"g_users"}}
	scopes := m.DeriveScopes(info.Groups, false)
	require.Equal(t, token.Scopes{"read:all"}, scopes)

	tok, err := m.CreateSessionToken(ctx, info, scopes, "127.0.0.1")
	require.NoError(t, err)

	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, "example", data.Username)
	require.Equal(t, token.TypeSession, data.Type)

	bad := tok
	bad.Secret = "wrong-secret-wrong-secret"
	missing, err := m.GetData(ctx, bad)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCreateUserTokenDuplicateName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	auth := Auth{Username: "example", Scopes: token.Scopes{"read:all"}}

	_, err := m.CreateUserToken(ctx, auth, "example", "laptop", token.Scopes{"read:all"}, nil, "127.0.0.1")
	require.NoError(t, err)

	_, err = m.CreateUserToken(ctx, auth, "example", "laptop", token.Scopes{"read:all"}, nil, "127.0.0.1")
	require.Error(t, err)
}

func TestCreateUserTokenRejectsOtherUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	auth := Auth{Username: "example", Scopes: token.Scopes{"read:all"}}

	_, err := m.CreateUserToken(ctx, auth, "someone-else", "laptop", token.Scopes{"read:all"}, nil, "127.0.0.1")
	require.Error(t, err)
}

func TestGetNotebookTokenIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info := token.UserInfo{Username: "example", Groups: []string{"g_users"}}
	parentTok, err := m.CreateSessionToken(ctx, info, token.Scopes{"read:all"}, "127.0.0.1")
	require.NoError(t, err)
	parent, err := m.GetData(ctx, parentTok)
	require.NoError(t, err)
	require.NotNil(t, parent)

	nb1, err := m.GetNotebookToken(ctx, parent, "127.0.0.1")
	require.NoError(t, err)
	nb2, err := m.GetNotebookToken(ctx, parent, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, nb1, nb2)
}

func TestGetInternalTokenIsIdempotentPerScope(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	info := token.UserInfo{Username: "example", Groups: []string{"g_users"}}
	parentTok, err := m.CreateSessionToken(ctx, info, token.Scopes{"read:all"}, "127.0.0.1")
	require.NoError(t, err)
	parent, err := m.GetData(ctx, parentTok)
	require.NoError(t, err)

	a1, err := m.GetInternalToken(ctx, parent, "svc-a", token.Scopes{"read:all"}, "127.0.0.1")
	require.NoError(t, err)
	a2, err := m.GetInternalToken(ctx, parent, "svc-a", token.Scopes{"read:all"}, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	b1, err := m.GetInternalToken(ctx, parent, "svc-b", token.Scopes{"read:all"}, "127.0.0.1")
	require.NoError(t, err)
	require.NotEqual(t, a1, b1)
}

func TestModifyAndDeleteTokenCascade(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	auth := Auth{Username: "example", Scopes: token.Scopes{"read:all"}}

	userTok, err := m.CreateUserToken(ctx, auth, "example", "laptop", token.Scopes{"read:all"}, nil, "127.0.0.1")
	require.NoError(t, err)

	newName := "desktop"
	info, err := m.ModifyToken(ctx, auth, "example", userTok.Key, ModifyFields{Name: &newName}, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "desktop", info.Name)

	parent, err := m.GetData(ctx, userTok)
	require.NoError(t, err)
	require.NotNil(t, parent)
	child, err := m.GetNotebookToken(ctx, parent, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.DeleteToken(ctx, auth, "example", userTok.Key, "127.0.0.1"))

	data, err := m.GetData(ctx, userTok)
	require.NoError(t, err)
	require.Nil(t, data)
	childData, err := m.GetData(ctx, child)
	require.NoError(t, err)
	require.Nil(t, childData)
}

func TestGetChangeHistoryRequiresAdminForGlobalView(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	auth := Auth{Username: "example", Scopes: token.Scopes{"read:all"}}

	_, err := m.GetChangeHistory(ctx, auth, tokendb.HistoryFilter{})
	require.Error(t, err)

	page, err := m.GetChangeHistory(ctx, auth, tokendb.HistoryFilter{Username: "example"})
	require.NoError(t, err)
	require.NotNil(t, page)

	admin := adminAuth("root")
	page, err = m.GetChangeHistory(ctx, admin, tokendb.HistoryFilter{})
	require.NoError(t, err)
	require.NotNil(t, page)
}
