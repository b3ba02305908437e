package tokendb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/token"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gafaelfawr.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertGetModifyRevoke(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created := time.Now().Truncate(time.Second)
	info := &token.Info{
		Key: "abc", Username: "example", Type: token.TypeUser, Name: "t1",
		Scopes: token.Scopes{"read:all"}, Created: created,
	}
	require.NoError(t, InsertToken(ctx, db.DB(), info))

	got, err := GetToken(ctx, db.DB(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Name)
	assert.Equal(t, token.Scopes{"read:all"}, got.Scopes)

	newName := "t2"
	newScopes := token.Scopes{"exec:admin"}
	require.NoError(t, ModifyToken(ctx, db.DB(), "abc", &newName, &newScopes, nil, false))

	got, err = GetToken(ctx, db.DB(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.Name)
	assert.Equal(t, token.Scopes{"exec:admin"}, got.Scopes)

	require.NoError(t, RevokeToken(ctx, db.DB(), "abc"))
	_, err = GetToken(ctx, db.DB(), "abc")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	err = RevokeToken(ctx, db.DB(), "abc")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestUniqueOwnerTokenName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	info1 := &token.Info{Key: "k1", Username: "example", Type: token.TypeUser, Name: "t1", Created: time.Now()}
	info2 := &token.Info{Key: "k2", Username: "example", Type: token.TypeUser, Name: "t1", Created: time.Now()}
	require.NoError(t, InsertToken(ctx, db.DB(), info1))
	assert.Error(t, InsertToken(ctx, db.DB(), info2))
}

func TestNotebookAndInternalDedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	parent := &token.Info{Key: "parent", Username: "example", Type: token.TypeSession, Created: time.Now()}
	require.NoError(t, InsertToken(ctx, db.DB(), parent))

	nb1 := &token.Info{Key: "nb1", Username: "example", Type: token.TypeNotebook, Parent: "parent", Created: time.Now()}
	require.NoError(t, InsertToken(ctx, db.DB(), nb1))
	nb2 := &token.Info{Key: "nb2", Username: "example", Type: token.TypeNotebook, Parent: "parent", Created: time.Now()}
	assert.Error(t, InsertToken(ctx, db.DB(), nb2))

	found, err := FindNotebookChild(ctx, db.DB(), "parent")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "nb1", found.Key)

	internal1 := &token.Info{Key: "int1", Username: "example", Type: token.TypeInternal, Parent: "parent", Name: "svc", Scopes: token.Scopes{"read:all"}, Created: time.Now()}
	require.NoError(t, InsertToken(ctx, db.DB(), internal1))
	internal2 := &token.Info{Key: "int2", Username: "example", Type: token.TypeInternal, Parent: "parent", Name: "svc", Scopes: token.Scopes{"read:all"}, Created: time.Now()}
	assert.Error(t, InsertToken(ctx, db.DB(), internal2))

	foundInt, err := FindInternalChild(ctx, db.DB(), "parent", "svc", token.Scopes{"read:all"}.Key())
	require.NoError(t, err)
	require.NotNil(t, foundInt)
	assert.Equal(t, "int1", foundInt.Key)
}

func TestHistoryAppendAndPagination(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		entry := &token.HistoryEntry{
			Key: "abc", Username: "example", Type: token.TypeUser, Action: token.ActionCreate,
			EventTime: base.Add(time.Duration(i) * time.Minute), Actor: "example",
		}
		require.NoError(t, AppendHistory(ctx, db.DB(), entry))
	}

	page, err := QueryHistory(ctx, db.DB(), HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 5, page.Total)
	require.NotEmpty(t, page.Next)

	page2, err := QueryHistory(ctx, db.DB(), HistoryFilter{Limit: 2, Cursor: page.Next})
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 2)
	assert.NotEqual(t, page.Entries[0].ID, page2.Entries[0].ID)

	page3, err := QueryHistory(ctx, db.DB(), HistoryFilter{Limit: 2, Cursor: page2.Next})
	require.NoError(t, err)
	assert.Len(t, page3.Entries, 1)
}

func TestHistoryBadCursor(t *testing.T) {
	db := newTestDB(t)
	_, err := QueryHistory(context.Background(), db.DB(), HistoryFilter{Cursor: "not-a-cursor"})
	assert.Error(t, err)
}

func TestHistoryBadIPFilter(t *testing.T) {
	db := newTestDB(t)
	_, err := QueryHistory(context.Background(), db.DB(), HistoryFilter{IPOrCIDR: "not-an-ip"})
	assert.Error(t, err)
}

func TestAdminBootstrap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, BootstrapAdmins(ctx, db.DB(), []string{"alice"}))
	isAdmin, err := IsAdmin(ctx, db.DB(), "alice")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	// Bootstrapping again with a different list is a no-op once non-empty.
	require.NoError(t, BootstrapAdmins(ctx, db.DB(), []string{"bob"}))
	isAdmin, err = IsAdmin(ctx, db.DB(), "bob")
	require.NoError(t, err)
	assert.False(t, isAdmin)
}
