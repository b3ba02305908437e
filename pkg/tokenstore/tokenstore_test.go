package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)

	var key sealedbox.Key
	key.ID = "k1"
	for i := range key.Secret {
		key.Secret[i] = byte(i)
	}
	box, err := sealedbox.New([]sealedbox.Key{key})
	require.NoError(t, err)

	store, err := New(context.Background(), "redis://"+mr.Addr(), box)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	data := &token.Data{
		Token:    token.Token{Key: "abc", Secret: "shh"},
		Username: "example",
		Type:     token.TypeUser,
		Scopes:   token.Scopes{"read:all"},
		Created:  time.Now().Truncate(time.Second),
		Expires:  &expires,
		UserInfo: token.UserInfo{Username: "example", Name: "Example User"},
	}

	require.NoError(t, store.Put(ctx, data, time.Hour))

	got, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, data.Username, got.Username)
	assert.Equal(t, data.Scopes, got.Scopes)
	assert.Equal(t, data.Token.Secret, got.Token.Secret)
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteThenGetReturnsNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := &token.Data{Token: token.Token{Key: "k", Secret: "s"}, Username: "u", Type: token.TypeSession, Created: time.Now()}
	require.NoError(t, store.Put(ctx, data, time.Hour))
	require.NoError(t, store.Delete(ctx, "k"))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetWithWrongKeyIsMaskedAsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := &token.Data{Token: token.Token{Key: "k", Secret: "s"}, Username: "u", Type: token.TypeSession, Created: time.Now()}
	require.NoError(t, store.Put(ctx, data, time.Hour))

	var otherKey sealedbox.Key
	otherKey.ID = "k2"
	otherBox, err := sealedbox.New([]sealedbox.Key{otherKey})
	require.NoError(t, err)
	store.box = otherBox

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTTLForExpires(t *testing.T) {
	now := time.Now()
	sessionLifetime := 24 * time.Hour

	assert.Equal(t, sessionLifetime, TTLForExpires(nil, now, sessionLifetime))

	future := now.Add(10 * time.Minute)
	assert.InDelta(t, float64(10*time.Minute), float64(TTLForExpires(&future, now, sessionLifetime)), float64(time.Second))

	past := now.Add(-time.Minute)
	assert.Equal(t, time.Duration(0), TTLForExpires(&past, now, sessionLifetime))
}
