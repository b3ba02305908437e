package sealedbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(id string, fill byte) Key {
	var k Key
	k.ID = id
	for i := range k.Secret {
		k.Secret[i] = fill
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New([]Key{testKey("k1", 0x42)})
	require.NoError(t, err)

	envelope, err := box.Seal([]byte("hello world"))
	require.NoError(t, err)

	plaintext, err := box.Open(envelope)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plaintext))
}

func TestOpenTriesRotatedKeys(t *testing.T) {
	oldKey := testKey("old", 0x01)
	newKey := testKey("new", 0x02)

	sealer, err := New([]Key{oldKey})
	require.NoError(t, err)
	envelope, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	// Rotated box lists the new key first but still knows the old one.
	rotated, err := New([]Key{newKey, oldKey})
	require.NoError(t, err)

	plaintext, err := rotated.Open(envelope)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plaintext))
}

func TestOpenUnknownKeyFails(t *testing.T) {
	box, err := New([]Key{testKey("k1", 0x42)})
	require.NoError(t, err)
	envelope, err := box.Seal([]byte("x"))
	require.NoError(t, err)

	other, err := New([]Key{testKey("k2", 0x99)})
	require.NoError(t, err)

	_, err = other.Open(envelope)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenMalformedEnvelope(t *testing.T) {
	box, err := New([]Key{testKey("k1", 0x42)})
	require.NoError(t, err)

	_, err = box.Open("not-a-valid-envelope")
	assert.ErrorIs(t, err, ErrNotFound)
}
