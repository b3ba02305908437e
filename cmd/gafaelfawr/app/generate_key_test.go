package app

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lsst/gafaelfawr/pkg/sealedbox"
)

func TestGenerateSessionKeyProducesValidEntry(t *testing.T) {
	generateKeyType = "session"
	err := runGenerateKey(nil, nil)
	require.NoError(t, err)
}

func TestSessionKeyEntryDecodesToKeySize(t *testing.T) {
	var secret [sealedbox.KeySize]byte
	entry := struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}{ID: "k1", Secret: base64.RawURLEncoding.EncodeToString(secret[:])}

	data, err := json.Marshal([]any{entry})
	require.NoError(t, err)

	var decoded []struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)

	raw, err := base64.RawURLEncoding.DecodeString(decoded[0].Secret)
	require.NoError(t, err)
	require.Len(t, raw, sealedbox.KeySize)
}
