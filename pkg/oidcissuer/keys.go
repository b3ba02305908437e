// Package oidcissuer implements the OIDC issuer (C7): RS256 JWT minting
// for downstream relying parties, JWKS publication, and a minimal OpenID
// Connect authorization server for internal clients.
package oidcissuer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/lsst/gafaelfawr/pkg/config"
)

// SigningKey is the gateway's RS256 signing identity.
type SigningKey struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// LoadSigningKey reads a PEM-encoded RSA private key from path and assigns
// it the given key ID (used in the JWT "kid" header and JWKS).
func LoadSigningKey(path, keyID string) (*SigningKey, error) {
	pemBytes, err := config.ReadSecretFile(path)
	if err != nil {
		return nil, fmt.Errorf("oidcissuer: read signing key: %w", err)
	}
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, fmt.Errorf("oidcissuer: %s does not contain PEM data", path)
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("oidcissuer: parse signing key: %w", err)
	}
	return &SigningKey{KeyID: keyID, Key: key}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("oidcissuer: PKCS8 key is not RSA")
	}
	return key, nil
}

// JWKS renders the signing key's public half as a JSON Web Key Set.
func (k *SigningKey) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       &k.Key.PublicKey,
				KeyID:     k.KeyID,
				Algorithm: "RS256",
				Use:       "sig",
			},
		},
	}
}

// JWKSHandler serves /.well-known/jwks.json.
func (k *SigningKey) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, k.JWKS())
}
