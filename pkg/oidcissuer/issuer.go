package oidcissuer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lsst/gafaelfawr/pkg/token"
)

// Claims is the JWT claim set minted for a relying party, per spec §4.7.
type Claims struct {
	jwt.RegisteredClaims
	Scope      string   `json:"scope,omitempty"`
	IsMemberOf []string `json:"isMemberOf,omitempty"`
	UID        string   `json:"uid,omitempty"`
	Email      string   `json:"email,omitempty"`
	Name       string   `json:"name,omitempty"`
}

// Issuer mints and reissues RS256 JWTs.
type Issuer struct {
	key              *SigningKey
	issuer           string
	internalAudience string
	lifetime         time.Duration
}

// NewIssuer constructs an Issuer.
func NewIssuer(key *SigningKey, issuer, internalAudience string, lifetime time.Duration) *Issuer {
	return &Issuer{key: key, issuer: issuer, internalAudience: internalAudience, lifetime: lifetime}
}

// Issue mints a fresh JWT asserting data's identity for audience.
func (i *Issuer) Issue(data *token.Data, audience string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   data.Username,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:      data.Scopes.Key(),
		IsMemberOf: data.UserInfo.Groups,
		UID:        data.UserInfo.UID,
		Email:      data.UserInfo.Email,
		Name:       data.UserInfo.Name,
	}
	return i.sign(claims)
}

func (i *Issuer) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.key.KeyID
	signed, err := tok.SignedString(i.key.Key)
	if err != nil {
		return "", fmt.Errorf("oidcissuer: sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) keyfunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("oidcissuer: unexpected signing method %v", t.Header["alg"])
	}
	return &i.key.Key.PublicKey, nil
}

// Reissue converts a previously-issued JWT to the configured internal
// audience: it produces a new token with a fresh jti and capped exp,
// preserving sub and scope.
func (i *Issuer) Reissue(tokenString string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, i.keyfunc, jwt.WithIssuer(i.issuer))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("oidcissuer: reissue: invalid token: %w", err)
	}

	now := time.Now().UTC()
	maxExpiry := now.Add(i.lifetime)
	expiresAt := claims.ExpiresAt
	if expiresAt == nil || expiresAt.After(maxExpiry) {
		expiresAt = jwt.NewNumericDate(maxExpiry)
	}

	reissued := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings{i.internalAudience},
			ExpiresAt: expiresAt,
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:      claims.Scope,
		IsMemberOf: claims.IsMemberOf,
		UID:        claims.UID,
		Email:      claims.Email,
		Name:       claims.Name,
	}
	return i.sign(reissued)
}
