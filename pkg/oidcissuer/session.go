package oidcissuer

import (
	"time"

	"github.com/ory/fosite/handler/openid"
	fositejwt "github.com/ory/fosite/token/jwt"

	"github.com/lsst/gafaelfawr/pkg/token"
)

// newSession builds the fosite session asserting data's identity, carrying
// the §4.7 claim set (scope, isMemberOf, uid, email, name) as ID token extras.
func newSession(data *token.Data, issuer, keyID string, lifetime time.Duration) *openid.DefaultSession {
	now := time.Now().UTC()
	return &openid.DefaultSession{
		Subject: data.Username,
		Claims: &fositejwt.IDTokenClaims{
			Subject:   data.Username,
			Issuer:    issuer,
			IssuedAt:  now,
			ExpiresAt: now.Add(lifetime),
			Extra: map[string]interface{}{
				"scope":      data.Scopes.Key(),
				"isMemberOf": data.UserInfo.Groups,
				"uid":        data.UserInfo.UID,
				"email":      data.UserInfo.Email,
				"name":       data.UserInfo.Name,
			},
		},
		Headers: &fositejwt.Headers{Extra: map[string]interface{}{"kid": keyID}},
	}
}
