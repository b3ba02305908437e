package oidcissuer

import (
	"context"
	"sync"

	"github.com/ory/fosite"
)

// memoryStorage is the in-memory fosite.Storage backing the single-instance
// authorization server: authorize codes, access/refresh tokens, and OpenID
// Connect/PKCE sessions all live only as long as the process.
type memoryStorage struct {
	*ClientStore

	mu            sync.Mutex
	authorizeCode map[string]fosite.Requester
	accessToken   map[string]fosite.Requester
	refreshToken  map[string]fosite.Requester
	oidcSession   map[string]fosite.Requester
	pkceSession   map[string]fosite.Requester
}

func newMemoryStorage(clients *ClientStore) *memoryStorage {
	return &memoryStorage{
		ClientStore:   clients,
		authorizeCode: map[string]fosite.Requester{},
		accessToken:   map[string]fosite.Requester{},
		refreshToken:  map[string]fosite.Requester{},
		oidcSession:   map[string]fosite.Requester{},
		pkceSession:   map[string]fosite.Requester{},
	}
}

func (s *memoryStorage) CreateAuthorizeCodeSession(_ context.Context, code string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizeCode[code] = req
	return nil
}

func (s *memoryStorage) GetAuthorizeCodeSession(_ context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authorizeCode[code]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return req, nil
}

func (s *memoryStorage) InvalidateAuthorizeCodeSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authorizeCode, code)
	return nil
}

func (s *memoryStorage) CreateAccessTokenSession(_ context.Context, signature string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken[signature] = req
	return nil
}

func (s *memoryStorage) GetAccessTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.accessToken[signature]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return req, nil
}

func (s *memoryStorage) DeleteAccessTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessToken, signature)
	return nil
}

func (s *memoryStorage) CreateRefreshTokenSession(_ context.Context, signature string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshToken[signature] = req
	return nil
}

func (s *memoryStorage) GetRefreshTokenSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.refreshToken[signature]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return req, nil
}

func (s *memoryStorage) DeleteRefreshTokenSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshToken, signature)
	return nil
}

func (s *memoryStorage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, requestID, s.refreshToken)
}

func (s *memoryStorage) RevokeAccessToken(ctx context.Context, requestID string) error {
	return s.revokeByRequestID(ctx, requestID, s.accessToken)
}

func (s *memoryStorage) revokeByRequestID(_ context.Context, requestID string, table map[string]fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sig, req := range table {
		if req.GetID() == requestID {
			delete(table, sig)
		}
	}
	return nil
}

func (s *memoryStorage) CreatePKCERequestSession(_ context.Context, signature string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkceSession[signature] = req
	return nil
}

func (s *memoryStorage) GetPKCERequestSession(_ context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pkceSession[signature]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return req, nil
}

func (s *memoryStorage) DeletePKCERequestSession(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pkceSession, signature)
	return nil
}

func (s *memoryStorage) CreateOpenIDConnectSession(_ context.Context, code string, req fosite.Requester) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oidcSession[code] = req
	return nil
}

func (s *memoryStorage) GetOpenIDConnectSession(_ context.Context, code string, _ fosite.Requester) (fosite.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.oidcSession[code]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return req, nil
}

func (s *memoryStorage) DeleteOpenIDConnectSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.oidcSession, code)
	return nil
}
