// Package tokenstore implements the token store (C1): an encrypted,
// TTL-bearing Redis-backed cache mapping a token key to its Data.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/lsst/gafaelfawr/pkg/logger"
	"github.com/lsst/gafaelfawr/pkg/sealedbox"
	"github.com/lsst/gafaelfawr/pkg/token"
)

// keyPrefix namespaces token-store keys within the shared Redis instance,
// mirroring the prefix-per-concern convention of Redis-backed token
// repositories.
const keyPrefix = "gafaelfawr:token:"

// pingTimeout bounds each individual connectivity check performed at
// construction; pingMaxTries bounds the number of attempts, so a Redis
// instance still coming up alongside the gateway doesn't fail the boot.
const (
	pingTimeout  = 5 * time.Second
	pingMaxTries = 5
)

// Store is the C1 token cache.
type Store struct {
	client *redis.Client
	box    *sealedbox.Box
}

// wireData is the JSON shape sealed inside the envelope; it excludes
// anything derivable from the key itself.
type wireData struct {
	Secret   string            `json:"secret"`
	Username string            `json:"username"`
	Type     token.Type        `json:"type"`
	Scopes   token.Scopes      `json:"scopes"`
	Created  time.Time         `json:"created"`
	Expires  *time.Time        `json:"expires,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	UserInfo token.UserInfo    `json:"user_info"`
}

// New constructs a Store, pinging Redis to fail fast on misconfiguration.
func New(ctx context.Context, redisURL string, box *sealedbox.Box) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return struct{}{}, client.Ping(pingCtx).Err()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(pingMaxTries))
	if err != nil {
		return nil, fmt.Errorf("tokenstore: ping redis: %w", err)
	}

	return &Store{client: client, box: box}, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func redisKey(tokenKey string) string {
	return keyPrefix + tokenKey
}

// Get returns the cached Data for key, or (nil, nil) if absent, expired, or
// undecryptable. Decryption failures are masked as a miss and logged, per
// §4.1: "decryption failure returns not found and logs a warning".
func (s *Store) Get(ctx context.Context, key string) (*token.Data, error) {
	envelope, err := s.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get %s: %w", key, err)
	}

	plaintext, err := s.box.Open(envelope)
	if err != nil {
		logger.Warnf("tokenstore: failed to decrypt cached token %s: %v", key, err)
		return nil, nil
	}

	var wire wireData
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		logger.Warnf("tokenstore: corrupt cached token %s: %v", key, err)
		return nil, nil
	}

	return &token.Data{
		Token:    token.Token{Key: key, Secret: wire.Secret},
		Username: wire.Username,
		Type:     wire.Type,
		Scopes:   wire.Scopes,
		Created:  wire.Created,
		Expires:  wire.Expires,
		Parent:   wire.Parent,
		UserInfo: wire.UserInfo,
	}, nil
}

// Put stores data under its key with the given TTL. A non-positive TTL
// means no expiration is tracked by Redis (the caller is expected to have
// already resolved an explicit session-lifetime default per §4.1).
func (s *Store) Put(ctx context.Context, data *token.Data, ttl time.Duration) error {
	wire := wireData{
		Secret:   data.Token.Secret,
		Username: data.Username,
		Type:     data.Type,
		Scopes:   data.Scopes,
		Created:  data.Created,
		Expires:  data.Expires,
		Parent:   data.Parent,
		UserInfo: data.UserInfo,
	}
	plaintext, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("tokenstore: marshal %s: %w", data.Token.Key, err)
	}

	envelope, err := s.box.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("tokenstore: seal %s: %w", data.Token.Key, err)
	}

	if err := s.client.Set(ctx, redisKey(data.Token.Key), envelope, ttl).Err(); err != nil {
		return fmt.Errorf("tokenstore: put %s: %w", data.Token.Key, err)
	}
	return nil
}

// Delete removes key from the cache. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("tokenstore: delete %s: %w", key, err)
	}
	return nil
}

// TTLForExpires computes the store TTL for an optional expiry: the
// remaining duration until expires, or sessionLifetime when expires is nil.
func TTLForExpires(expires *time.Time, now time.Time, sessionLifetime time.Duration) time.Duration {
	if expires == nil {
		return sessionLifetime
	}
	d := expires.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
