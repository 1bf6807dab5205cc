// Package session keeps track of session tokens that were signed out before
// they expired.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation is stored for each signed out token until the token would
// have expired anyway.
type Revocation struct {
	UserID    string    `json:"user_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RedisStore implements token revocation using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "revoked:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Revoke marks a token as signed out. The entry expires with the token.
func (s *RedisStore) Revoke(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// already unusable
		return nil
	}

	data, err := json.Marshal(Revocation{UserID: userID, RevokedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save revocation: %w", err)
	}
	return nil
}

// Revoked reports whether the token was signed out.
func (s *RedisStore) Revoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return n > 0, nil
}

// Lookup returns the stored revocation for a token.
func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (Revocation, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return Revocation{}, fmt.Errorf("token not revoked")
	}
	if err != nil {
		return Revocation{}, fmt.Errorf("lookup revocation: %w", err)
	}
	var r Revocation
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Revocation{}, fmt.Errorf("unmarshal revocation: %w", err)
	}
	return r, nil
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
