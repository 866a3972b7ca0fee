// Package session provides revocation storage for signed credentials.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// revocation is the value stored for each revoked credential id.
type revocation struct {
	UserID    string    `json:"user_id"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RedisStore keeps revoked credential ids until they would have expired anyway.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed revocation store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "revoked:",
	}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

// Client exposes the underlying connection so other Redis-backed components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// RevokeCredential marks jti as revoked until expiresAt.
func (s *RedisStore) RevokeCredential(ctx context.Context, jti, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// already expired; verification rejects it without our help
		return nil
	}

	payload, err := json.Marshal(revocation{UserID: userID, RevokedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(jti), payload, ttl).Err(); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// IsCredentialRevoked reports whether jti was revoked and has not yet expired.
func (s *RedisStore) IsCredentialRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup revocation: %w", err)
	}
	return n > 0, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
