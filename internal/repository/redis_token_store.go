package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/billingworks/billing-api/internal/models"
)

const (
	refreshKeyPrefix   = "refresh:"
	tombstoneKeyPrefix = "refresh:revoked:"
)

// redisCommands is the slice of the go-redis API the store depends on,
// narrowed so tests can inject failure modes.
type redisCommands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisTokenStore is the Redis refresh-token store. Records expire with
// their key TTL; consumption relies on GETDEL so exactly one of two
// concurrent rotations claims the token. A tombstone is left behind for the
// token's remaining lifetime so replay of a consumed value is
// distinguishable from an unknown one.
type RedisTokenStore struct {
	client redisCommands
}

// NewRedisTokenStore creates a new instance of RedisTokenStore.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

// Save persists a new refresh token record with a TTL matching its expiry.
func (s *RedisTokenStore) Save(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("save refresh token: token already expired")
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	if err := s.client.Set(ctx, refreshKeyPrefix+token.Token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Find returns a refresh token record by its opaque value.
func (s *RedisTokenStore) Find(ctx context.Context, value string) (*models.RefreshToken, error) {
	raw, err := s.client.Get(ctx, refreshKeyPrefix+value).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, s.classifyMiss(ctx, value)
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	var record models.RefreshToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &record, nil
}

// Rotate atomically claims the presented token via GETDEL, persists the
// successor, and leaves a tombstone. If persisting the successor fails the
// consumed record is put back under its remaining TTL, so a failed rotation
// leaves the presented token usable instead of burning the chain.
func (s *RedisTokenStore) Rotate(ctx context.Context, presented string, successor *models.RefreshToken) (*models.RefreshToken, error) {
	raw, err := s.client.GetDel(ctx, refreshKeyPrefix+presented).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, s.classifyMiss(ctx, presented)
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	var consumed models.RefreshToken
	if err := json.Unmarshal(raw, &consumed); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}

	now := time.Now().UTC()
	if consumed.Expired(now) {
		return nil, ErrTokenNotFound
	}

	successor.UserID = consumed.UserID
	if err := s.Save(ctx, successor); err != nil {
		s.restore(ctx, presented, raw, consumed.ExpiresAt)
		return nil, err
	}

	consumed.Revoked = true
	consumed.RevokedAt = &now
	s.leaveTombstone(ctx, presented, consumed.ExpiresAt)
	return &consumed, nil
}

// Revoke claims the token and leaves a tombstone.
func (s *RedisTokenStore) Revoke(ctx context.Context, value string, at time.Time) error {
	raw, err := s.client.GetDel(ctx, refreshKeyPrefix+value).Bytes()
	if err != nil {
		if err == redis.Nil {
			return s.classifyMiss(ctx, value)
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	var record models.RefreshToken
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("unmarshal refresh token: %w", err)
	}

	s.leaveTombstone(ctx, value, record.ExpiresAt)
	return nil
}

func (s *RedisTokenStore) classifyMiss(ctx context.Context, value string) error {
	exists, err := s.client.Exists(ctx, tombstoneKeyPrefix+value).Result()
	if err != nil {
		return fmt.Errorf("probe refresh token: %w", err)
	}
	if exists > 0 {
		return ErrTokenRevoked
	}
	return ErrTokenNotFound
}

// restore is the compensating write for a failed rotation: the consumed
// record goes back under the presented value with its remaining lifetime.
// Best effort; if this write also fails the record is lost and replay
// classifies as not-found, which still fails closed.
func (s *RedisTokenStore) restore(ctx context.Context, value string, raw []byte, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	_ = s.client.Set(ctx, refreshKeyPrefix+value, raw, ttl).Err()
}

// leaveTombstone records the revocation for the token's remaining lifetime.
// Best effort: losing the tombstone downgrades a replay to not-found, which
// still fails closed.
func (s *RedisTokenStore) leaveTombstone(ctx context.Context, value string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	_ = s.client.Set(ctx, tombstoneKeyPrefix+value, 1, ttl).Err()
}
