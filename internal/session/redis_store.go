// Package session provides Redis-backed storage for refresh sessions and
// view-only key access accounting.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"projecthub/api/internal/store"
)

var ErrSessionNotFound = errors.New("session not found or expired")

// sessionData is the value stored for each refresh token hash.
type sessionData struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Staff      bool      `json:"staff"`
	TrustLevel int       `json:"trust_level"`
	CreatedAt  time.Time `json:"created_at"`
}

type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	keyPrefix     string
}

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

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		keyPrefix:     "viewkey:",
	}
}

// SaveRefreshSession stores a refresh token hash for user until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	data := sessionData{
		UserID:     user.ID,
		Username:   user.Username,
		Staff:      user.Staff,
		TrustLevel: user.TrustLevel,
		CreatedAt:  time.Now(),
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh session already expired")
	}
	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user a refresh token hash belongs to.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	payload, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, ErrSessionNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return store.User{
		ID:         data.UserID,
		Username:   data.Username,
		Staff:      data.Staff,
		TrustLevel: data.TrustLevel,
	}, nil
}

// RevokeRefreshSession deletes a refresh token hash.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RecordKeyAccess counts one successful view-only key presentation against a
// project. Counters are display/audit data only and never feed authorization.
func (s *RedisStore) RecordKeyAccess(ctx context.Context, projectGUID, keyHash string) error {
	field := projectGUID + ":" + keyHash
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.keyPrefix+"counts", field, 1)
	pipe.HSet(ctx, s.keyPrefix+"last", field, time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record key access: %w", err)
	}
	return nil
}

// KeyAccessCount returns how many times a view-only key has been presented
// for a project.
func (s *RedisStore) KeyAccessCount(ctx context.Context, projectGUID, keyHash string) (int64, error) {
	field := projectGUID + ":" + keyHash
	val, err := s.client.HGet(ctx, s.keyPrefix+"counts", field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read key access count: %w", err)
	}
	return val, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
