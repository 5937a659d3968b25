// Package prefs persists the small client state the editing surface keeps
// between sessions: the last-chosen editor kind, the edited-from-mobile
// marker, and the per-page lock that holds the one-session-per-page rule.
package prefs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pocketwiki/api/internal/editor"
)

// RedisStore implements preference and lock storage using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func prefKey(accountID string) string   { return "editorpref:" + accountID }
func editedKey(accountID string) string { return "mobileedited:" + accountID }
func lockKey(title string) string       { return "pagelock:" + title }

// EditorPreference returns the account's last-chosen editor kind, or the
// source editor when none was ever recorded.
func (s *RedisStore) EditorPreference(ctx context.Context, accountID string) (editor.Kind, error) {
	value, err := s.client.Get(ctx, prefKey(accountID)).Result()
	if err == redis.Nil {
		return editor.KindSource, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup editor preference: %w", err)
	}
	kind, ok := editor.ParseKind(value)
	if !ok {
		return editor.KindSource, nil
	}
	return kind, nil
}

// SaveEditorPreference records the editor kind to use as the default next
// time this account opens a session.
func (s *RedisStore) SaveEditorPreference(ctx context.Context, accountID string, kind editor.Kind) error {
	if err := s.client.Set(ctx, prefKey(accountID), string(kind), 0).Err(); err != nil {
		return fmt.Errorf("save editor preference: %w", err)
	}
	return nil
}

// MarkEdited sets the has-edited-from-this-surface marker with the given
// TTL (30 days in production).
func (s *RedisStore) MarkEdited(ctx context.Context, accountID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, editedKey(accountID), "true", ttl).Err(); err != nil {
		return fmt.Errorf("mark edited: %w", err)
	}
	return nil
}

// HasEdited reports whether the marker is still live.
func (s *RedisStore) HasEdited(ctx context.Context, accountID string) (bool, error) {
	err := s.client.Get(ctx, editedKey(accountID)).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup edited marker: %w", err)
	}
	return true, nil
}

// AcquirePageLock claims the per-page session slot. Returns false when
// another session holds the page. The TTL is a backstop against sessions
// that were never released.
func (s *RedisStore) AcquirePageLock(ctx context.Context, title, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(title), sessionID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire page lock: %w", err)
	}
	return ok, nil
}

// ReleasePageLock frees the slot if this session still holds it.
func (s *RedisStore) ReleasePageLock(ctx context.Context, title, sessionID string) error {
	holder, err := s.client.Get(ctx, lockKey(title)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release page lock: %w", err)
	}
	if holder != sessionID {
		return nil
	}
	if err := s.client.Del(ctx, lockKey(title)).Err(); err != nil {
		return fmt.Errorf("release page lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
