package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned by Take for unknown, expired or already used
// confirmation tokens.
var ErrTokenNotFound = errors.New("review: confirmation token not found")

// PendingCompletion is a manual completion waiting for the operator to
// confirm an out-of-order override.
type PendingCompletion struct {
	ApplicationID string    `json:"application_id"`
	StepID        int       `json:"step_id"`
	StepName      string    `json:"step_name"`
	Notes         string    `json:"admin_notes"`
	Actor         string    `json:"actor"`
	Incomplete    []string  `json:"incomplete"`
	CreatedAt     time.Time `json:"created_at"`
}

// TokenStore holds pending completions under single-use tokens.
type TokenStore interface {
	// Put stores p under token for ttl.
	Put(ctx context.Context, token string, p PendingCompletion, ttl time.Duration) error

	// Take returns and deletes the completion stored under token.
	Take(ctx context.Context, token string) (PendingCompletion, error)
}

// --- MemoryTokenStore ---

// MemoryTokenStore is an in-memory TokenStore for single-instance
// deployments and tests.
type MemoryTokenStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]tokenEntry
}

type tokenEntry struct {
	pending   PendingCompletion
	expiresAt time.Time
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		now:     time.Now,
		entries: make(map[string]tokenEntry),
	}
}

// Put stores p under token and sweeps expired entries.
func (s *MemoryTokenStore) Put(_ context.Context, token string, p PendingCompletion, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[token] = tokenEntry{pending: p, expiresAt: now.Add(ttl)}
	return nil
}

// Take returns and deletes the completion stored under token.
func (s *MemoryTokenStore) Take(_ context.Context, token string) (PendingCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return PendingCompletion{}, ErrTokenNotFound
	}
	delete(s.entries, token)
	if !s.now().Before(e.expiresAt) {
		return PendingCompletion{}, ErrTokenNotFound
	}
	return e.pending, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryTokenStore) HealthCheck(context.Context) error {
	return nil
}

// --- RedisTokenStore ---

// RedisTokenStore is a Redis-backed TokenStore. Expiry is delegated to
// Redis and Take uses GETDEL so a token can be redeemed once across
// instances.
type RedisTokenStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisTokenStore creates a Redis token store. Keys are prefix+token.
func NewRedisTokenStore(client redis.Cmdable, prefix string) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: prefix}
}

// Put stores p under token with ttl.
func (s *RedisTokenStore) Put(ctx context.Context, token string, p PendingCompletion, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending completion: %w", err)
	}
	key := s.prefix + token
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Take atomically reads and deletes the completion stored under token.
func (s *RedisTokenStore) Take(ctx context.Context, token string) (PendingCompletion, error) {
	key := s.prefix + token
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingCompletion{}, ErrTokenNotFound
	}
	if err != nil {
		return PendingCompletion{}, fmt.Errorf("redis getdel %q: %w", key, err)
	}

	var p PendingCompletion
	if err := json.Unmarshal(raw, &p); err != nil {
		return PendingCompletion{}, fmt.Errorf("unmarshal pending completion %q: %w", key, err)
	}
	return p, nil
}

// HealthCheck pings Redis.
func (s *RedisTokenStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
