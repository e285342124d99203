// Package redisstate persists circuit breaker open timestamps in Redis so a
// restart does not release traffic onto a target that was failing moments
// before. The store is strictly best-effort: any error reads as "no record",
// which fails safe to a closed breaker.
package redisstate

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/mahavishnu/internal/domain"
)

const keyPrefix = "mahavishnu:breaker:open:"

// Store implements domain.BreakerStateStore on Redis.
type Store struct {
	client *redis.Client
	// ttl bounds how long a persisted open state can outlive its breaker.
	ttl time.Duration
}

// New constructs a store. ttl should be at least the breaker timeout.
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{client: client, ttl: ttl}
}

// NewFromURL dials Redis from a URL like redis://host:6379/0.
func NewFromURL(url string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisstate.dial: %w", err)
	}
	return New(redis.NewClient(opts), ttl), nil
}

// SaveOpen records when target's circuit opened.
func (s *Store) SaveOpen(ctx domain.Context, target string, openedAt time.Time) error {
	err := s.client.Set(ctx, keyPrefix+target, openedAt.UTC().Format(time.RFC3339Nano), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("op=redisstate.save: %w", err)
	}
	return nil
}

// LoadOpen returns the persisted open timestamp for target, if any.
func (s *Store) LoadOpen(ctx domain.Context, target string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, keyPrefix+target).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=redisstate.load: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=redisstate.load: parse: %w", err)
	}
	return t, true, nil
}

// ClearOpen drops the persisted state for target.
func (s *Store) ClearOpen(ctx domain.Context, target string) error {
	if err := s.client.Del(ctx, keyPrefix+target).Err(); err != nil {
		return fmt.Errorf("op=redisstate.clear: %w", err)
	}
	return nil
}

// Ping checks connectivity, used by readiness probes.
func (s *Store) Ping(ctx domain.Context) error {
	return s.client.Ping(ctx).Err()
}
