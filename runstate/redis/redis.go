// Package redis provides a Redis-backed implementation of runstate.Slot.
// Entries carry a TTL because the slot is durable-but-ephemeral by contract:
// a run id that outlives its run is noise, not state worth keeping.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a run id slot survives without being cleared.
// Turns are interactive; anything older than this points at a run the server
// has almost certainly forgotten.
const DefaultTTL = 24 * time.Hour

// Slot implements runstate.Slot on a Redis client.
type Slot struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// New constructs a Slot using client. A non-positive ttl falls back to
// DefaultTTL.
func New(client goredis.UniversalClient, ttl time.Duration) *Slot {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Slot{client: client, ttl: ttl}
}

// Get returns the stored value for key, or "" when absent.
func (s *Slot) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("runstate redis get %q: %w", key, err)
	}
	return v, nil
}

// Set stores value under key with the configured TTL.
func (s *Slot) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("runstate redis set %q: %w", key, err)
	}
	return nil
}

// Clear removes key.
func (s *Slot) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("runstate redis clear %q: %w", key, err)
	}
	return nil
}
