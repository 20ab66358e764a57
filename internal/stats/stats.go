// Package stats increments ancillary composition counters (views, downloads).
// Counters are not consistency-critical: callers fire and forget.
package stats

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/starford/scoreroom/internal/store"
)

// Counter increments a named counter of a composition.
type Counter interface {
	Increment(ctx context.Context, compositionID, field string) error
}

// StoreCounter writes counters through to the composition store.
type StoreCounter struct {
	store interface {
		IncrementCounter(ctx context.Context, id, field string) error
	}
}

// NewStoreCounter creates a Counter backed by s.
func NewStoreCounter(s store.Store) *StoreCounter {
	return &StoreCounter{store: s}
}

// Increment implements Counter.
func (c *StoreCounter) Increment(ctx context.Context, compositionID, field string) error {
	return c.store.IncrementCounter(ctx, compositionID, field)
}

// Redis keeps counters in a hash per composition: <prefix>:composition:<id>.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed Counter.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "scoreroom"
	}
	return &Redis{client: client, prefix: prefix}
}

// Key returns the hash key holding the counters of compositionID.
func (r *Redis) Key(compositionID string) string {
	return fmt.Sprintf("%s:composition:%s", r.prefix, compositionID)
}

// Increment implements Counter.
func (r *Redis) Increment(ctx context.Context, compositionID, field string) error {
	if _, err := store.CounterColumn(field); err != nil {
		return err
	}
	if err := r.client.HIncrBy(ctx, r.Key(compositionID), field, 1).Err(); err != nil {
		return fmt.Errorf("stats: redis hincrby: %w", err)
	}
	return nil
}
