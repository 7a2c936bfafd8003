// Package cooldown tracks per-coin cooldown expiry (coin -> until_ts) used
// by the Sniper's risk gate. State is kept in Redis with TTL so it
// survives process restarts; if Redis is unreachable the tracker falls
// back to an in-memory map.
package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "paperbot:cooldown:"

// Tracker records coin cooldowns with a default expiry.
type Tracker struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration

	mu            sync.RWMutex
	memory        map[string]time.Time
	redisHealthy  bool
}

// NewTracker creates a cooldown tracker backed by Redis with an in-memory fallback.
func NewTracker(logger *zap.Logger, addr, password string, db int, ttl time.Duration) *Tracker {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	t := &Tracker{
		logger: logger,
		client: client,
		ttl:    ttl,
		memory: make(map[string]time.Time),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("cooldown tracker: redis unavailable, using in-memory fallback", zap.Error(err))
		t.redisHealthy = false
	} else {
		t.redisHealthy = true
	}

	return t
}

// Set puts coin into cooldown for the tracker's configured TTL.
func (t *Tracker) Set(ctx context.Context, coin string) {
	until := time.Now().Add(t.ttl)

	if t.redisHealthy {
		if err := t.client.Set(ctx, keyPrefix+coin, until.Unix(), t.ttl).Err(); err != nil {
			t.logger.Warn("cooldown set failed, falling back to memory", zap.String("coin", coin), zap.Error(err))
			t.redisHealthy = false
		} else {
			return
		}
	}

	t.mu.Lock()
	t.memory[coin] = until
	t.mu.Unlock()
}

// InCooldown reports whether coin is currently cooling down.
func (t *Tracker) InCooldown(ctx context.Context, coin string) bool {
	if t.redisHealthy {
		exists, err := t.client.Exists(ctx, keyPrefix+coin).Result()
		if err != nil {
			t.logger.Warn("cooldown lookup failed, falling back to memory", zap.String("coin", coin), zap.Error(err))
			t.redisHealthy = false
		} else {
			return exists > 0
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	until, ok := t.memory[coin]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// Snapshot returns the current cooldown map for runtime-state persistence.
func (t *Tracker) Snapshot() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]time.Time, len(t.memory))
	for k, v := range t.memory {
		if time.Now().Before(v) {
			out[k] = v
		}
	}
	return out
}

// Restore re-hydrates cooldowns from persisted runtime state on boot.
func (t *Tracker) Restore(cooldowns map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for coin, until := range cooldowns {
		if until.After(now) {
			t.memory[coin] = until
		}
	}
}

// Close releases the underlying Redis client.
func (t *Tracker) Close() error {
	return t.client.Close()
}
