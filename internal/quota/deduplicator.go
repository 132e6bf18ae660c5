package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same credential and
// level, including across gateway instances when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this credential/level pair is new since the
	// last clear. Exactly one caller across all instances sees true.
	ShouldAlert(ctx context.Context, credentialID string, level AlertLevel) bool

	// ClearAlert resets the state for a credential, called when its usage
	// drops back below the warning threshold.
	ClearAlert(ctx context.Context, credentialID string)
}

// InMemoryDeduplicator is process-local state for single-instance
// deployments.
type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, credentialID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastAlerts[credentialID]; ok && last == level {
		return false
	}

	d.lastAlerts[credentialID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, credentialID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, credentialID)
}

// RedisDeduplicator coordinates alert state across instances. The lock TTL
// bounds how long a level stays suppressed; daily caps reset at midnight UTC,
// so a TTL of a few hours is plenty.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(credentialID string, level AlertLevel) string {
	return fmt.Sprintf("quota:alert:%s:%s", credentialID, level)
}

// ShouldAlert uses SETNX so only one instance wins the right to send.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, credentialID string, level AlertLevel) bool {
	key := d.alertKey(credentialID, level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// On Redis error, allow the alert.
		return true
	}

	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, credentialID string) {
	pattern := fmt.Sprintf("quota:alert:%s:*", credentialID)
	keys, err := d.client.Keys(ctx, pattern).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}
