package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Debouncer suppresses repeated reads of the same code within a cooldown.
type Debouncer interface {
	// Allow reports whether a scan of subjectID at now should be processed.
	Allow(ctx context.Context, subjectID string, now time.Time) (bool, error)
}

// MemoryDebouncer keeps the last accepted scan per subject in process memory.
type MemoryDebouncer struct {
	cooldown time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func NewMemoryDebouncer(cooldown time.Duration) *MemoryDebouncer {
	return &MemoryDebouncer{cooldown: cooldown, last: make(map[string]time.Time)}
}

func (d *MemoryDebouncer) Allow(_ context.Context, subjectID string, now time.Time) (bool, error) {
	if d.cooldown <= 0 {
		return true, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[subjectID]; ok {
		if since := now.Sub(prev); since >= 0 && since < d.cooldown {
			return false, nil
		}
	}
	d.last[subjectID] = now
	if len(d.last) > 1024 {
		for id, t := range d.last {
			if now.Sub(t) >= d.cooldown {
				delete(d.last, id)
			}
		}
	}
	return true, nil
}

// RedisDebouncer shares the cooldown across scanner stations through SET NX.
type RedisDebouncer struct {
	client   *redis.Client
	prefix   string
	cooldown time.Duration
}

func NewRedisDebouncer(client *redis.Client, cooldown time.Duration) *RedisDebouncer {
	return &RedisDebouncer{client: client, prefix: "attendance:scan:", cooldown: cooldown}
}

func (d *RedisDebouncer) Allow(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	if d.cooldown <= 0 {
		return true, nil
	}
	return d.client.SetNX(ctx, d.prefix+subjectID, now.Unix(), d.cooldown).Result()
}
