package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrReportNotFound = errors.New("conflict report not found or expired")

// Cache holds reports between detect and resolve.
type Cache interface {
	Put(ctx context.Context, r *Report, ttl time.Duration) error
	Get(ctx context.Context, conflictID string) (*Report, error)
	Delete(ctx context.Context, conflictID string) error
}

type memoryEntry struct {
	report  Report
	expires time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Put(_ context.Context, r *Report, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
		}
	}
	c.entries[r.ConflictID] = memoryEntry{report: *r, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, conflictID string) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conflictID]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, conflictID)
		return nil, ErrReportNotFound
	}
	r := e.report
	return &r, nil
}

func (c *MemoryCache) Delete(_ context.Context, conflictID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conflictID)
	return nil
}

// RedisCache shares reports across instances so a resolve may land on any node.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "clinic:conflict:"}
}

func (c *RedisCache) Put(ctx context.Context, r *Report, ttl time.Duration) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+r.ConflictID, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, conflictID string) (*Report, error) {
	b, err := c.client.Get(ctx, c.prefix+conflictID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func (c *RedisCache) Delete(ctx context.Context, conflictID string) error {
	if err := c.client.Del(ctx, c.prefix+conflictID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
