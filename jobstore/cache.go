package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss ...
var ErrCacheMiss = errors.New("cache miss")

// Cache stores finished jobs for the status endpoint.
type Cache interface {
	Get(ctx context.Context, id string) (*Job, error)
	Set(ctx context.Context, job Job, ttl time.Duration) error
}

// RedisCache ...
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache ...
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get ...
func (c *RedisCache) Get(ctx context.Context, id string) (*Job, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode cached job %s: %w", id, err)
	}
	return &job, nil
}

// Set ...
func (c *RedisCache) Set(ctx context.Context, job Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(job.ID), data, ttl).Err()
}

// Ping ...
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(id string) string {
	return c.prefix + id
}

// CachedStore serves READY jobs from a cache in front of another store.
// PENDING jobs are never cached because they can still change.
type CachedStore struct {
	Store
	cache  Cache
	logger log.Logger
}

// NewCachedStore ...
func NewCachedStore(store Store, cache Cache, logger log.Logger) *CachedStore {
	return &CachedStore{
		Store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Get ...
func (s *CachedStore) Get(ctx context.Context, id string) (*Job, error) {
	cached, err := s.cache.Get(ctx, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warnf("Job cache read failed for %s: %s", id, err)
	}

	job, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == StatusReady {
		if err := s.cache.Set(ctx, *job, cacheTTL(*job)); err != nil {
			s.logger.Warnf("Job cache write failed for %s: %s", id, err)
		}
	}
	return job, nil
}

// Ping checks the wrapped store when it supports health checks.
func (s *CachedStore) Ping(ctx context.Context) error {
	if checker, ok := s.Store.(HealthChecker); ok {
		return checker.Ping(ctx)
	}
	return nil
}

// The download link stops working at ExpiresAt, so the cache entry does too.
func cacheTTL(job Job) time.Duration {
	if job.ExpiresAt > 0 {
		if ttl := time.Until(time.Unix(job.ExpiresAt, 0)); ttl > 0 {
			return ttl
		}
		return time.Second
	}
	return job.PresignTTL(DefaultPresignTTL)
}
