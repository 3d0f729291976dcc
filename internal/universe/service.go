package universe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/pkg/metrics"
	"github.com/wonny/allocator/pkg/redis"
)

// Cache stores universe snapshots by key
type Cache interface {
	Get(ctx context.Context, key string) (*contracts.Universe, bool, error)
	Set(ctx context.Context, key string, u *contracts.Universe, ttl time.Duration) error
}

// Service returns the universe of the provider's trading day, building it at
// most once per day through the cache.
type Service struct {
	builder *Builder
	cache   Cache
	ttl     time.Duration
	group   singleflight.Group
	metrics metrics.Recorder
	log     zerolog.Logger
}

// NewService creates a cached universe service
func NewService(builder *Builder, cache Cache, ttl time.Duration, rec metrics.Recorder, log zerolog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Service{
		builder: builder,
		cache:   cache,
		ttl:     ttl,
		metrics: rec,
		log:     log.With().Str("component", "universe.service").Logger(),
	}
}

// Instruments returns the snapshot for dp.GetCurrentDate().
// Snapshots are immutable; every accessor returns a copy.
func (s *Service) Instruments(ctx context.Context, dp contracts.DataProvider) (*contracts.Universe, error) {
	key := redis.UniverseKey(dp.GetCurrentDate())

	u, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		// 캐시 장애는 치명적이지 않음 → 재빌드
		s.log.Warn().Err(err).Str("key", key).Msg("universe cache read failed")
	}
	if ok {
		s.metrics.UniverseCache(true)
		return u, nil
	}
	s.metrics.UniverseCache(false)

	// 공유 빌드는 첫 호출자의 취소와 분리, 각 호출자는 자기 ctx만 기다림
	buildCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		u, err := s.builder.Build(buildCtx, dp)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(buildCtx, key, u, s.ttl); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("universe cache write failed")
		}
		return u, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("build universe %s: %w", key, res.Err)
		}
		if res.Shared {
			s.log.Debug().Str("key", key).Msg("joined in-flight universe build")
		}
		return res.Val.(*contracts.Universe), nil
	}
}

// =============================================================================
// MemoryCache
// =============================================================================

type memoryEntry struct {
	universe *contracts.Universe
	expires  time.Time // zero = 만료 없음
}

// MemoryCache is a process-local cache. Readers never lock: writers copy the
// entry map and publish it with an atomic pointer swap.
type MemoryCache struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]memoryEntry]
	now     func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{now: time.Now}
	empty := make(map[string]memoryEntry)
	c.entries.Store(&empty)
	return c
}

// Get returns an unexpired snapshot
func (c *MemoryCache) Get(_ context.Context, key string) (*contracts.Universe, bool, error) {
	e, ok := (*c.entries.Load())[key]
	if !ok || c.expired(e) {
		return nil, false, nil
	}
	return e.universe, true, nil
}

// Set publishes a snapshot. ttl <= 0 never expires.
func (c *MemoryCache) Set(_ context.Context, key string, u *contracts.Universe, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.entries.Load()
	next := make(map[string]memoryEntry, len(old)+1)
	for k, e := range old {
		if !c.expired(e) {
			next[k] = e
		}
	}
	e := memoryEntry{universe: u}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	next[key] = e
	c.entries.Store(&next)
	return nil
}

// Len is the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	return len(*c.entries.Load())
}

func (c *MemoryCache) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && !c.now().Before(e.expires)
}

// =============================================================================
// RedisCache
// =============================================================================

// RedisCache stores snapshots as JSON in Redis
type RedisCache struct {
	cache *redis.Cache
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps a redis cache helper
func NewRedisCache(cache *redis.Cache) *RedisCache {
	return &RedisCache{cache: cache}
}

// Get decodes and validates a cached snapshot
func (r *RedisCache) Get(ctx context.Context, key string) (*contracts.Universe, bool, error) {
	var u contracts.Universe
	found, err := r.cache.Get(ctx, key, &u)
	if err != nil || !found {
		return nil, false, err
	}
	return &u, true, nil
}

// Set stores the snapshot
func (r *RedisCache) Set(ctx context.Context, key string, u *contracts.Universe, ttl time.Duration) error {
	return r.cache.Set(ctx, key, u, ttl)
}
