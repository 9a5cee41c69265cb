package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/config"
	"capital-pools/pool-engine/internal/httpx"
)

// Store counts hits per key in fixed windows.
type Store interface {
	// Hit records one request and returns the count in the current window
	// and when the window resets.
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

type bucket struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps counters in process. Expired buckets are pruned lazily.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	hits    int
}

// NewMemoryStore creates a process-local store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.hits++
	if s.hits%1024 == 0 {
		for k, b := range s.buckets {
			if !now.Before(b.resetAt) {
				delete(s.buckets, k)
			}
		}
	}

	b, ok := s.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.resetAt, nil
}

// RedisStore shares counters across API replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store shared across replicas
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	k := s.prefix + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}
	reset := time.Now().Add(window)
	if d := ttl.Val(); d > 0 {
		reset = time.Now().Add(d)
	}
	return incr.Val(), reset, nil
}

// NewStore picks the backend named in the config.
func NewStore(cfg config.RateLimitConfig, redisCfg config.RedisConfig) Store {
	if cfg.Backend == "redis" {
		return NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		}))
	}
	return NewMemoryStore()
}

// RateLimit allows `requests` per client IP and route per window. Store
// failures let the request through.
func RateLimit(store Store, requests int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requests <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("%s|%s", c.FullPath(), c.ClientIP())
		count, reset, err := store.Hit(c.Request.Context(), key, window)
		if err != nil {
			logger.Warn("Rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(requests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(requests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(requests) {
			retry := time.Until(reset).Seconds()
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(int(retry)))
			httpx.Error(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
