// Package cache provides a two-tier read-through cache for hot read
// endpoints: an in-process go-cache tier fronting a shared Redis tier.
// Cache infrastructure failures never reach the caller; every miss or
// error degrades to the compute function.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/givehub/crm-relay/internal/adapter/observability"
)

// Policy declares caching behaviour for one endpoint. Handlers register a
// Policy once at construction; there is no per-request toggling.
type Policy struct {
	Module   string
	Endpoint string
	// TTL of zero falls back to the store default.
	TTL time.Duration
}

// InvalidatePolicy names the patterns a write endpoint clears after it
// succeeds.
type InvalidatePolicy struct {
	Patterns []string
}

// Store is the two-tier cache. Values are opaque byte payloads; callers
// serialize before Put and after Get.
type Store struct {
	local      *gocache.Cache
	rdb        redis.UniversalClient
	defaultTTL time.Duration
}

// New builds a Store over rdb. rdb may be nil, which leaves only the local
// tier active.
func New(rdb redis.UniversalClient, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Store{
		local:      gocache.New(defaultTTL, 2*defaultTTL),
		rdb:        rdb,
		defaultTTL: defaultTTL,
	}
}

// Key builds the canonical cache key "<module>:<endpoint>:<sorted-kv>".
// Params are sorted by name so equivalent requests share an entry.
func Key(module, endpoint string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(module)
	b.WriteByte(':')
	b.WriteString(endpoint)
	if len(params) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte(':')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}

func (s *Store) ttl(p Policy) time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	return s.defaultTTL
}

// GetOrCompute returns the cached value for the key, consulting the local
// tier, then Redis, then compute. A fresh value is written back to both
// tiers. Compute errors propagate; cache errors do not.
func (s *Store) GetOrCompute(ctx context.Context, p Policy, params map[string]string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	key := Key(p.Module, p.Endpoint, params)

	if v, ok := s.local.Get(key); ok {
		if b, ok := v.([]byte); ok {
			observability.CacheHitsTotal.WithLabelValues("local").Inc()
			return b, nil
		}
	}

	if s.rdb != nil {
		b, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			observability.CacheHitsTotal.WithLabelValues("redis").Inc()
			s.local.Set(key, b, s.ttl(p))
			return b, nil
		case err != redis.Nil:
			slog.Debug("cache redis get failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	observability.CacheMissesTotal.Inc()
	b, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, b, s.ttl(p))
	return b, nil
}

func (s *Store) put(ctx context.Context, key string, b []byte, ttl time.Duration) {
	s.local.Set(key, b, ttl)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		slog.Debug("cache redis set failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Invalidate clears every entry matched by the pattern. A pattern ending in
// "*" clears by prefix ("module:endpoint:*" or "module:*"); anything else is
// an exact key. A glob also clears the bare "<module>:<endpoint>" key: a
// no-params entry has no trailing separator, so the prefix alone misses it.
func (s *Store) Invalidate(ctx context.Context, pattern string) {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for key := range s.local.Items() {
			if strings.HasPrefix(key, prefix) {
				s.local.Delete(key)
			}
		}
		s.invalidateRedisPattern(ctx, pattern)
		if bare := strings.TrimSuffix(prefix, ":"); bare != prefix {
			s.local.Delete(bare)
			if s.rdb != nil {
				if err := s.rdb.Del(ctx, bare).Err(); err != nil {
					slog.Debug("cache redis del failed", slog.String("key", bare), slog.Any("error", err))
				}
			}
		}
		return
	}
	s.local.Delete(pattern)
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, pattern).Err(); err != nil {
			slog.Debug("cache redis del failed", slog.String("key", pattern), slog.Any("error", err))
		}
	}
}

// InvalidateAll applies every pattern of the policy.
func (s *Store) InvalidateAll(ctx context.Context, p InvalidatePolicy) {
	for _, pattern := range p.Patterns {
		s.Invalidate(ctx, pattern)
	}
}

func (s *Store) invalidateRedisPattern(ctx context.Context, pattern string) {
	if s.rdb == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			slog.Debug("cache redis scan failed", slog.String("pattern", pattern), slog.Any("error", err))
			return
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				slog.Debug("cache redis del failed", slog.String("pattern", pattern), slog.Any("error", err))
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
