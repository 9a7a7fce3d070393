package app

import (
	"sync"
	"time"

	"github.com/givehub/crm-relay/internal/domain"
)

// CachedSettings decorates a settings source with a TTL so audit-gating reads
// do not hit the source on every write. A refresh failure keeps serving the
// last snapshot; before any successful fetch, auditing defaults to enabled.
type CachedSettings struct {
	src domain.SettingsProvider
	ttl time.Duration

	mu   sync.Mutex
	snap domain.SettingsSnapshot
	ok   bool
}

// NewCachedSettings wraps src with the given refresh TTL.
func NewCachedSettings(src domain.SettingsProvider, ttl time.Duration) *CachedSettings {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedSettings{src: src, ttl: ttl}
}

// Snapshot returns the cached view, refreshing it when stale.
func (c *CachedSettings) Snapshot(ctx domain.Context) (domain.SettingsSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok && time.Since(c.snap.FetchedAt) < c.ttl {
		return c.snap, nil
	}
	snap, err := c.src.Snapshot(ctx)
	if err != nil {
		if c.ok {
			return c.snap, nil
		}
		return domain.SettingsSnapshot{EnableAuditLog: true, FetchedAt: time.Now().UTC()}, nil
	}
	snap.FetchedAt = time.Now().UTC()
	c.snap = snap
	c.ok = true
	return c.snap, nil
}

// StaticSettings is a fixed-value provider for deployments without a live
// settings service.
type StaticSettings struct{ EnableAuditLog bool }

// Snapshot returns the fixed value.
func (s StaticSettings) Snapshot(domain.Context) (domain.SettingsSnapshot, error) {
	return domain.SettingsSnapshot{EnableAuditLog: s.EnableAuditLog, FetchedAt: time.Now().UTC()}, nil
}
