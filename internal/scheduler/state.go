// Package scheduler drives the cron-triggered producers feeding the work
// queues.
package scheduler

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/givehub/crm-relay/internal/domain"
)

// stateKey holds one hash field per cron type; a missing field means enabled.
const stateKey = "crmrelay:cron:enabled"

// StateStore persists the per-type enable flags so toggles survive restarts.
type StateStore struct {
	rdb redis.UniversalClient
}

// NewStateStore wraps a Redis client as the durable cron-state store.
func NewStateStore(rdb redis.UniversalClient) *StateStore { return &StateStore{rdb: rdb} }

// Load returns the enable flag for every known cron type, defaulting to true.
func (s *StateStore) Load(ctx domain.Context) (map[string]bool, error) {
	vals, err := s.rdb.HGetAll(ctx, stateKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=cronstate.load: %w", err)
	}
	out := make(map[string]bool, len(domain.CronTypes))
	for _, t := range domain.CronTypes {
		out[t] = true
		if v, ok := vals[t]; ok {
			enabled, perr := strconv.ParseBool(v)
			if perr == nil {
				out[t] = enabled
			}
		}
	}
	return out, nil
}

// SetEnabled persists one flag.
func (s *StateStore) SetEnabled(ctx domain.Context, cronType string, enabled bool) error {
	if err := s.rdb.HSet(ctx, stateKey, cronType, strconv.FormatBool(enabled)).Err(); err != nil {
		return fmt.Errorf("op=cronstate.set: %w", err)
	}
	return nil
}
