// Package redisq implements the named-queue broker on Redis.
//
// Each queue keeps its items in hashes and moves their ids between a waiting
// ZSET (scored so higher priority pops first, FIFO within priority), a
// delayed ZSET (scored by ready time), and an active ZSET (scored by lease
// deadline). All item moves run as Lua scripts so parallel callers observe
// serialised mutations.
package redisq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/domain"
)

// MaxStalledCount bounds how many expired leases an item may survive before
// it is terminally failed.
const MaxStalledCount = 1

// QueueDefaults are the per-queue policies applied when an enqueue does not
// override them.
type QueueDefaults struct {
	MaxAttempts      int
	Backoff          domain.Backoff
	RemoveOnComplete int
	RemoveOnFail     int
}

// Defaults returns the built-in per-queue policy table.
func Defaults() map[string]QueueDefaults {
	return map[string]QueueDefaults{
		"salesforce": {
			MaxAttempts:      2,
			Backoff:          domain.Backoff{Kind: domain.BackoffExponential, Base: 500 * time.Millisecond},
			RemoveOnComplete: 5000,
			RemoveOnFail:     2000,
		},
		"email": {
			MaxAttempts:      2,
			Backoff:          domain.Backoff{Kind: domain.BackoffFixed, Base: 5 * time.Second},
			RemoveOnComplete: 50,
			RemoveOnFail:     25,
		},
		"notifications": {
			MaxAttempts:      5,
			Backoff:          domain.Backoff{Kind: domain.BackoffExponential, Base: time.Second},
			RemoveOnComplete: 200,
			RemoveOnFail:     100,
		},
	}
}

// Broker is the Redis-backed queue adapter (implements domain.Broker).
type Broker struct {
	rdb      redis.UniversalClient
	prefix   string
	defaults map[string]QueueDefaults
}

// New constructs a Broker from a Redis URL.
func New(redisURL string) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.new: %w", err)
	}
	return NewWithClient(redis.NewClient(opt)), nil
}

// NewWithClient constructs a Broker over an existing client (tests use
// miniredis here).
func NewWithClient(rdb redis.UniversalClient) *Broker {
	return &Broker{rdb: rdb, prefix: "crmrelay:q:", defaults: Defaults()}
}

// Close releases the underlying Redis connection.
func (b *Broker) Close() error { return b.rdb.Close() }

// Ping verifies broker connectivity; used by readiness checks.
func (b *Broker) Ping(ctx domain.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Broker) key(queue, part string) string  { return b.prefix + queue + ":" + part }
func (b *Broker) itemKey(queue, id string) string { return b.prefix + queue + ":item:" + id }

func (b *Broker) queueDefaults(queue string) QueueDefaults {
	if d, ok := b.defaults[queue]; ok {
		return d
	}
	return QueueDefaults{
		MaxAttempts:      1,
		Backoff:          domain.Backoff{Kind: domain.BackoffFixed, Base: time.Second},
		RemoveOnComplete: 100,
		RemoveOnFail:     100,
	}
}

// Enqueue stores the item hash and places its id on the waiting (or delayed)
// ZSET. Returns the item id.
func (b *Broker) Enqueue(ctx domain.Context, queue, name string, payload json.RawMessage, opts domain.EnqueueOptions) (string, error) {
	d := b.queueDefaults(queue)
	maxAttempts := d.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	backoff := d.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	item := domain.QueuedItem{
		ID:          id,
		Name:        name,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Priority:    opts.Priority,
		EnqueuedAt:  now,
		State:       domain.ItemWaiting,
	}
	if opts.Delay > 0 {
		item.State = domain.ItemDelayed
		item.DelayUntil = now.Add(opts.Delay)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.itemKey(queue, id), itemFields(item)...)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, b.key(queue, "delayed"), redis.Z{Score: float64(item.DelayUntil.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("op=redisq.enqueue: %w", err)
	}
	if opts.Delay <= 0 {
		// The waiting score depends on the seq INCR result, so the push is
		// scripted rather than pipelined.
		if err := pushWaitingScript.Run(ctx, b.rdb,
			[]string{b.key(queue, "waiting"), b.key(queue, "seq")},
			id, opts.Priority).Err(); err != nil {
			return "", fmt.Errorf("op=redisq.enqueue: %w", err)
		}
	}
	observability.ItemsEnqueuedTotal.WithLabelValues(queue, name).Inc()
	slog.Debug("item enqueued",
		slog.String("queue", queue),
		slog.String("name", name),
		slog.String("item_id", id),
		slog.Int("priority", opts.Priority),
		slog.Duration("delay", opts.Delay))
	return id, nil
}

// Reserve promotes due delayed items, then atomically moves the head of the
// waiting ZSET to active under a lease. Returns nil when the queue is empty
// or paused.
func (b *Broker) Reserve(ctx domain.Context, queue, workerID string, lease time.Duration) (*domain.QueuedItem, error) {
	now := time.Now().UTC()
	res, err := reserveScript.Run(ctx, b.rdb,
		[]string{
			b.key(queue, "waiting"),
			b.key(queue, "delayed"),
			b.key(queue, "active"),
			b.key(queue, "paused"),
			b.key(queue, "seq"),
			b.prefix + queue + ":item:",
		},
		now.UnixMilli(),
		now.Add(lease).UnixMilli(),
		workerID,
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.reserve: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	item, err := b.Get(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Complete releases the lease and records the return value. Completing an
// item that is no longer active is a conflict.
func (b *Broker) Complete(ctx domain.Context, queue, id string, returnValue json.RawMessage) error {
	d := b.queueDefaults(queue)
	res, err := completeScript.Run(ctx, b.rdb,
		[]string{b.key(queue, "active"), b.key(queue, "completed"), b.itemKey(queue, id)},
		id, time.Now().UTC().UnixMilli(), string(returnValue), d.RemoveOnComplete,
	).Int()
	if err != nil {
		return fmt.Errorf("op=redisq.complete: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("op=redisq.complete: item %s not active: %w", id, domain.ErrConflict)
	}
	observability.ItemsCompletedTotal.WithLabelValues(queue).Inc()
	return nil
}

// Fail releases the lease, then either requeues with the next backoff delay
// or terminally fails the item once attempts are exhausted.
func (b *Broker) Fail(ctx domain.Context, queue, id, reason string) error {
	return b.fail(ctx, queue, id, reason, false)
}

// Discard terminally fails an active item regardless of remaining attempts.
// Handlers use this for permanent error categories.
func (b *Broker) Discard(ctx domain.Context, queue, id, reason string) error {
	return b.fail(ctx, queue, id, reason, true)
}

func (b *Broker) fail(ctx domain.Context, queue, id, reason string, force bool) error {
	d := b.queueDefaults(queue)
	forceArg := 0
	if force {
		forceArg = 1
	}
	res, err := failScript.Run(ctx, b.rdb,
		[]string{b.key(queue, "active"), b.key(queue, "delayed"), b.key(queue, "failed"), b.itemKey(queue, id)},
		id, time.Now().UTC().UnixMilli(), reason, d.RemoveOnFail, forceArg,
	).Text()
	if err != nil {
		return fmt.Errorf("op=redisq.fail: %w", err)
	}
	switch res {
	case "retried":
		observability.ItemsRetriedTotal.WithLabelValues(queue).Inc()
		slog.Debug("item requeued for retry", slog.String("queue", queue), slog.String("item_id", id), slog.String("reason", reason))
	case "failed":
		observability.ItemsFailedTotal.WithLabelValues(queue).Inc()
		slog.Warn("item terminally failed", slog.String("queue", queue), slog.String("item_id", id), slog.String("reason", reason))
	default:
		return fmt.Errorf("op=redisq.fail: item %s not active: %w", id, domain.ErrConflict)
	}
	return nil
}

// RecoverStalled returns active items with expired leases to waiting,
// consuming one attempt. An item that stalls more than MaxStalledCount times
// is terminally failed.
func (b *Broker) RecoverStalled(ctx domain.Context, queue string) (int, error) {
	d := b.queueDefaults(queue)
	n, err := stalledScript.Run(ctx, b.rdb,
		[]string{
			b.key(queue, "active"),
			b.key(queue, "waiting"),
			b.key(queue, "failed"),
			b.key(queue, "seq"),
			b.prefix + queue + ":item:",
		},
		time.Now().UTC().UnixMilli(), MaxStalledCount, d.RemoveOnFail,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.recover_stalled: %w", err)
	}
	if n > 0 {
		observability.ItemsStalledTotal.WithLabelValues(queue).Add(float64(n))
		slog.Warn("recovered stalled items", slog.String("queue", queue), slog.Int("count", n))
	}
	return n, nil
}

// Pause stops reservations on the queue; waiting items are reported as paused.
func (b *Broker) Pause(ctx domain.Context, queue string) error {
	if err := b.rdb.Set(ctx, b.key(queue, "paused"), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=redisq.pause: %w", err)
	}
	slog.Info("queue paused", slog.String("queue", queue))
	return nil
}

// Resume re-enables reservations.
func (b *Broker) Resume(ctx domain.Context, queue string) error {
	if err := b.rdb.Del(ctx, b.key(queue, "paused")).Err(); err != nil {
		return fmt.Errorf("op=redisq.resume: %w", err)
	}
	slog.Info("queue resumed", slog.String("queue", queue))
	return nil
}

// Obliterate removes every key belonging to the queue.
func (b *Broker) Obliterate(ctx domain.Context, queue string) error {
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, b.prefix+queue+":*", 500).Result()
		if err != nil {
			return fmt.Errorf("op=redisq.obliterate: %w", err)
		}
		if len(keys) > 0 {
			if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("op=redisq.obliterate: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slog.Warn("queue obliterated", slog.String("queue", queue))
	return nil
}

// Counts returns the per-state item counts. While paused, waiting items are
// reported under paused.
func (b *Broker) Counts(ctx domain.Context, queue string) (domain.QueueCounts, error) {
	pipe := b.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, b.key(queue, "waiting"))
	active := pipe.ZCard(ctx, b.key(queue, "active"))
	delayed := pipe.ZCard(ctx, b.key(queue, "delayed"))
	completed := pipe.LLen(ctx, b.key(queue, "completed"))
	failed := pipe.LLen(ctx, b.key(queue, "failed"))
	paused := pipe.Exists(ctx, b.key(queue, "paused"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.QueueCounts{}, fmt.Errorf("op=redisq.counts: %w", err)
	}
	c := domain.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}
	if paused.Val() > 0 {
		c.Paused = c.Waiting
		c.Waiting = 0
	}
	return c, nil
}

// Get loads one item by id.
func (b *Broker) Get(ctx domain.Context, queue, id string) (domain.QueuedItem, error) {
	vals, err := b.rdb.HGetAll(ctx, b.itemKey(queue, id)).Result()
	if err != nil {
		return domain.QueuedItem{}, fmt.Errorf("op=redisq.get: %w", err)
	}
	if len(vals) == 0 {
		return domain.QueuedItem{}, fmt.Errorf("op=redisq.get: item %s: %w", id, domain.ErrNotFound)
	}
	return itemFromFields(vals), nil
}

// List pages through items in one state, newest reservation order for active,
// FIFO order for waiting/delayed, most recent first for completed/failed.
func (b *Broker) List(ctx domain.Context, queue string, state domain.ItemState, offset, limit int) ([]domain.QueuedItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	var err error
	switch state {
	case domain.ItemWaiting, domain.ItemPaused:
		ids, err = b.rdb.ZRange(ctx, b.key(queue, "waiting"), int64(offset), int64(offset+limit-1)).Result()
	case domain.ItemDelayed:
		ids, err = b.rdb.ZRange(ctx, b.key(queue, "delayed"), int64(offset), int64(offset+limit-1)).Result()
	case domain.ItemActive:
		ids, err = b.rdb.ZRange(ctx, b.key(queue, "active"), int64(offset), int64(offset+limit-1)).Result()
	case domain.ItemCompleted:
		ids, err = b.rdb.LRange(ctx, b.key(queue, "completed"), int64(offset), int64(offset+limit-1)).Result()
	case domain.ItemFailed:
		ids, err = b.rdb.LRange(ctx, b.key(queue, "failed"), int64(offset), int64(offset+limit-1)).Result()
	default:
		return nil, fmt.Errorf("op=redisq.list: state %q: %w", state, domain.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("op=redisq.list: %w", err)
	}
	items := make([]domain.QueuedItem, 0, len(ids))
	for _, id := range ids {
		item, err := b.Get(ctx, queue, id)
		if err != nil {
			// Trimmed retention may have dropped the hash behind the list.
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Retry moves a terminally failed item back to waiting with a fresh attempt
// budget.
func (b *Broker) Retry(ctx domain.Context, queue, id string) error {
	res, err := retryScript.Run(ctx, b.rdb,
		[]string{b.key(queue, "failed"), b.key(queue, "waiting"), b.key(queue, "seq"), b.itemKey(queue, id)},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("op=redisq.retry: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("op=redisq.retry: item %s: %w", id, domain.ErrNotFound)
	}
	slog.Info("failed item requeued", slog.String("queue", queue), slog.String("item_id", id))
	return nil
}

// Remove deletes an item from every structure it may occupy.
func (b *Broker) Remove(ctx domain.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.key(queue, "waiting"), id)
	pipe.ZRem(ctx, b.key(queue, "delayed"), id)
	pipe.ZRem(ctx, b.key(queue, "active"), id)
	pipe.LRem(ctx, b.key(queue, "completed"), 0, id)
	pipe.LRem(ctx, b.key(queue, "failed"), 0, id)
	pipe.Del(ctx, b.itemKey(queue, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.remove: %w", err)
	}
	return nil
}

func itemFields(it domain.QueuedItem) []any {
	fields := []any{
		"id", it.ID,
		"name", it.Name,
		"payload", string(it.Payload),
		"attempts_made", it.AttemptsMade,
		"max_attempts", it.MaxAttempts,
		"backoff_kind", string(it.Backoff.Kind),
		"backoff_base_ms", it.Backoff.Base.Milliseconds(),
		"priority", it.Priority,
		"state", string(it.State),
		"enqueued_at", it.EnqueuedAt.UnixMilli(),
		"stalled_count", it.StalledCount,
	}
	if !it.DelayUntil.IsZero() {
		fields = append(fields, "delay_until", it.DelayUntil.UnixMilli())
	}
	return fields
}

func itemFromFields(vals map[string]string) domain.QueuedItem {
	atoi := func(s string) int { n, _ := strconv.Atoi(s); return n }
	ms := func(s string) time.Time {
		n, _ := strconv.ParseInt(s, 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n).UTC()
	}
	it := domain.QueuedItem{
		ID:           vals["id"],
		Name:         vals["name"],
		Payload:      json.RawMessage(vals["payload"]),
		AttemptsMade: atoi(vals["attempts_made"]),
		MaxAttempts:  atoi(vals["max_attempts"]),
		Priority:     atoi(vals["priority"]),
		State:        domain.ItemState(vals["state"]),
		EnqueuedAt:   ms(vals["enqueued_at"]),
		StartedAt:    ms(vals["started_at"]),
		FinishedAt:   ms(vals["finished_at"]),
		DelayUntil:   ms(vals["delay_until"]),
		FailedReason: vals["failed_reason"],
		StalledCount: atoi(vals["stalled_count"]),
	}
	baseMS, _ := strconv.ParseInt(vals["backoff_base_ms"], 10, 64)
	it.Backoff = domain.Backoff{Kind: domain.BackoffKind(vals["backoff_kind"]), Base: time.Duration(baseMS) * time.Millisecond}
	if rv := vals["return_value"]; rv != "" {
		it.ReturnValue = json.RawMessage(rv)
	}
	return it
}
