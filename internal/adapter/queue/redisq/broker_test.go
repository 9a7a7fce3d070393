package redisq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givehub/crm-relay/internal/domain"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client)
}

func TestEnqueueReserveFIFO(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Enqueue(ctx, "salesforce", "pledge", json.RawMessage(`{"n":1}`), domain.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 0; i < 3; i++ {
		item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, ids[i], item.ID)
		assert.Equal(t, domain.ItemActive, item.State)
	}

	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestReserveHonoursPriority(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	low, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{Priority: 0})
	require.NoError(t, err)
	high, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{Priority: 10})
	require.NoError(t, err)
	mid, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, item)
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{high, mid, low}, got)
}

func TestDelayedItemInvisibleUntilDue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{Delay: 80 * time.Millisecond})
	require.NoError(t, err)

	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, item, "delayed item must not be reservable before its ready time")

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	time.Sleep(120 * time.Millisecond)
	item, err = b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestCompleteRecordsReturnValue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, b.Complete(ctx, "salesforce", id, json.RawMessage(`{"ok":true}`)))

	got, err := b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.ReturnValue))
	assert.False(t, got.FinishedAt.IsZero())

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Equal(t, int64(0), counts.Active)
}

func TestCompleteNonActiveIsConflict(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
	require.NoError(t, err)

	err = b.Complete(ctx, "salesforce", id, nil)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	opts := domain.EnqueueOptions{
		MaxAttempts: 2,
		Backoff:     &domain.Backoff{Kind: domain.BackoffFixed, Base: 30 * time.Millisecond},
	}
	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, opts)
	require.NoError(t, err)

	// Attempt 1 fails with budget remaining: the item is requeued with delay.
	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, b.Fail(ctx, "salesforce", id, "503 from upstream"))

	got, err := b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemDelayed, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "503 from upstream", got.FailedReason)

	// Attempt 2 fails: attempts exhausted, the item lands in failed.
	time.Sleep(60 * time.Millisecond)
	item, err = b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 1, item.AttemptsMade)
	require.NoError(t, b.Fail(ctx, "salesforce", id, "503 from upstream"))

	got, err = b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, got.State)
	assert.Equal(t, 2, got.AttemptsMade)

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Delayed)
}

func TestDiscardSkipsRemainingAttempts(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)
	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, b.Discard(ctx, "salesforce", id, "401 unauthorized"))

	got, err := b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "401 unauthorized", got.FailedReason)
}

func TestPauseBlocksReservation(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Pause(ctx, "salesforce"))

	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, item)

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Paused)
	assert.Equal(t, int64(0), counts.Waiting)

	require.NoError(t, b.Resume(ctx, "salesforce"))
	item, err = b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestRecoverStalledRequeuesThenFails(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	// First expired lease: the item returns to waiting with one attempt
	// consumed.
	item, err := b.Reserve(ctx, "salesforce", "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, item)
	time.Sleep(30 * time.Millisecond)

	n, err := b.RecoverStalled(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemWaiting, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, 1, got.StalledCount)

	// Second expired lease exceeds the stall cap: terminal failure.
	item, err = b.Reserve(ctx, "salesforce", "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, item)
	time.Sleep(30 * time.Millisecond)

	n, err = b.RecoverStalled(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemFailed, got.State)
	assert.Equal(t, "stalled", got.FailedReason)
}

func TestRetryRequeuesFailedItem(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	item, err := b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NoError(t, b.Discard(ctx, "salesforce", id, "boom"))

	require.NoError(t, b.Retry(ctx, "salesforce", id))

	got, err := b.Get(ctx, "salesforce", id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemWaiting, got.State)
	assert.Equal(t, 0, got.AttemptsMade)

	item, err = b.Reserve(ctx, "salesforce", "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
}

func TestRetryUnknownItemIsNotFound(t *testing.T) {
	b := newTestBroker(t)
	err := b.Retry(context.Background(), "salesforce", "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveDeletesEverywhere(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Remove(ctx, "salesforce", id))

	_, err = b.Get(ctx, "salesforce", id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestObliterateClearsQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Enqueue(ctx, "salesforce", "pledge", nil, domain.EnqueueOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, b.Obliterate(ctx, "salesforce"))

	counts, err := b.Counts(ctx, "salesforce")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{}, counts)
}

func TestListReturnsItemsByState(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id1, err := b.Enqueue(ctx, "salesforce", "pledge", json.RawMessage(`{"a":1}`), domain.EnqueueOptions{})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "salesforce", "oneoff", nil, domain.EnqueueOptions{})
	require.NoError(t, err)

	waiting, err := b.List(ctx, "salesforce", domain.ItemWaiting, 0, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, id1, waiting[0].ID)
	assert.Equal(t, "pledge", waiting[0].Name)

	_, err = b.List(ctx, "salesforce", domain.ItemState("bogus"), 0, 10)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
