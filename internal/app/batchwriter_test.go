package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givehub/crm-relay/internal/app"
	"github.com/givehub/crm-relay/internal/domain"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]domain.JobUpdate
	failN   int // fail the first N ApplyBatch calls
}

func (r *batchRecorder) Create(domain.Context, domain.Job) error { return nil }
func (r *batchRecorder) Get(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (r *batchRecorder) ListRecent(domain.Context, int) ([]domain.Job, error) { return nil, nil }

func (r *batchRecorder) ApplyBatch(_ domain.Context, updates []domain.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return fmt.Errorf("db unavailable")
	}
	r.batches = append(r.batches, append([]domain.JobUpdate{}, updates...))
	return nil
}

func (r *batchRecorder) all() [][]domain.JobUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]domain.JobUpdate{}, r.batches...)
}

func (r *batchRecorder) flat() []domain.JobUpdate {
	var out []domain.JobUpdate
	for _, b := range r.all() {
		out = append(out, b...)
	}
	return out
}

func TestBatchWriterFlushesAtSize(t *testing.T) {
	repo := &batchRecorder{}
	w := app.NewBatchWriter(repo, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		w.Submit(domain.JobUpdate{IdempotencyKey: fmt.Sprintf("k-%d", i), Status: domain.JobProcessing})
	}
	require.Eventually(t, func() bool { return len(repo.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, repo.all()[0], 3)
	assert.Zero(t, w.Backlog())
}

func TestBatchWriterFlushesAtTimeout(t *testing.T) {
	repo := &batchRecorder{}
	w := app.NewBatchWriter(repo, 100, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(domain.JobUpdate{IdempotencyKey: "k-1", Status: domain.JobCompleted})
	require.Eventually(t, func() bool { return len(repo.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, repo.all()[0], 1)
}

func TestBatchWriterRetriesFailedFlushInOrder(t *testing.T) {
	repo := &batchRecorder{failN: 1}
	w := app.NewBatchWriter(repo, 2, 30*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(domain.JobUpdate{IdempotencyKey: "k-1", Status: domain.JobProcessing})
	w.Submit(domain.JobUpdate{IdempotencyKey: "k-1", Status: domain.JobCompleted})
	w.Submit(domain.JobUpdate{IdempotencyKey: "k-2", Status: domain.JobProcessing})

	require.Eventually(t, func() bool { return len(repo.flat()) >= 3 }, 3*time.Second, 10*time.Millisecond)

	// Per-key ordering survives the failed first flush.
	var k1 []domain.JobStatus
	for _, u := range repo.flat() {
		if u.IdempotencyKey == "k-1" {
			k1 = append(k1, u.Status)
		}
	}
	assert.Equal(t, []domain.JobStatus{domain.JobProcessing, domain.JobCompleted}, k1)
}

func TestBatchWriterForceFlush(t *testing.T) {
	repo := &batchRecorder{}
	w := app.NewBatchWriter(repo, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(domain.JobUpdate{IdempotencyKey: "k-1", Status: domain.JobProcessing})
	w.Submit(domain.JobUpdate{IdempotencyKey: "k-2", Status: domain.JobProcessing})

	fctx, fcancel := context.WithTimeout(ctx, time.Second)
	defer fcancel()
	require.NoError(t, w.ForceFlush(fctx))
	require.Len(t, repo.flat(), 2)
}

func TestBatchWriterFlushesOnShutdown(t *testing.T) {
	repo := &batchRecorder{}
	w := app.NewBatchWriter(repo, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Submit(domain.JobUpdate{IdempotencyKey: "k-1", Status: domain.JobFailed})
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	require.Len(t, repo.flat(), 1)
	assert.Equal(t, domain.JobFailed, repo.flat()[0].Status)
}
