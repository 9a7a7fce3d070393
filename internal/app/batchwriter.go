// Package app hosts the long-lived process components: the batched audit
// writer, the performance monitor, the stall sweeper, and the HTTP router.
package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/domain"
)

// BatchWriter coalesces job-status updates from all workers into size- and
// time-bounded transactions. It is the single writer of job status and
// attempts; workers never touch the job store directly.
type BatchWriter struct {
	jobs    domain.JobRepository
	size    int
	timeout time.Duration

	in       chan domain.JobUpdate
	flushReq chan chan error
	backlog  atomic.Int64
}

// NewBatchWriter builds a writer flushing at size items or timeout since the
// oldest buffered item, whichever comes first.
func NewBatchWriter(jobs domain.JobRepository, size int, timeout time.Duration) *BatchWriter {
	if size <= 0 {
		size = 100
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BatchWriter{
		jobs:    jobs,
		size:    size,
		timeout: timeout,
		// Admission capacity well past the warn threshold so Submit never
		// blocks a worker during a flush stall.
		in:       make(chan domain.JobUpdate, size*10),
		flushReq: make(chan chan error),
	}
}

// Submit queues one update for the next flush.
func (w *BatchWriter) Submit(u domain.JobUpdate) {
	w.in <- u
	w.backlog.Add(1)
}

// Backlog reports how many updates are buffered but not yet applied.
func (w *BatchWriter) Backlog() int { return int(w.backlog.Load()) }

// ForceFlush applies everything buffered right now and reports the flush
// outcome. The monitor's force-flush endpoint calls this.
func (w *BatchWriter) ForceFlush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.flushReq <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the flush loop until ctx is cancelled, then force-flushes the
// remainder. A failed final flush is logged; restart recovery relies on the
// broker's stall sweep for the affected rows.
func (w *BatchWriter) Run(ctx context.Context) {
	var buf []domain.JobUpdate
	timer := time.NewTimer(w.timeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	flush := func(fctx context.Context) error {
		if len(buf) == 0 {
			return nil
		}
		batch := buf
		buf = nil
		if err := w.jobs.ApplyBatch(fctx, batch); err != nil {
			// Re-prepend so ordering survives; next timer tick retries.
			buf = append(batch, buf...)
			observability.BatchFlushFailures.Inc()
			slog.Error("batch flush failed",
				slog.Int("batch", len(batch)), slog.Any("error", err))
			if len(buf) > 2*w.size {
				slog.Warn("batch writer backlog growing",
					slog.Int("backlog", len(buf)), slog.Int("batch_size", w.size))
			}
			return err
		}
		w.backlog.Add(int64(-len(batch)))
		observability.BatchFlushSize.Observe(float64(len(batch)))
		slog.Debug("batch flushed", slog.Int("count", len(batch)))
		return nil
	}
	rearm := func() {
		if timerArmed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(w.timeout)
		timerArmed = true
	}

	for {
		select {
		case u := <-w.in:
			if len(buf) == 0 {
				rearm()
			}
			buf = append(buf, u)
			if len(buf) >= w.size {
				_ = flush(ctx)
			}
		case <-timer.C:
			timerArmed = false
			if err := flush(ctx); err != nil {
				rearm()
			}
		case done := <-w.flushReq:
			w.drainPending(&buf)
			done <- flush(ctx)
		case <-ctx.Done():
			w.drainPending(&buf)
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := flush(fctx); err != nil {
				slog.Error("final batch flush failed",
					slog.Int("lost", len(buf)), slog.Any("error", err))
			}
			cancel()
			return
		}
	}
}

// drainPending moves everything already submitted into the buffer so a flush
// sees the complete picture.
func (w *BatchWriter) drainPending(buf *[]domain.JobUpdate) {
	for {
		select {
		case u := <-w.in:
			*buf = append(*buf, u)
		default:
			return
		}
	}
}
