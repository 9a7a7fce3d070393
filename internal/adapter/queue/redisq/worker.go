package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/domain"
)

// Handler processes one reserved item. A nil error completes the item with the
// returned value; a TerminalError discards it; any other error consumes an
// attempt and requeues per the item's backoff policy.
type Handler func(ctx context.Context, item *domain.QueuedItem) (json.RawMessage, error)

// TerminalError marks a failure the broker must not retry, whatever attempt
// budget remains.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the worker discards the item instead of retrying.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// DoneFunc observes each finished item with its handling duration and
// outcome.
type DoneFunc func(d time.Duration, failed bool)

// WorkerOptions tune a worker pool. Zero values fall back to defaults.
type WorkerOptions struct {
	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration
	OnDone       DoneFunc
	Logger       *slog.Logger
}

// Worker runs a bounded pool of goroutines that reserve items from one queue
// and dispatch them to named handlers.
type Worker struct {
	broker   domain.Broker
	queue    string
	opts     WorkerOptions
	handlers map[string]Handler

	mu       sync.Mutex
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	draining atomic.Bool
	started  bool
}

// NewWorker builds a worker pool for one queue. Handlers are registered with
// Handle before Start.
func NewWorker(broker domain.Broker, queue string, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		broker:   broker,
		queue:    queue,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for items enqueued under name. It must be
// called before Start.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Start launches the pool. It returns immediately; use Drain or Stop to wind
// the pool down.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("op=redisq.worker.start: already started")
	}
	if len(w.handlers) == 0 {
		return fmt.Errorf("op=redisq.worker.start: no handlers registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", w.queue, i)
		go w.loop(runCtx, workerID)
	}
	w.opts.Logger.Info("worker pool started",
		slog.String("queue", w.queue),
		slog.Int("concurrency", w.opts.Concurrency))
	return nil
}

// Drain stops reserving new items and waits for in-flight handlers to finish,
// up to the context deadline. In-flight items still running when the deadline
// hits are left to the stall sweeper.
func (w *Worker) Drain(ctx context.Context) error {
	w.draining.Store(true)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.opts.Logger.Info("worker pool drained", slog.String("queue", w.queue))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=redisq.worker.drain: %w", ctx.Err())
	}
}

// Stop cancels in-flight handlers immediately. Prefer Drain.
func (w *Worker) Stop() {
	w.draining.Store(true)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	defer w.wg.Done()
	for {
		if w.draining.Load() || ctx.Err() != nil {
			return
		}
		item, err := w.broker.Reserve(ctx, w.queue, workerID, w.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.opts.Logger.Error("reserve failed",
				slog.String("queue", w.queue), slog.Any("error", err))
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if item == nil {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		w.process(ctx, workerID, item)
	}
}

// sleep waits for d with a small jitter so idle workers do not poll in
// lockstep.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	t := time.NewTimer(d + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) process(ctx context.Context, workerID string, item *domain.QueuedItem) {
	lg := w.opts.Logger.With(
		slog.String("queue", w.queue),
		slog.String("item_id", item.ID),
		slog.String("item_name", item.Name),
		slog.String("worker_id", workerID),
		slog.Int("attempts_made", item.AttemptsMade))

	w.mu.Lock()
	h, ok := w.handlers[item.Name]
	w.mu.Unlock()
	if !ok {
		lg.Error("no handler for item")
		if err := w.broker.Discard(ctx, w.queue, item.ID, "no handler registered for "+item.Name); err != nil {
			lg.Error("discard failed", slog.Any("error", err))
		}
		return
	}

	start := time.Now()
	// The handler context expires with the lease so a wedged handler cannot
	// outlive its reservation and double-process after a stall recovery.
	hCtx, hCancel := context.WithTimeout(ctx, w.opts.Lease)
	ret, herr := h(hCtx, item)
	hCancel()
	elapsed := time.Since(start)
	observability.ProcessingDuration.WithLabelValues(w.queue).Observe(elapsed.Seconds())

	if herr == nil {
		if err := w.broker.Complete(ctx, w.queue, item.ID, ret); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				lg.Warn("completion raced a stall recovery; result dropped", slog.Duration("took", elapsed))
			} else {
				lg.Error("complete failed", slog.Any("error", err))
			}
			w.report(elapsed, true)
			return
		}
		lg.Info("item completed", slog.Duration("took", elapsed))
		w.report(elapsed, false)
		return
	}

	var term *TerminalError
	if errors.As(herr, &term) {
		if err := w.broker.Discard(ctx, w.queue, item.ID, term.Reason); err != nil {
			lg.Error("discard failed", slog.Any("error", err))
		}
		lg.Warn("item discarded",
			slog.String("reason", term.Reason), slog.Duration("took", elapsed))
	} else {
		if err := w.broker.Fail(ctx, w.queue, item.ID, herr.Error()); err != nil {
			lg.Error("fail failed", slog.Any("error", err))
		}
		lg.Warn("item failed",
			slog.Any("error", herr), slog.Duration("took", elapsed))
	}
	w.report(elapsed, true)
}

func (w *Worker) report(d time.Duration, failed bool) {
	if w.opts.OnDone != nil {
		w.opts.OnDone(d, failed)
	}
}
