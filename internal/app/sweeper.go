package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/givehub/crm-relay/internal/domain"
)

// StallSweeper periodically returns lease-expired active items to their
// queues. It also covers restart recovery: rows left processing by a crashed
// worker reappear as waiting items on the first sweep after their lease runs
// out.
type StallSweeper struct {
	broker   domain.Broker
	queues   []string
	interval time.Duration
}

// NewStallSweeper builds a sweeper over the given queues.
func NewStallSweeper(broker domain.Broker, queues []string, interval time.Duration) *StallSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StallSweeper{broker: broker, queues: queues, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *StallSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stall sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one recovery pass over every queue.
func (s *StallSweeper) SweepOnce(ctx context.Context) {
	for _, q := range s.queues {
		if _, err := s.broker.RecoverStalled(ctx, q); err != nil {
			slog.Error("stall sweep failed", slog.String("queue", q), slog.Any("error", err))
		}
	}
}
