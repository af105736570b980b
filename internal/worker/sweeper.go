package worker

import (
	"context"
	"log/slog"
	"time"
)

type StaleSweeper interface {
	SweepStale(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically resyncs transactions stuck in a non-terminal state.
type Sweeper struct {
	payments  StaleSweeper
	interval  time.Duration
	batchSize int
}

func NewSweeper(payments StaleSweeper, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{payments: payments, interval: interval, batchSize: batchSize}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("stale sweeper started", "interval", s.interval, "batch_size", s.batchSize)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for {
		settled, err := s.payments.SweepStale(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("stale sweep failed", "error", err)
			}
			return
		}
		// A full batch of settled records means more may be waiting.
		if settled < s.batchSize {
			return
		}
	}
}
