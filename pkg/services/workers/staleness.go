package workers

import (
	"context"
	"log/slog"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/services/store"
)

const DefaultSweepInterval = 5 * time.Second

// StalenessWorker periodically marks silent drones OFFLINE.
type StalenessWorker struct {
	store     *store.Store
	clock     clock.Clock
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

func NewStalenessWorker(s *store.Store, clk clock.Clock, interval, threshold time.Duration, logger *slog.Logger) *StalenessWorker {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = store.DefaultStaleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StalenessWorker{
		store:     s,
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		logger:    logger.With("worker", "StalenessWorker"),
	}
}

func (w *StalenessWorker) Name() string {
	return "StalenessWorker"
}

func (w *StalenessWorker) Stop() error {
	return nil
}

func (w *StalenessWorker) Start(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Starting worker", "interval", w.interval, "threshold", w.threshold)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if marked := w.store.SweepStale(w.clock.Now(), w.threshold); len(marked) > 0 {
				w.logger.Warn("Drones went silent", "drone_ids", marked)
			}
		}
	}
}
