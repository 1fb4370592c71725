package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/services/store"
)

type Config struct {
	SweepInterval  time.Duration
	StaleThreshold time.Duration
}

type Deps struct {
	Registry Subscriber
	Events   EventSource
	Store    *store.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Manager struct {
	workers []Worker
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.New("subscription registry not initialized")
	}
	if deps.Store == nil {
		return nil, errors.New("drone store not initialized")
	}
	if deps.Events == nil {
		return nil, errors.New("event source not initialized")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger: logger.With("component", "workers"),
		ctx:    ctx,
		cancel: cancel,
		workers: []Worker{
			NewPositionsWorker(deps.Registry, deps.Store, logger),
			NewDeletionWorker(deps.Registry, deps.Store, logger),
			NewFeedWorker(deps.Registry, deps.Events, deps.Store, logger),
			NewStalenessWorker(deps.Store, deps.Clock, cfg.SweepInterval, cfg.StaleThreshold, logger),
		},
	}, nil
}

func (m *Manager) Start() error {
	m.logger.Info("Starting workers")

	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()

			m.logger.Info("Starting worker", "worker", w.Name())
			if err := w.Start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("Worker error", "worker", w.Name(), "error", err)
			}
			m.logger.Info("Worker stopped", "worker", w.Name())
		}(worker)
	}

	m.logger.Info("Started workers", "count", len(m.workers))
	return nil
}

func (m *Manager) Stop() error {
	m.logger.Info("Stopping workers")

	m.cancel()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			m.logger.Error("Error stopping worker", "worker", worker.Name(), "error", err)
		}
	}

	m.wg.Wait()

	m.logger.Info("All workers stopped")
	return nil
}
