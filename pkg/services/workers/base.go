package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"drone-overwatch/pkg/services/subscriptions"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// Subscriber is the registry surface a worker consumes topics through.
type Subscriber interface {
	Subscribe(topic string, cb subscriptions.Callback) (*subscriptions.Handle, error)
}

// BaseWorker holds one registry subscription for the lifetime of Start.
type BaseWorker struct {
	name     string
	registry Subscriber
	topic    string
	logger   *slog.Logger

	mu     sync.Mutex
	handle *subscriptions.Handle
}

func NewBaseWorker(name string, registry Subscriber, topic string, logger *slog.Logger) *BaseWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseWorker{
		name:     name,
		registry: registry,
		topic:    topic,
		logger:   logger.With("worker", name),
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handle != nil {
		w.handle.Unsubscribe()
		w.handle = nil
	}
	return nil
}

// processMessages registers handler and blocks until ctx is done.
func (w *BaseWorker) processMessages(ctx context.Context, handler subscriptions.Callback) error {
	h, err := w.registry.Subscribe(w.topic, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", w.topic, err)
	}

	w.mu.Lock()
	w.handle = h
	w.mu.Unlock()

	w.logger.Info("Starting worker", "topic", w.topic)

	<-ctx.Done()
	w.logger.Info("Worker stopping")
	if err := w.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}
