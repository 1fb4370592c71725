package workers

import (
	"context"
	"log/slog"
	"sync"

	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/services/subscriptions"
	"drone-overwatch/pkg/shared"
)

// EventSource delivers side-effect events, as events.Bus does.
type EventSource interface {
	Subscribe(fn func(shared.Event), types ...string) (cancel func())
}

// FeedWorker keeps exactly one per-drone telemetry feed subscribed: the
// one of the currently selected drone.
type FeedWorker struct {
	registry Subscriber
	events   EventSource
	store    *store.Store
	logger   *slog.Logger

	mu        sync.Mutex
	following string
	handle    *subscriptions.Handle
	cancel    func()
	stopped   bool
}

func NewFeedWorker(registry Subscriber, events EventSource, s *store.Store, logger *slog.Logger) *FeedWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedWorker{
		registry: registry,
		events:   events,
		store:    s,
		logger:   logger.With("worker", "FeedWorker"),
	}
}

func (w *FeedWorker) Name() string {
	return "FeedWorker"
}

func (w *FeedWorker) Start(ctx context.Context) error {
	cancel := w.events.Subscribe(func(ev shared.Event) {
		w.follow(ev.DroneID)
	}, shared.EventSelectionChanged)

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.follow(w.store.SelectedID())
	w.logger.Info("Starting worker")

	<-ctx.Done()
	w.logger.Info("Worker stopping")
	if err := w.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *FeedWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.releaseLocked()
	return nil
}

// Following returns the drone whose feed is subscribed, or "".
func (w *FeedWorker) Following() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.following
}

func (w *FeedWorker) follow(droneID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || droneID == w.following {
		return
	}
	w.releaseLocked()
	if droneID == "" {
		return
	}

	topic := shared.DroneFeedSubject(droneID)
	h, err := w.registry.Subscribe(topic, func(env ontology.Envelope) error {
		return applyEach(env, w.store.ApplyTelemetry)
	})
	if err != nil {
		w.logger.Error("Failed to follow drone feed", "drone_id", droneID, "error", err)
		return
	}
	w.handle = h
	w.following = droneID
	w.logger.Info("Following drone feed", "drone_id", droneID, "topic", topic)
}

func (w *FeedWorker) releaseLocked() {
	if w.handle != nil {
		w.handle.Unsubscribe()
		w.handle = nil
		w.logger.Info("Released drone feed", "drone_id", w.following)
	}
	w.following = ""
}
