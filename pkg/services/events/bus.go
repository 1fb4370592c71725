// Package events fans side-effect events out to presentation-layer
// subscribers (notifications, journal, metrics) without coupling them to
// the code that emits the events.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drone-overwatch/pkg/shared"

	"github.com/google/uuid"
)

// Publisher is what the connection manager and the store emit into.
type Publisher interface {
	Publish(ev shared.Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(shared.Event) {}

// New builds an event with a fresh ID.
func New(eventType, source string, at time.Time) shared.Event {
	return shared.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: at,
		Source:    source,
	}
}

const defaultBuffer = 256

// Bus delivers every published event to each interested subscriber on
// that subscriber's own goroutine, in publish order. A slow subscriber
// loses events once its buffer is full instead of stalling publishers.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	id    int
	types map[string]struct{}
	ch    chan shared.Event
}

func NewBus(logger *slog.Logger, buffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		logger: logger.With("component", "event-bus"),
		buffer: buffer,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers fn for the given event types, or for every event
// when no type is given. The returned function cancels the subscription.
func (b *Bus) Subscribe(fn func(shared.Event), types ...string) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := &subscriber{
		id: b.nextID,
		ch: make(chan shared.Event, b.buffer),
	}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.run(sub, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) Publish(ev shared.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Event subscriber is not keeping up, dropping event",
				"subscriber", sub.id, "type", ev.Type, "drone_id", ev.DroneID)
		}
	}
}

// Close stops every subscriber after it drains its pending events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run(sub *subscriber, fn func(shared.Event)) {
	defer b.wg.Done()
	for ev := range sub.ch {
		if err := deliver(fn, ev); err != nil {
			b.logger.Error("Event subscriber failed", "subscriber", sub.id, "type", ev.Type, "error", err)
		}
	}
}

func deliver(fn func(shared.Event), ev shared.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(ev)
	return nil
}
