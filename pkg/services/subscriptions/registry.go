// Package subscriptions decouples topic delivery from consumers. The
// Registry keeps the logical subscriptions, replays them onto every new
// transport session, decodes inbound payloads once and fans them out to
// the registered callbacks.
package subscriptions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/metrics"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/connection"
	"drone-overwatch/pkg/shared"
)

var ErrNilCallback = errors.New("callback is nil")

// DefaultDataRequestInterval is how often the registry asks the
// backend to push the latest drone data.
const DefaultDataRequestInterval = 5 * time.Second

var dataRequestBody = []byte("{}")

// Callback consumes one validated envelope. An error or panic is logged
// and does not affect delivery to other callbacks.
type Callback func(env ontology.Envelope) error

// Reconnector is the part of the Connection Manager the registry needs
// when a send fails.
type Reconnector interface {
	Reconnect()
}

type entry struct {
	id uint64
	cb Callback
}

type topicState struct {
	entries []entry
	sub     connection.Subscription
}

// Handle identifies one registration.
type Handle struct {
	registry *Registry
	topic    string
	id       uint64
}

func (h *Handle) Topic() string {
	return h.topic
}

// Unsubscribe removes the registration. Calling it more than once is
// harmless.
func (h *Handle) Unsubscribe() {
	if h == nil || h.registry == nil {
		return
	}
	h.registry.Unsubscribe(h)
}

type Registry struct {
	clock       clock.Clock
	metrics     metrics.Collector
	logger      *slog.Logger
	interval    time.Duration
	reconnector Reconnector

	mu      sync.Mutex
	topics  map[string]*topicState
	nextID  uint64
	session connection.Session
	stop    chan struct{}
	ticker  *clock.Ticker
}

var _ connection.SessionHook = (*Registry)(nil)

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithMetrics(m metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDataRequestInterval sets the period of the "request latest data"
// pull. Zero disables the periodic pull; the request on connect is
// still sent.
func WithDataRequestInterval(d time.Duration) Option {
	return func(r *Registry) { r.interval = d }
}

// WithReconnector lets the registry ask for a fresh session when a data
// request cannot be sent.
func WithReconnector(rc Reconnector) Option {
	return func(r *Registry) { r.reconnector = rc }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		clock:    clock.Real(),
		metrics:  metrics.Nop{},
		logger:   slog.Default(),
		interval: DefaultDataRequestInterval,
		topics:   make(map[string]*topicState),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "subscription-registry")
	return r
}

// Subscribe registers cb for topic. The first registration for a topic
// issues the transport subscription right away when a session is up;
// otherwise it is issued on the next SessionUp.
func (r *Registry) Subscribe(topic string, cb Callback) (*Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if shared.KindOfTopic(topic) == shared.TopicKindUnknown {
		return nil, fmt.Errorf("unsupported topic %q", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	h := &Handle{registry: r, topic: topic, id: r.nextID}

	ts, ok := r.topics[topic]
	if !ok {
		ts = &topicState{}
		r.topics[topic] = ts
	}
	ts.entries = append(ts.entries, entry{id: h.id, cb: cb})

	if ts.sub == nil && r.session != nil {
		r.subscribeLocked(r.session, topic, ts)
	}

	r.logger.Debug("Registered subscriber", "topic", topic, "subscribers", len(ts.entries))
	return h, nil
}

// Unsubscribe removes the registration behind h. When it was the last
// one for its topic the transport subscription is released.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.topics[h.topic]
	if !ok {
		return
	}

	// Copy so that in-flight dispatch snapshots stay untouched.
	kept := make([]entry, 0, len(ts.entries))
	for _, e := range ts.entries {
		if e.id != h.id {
			kept = append(kept, e)
		}
	}
	ts.entries = kept

	if len(ts.entries) > 0 {
		return
	}

	if ts.sub != nil {
		if err := ts.sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to release transport subscription", "topic", h.topic, "error", err)
		}
	}
	delete(r.topics, h.topic)
	r.logger.Debug("Released topic", "topic", h.topic)
}

// Topics lists the topics with at least one subscriber.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}

// SessionUp replays every logical subscription onto s, sends the first
// data request and starts the periodic pull.
func (r *Registry) SessionUp(s connection.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopPullLocked()
	r.session = s
	for topic, ts := range r.topics {
		if ts.sub == nil {
			r.subscribeLocked(s, topic, ts)
		}
	}

	r.requestLocked(s)

	if r.interval > 0 {
		r.stop = make(chan struct{})
		r.ticker = r.clock.NewTicker(r.interval)
		go r.pull(s, r.ticker, r.stop)
	}
}

// SessionDown drops every transport subscription and stops the pull.
// The logical subscriptions stay registered for the next session.
func (r *Registry) SessionDown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopPullLocked()

	for topic, ts := range r.topics {
		if ts.sub == nil {
			continue
		}
		if err := ts.sub.Unsubscribe(); err != nil {
			r.logger.Debug("Transport unsubscribe failed during teardown", "topic", topic, "error", err)
		}
		ts.sub = nil
	}
	r.session = nil
}

// RequestData sends one "request latest data" message on the current
// session.
func (r *Registry) RequestData() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return connection.ErrNotConnected
	}
	return r.requestLocked(r.session)
}

func (r *Registry) pull(s connection.Session, ticker *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.session == s {
				r.requestLocked(s)
			}
			r.mu.Unlock()
		}
	}
}

func (r *Registry) requestLocked(s connection.Session) error {
	err := s.Publish(shared.SubjectRequestDronesData, dataRequestBody)
	r.metrics.DataRequested(err == nil)
	if err == nil {
		return nil
	}

	r.logger.Error("Failed to request latest drone data", "error", err)
	if r.reconnector != nil {
		// The manager may be holding its lock while calling into us.
		go r.reconnector.Reconnect()
	}
	return err
}

func (r *Registry) stopPullLocked() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

func (r *Registry) subscribeLocked(s connection.Session, topic string, ts *topicState) {
	sub, err := s.Subscribe(topic, func(data []byte) {
		r.Dispatch(topic, data)
	})
	if err != nil {
		r.logger.Error("Failed to subscribe on transport", "topic", topic, "error", err)
		return
	}
	ts.sub = sub
	r.logger.Info("Subscribed on transport", "topic", topic)
}

// Dispatch decodes data and hands the envelope to every callback that
// was registered for topic when dispatch started.
func (r *Registry) Dispatch(topic string, data []byte) {
	r.metrics.MessageReceived(topic)

	env, err := ontology.Decode(topic, data, r.clock.Now())
	if err != nil {
		r.metrics.MessageMalformed(topic)
		r.logger.Warn("Dropping malformed records", "topic", topic, "error", err, "kept", len(env.Telemetry))
	}
	if env.Empty() {
		return
	}

	r.mu.Lock()
	var snapshot []entry
	if ts, ok := r.topics[topic]; ok {
		snapshot = ts.entries
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		if err := invoke(e.cb, env); err != nil {
			r.metrics.ConsumerFailed(topic)
			r.logger.Error("Subscriber failed", "topic", topic, "error", err)
		}
	}
}

func invoke(cb Callback, env ontology.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	return cb(env)
}
