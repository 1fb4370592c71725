// Package connection keeps exactly one logical session to the event
// transport alive: it connects, detects handshake timeouts and dropped
// sessions, and reconnects with exponential backoff until a retry budget
// is exhausted.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/metrics"
	"drone-overwatch/pkg/services/events"
	"drone-overwatch/pkg/shared"
)

var (
	ErrTimeout      = errors.New("connection handshake timed out")
	ErrDisconnected = errors.New("connection closed by caller")
	ErrGaveUp       = errors.New("reconnect attempts exhausted")
	ErrNotConnected = errors.New("not connected")
)

type Config struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ConnectTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		ConnectTimeout:       15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// Manager owns the session lifecycle. All transitions happen under one
// mutex; the generation counter invalidates callbacks (dial results,
// timers, drop notifications) that belong to a superseded attempt.
type Manager struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	events    events.Publisher
	metrics   metrics.Collector
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	session        Session
	generation     uint64
	attempts       int
	connectTimer   *clock.Timer
	reconnectTimer *clock.Timer
	cancelDial     context.CancelFunc
	waiters        []chan error
	hooks          []SessionHook
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(cfg Config, transport Transport, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clock.Real(),
		events:    events.Discard,
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection-manager")
	return m, nil
}

// AddHook registers h for session up/down notifications. If a session is
// already up, h is told about it immediately.
func (m *Manager) AddHook(h SessionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, h)
	if m.state == StateConnected && m.session != nil {
		h.SessionUp(m.session)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last
// successful handshake.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Publish sends data on the current session.
func (m *Manager) Publish(topic string, data []byte) error {
	m.mu.Lock()
	session := m.session
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Publish(topic, data)
}

// Connect starts a connection attempt and returns immediately. The
// channel receives nil once the handshake succeeds, or the error that
// ended this attempt; automatic retries continue in the background
// either way. Connecting while CONNECTED resolves at once. A caller
// initiated Connect starts with a fresh retry budget.
func (m *Manager) Connect() <-chan error {
	done := make(chan error, 1)

	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		done <- nil
		return done
	}

	m.waiters = append(m.waiters, done)
	m.attempts = 0
	stale := m.connectLocked()
	m.mu.Unlock()

	closeSession(stale, m.logger)
	return done
}

// Disconnect cancels every pending timer and dial, releases the
// session and moves to DISCONNECTED. Safe to call from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	stale := m.disconnectLocked()
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

// Reconnect tears the session down and schedules a fresh attempt with
// the backoff policy. It is used after a send failure and to recover
// from FAILED.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	stale := m.disconnectLocked()
	m.attempts = 0
	m.transitionLocked(StateReconnecting, "reconnect requested")
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

// connectLocked tears down any previous session and begins a new
// handshake. It returns the session the caller must close after
// releasing the lock.
func (m *Manager) connectLocked() Session {
	stale := m.teardownLocked()

	m.transitionLocked(StateConnecting, "")

	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.handleFailure(gen, ErrTimeout)
	})

	m.logger.Info("Connecting to transport", "generation", gen, "attempt", m.attempts)
	go m.dial(ctx, gen)

	return stale
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	session, err := m.transport.Dial(ctx, func(cause error) {
		m.handleDrop(gen, cause)
	})
	if err != nil {
		m.handleFailure(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		closeSession(session, m.logger)
		return
	}

	m.stopTimersLocked()
	m.session = session
	m.attempts = 0
	m.transitionLocked(StateConnected, "")

	for _, h := range m.hooks {
		h.SessionUp(session)
	}

	ev := events.New(shared.EventConnectionConnected, shared.SourceConnection, m.clock.Now())
	ev.State = StateConnected.String()
	m.events.Publish(ev)

	m.resolveLocked(nil)
	m.mu.Unlock()

	m.logger.Info("Connected to transport", "generation", gen)
}

// handleFailure ends a handshake that errored or timed out.
func (m *Manager) handleFailure(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}

	m.stopTimersLocked()
	m.generation++

	m.logger.Warn("Connection attempt failed", "error", cause, "attempt", m.attempts)

	m.transitionLocked(StateReconnecting, cause.Error())
	ev := events.New(shared.EventConnectionFailed, shared.SourceConnection, m.clock.Now())
	ev.State = StateReconnecting.String()
	ev.Reason = cause.Error()
	ev.Attempt = m.attempts
	m.events.Publish(ev)

	m.resolveLocked(cause)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// handleDrop reacts to an established session closing underneath us.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	stale := m.teardownLocked()

	reason := "transport closed"
	if cause != nil {
		reason = cause.Error()
	}
	m.logger.Warn("Transport session lost", "reason", reason)

	m.transitionLocked(StateReconnecting, reason)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

// scheduleReconnectLocked arms the backoff timer, or moves to FAILED
// once the retry budget is spent.
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("Reconnect attempts exhausted, giving up", "max_attempts", m.cfg.MaxReconnectAttempts)
		m.transitionLocked(StateFailed, ErrGaveUp.Error())

		ev := events.New(shared.EventConnectionGaveUp, shared.SourceConnection, m.clock.Now())
		ev.State = StateFailed.String()
		ev.Reason = ErrGaveUp.Error()
		ev.Attempt = m.attempts
		m.events.Publish(ev)
		m.resolveLocked(ErrGaveUp)
		return
	}

	m.attempts++
	delay := Backoff(m.cfg.ReconnectDelay, m.attempts)
	gen := m.generation

	m.logger.Info("Scheduling reconnect", "attempt", m.attempts, "max_attempts", m.cfg.MaxReconnectAttempts, "delay", delay)
	m.metrics.ReconnectScheduled(m.attempts, delay)

	ev := events.New(shared.EventConnectionRetry, shared.SourceConnection, m.clock.Now())
	ev.State = StateReconnecting.String()
	ev.Attempt = m.attempts
	ev.RetryIn = shared.Duration(delay)
	m.events.Publish(ev)

	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.retry(gen)
	})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.logger.Info("Attempting reconnect", "attempt", m.attempts, "max_attempts", m.cfg.MaxReconnectAttempts)
	stale := m.connectLocked()
	m.mu.Unlock()

	closeSession(stale, m.logger)
}

func (m *Manager) disconnectLocked() Session {
	stale := m.teardownLocked()
	m.resolveLocked(ErrDisconnected)
	if m.state != StateDisconnected {
		m.transitionLocked(StateDisconnected, "")
		m.logger.Info("Disconnected from transport")
	}
	return stale
}

// teardownLocked invalidates the current generation, cancels timers and
// any in-flight dial, and detaches the session after telling hooks.
func (m *Manager) teardownLocked() Session {
	m.generation++
	m.stopTimersLocked()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	stale := m.session
	if stale != nil {
		for _, h := range m.hooks {
			h.SessionDown()
		}
		m.session = nil
	}
	return stale
}

// stopTimersLocked cancels the handshake timeout and the in-flight dial.
func (m *Manager) stopTimersLocked() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

func (m *Manager) transitionLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.ConnectionState(to.String())

	ev := events.New(shared.EventConnectionState, shared.SourceConnection, m.clock.Now())
	ev.State = to.String()
	ev.Previous = from.String()
	ev.Reason = reason
	m.events.Publish(ev)

	m.logger.Debug("Connection state changed", "from", from, "to", to, "reason", reason)
}

func (m *Manager) resolveLocked(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func closeSession(s Session, logger *slog.Logger) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Warn("Error closing transport session", "error", err)
	}
}
