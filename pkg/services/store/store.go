// Package store holds the authoritative in-memory view of every known
// drone. It is the only writer of drone entities: transport consumers,
// timers and REST collaborators all feed it through ApplyUpdate,
// ApplyTelemetry, Remove, MarkOffline and SweepStale.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/metrics"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/events"
	"drone-overwatch/pkg/shared"
)

var ErrUnknownDrone = errors.New("drone not found")

const DefaultStaleThreshold = 30 * time.Second

// Store is safe for concurrent use; every mutation is applied atomically
// under one lock, so an entity is never observed half-merged. Events are
// published while the lock is held to keep them in mutation order, so the
// Publisher must not call back into the Store.
type Store struct {
	clock   clock.Clock
	events  events.Publisher
	metrics metrics.Collector
	logger  *slog.Logger

	mu       sync.RWMutex
	drones   map[string]*ontology.Drone
	selected string
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.events = p }
}

func WithMetrics(m metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(opts ...Option) *Store {
	s := &Store{
		clock:   clock.Real(),
		events:  events.Discard,
		metrics: metrics.Nop{},
		logger:  slog.Default(),
		drones:  make(map[string]*ontology.Drone),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "drone-store")
	return s
}

// ApplyUpdate merges a partial update, creating the drone on first sight.
func (s *Store) ApplyUpdate(u ontology.DroneUpdate) error {
	if u.DroneID == "" {
		s.logger.Error("Dropping update without droneId")
		return ontology.ErrMissingDroneID
	}
	if u.Status != nil && *u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ontology.ErrMalformed, *u.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLocked(u)
	return nil
}

// ApplyRecord merges a broadcast record as a partial update. Its status
// changes only when the record states one; nothing is inferred.
func (s *Store) ApplyRecord(t ontology.Telemetry) error {
	if t.DroneID == "" {
		s.logger.Error("Dropping record without droneId")
		return ontology.ErrMissingDroneID
	}
	return s.ApplyUpdate(t.Update(s.clock.Now()))
}

// ApplyTelemetry merges a raw telemetry record. When the record carries
// no explicit status one is inferred from its flight mode, battery level
// and signal strength.
func (s *Store) ApplyTelemetry(t ontology.Telemetry) error {
	if t.DroneID == "" {
		s.logger.Error("Dropping telemetry without droneId")
		return ontology.ErrMissingDroneID
	}
	if t.Status != nil && *t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ontology.ErrMalformed, *t.Status)
	}

	u := t.Update(s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Status == nil || *u.Status == "" {
		status := InferStatus(&t, s.drones[t.DroneID])
		u.Status = &status
	}
	s.applyLocked(u)
	return nil
}

func (s *Store) applyLocked(u ontology.DroneUpdate) {
	current := s.drones[u.DroneID]
	next, evs := reduce(current, u, s.clock.Now())
	s.drones[u.DroneID] = &next

	if current == nil {
		s.logger.Info("New drone discovered", "drone_id", u.DroneID, "status", next.Status)
		s.metrics.DronesTracked(len(s.drones))
	}
	s.publishLocked(evs...)
}

// Remove deletes a drone and clears the selection if it pointed at it.
// It reports whether the drone existed.
func (s *Store) Remove(droneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drones[droneID]; !ok {
		return false
	}
	delete(s.drones, droneID)

	ev := events.New(shared.EventDroneRemoved, shared.SourceStore, s.clock.Now())
	ev.DroneID = droneID
	s.publishLocked(ev)

	if s.selected == droneID {
		s.selectLocked("")
	}
	s.metrics.DronesTracked(len(s.drones))

	s.logger.Info("Drone removed", "drone_id", droneID)
	return true
}

// SweepStale marks every drone silent for longer than threshold as
// OFFLINE and emits one offline-detected event per transition. Drones
// are never removed by staleness. It returns the IDs it marked.
func (s *Store) SweepStale(now time.Time, threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var marked []string
	for _, id := range s.sortedIDsLocked() {
		d := s.drones[id]
		if d.Status == ontology.StatusOffline || now.Sub(d.LastHeartbeat) <= threshold {
			continue
		}

		next := d.Clone()
		next.Status = ontology.StatusOffline
		next.OfflineReason = ReasonCommunicationTimeout
		next.OfflineAt = ontology.Ptr(now)

		if !next.OfflineNotificationSent {
			ev := events.New(shared.EventDroneOffline, shared.SourceStore, now)
			ev.DroneID = id
			ev.Previous = string(d.Status)
			ev.State = string(ontology.StatusOffline)
			ev.Reason = ReasonCommunicationTimeout
			s.publishLocked(ev)
			s.metrics.OfflineDetected()
			next.OfflineNotificationSent = true
		}
		s.drones[id] = &next
		marked = append(marked, id)

		s.logger.Warn("Drone stopped reporting, marked offline",
			"drone_id", id, "last_heartbeat", d.LastHeartbeat, "silence", now.Sub(d.LastHeartbeat))
	}
	return marked
}

// MarkOffline records an operator-initiated offline. The notification
// flag is set so the staleness sweep does not report the drone again.
func (s *Store) MarkOffline(droneID, reason, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drones[droneID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDrone, droneID)
	}

	now := s.clock.Now()
	next := d.Clone()
	next.Status = ontology.StatusOffline
	next.OfflineReason = reason
	next.OfflineBy = by
	next.OfflineAt = ontology.Ptr(now)
	next.OfflineNotificationSent = true
	s.drones[droneID] = &next

	if d.Status != ontology.StatusOffline {
		ev := events.New(shared.EventDroneStatusChanged, shared.SourceStore, now)
		ev.DroneID = droneID
		ev.Previous = string(d.Status)
		ev.State = string(ontology.StatusOffline)
		ev.Reason = reason
		s.publishLocked(ev)
	}
	return nil
}

// Select sets the selected drone. An empty ID clears the selection.
func (s *Store) Select(droneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if droneID != "" {
		if _, ok := s.drones[droneID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDrone, droneID)
		}
	}
	s.selectLocked(droneID)
	return nil
}

func (s *Store) selectLocked(droneID string) {
	if s.selected == droneID {
		return
	}
	ev := events.New(shared.EventSelectionChanged, shared.SourceStore, s.clock.Now())
	ev.DroneID = droneID
	ev.Previous = s.selected
	s.selected = droneID
	s.publishLocked(ev)
}

func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *Store) Selected() (ontology.Drone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.selected == "" {
		return ontology.Drone{}, false
	}
	d, ok := s.drones[s.selected]
	if !ok {
		return ontology.Drone{}, false
	}
	return d.Clone(), true
}

func (s *Store) Get(droneID string) (ontology.Drone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drones[droneID]
	if !ok {
		return ontology.Drone{}, false
	}
	return d.Clone(), true
}

// List returns copies of every drone ordered by ID.
func (s *Store) List() []ontology.Drone {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ontology.Drone, 0, len(s.drones))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.drones[id].Clone())
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.drones)
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.drones))
	for id := range s.drones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) publishLocked(evs ...shared.Event) {
	for _, ev := range evs {
		s.events.Publish(ev)
	}
}
