package subscriptions

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/connection"
	"drone-overwatch/pkg/shared"
)

type fakeSub struct {
	session *fakeSession
	topic   string
}

func (s *fakeSub) Unsubscribe() error {
	s.session.mu.Lock()
	defer s.session.mu.Unlock()
	delete(s.session.handlers, s.topic)
	s.session.unsubscribes[s.topic]++
	return nil
}

type fakeSession struct {
	mu           sync.Mutex
	handlers     map[string]func([]byte)
	subscribes   map[string]int
	unsubscribes map[string]int
	published    []string
	publishErr   error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		handlers:     make(map[string]func([]byte)),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (s *fakeSession) Subscribe(topic string, handler func([]byte)) (connection.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = handler
	s.subscribes[topic]++
	return &fakeSub{session: s, topic: topic}, nil
}

func (s *fakeSession) Publish(topic string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, topic)
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) deliver(topic, payload string) {
	s.mu.Lock()
	h := s.handlers[topic]
	s.mu.Unlock()
	if h != nil {
		h([]byte(payload))
	}
}

func (s *fakeSession) subscribeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[topic]
}

func (s *fakeSession) publishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

type countingReconnector struct{ calls atomic.Int32 }

func (c *countingReconnector) Reconnect() { c.calls.Add(1) }

func newRegistry(t *testing.T, opts ...Option) (*Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	base := []Option{
		WithClock(clk),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	r := New(append(base, opts...)...)
	t.Cleanup(r.SessionDown)
	return r, clk
}

func noop(ontology.Envelope) error { return nil }

func TestSubscribe_RejectsNilCallback(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Subscribe(shared.SubjectDronePositions, nil)
	require.ErrorIs(t, err, ErrNilCallback)

	_, err = r.Subscribe("weather.reports", noop)
	require.Error(t, err)

	_, err = r.Subscribe(shared.DroneFeedSubject("*"), noop)
	require.Error(t, err, "a wildcard feed would receive every drone")
	assert.Empty(t, r.Topics())
}

func TestSessionUp_ReplaysOncePerSession(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Subscribe(shared.SubjectDronePositions, noop)
	require.NoError(t, err)
	_, err = r.Subscribe(shared.SubjectDronePositions, noop)
	require.NoError(t, err)

	first := newFakeSession()
	r.SessionUp(first)
	assert.Equal(t, 1, first.subscribeCount(shared.SubjectDronePositions))

	r.SessionDown()
	assert.Equal(t, 1, first.unsubscribes[shared.SubjectDronePositions])

	second := newFakeSession()
	r.SessionUp(second)
	r.SessionUp(second)
	assert.Equal(t, 1, second.subscribeCount(shared.SubjectDronePositions))
}

func TestSubscribe_WhileConnectedIssuesImmediately(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	_, err := r.Subscribe(shared.SubjectDronesDeleted, noop)
	require.NoError(t, err)
	_, err = r.Subscribe(shared.SubjectDronesDeleted, noop)
	require.NoError(t, err)

	assert.Equal(t, 1, s.subscribeCount(shared.SubjectDronesDeleted))
}

func TestUnsubscribe_LastReleasesTopic(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	a, err := r.Subscribe(shared.SubjectDronePositions, noop)
	require.NoError(t, err)
	b, err := r.Subscribe(shared.SubjectDronePositions, noop)
	require.NoError(t, err)

	a.Unsubscribe()
	assert.Equal(t, 0, s.unsubscribes[shared.SubjectDronePositions])

	b.Unsubscribe()
	b.Unsubscribe()
	assert.Equal(t, 1, s.unsubscribes[shared.SubjectDronePositions])
	assert.Empty(t, r.Topics())
}

func TestDispatch_NormalizesArrayAndObject(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	var got []string
	_, err := r.Subscribe(shared.SubjectDronePositions, func(env ontology.Envelope) error {
		for _, rec := range env.Telemetry {
			got = append(got, rec.DroneID)
		}
		return nil
	})
	require.NoError(t, err)

	s.deliver(shared.SubjectDronePositions, `{"droneId":"d1","latitude":1}`)
	s.deliver(shared.SubjectDronePositions, `[{"droneId":"d2"},{"droneId":"d3"}]`)

	assert.Equal(t, []string{"d1", "d2", "d3"}, got)
}

func TestDispatch_DropsMalformed(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	calls := 0
	_, err := r.Subscribe(shared.SubjectDronePositions, func(ontology.Envelope) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	s.deliver(shared.SubjectDronePositions, `not json`)
	s.deliver(shared.SubjectDronePositions, `{"latitude":1}`)
	assert.Equal(t, 0, calls)

	s.deliver(shared.SubjectDronePositions, `{"droneId":"d1"}`)
	assert.Equal(t, 1, calls)
}

func TestDispatch_IsolatesFailingSubscribers(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	var order []string
	_, err := r.Subscribe(shared.SubjectDronesDeleted, func(ontology.Envelope) error {
		order = append(order, "panics")
		panic("boom")
	})
	require.NoError(t, err)
	_, err = r.Subscribe(shared.SubjectDronesDeleted, func(ontology.Envelope) error {
		order = append(order, "errors")
		return errors.New("nope")
	})
	require.NoError(t, err)
	_, err = r.Subscribe(shared.SubjectDronesDeleted, func(env ontology.Envelope) error {
		order = append(order, "ok:"+env.Deletion.DroneID)
		return nil
	})
	require.NoError(t, err)

	s.deliver(shared.SubjectDronesDeleted, `{"droneId":"d1"}`)

	assert.Equal(t, []string{"panics", "errors", "ok:d1"}, order)
}

func TestDispatch_SelfUnsubscribe(t *testing.T) {
	r, _ := newRegistry(t)
	s := newFakeSession()
	r.SessionUp(s)

	var calls []string
	var self *Handle
	self, err := r.Subscribe(shared.SubjectDronePositions, func(ontology.Envelope) error {
		calls = append(calls, "self")
		self.Unsubscribe()
		return nil
	})
	require.NoError(t, err)
	_, err = r.Subscribe(shared.SubjectDronePositions, func(ontology.Envelope) error {
		calls = append(calls, "other")
		return nil
	})
	require.NoError(t, err)

	s.deliver(shared.SubjectDronePositions, `{"droneId":"d1"}`)
	s.deliver(shared.SubjectDronePositions, `{"droneId":"d1"}`)

	assert.Equal(t, []string{"self", "other", "other"}, calls)
}

func TestDataRequest_OnConnectAndPeriodically(t *testing.T) {
	r, clk := newRegistry(t)
	s := newFakeSession()

	r.SessionUp(s)
	assert.Equal(t, 1, s.publishCount())
	assert.Equal(t, shared.SubjectRequestDronesData, s.published[0])

	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return s.publishCount() == 2 }, time.Second, time.Millisecond)

	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return s.publishCount() == 3 }, time.Second, time.Millisecond)

	r.SessionDown()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, s.publishCount())
}

func TestDataRequest_FailureTriggersReconnect(t *testing.T) {
	rc := &countingReconnector{}
	r, _ := newRegistry(t, WithReconnector(rc), WithDataRequestInterval(0))
	s := newFakeSession()
	s.publishErr = errors.New("socket closed")

	r.SessionUp(s)

	require.Eventually(t, func() bool { return rc.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRequestData_WithoutSession(t *testing.T) {
	r, _ := newRegistry(t)
	require.ErrorIs(t, r.RequestData(), connection.ErrNotConnected)
}
