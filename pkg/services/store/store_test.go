package store

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"drone-overwatch/pkg/clock"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/events"
	"drone-overwatch/pkg/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock, *events.Recorder) {
	t.Helper()
	fc := clock.Fake(epoch)
	rec := &events.Recorder{}
	s := New(
		WithClock(fc),
		WithPublisher(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return s, fc, rec
}

func status(s ontology.Status) *ontology.Status { return &s }

func TestApplyUpdate_CreatesWithDefaults(t *testing.T) {
	s, _, rec := newTestStore(t)

	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1"}))

	d, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "d1", d.SerialNumber)
	assert.Equal(t, UnknownModel, d.Model)
	assert.Equal(t, ontology.StatusOffline, d.Status)
	assert.Zero(t, d.BatteryPercentage)
	assert.False(t, d.Position.Known())
	assert.Equal(t, epoch, d.LastHeartbeat)
	assert.False(t, d.OfflineNotificationSent)

	discovered := rec.OfType(shared.EventDroneDiscovered)
	require.Len(t, discovered, 1)
	assert.Equal(t, "d1", discovered[0].DroneID)
}

func TestApplyUpdate_MissingDroneID(t *testing.T) {
	s, _, rec := newTestStore(t)

	err := s.ApplyUpdate(ontology.DroneUpdate{Model: ontology.Ptr("X8")})
	require.ErrorIs(t, err, ontology.ErrMissingDroneID)
	assert.Zero(t, s.Len())
	assert.Empty(t, rec.Events())
}

func TestApplyUpdate_LastWriteWinsPerField(t *testing.T) {
	s, _, _ := newTestStore(t)
	hb1 := epoch.Add(time.Second)
	hb2 := epoch.Add(2 * time.Second)

	updates := []ontology.DroneUpdate{
		{DroneID: "d1", Model: ontology.Ptr("M300"), BatteryPercentage: ontology.Ptr(90.0), LastHeartbeat: &hb1,
			Position: ontology.PositionUpdate{Latitude: ontology.Ptr(1.0), Longitude: ontology.Ptr(2.0), Altitude: ontology.Ptr(3.0)}},
		{DroneID: "d1", Status: status(ontology.StatusFlying), Speed: ontology.Ptr(12.5),
			Position: ontology.PositionUpdate{Latitude: ontology.Ptr(10.0)}},
		{DroneID: "d1", BatteryPercentage: ontology.Ptr(75.0), FlightMode: ontology.Ptr("CRUISE"), LastHeartbeat: &hb2,
			Position: ontology.PositionUpdate{Altitude: ontology.Ptr(120.0)}},
		{DroneID: "d1", SerialNumber: ontology.Ptr("SN-1")},
	}
	for _, u := range updates {
		require.NoError(t, s.ApplyUpdate(u))
	}

	d, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "SN-1", d.SerialNumber)
	assert.Equal(t, "M300", d.Model)
	assert.Equal(t, ontology.StatusFlying, d.Status)
	assert.Equal(t, 75.0, d.BatteryPercentage)
	assert.Equal(t, ontology.Position{Latitude: 10, Longitude: 2, Altitude: 120}, d.Position)
	assert.Equal(t, 12.5, d.Speed)
	assert.Equal(t, "CRUISE", d.FlightMode)
	assert.Equal(t, hb2, d.LastHeartbeat)
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	s, _, rec := newTestStore(t)
	hb := epoch.Add(-time.Second)
	u := ontology.DroneUpdate{
		DroneID:           "d1",
		Status:            status(ontology.StatusIdle),
		BatteryPercentage: ontology.Ptr(64.0),
		Position:          ontology.PositionUpdate{Latitude: ontology.Ptr(48.2), Longitude: ontology.Ptr(16.4)},
		LastHeartbeat:     &hb,
	}

	require.NoError(t, s.ApplyUpdate(u))
	once, _ := s.Get("d1")
	require.NoError(t, s.ApplyUpdate(u))
	twice, _ := s.Get("d1")

	assert.Equal(t, once, twice)
	assert.Len(t, rec.Events(), 1, "second identical update emits nothing")
}

func TestApplyUpdate_OfflineFieldsCapturedOnlyWhenOffline(t *testing.T) {
	s, _, _ := newTestStore(t)
	at := epoch.Add(-time.Minute)

	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{
		DroneID:       "d1",
		Status:        status(ontology.StatusFlying),
		OfflineReason: ontology.Ptr("ignored"),
	}))
	d, _ := s.Get("d1")
	assert.Empty(t, d.OfflineReason)

	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{
		DroneID:             "d1",
		Status:              status(ontology.StatusOffline),
		OfflineAt:           &at,
		OfflineReason:       ontology.Ptr("maintenance"),
		OfflineBy:           ontology.Ptr("operator-7"),
		LastFarewellMessage: ontology.Ptr("landing"),
	}))
	d, _ = s.Get("d1")
	assert.Equal(t, ontology.StatusOffline, d.Status)
	require.NotNil(t, d.OfflineAt)
	assert.Equal(t, at, *d.OfflineAt)
	assert.Equal(t, "maintenance", d.OfflineReason)
	assert.Equal(t, "operator-7", d.OfflineBy)
	assert.Equal(t, "landing", d.LastFarewellMessage)
}

func TestApplyUpdate_LeavingOfflineRearmsNotification(t *testing.T) {
	s, fc, rec := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusFlying)}))

	fc.Advance(31 * time.Second)
	s.SweepStale(fc.Now(), 30*time.Second)
	d, _ := s.Get("d1")
	require.True(t, d.OfflineNotificationSent)

	now := fc.Now()
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusFlying), LastHeartbeat: &now}))
	d, _ = s.Get("d1")
	assert.False(t, d.OfflineNotificationSent)

	changed := rec.OfType(shared.EventDroneStatusChanged)
	require.NotEmpty(t, changed)
	last := changed[len(changed)-1]
	assert.Equal(t, string(ontology.StatusOffline), last.Previous)
	assert.Equal(t, string(ontology.StatusFlying), last.State)

	fc.Advance(31 * time.Second)
	s.SweepStale(fc.Now(), 30*time.Second)
	assert.Len(t, rec.OfType(shared.EventDroneOffline), 2, "re-armed drone is reported again")
}

func TestApplyTelemetry_LateRecordKeepsHeartbeat(t *testing.T) {
	s, fc, rec := newTestStore(t)
	fc.Advance(time.Minute)
	now := fc.Now()

	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:    "d1",
		FlightMode: ontology.Ptr("CRUISE"),
		Timestamp:  &ontology.Timestamp{Time: now},
	}))
	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:   "d1",
		Speed:     ontology.Ptr(8.0),
		Timestamp: &ontology.Timestamp{Time: now.Add(-40 * time.Second)},
	}))

	d, _ := s.Get("d1")
	assert.Equal(t, now, d.LastHeartbeat)
	assert.Equal(t, 8.0, d.Speed, "other fields of the late record still apply")

	assert.Empty(t, s.SweepStale(now, 30*time.Second))
	assert.Empty(t, rec.OfType(shared.EventDroneOffline))
}

func TestApplyRecord_DoesNotInferStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusFlying)}))

	require.NoError(t, s.ApplyRecord(ontology.Telemetry{
		DroneID:      "d1",
		BatteryLevel: ontology.Ptr(15.0),
		Latitude:     ontology.Ptr(1.0),
	}))
	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusFlying, d.Status)
	assert.Equal(t, 15.0, d.BatteryPercentage)

	require.NoError(t, s.ApplyRecord(ontology.Telemetry{DroneID: "d1", Status: status(ontology.StatusIdle)}))
	d, _ = s.Get("d1")
	assert.Equal(t, ontology.StatusIdle, d.Status)

	require.ErrorIs(t, s.ApplyRecord(ontology.Telemetry{}), ontology.ErrMissingDroneID)
}

func TestApplyTelemetry_NewDroneDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:   "d1",
		Latitude:  ontology.Ptr(10.0),
		Longitude: ontology.Ptr(20.0),
	}))

	d, ok := s.Get("d1")
	require.True(t, ok)
	assert.Zero(t, d.BatteryPercentage)
	assert.Zero(t, d.Position.Altitude)
	assert.Equal(t, 10.0, d.Position.Latitude)
	assert.Equal(t, 20.0, d.Position.Longitude)
	assert.Equal(t, ontology.StatusOffline, d.Status)
	assert.Equal(t, epoch, d.LastHeartbeat, "receive time stands in for a missing timestamp")
}

func TestApplyTelemetry_MissingDroneID(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.ApplyTelemetry(ontology.Telemetry{Latitude: ontology.Ptr(1.0)})
	require.ErrorIs(t, err, ontology.ErrMissingDroneID)
	assert.Zero(t, s.Len())
}

func TestApplyTelemetry_ExplicitStatusWins(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:      "d1",
		Status:       status(ontology.StatusIdle),
		BatteryLevel: ontology.Ptr(5.0),
		FlightMode:   ontology.Ptr("FENCE_BREACH"),
	}))

	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusIdle, d.Status)
}

func TestApplyTelemetry_KeepsCurrentStatusWhenNothingMatches(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusFlying)}))

	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:        "d1",
		BatteryLevel:   ontology.Ptr(80.0),
		SignalStrength: ontology.Ptr(95.0),
		FlightMode:     ontology.Ptr("RTL"),
	}))

	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusFlying, d.Status)
	assert.Equal(t, "RTL", d.FlightMode)
	require.NotNil(t, d.SignalStrength)
	assert.Equal(t, 95.0, *d.SignalStrength)
}

func TestApplyTelemetry_UsesReportedTimestamp(t *testing.T) {
	s, _, _ := newTestStore(t)
	reported := epoch.Add(-5 * time.Second)

	require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{
		DroneID:     "d1",
		LastUpdated: &ontology.Timestamp{Time: reported},
	}))

	d, _ := s.Get("d1")
	assert.Equal(t, reported, d.LastHeartbeat)
}

func TestRemove_ClearsSelection(t *testing.T) {
	s, _, rec := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1"}))
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d2"}))
	require.NoError(t, s.Select("d1"))

	assert.True(t, s.Remove("d1"))
	assert.Empty(t, s.SelectedID())
	_, ok := s.Selected()
	assert.False(t, ok)
	assert.Len(t, rec.OfType(shared.EventDroneRemoved), 1)

	changes := rec.OfType(shared.EventSelectionChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "", changes[1].DroneID)
	assert.Equal(t, "d1", changes[1].Previous)

	assert.False(t, s.Remove("d1"), "removing an absent drone is a no-op")
	assert.Len(t, rec.OfType(shared.EventDroneRemoved), 1)
	assert.Equal(t, 1, s.Len())
}

func TestRemove_OtherDroneKeepsSelection(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1"}))
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d2"}))
	require.NoError(t, s.Select("d1"))

	s.Remove("d2")
	assert.Equal(t, "d1", s.SelectedID())
}

func TestSelect_ValidatesAndEmits(t *testing.T) {
	s, _, rec := newTestStore(t)
	require.ErrorIs(t, s.Select("ghost"), ErrUnknownDrone)

	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Model: ontology.Ptr("M30")}))
	require.NoError(t, s.Select("d1"))
	d, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, "M30", d.Model)

	require.NoError(t, s.Select("d1"))
	assert.Len(t, rec.OfType(shared.EventSelectionChanged), 1, "reselecting is not a change")

	require.NoError(t, s.Select(""))
	assert.Empty(t, s.SelectedID())
	assert.Len(t, rec.OfType(shared.EventSelectionChanged), 2)
}

func TestSweepStale_MarksOfflineOnce(t *testing.T) {
	s, fc, rec := newTestStore(t)
	hb := epoch.Add(-31 * time.Second)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{
		DroneID:       "d1",
		Status:        status(ontology.StatusFlying),
		LastHeartbeat: &hb,
	}))

	marked := s.SweepStale(fc.Now(), 30*time.Second)
	assert.Equal(t, []string{"d1"}, marked)

	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusOffline, d.Status)
	assert.True(t, d.OfflineNotificationSent)
	assert.Equal(t, ReasonCommunicationTimeout, d.OfflineReason)
	require.NotNil(t, d.OfflineAt)
	assert.Equal(t, epoch, *d.OfflineAt)

	for i := 0; i < 3; i++ {
		fc.Advance(10 * time.Second)
		assert.Empty(t, s.SweepStale(fc.Now(), 30*time.Second))
	}
	assert.Len(t, rec.OfType(shared.EventDroneOffline), 1)
	assert.Equal(t, 1, s.Len(), "stale drones are kept")
}

func TestSweepStale_FreshDronesUntouched(t *testing.T) {
	s, fc, rec := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusIdle)}))

	fc.Advance(30 * time.Second)
	assert.Empty(t, s.SweepStale(fc.Now(), 30*time.Second), "exactly the threshold is not stale")

	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusIdle, d.Status)
	assert.Empty(t, rec.OfType(shared.EventDroneOffline))
}

func TestSweepStale_DefaultThreshold(t *testing.T) {
	s, fc, _ := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusIdle)}))

	fc.Advance(DefaultStaleThreshold + time.Second)
	assert.Equal(t, []string{"d1"}, s.SweepStale(fc.Now(), 0))
}

func TestMarkOffline_SuppressesSweepNotification(t *testing.T) {
	s, fc, rec := newTestStore(t)
	require.NoError(t, s.ApplyUpdate(ontology.DroneUpdate{DroneID: "d1", Status: status(ontology.StatusFlying)}))

	require.NoError(t, s.MarkOffline("d1", "scheduled maintenance", "operator"))
	d, _ := s.Get("d1")
	assert.Equal(t, ontology.StatusOffline, d.Status)
	assert.Equal(t, "operator", d.OfflineBy)
	assert.True(t, d.OfflineNotificationSent)

	fc.Advance(time.Minute)
	s.SweepStale(fc.Now(), 30*time.Second)
	assert.Empty(t, rec.OfType(shared.EventDroneOffline))

	require.ErrorIs(t, s.MarkOffline("ghost", "x", "y"), ErrUnknownDrone)
}

func TestList_SortedCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	for _, id := range []string{"d3", "d1", "d2"} {
		require.NoError(t, s.ApplyTelemetry(ontology.Telemetry{DroneID: id, Heading: ontology.Ptr(90.0)}))
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "d1", list[0].DroneID)
	assert.Equal(t, "d3", list[2].DroneID)

	*list[0].Heading = 180
	d, _ := s.Get("d1")
	assert.Equal(t, 90.0, *d.Heading, "callers cannot mutate stored entities")
}
