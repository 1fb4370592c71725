package store

import (
	"time"

	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/events"
	"drone-overwatch/pkg/shared"
)

const (
	UnknownModel               = "Unknown"
	ReasonCommunicationTimeout = "communication timeout"
)

// newDrone applies first-sight defaults. Defaults are never reapplied
// on later updates.
func newDrone(droneID string, now time.Time) ontology.Drone {
	return ontology.Drone{
		DroneID:       droneID,
		SerialNumber:  droneID,
		Model:         UnknownModel,
		Status:        ontology.StatusOffline,
		LastHeartbeat: now,
	}
}

// reduce merges u into current (nil when the drone is unknown) and
// returns the next entity together with the events the merge produced.
// current is not modified.
func reduce(current *ontology.Drone, u ontology.DroneUpdate, now time.Time) (ontology.Drone, []shared.Event) {
	var next ontology.Drone
	created := current == nil
	if created {
		next = newDrone(u.DroneID, now)
		if u.LastHeartbeat != nil && !u.LastHeartbeat.IsZero() {
			next.LastHeartbeat = *u.LastHeartbeat
		}
	} else {
		next = current.Clone()
	}
	previous := next.Status

	merge(&next, u)

	if !created && previous == ontology.StatusOffline && next.Status != ontology.StatusOffline {
		next.OfflineNotificationSent = false
	}

	var evs []shared.Event
	if created {
		ev := events.New(shared.EventDroneDiscovered, shared.SourceStore, now)
		ev.DroneID = next.DroneID
		ev.State = string(next.Status)
		evs = append(evs, ev)
	} else if previous != next.Status {
		ev := events.New(shared.EventDroneStatusChanged, shared.SourceStore, now)
		ev.DroneID = next.DroneID
		ev.Previous = string(previous)
		ev.State = string(next.Status)
		evs = append(evs, ev)
	}
	return next, evs
}

// merge overwrites every field present in u. Position sub-fields merge
// independently. The heartbeat only moves forward, so a late record
// cannot make a live drone look stale.
func merge(d *ontology.Drone, u ontology.DroneUpdate) {
	if u.SerialNumber != nil && *u.SerialNumber != "" {
		d.SerialNumber = *u.SerialNumber
	}
	if u.Model != nil && *u.Model != "" {
		d.Model = *u.Model
	}
	if u.Status != nil && *u.Status != "" {
		d.Status = *u.Status
	}
	if u.BatteryPercentage != nil {
		d.BatteryPercentage = *u.BatteryPercentage
	}
	if u.Position.Latitude != nil {
		d.Position.Latitude = *u.Position.Latitude
	}
	if u.Position.Longitude != nil {
		d.Position.Longitude = *u.Position.Longitude
	}
	if u.Position.Altitude != nil {
		d.Position.Altitude = *u.Position.Altitude
	}
	if u.Speed != nil {
		d.Speed = *u.Speed
	}
	if u.FlightMode != nil && *u.FlightMode != "" {
		d.FlightMode = *u.FlightMode
	}
	if u.Heading != nil {
		d.Heading = ontology.Ptr(*u.Heading)
	}
	if u.SignalStrength != nil {
		d.SignalStrength = ontology.Ptr(*u.SignalStrength)
	}
	if u.Satellites != nil {
		d.Satellites = ontology.Ptr(*u.Satellites)
	}
	if u.Temperature != nil {
		d.Temperature = ontology.Ptr(*u.Temperature)
	}
	if u.BatteryVoltage != nil {
		d.BatteryVoltage = ontology.Ptr(*u.BatteryVoltage)
	}
	if u.LastHeartbeat != nil && !u.LastHeartbeat.Before(d.LastHeartbeat) {
		d.LastHeartbeat = *u.LastHeartbeat
	}

	if u.Status != nil && *u.Status == ontology.StatusOffline {
		if u.OfflineAt != nil && !u.OfflineAt.IsZero() {
			d.OfflineAt = ontology.Ptr(*u.OfflineAt)
		}
		if u.OfflineReason != nil && *u.OfflineReason != "" {
			d.OfflineReason = *u.OfflineReason
		}
		if u.OfflineBy != nil && *u.OfflineBy != "" {
			d.OfflineBy = *u.OfflineBy
		}
		if u.LastFarewellMessage != nil && *u.LastFarewellMessage != "" {
			d.LastFarewellMessage = *u.LastFarewellMessage
		}
	}
}
