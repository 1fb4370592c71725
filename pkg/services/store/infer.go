package store

import "drone-overwatch/pkg/ontology"

const (
	lowBatteryThreshold = 20.0
	weakSignalThreshold = 30.0
)

// InferStatus derives a status for telemetry that carries none. Rules
// are checked in priority order against the incoming record only; when
// nothing matches the current status is kept, and a drone seen for the
// first time is OFFLINE.
func InferStatus(t *ontology.Telemetry, current *ontology.Drone) ontology.Status {
	if status, ok := statusFromSignals(t); ok {
		return status
	}
	if current != nil {
		return current.Status
	}
	return ontology.StatusOffline
}

func statusFromSignals(t *ontology.Telemetry) (ontology.Status, bool) {
	mode := ""
	if t.FlightMode != nil {
		mode = *t.FlightMode
	}

	switch {
	case mode == ontology.FlightModeLowBattery ||
		(t.BatteryLevel != nil && *t.BatteryLevel <= lowBatteryThreshold):
		return ontology.StatusLowBattery, true
	case mode == ontology.FlightModeTrajectoryError || mode == ontology.FlightModeFenceBreach:
		return ontology.StatusTrajectoryError, true
	case mode == ontology.FlightModeOffline ||
		(t.SignalStrength != nil && *t.SignalStrength < weakSignalThreshold):
		return ontology.StatusOffline, true
	case mode == ontology.FlightModeIdle:
		return ontology.StatusIdle, true
	case mode == ontology.FlightModeFlying || mode == ontology.FlightModeCruise || mode == ontology.FlightModeHover:
		return ontology.StatusFlying, true
	}
	return "", false
}
