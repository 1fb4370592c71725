package ontology

import (
	"time"
)

type Status string

const (
	StatusFlying          Status = "FLYING"
	StatusIdle            Status = "IDLE"
	StatusLowBattery      Status = "LOW_BATTERY"
	StatusTrajectoryError Status = "TRAJECTORY_ERROR"
	StatusOffline         Status = "OFFLINE"
	StatusOnline          Status = "ONLINE"
	StatusError           Status = "ERROR"
)

// Valid reports whether s is one of the known drone statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFlying, StatusIdle, StatusLowBattery, StatusTrajectoryError,
		StatusOffline, StatusOnline, StatusError:
		return true
	}
	return false
}

// Position of a drone. The zero value means "no fix yet", not a real
// coordinate at the origin.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

func (p Position) Known() bool {
	return p != Position{}
}

// Drone is the reconciled record for one drone.
type Drone struct {
	DroneID           string   `json:"droneId"`
	SerialNumber      string   `json:"serialNumber"`
	Model             string   `json:"model"`
	Status            Status   `json:"status"`
	BatteryPercentage float64  `json:"batteryPercentage"`
	Position          Position `json:"position"`
	Speed             float64  `json:"speed"`
	FlightMode        string   `json:"flightMode,omitempty"`

	Heading        *float64 `json:"heading,omitempty"`
	SignalStrength *float64 `json:"signalStrength,omitempty"`
	Satellites     *int     `json:"satellites,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"`

	LastHeartbeat time.Time `json:"lastHeartbeat"`

	OfflineAt               *time.Time `json:"offlineAt,omitempty"`
	OfflineReason           string     `json:"offlineReason,omitempty"`
	OfflineBy               string     `json:"offlineBy,omitempty"`
	LastFarewellMessage     string     `json:"lastFarewellMessage,omitempty"`
	OfflineNotificationSent bool       `json:"offlineNotificationSent"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (d *Drone) Clone() Drone {
	c := *d
	c.Heading = clonePtr(d.Heading)
	c.SignalStrength = clonePtr(d.SignalStrength)
	c.Satellites = clonePtr(d.Satellites)
	c.Temperature = clonePtr(d.Temperature)
	c.BatteryVoltage = clonePtr(d.BatteryVoltage)
	c.OfflineAt = clonePtr(d.OfflineAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type PositionUpdate struct {
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
}

func (p PositionUpdate) empty() bool {
	return p.Latitude == nil && p.Longitude == nil && p.Altitude == nil
}

// DroneUpdate is a partial update keyed by DroneID. Nil fields are
// absent and leave the stored value untouched.
type DroneUpdate struct {
	DroneID           string
	SerialNumber      *string
	Model             *string
	Status            *Status
	BatteryPercentage *float64
	Position          PositionUpdate
	Speed             *float64
	FlightMode        *string

	Heading        *float64
	SignalStrength *float64
	Satellites     *int
	Temperature    *float64
	BatteryVoltage *float64

	LastHeartbeat *time.Time

	OfflineAt           *time.Time
	OfflineReason       *string
	OfflineBy           *string
	LastFarewellMessage *string
}

// HasPosition reports whether any position sub-field is present.
func (u DroneUpdate) HasPosition() bool {
	return !u.Position.empty()
}

// Deletion announces that a drone was removed upstream.
type Deletion struct {
	DroneID string `json:"droneId"`
}

// Ptr is a small helper for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}

// Flight modes reported by telemetry sources that drive status inference.
const (
	FlightModeLowBattery      = "LOW_BATTERY"
	FlightModeTrajectoryError = "TRAJECTORY_ERROR"
	FlightModeFenceBreach     = "FENCE_BREACH"
	FlightModeOffline         = "OFFLINE"
	FlightModeIdle            = "IDLE"
	FlightModeFlying          = "FLYING"
	FlightModeCruise          = "CRUISE"
	FlightModeHover           = "HOVER"
)
