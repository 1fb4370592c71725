package ontology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Telemetry is one record as it arrives on the positions topic or a
// per-drone feed. Every field except DroneID is optional.
type Telemetry struct {
	DroneID      string  `json:"droneId"`
	SerialNumber *string `json:"serialNumber,omitempty"`
	Model        *string `json:"model,omitempty"`
	Status       *Status `json:"status,omitempty"`

	BatteryLevel   *float64 `json:"batteryLevel,omitempty"`
	BatteryVoltage *float64 `json:"batteryVoltage,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Altitude       *float64 `json:"altitude,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
	Heading        *float64 `json:"heading,omitempty"`
	Satellites     *int     `json:"satellites,omitempty"`
	SignalStrength *float64 `json:"signalStrength,omitempty"`
	FlightMode     *string  `json:"flightMode,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`

	Timestamp     *Timestamp `json:"timestamp,omitempty"`
	LastUpdated   *Timestamp `json:"lastUpdated,omitempty"`
	LastHeartbeat *Timestamp `json:"lastHeartbeat,omitempty"`

	OfflineAt           *Timestamp `json:"offlineAt,omitempty"`
	OfflineReason       *string    `json:"offlineReason,omitempty"`
	OfflineBy           *string    `json:"offlineBy,omitempty"`
	LastFarewellMessage *string    `json:"lastFarewellMessage,omitempty"`
}

// ReportedAt picks the first timestamp the record carries, in the order
// timestamp, lastUpdated, lastHeartbeat.
func (t *Telemetry) ReportedAt() (time.Time, bool) {
	for _, ts := range []*Timestamp{t.Timestamp, t.LastUpdated, t.LastHeartbeat} {
		if ts != nil && !ts.IsZero() {
			return ts.Time, true
		}
	}
	return time.Time{}, false
}

// Update converts the record into a partial update. Status is copied
// only when explicit; inference is left to the store. receivedAt stands
// in for the heartbeat when the record carries no timestamp.
func (t *Telemetry) Update(receivedAt time.Time) DroneUpdate {
	heartbeat, ok := t.ReportedAt()
	if !ok {
		heartbeat = receivedAt
	}

	u := DroneUpdate{
		DroneID:           t.DroneID,
		SerialNumber:      t.SerialNumber,
		Model:             t.Model,
		Status:            t.Status,
		BatteryPercentage: t.BatteryLevel,
		Position: PositionUpdate{
			Latitude:  t.Latitude,
			Longitude: t.Longitude,
			Altitude:  t.Altitude,
		},
		Speed:               t.Speed,
		FlightMode:          t.FlightMode,
		Heading:             t.Heading,
		SignalStrength:      t.SignalStrength,
		Satellites:          t.Satellites,
		Temperature:         t.Temperature,
		BatteryVoltage:      t.BatteryVoltage,
		LastHeartbeat:       &heartbeat,
		OfflineReason:       t.OfflineReason,
		OfflineBy:           t.OfflineBy,
		LastFarewellMessage: t.LastFarewellMessage,
	}
	if t.OfflineAt != nil && !t.OfflineAt.IsZero() {
		at := t.OfflineAt.Time
		u.OfflineAt = &at
	}
	return u
}

// Timestamp accepts the formats upstream producers emit: RFC 3339 with
// or without a zone (zone-less values are taken as UTC) and epoch
// milliseconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid epoch timestamp %s: %w", data, err)
		}
		ts.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}
