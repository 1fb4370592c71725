package ontology

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"drone-overwatch/pkg/shared"
)

var (
	ErrMalformed      = errors.New("malformed payload")
	ErrMissingDroneID = errors.New("missing droneId")
)

func checkDroneID(id string) error {
	if id == "" {
		return ErrMissingDroneID
	}
	if !shared.ValidDroneID(id) {
		return fmt.Errorf("%w: droneId %q is not a literal subject token", ErrMalformed, id)
	}
	return nil
}

type Kind int

const (
	KindTelemetry Kind = iota + 1
	KindDeletion
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindDeletion:
		return "deletion"
	}
	return "unknown"
}

// Envelope is the validated form of one inbound message. Exactly one
// of Telemetry and Deletion is populated, according to Kind.
type Envelope struct {
	Topic      string
	Kind       Kind
	Telemetry  []Telemetry
	Deletion   *Deletion
	ReceivedAt time.Time
}

// Decode validates a raw payload for topic. Telemetry payloads may be a
// single object or an array; invalid records inside an array are
// dropped and reported through the returned error while the valid ones
// are kept. A payload with nothing usable yields an empty envelope and
// an error wrapping ErrMalformed or ErrMissingDroneID.
func Decode(topic string, data []byte, receivedAt time.Time) (Envelope, error) {
	env := Envelope{Topic: topic, ReceivedAt: receivedAt}

	switch shared.KindOfTopic(topic) {
	case shared.TopicKindTelemetry:
		env.Kind = KindTelemetry
		records, err := decodeTelemetry(data)
		env.Telemetry = records
		return env, err
	case shared.TopicKindDeletion:
		env.Kind = KindDeletion
		del, err := decodeDeletion(data)
		if err != nil {
			return env, err
		}
		env.Deletion = &del
		return env, nil
	}
	return env, fmt.Errorf("%w: no decoder for topic %q", ErrMalformed, topic)
}

// Empty reports whether the envelope carries nothing to apply.
func (e Envelope) Empty() bool {
	return len(e.Telemetry) == 0 && e.Deletion == nil
}

func decodeTelemetry(data []byte) ([]Telemetry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var raw []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		raw = []json.RawMessage{data}
	default:
		return nil, fmt.Errorf("%w: expected object or array", ErrMalformed)
	}

	records := make([]Telemetry, 0, len(raw))
	var errs []error
	for i, item := range raw {
		rec, err := decodeRecord(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

func decodeRecord(data json.RawMessage) (Telemetry, error) {
	var rec Telemetry
	if err := json.Unmarshal(data, &rec); err != nil {
		return Telemetry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkDroneID(rec.DroneID); err != nil {
		return Telemetry{}, err
	}
	if rec.Status != nil && *rec.Status != "" && !rec.Status.Valid() {
		return Telemetry{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, *rec.Status)
	}
	if rec.Status != nil && *rec.Status == "" {
		rec.Status = nil
	}
	if rec.FlightMode != nil && *rec.FlightMode == "" {
		rec.FlightMode = nil
	}
	return rec, nil
}

func decodeDeletion(data []byte) (Deletion, error) {
	var del Deletion
	if err := json.Unmarshal(bytes.TrimSpace(data), &del); err != nil {
		return Deletion{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkDroneID(del.DroneID); err != nil {
		return Deletion{}, err
	}
	return del, nil
}
