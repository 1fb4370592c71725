package shared

import (
	"fmt"
	"strings"
)

// NATS subject patterns
const (
	SubjectPrefix = "drones"

	// Broadcast of all drone positions; payload is one record or an array.
	SubjectDronePositions = "drones.positions"
	// Deletion notices; payload is {"droneId": "..."}.
	SubjectDronesDeleted = "drones.deleted"
	// Per-drone telemetry feed.
	SubjectDroneFeed = "drones.%s.telemetry" // drone_id
	// Outbound "send me the latest data" request, parameterless.
	SubjectRequestDronesData = "drones.requests.data"
)

type TopicKind int

const (
	TopicKindUnknown TopicKind = iota
	TopicKindTelemetry
	TopicKindDeletion
)

// ValidDroneID reports whether id can stand as one literal subject token.
// Wildcards and separators would widen a per-drone feed to other drones.
func ValidDroneID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

func DroneFeedSubject(droneID string) string {
	return fmt.Sprintf(SubjectDroneFeed, droneID)
}

// KindOfTopic classifies an inbound subject by the payload it carries.
func KindOfTopic(topic string) TopicKind {
	switch topic {
	case SubjectDronePositions:
		return TopicKindTelemetry
	case SubjectDronesDeleted:
		return TopicKindDeletion
	}
	parts := strings.Split(topic, ".")
	if len(parts) == 3 && parts[0] == SubjectPrefix && ValidDroneID(parts[1]) && parts[2] == "telemetry" {
		return TopicKindTelemetry
	}
	return TopicKindUnknown
}
