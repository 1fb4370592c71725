package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfTopic_Classifies(t *testing.T) {
	tests := []struct {
		topic string
		want  TopicKind
	}{
		{SubjectDronePositions, TopicKindTelemetry},
		{SubjectDronesDeleted, TopicKindDeletion},
		{DroneFeedSubject("d1"), TopicKindTelemetry},
		{DroneFeedSubject("*"), TopicKindUnknown},
		{DroneFeedSubject(">"), TopicKindUnknown},
		{"drones.a.b.telemetry", TopicKindUnknown},
		{"drones..telemetry", TopicKindUnknown},
		{SubjectRequestDronesData, TopicKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOfTopic(tt.topic))
		})
	}
}

func TestValidDroneID_RejectsWildcards(t *testing.T) {
	assert.True(t, ValidDroneID("drone-01"))
	for _, id := range []string{"", "*", ">", "a.b", "d 1", "d*"} {
		assert.False(t, ValidDroneID(id), id)
	}
}
