package services

import (
	"sort"

	"drone-overwatch/pkg/services/connection"
)

// Connector is the Connection Manager surface exposed over HTTP.
type Connector interface {
	State() connection.State
	Attempts() int
	Reconnect()
}

type ConnectionStatus struct {
	State     connection.State `json:"state"`
	Connected bool             `json:"connected"`
	Attempts  int              `json:"attempts"`
	Topics    []string         `json:"topics"`
}

type TopicLister interface {
	Topics() []string
}

type ConnectionService struct {
	conn   Connector
	topics TopicLister
}

func NewConnectionService(conn Connector, topics TopicLister) *ConnectionService {
	return &ConnectionService{conn: conn, topics: topics}
}

func (s *ConnectionService) Status() ConnectionStatus {
	state := s.conn.State()
	status := ConnectionStatus{
		State:     state,
		Connected: state == connection.StateConnected,
		Attempts:  s.conn.Attempts(),
		Topics:    []string{},
	}
	if s.topics != nil {
		status.Topics = append(status.Topics, s.topics.Topics()...)
		sort.Strings(status.Topics)
	}
	return status
}

// Reconnect asks for a fresh session and returns the status right after.
func (s *ConnectionService) Reconnect() ConnectionStatus {
	s.conn.Reconnect()
	return s.Status()
}
