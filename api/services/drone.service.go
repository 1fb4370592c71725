package services

import (
	"context"
	"errors"
	"fmt"

	"drone-overwatch/db"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/shared"
)

var ErrJournalDisabled = errors.New("event journal disabled")

// DroneService is the HTTP-facing view of the drone store.
type DroneService struct {
	store   *store.Store
	journal *db.Journal
}

// NewDroneService wraps s. journal may be nil when the journal is off.
func NewDroneService(s *store.Store, journal *db.Journal) *DroneService {
	return &DroneService{store: s, journal: journal}
}

func (s *DroneService) ListDrones() []ontology.Drone {
	return s.store.List()
}

func (s *DroneService) GetDrone(droneID string) (ontology.Drone, error) {
	d, ok := s.store.Get(droneID)
	if !ok {
		return ontology.Drone{}, fmt.Errorf("%w: %s", store.ErrUnknownDrone, droneID)
	}
	return d, nil
}

// Selection is the body of the selection endpoints.
type Selection struct {
	DroneID string          `json:"drone_id"`
	Drone   *ontology.Drone `json:"drone,omitempty"`
}

func (s *DroneService) GetSelection() Selection {
	d, ok := s.store.Selected()
	if !ok {
		return Selection{}
	}
	return Selection{DroneID: d.DroneID, Drone: &d}
}

func (s *DroneService) Select(droneID string) (Selection, error) {
	if err := s.store.Select(droneID); err != nil {
		return Selection{}, err
	}
	return s.GetSelection(), nil
}

type MarkOfflineRequest struct {
	DroneID string `json:"drone_id"`
	Reason  string `json:"reason"`
	By      string `json:"by"`
}

func (s *DroneService) MarkOffline(req MarkOfflineRequest) (ontology.Drone, error) {
	if req.DroneID == "" {
		return ontology.Drone{}, ontology.ErrMissingDroneID
	}
	if err := s.store.MarkOffline(req.DroneID, req.Reason, req.By); err != nil {
		return ontology.Drone{}, err
	}
	return s.GetDrone(req.DroneID)
}

func (s *DroneService) RecentEvents(ctx context.Context, droneID string, limit int) ([]shared.Event, error) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	return s.journal.Recent(ctx, droneID, limit)
}
