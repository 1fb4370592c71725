package workers

import (
	"context"
	"log/slog"

	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/shared"
)

type DeletionWorker struct {
	*BaseWorker
	store *store.Store
}

func NewDeletionWorker(registry Subscriber, s *store.Store, logger *slog.Logger) *DeletionWorker {
	return &DeletionWorker{
		BaseWorker: NewBaseWorker("DeletionWorker", registry, shared.SubjectDronesDeleted, logger),
		store:      s,
	}
}

func (w *DeletionWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(env ontology.Envelope) error {
		if !w.store.Remove(env.Deletion.DroneID) {
			w.logger.Debug("Deletion for unknown drone", "drone_id", env.Deletion.DroneID)
		}
		return nil
	})
}
