package workers

import (
	"context"
	"errors"
	"log/slog"

	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/store"
	"drone-overwatch/pkg/shared"
)

// PositionsWorker feeds the position broadcast into the store.
type PositionsWorker struct {
	*BaseWorker
	store *store.Store
}

func NewPositionsWorker(registry Subscriber, s *store.Store, logger *slog.Logger) *PositionsWorker {
	return &PositionsWorker{
		BaseWorker: NewBaseWorker("PositionsWorker", registry, shared.SubjectDronePositions, logger),
		store:      s,
	}
}

func (w *PositionsWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, func(env ontology.Envelope) error {
		return applyEach(env, w.store.ApplyRecord)
	})
}

// applyEach hands every record of env to apply and joins the failures.
func applyEach(env ontology.Envelope, apply func(ontology.Telemetry) error) error {
	var errs []error
	for _, rec := range env.Telemetry {
		if err := apply(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
