package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drone-overwatch/pkg/shared"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

// Journal appends side-effect events to drone_events.
type Journal struct {
	svc *Service
}

func NewJournal(svc *Service) *Journal {
	return &Journal{svc: svc}
}

// Record stores ev. Replayed events with a known ID are ignored.
func (j *Journal) Record(ctx context.Context, ev shared.Event) error {
	query := `
		INSERT OR IGNORE INTO drone_events
			(event_id, event_type, source, drone_id, state, previous, reason, attempt, retry_in_ms, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.svc.DB.ExecContext(ctx, query,
		ev.ID,
		ev.Type,
		ev.Source,
		nullString(ev.DroneID),
		nullString(ev.State),
		nullString(ev.Previous),
		nullString(ev.Reason),
		ev.Attempt,
		time.Duration(ev.RetryIn).Milliseconds(),
		ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", ev.ID, err)
	}
	return nil
}

// Handle adapts Record to an event bus subscriber.
func (j *Journal) Handle(ev shared.Event) {
	if err := j.Record(context.Background(), ev); err != nil {
		j.svc.logger.Error("Failed to journal event", "event_id", ev.ID, "type", ev.Type, "error", err)
	}
}

// Recent returns up to limit events, newest first, optionally only for
// droneID.
func (j *Journal) Recent(ctx context.Context, droneID string, limit int) ([]shared.Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	query := `
		SELECT event_id, event_type, source, drone_id, state, previous, reason, attempt, retry_in_ms, occurred_at
		FROM drone_events
	`
	args := []any{}
	if droneID != "" {
		query += ` WHERE drone_id = ?`
		args = append(args, droneID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.svc.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []shared.Event
	for rows.Next() {
		var (
			ev                             shared.Event
			drone, state, previous, reason sql.NullString
			retryMs                        int64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &drone, &state, &previous, &reason,
			&ev.Attempt, &retryMs, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.DroneID = drone.String
		ev.State = state.String
		ev.Previous = previous.String
		ev.Reason = reason.String
		ev.RetryIn = shared.Duration(time.Duration(retryMs) * time.Millisecond)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
