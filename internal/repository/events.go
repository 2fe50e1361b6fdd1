package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `event_id, project_id, condition_key, event_type, payload, created_at`

func scanEvent(row pgx.Row) (ConditionEvent, error) {
	var e ConditionEvent
	err := row.Scan(&e.EventID, &e.ProjectID, &e.ConditionKey, &e.EventType, &e.Payload, &e.CreatedAt)
	return e, err
}

// PublishConditionEvent inserts an event and sends a NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishConditionEvent(ctx context.Context, event ConditionEvent) (ConditionEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ConditionEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO condition_events (project_id, condition_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING `+eventColumns,
		event.ProjectID,
		event.ConditionKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	))
	if err != nil {
		return ConditionEvent{}, fmt.Errorf("insert condition event: %w", err)
	}

	if err := r.notify(ctx, tx, notifyMessage{
		Kind:      "condition",
		ProjectID: created.ProjectID,
		Key:       created.ConditionKey,
		EventType: created.EventType,
	}); err != nil {
		return ConditionEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ConditionEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID for a project. A non-empty key narrows the result to
// one condition.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, projectID string, eventID int64, key string) ([]ConditionEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM condition_events
		WHERE event_id > $1
		  AND project_id = $2
		  AND ($3::text = '' OR condition_key = $3::text)
		ORDER BY event_id
		LIMIT $4
	`, eventID, projectID, key, r.eventBatch)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]ConditionEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}
