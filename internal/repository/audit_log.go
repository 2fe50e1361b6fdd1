package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation made through the API or the operator
// API.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (project_id, actor, action, target, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ProjectID, entry.Actor, entry.Action, entry.Target, ensureJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns a project's audit log entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, actor, action, target, details, created_at
		FROM audit_log
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Actor, &e.Action, &e.Target, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}
	return entries, nil
}
