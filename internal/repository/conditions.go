package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const conditionColumns = `project_id, key, description, enabled, conditions, config, created_at, updated_at`

func scanCondition(row pgx.Row) (Condition, error) {
	var c Condition
	err := row.Scan(
		&c.ProjectID,
		&c.Key,
		&c.Description,
		&c.Enabled,
		&c.Conditions,
		&c.Config,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// CreateCondition inserts a condition and returns it with server-generated
// timestamps.
func (r *PostgresRepository) CreateCondition(ctx context.Context, condition Condition) (Condition, error) {
	created, err := scanCondition(r.pool.QueryRow(ctx, `
		INSERT INTO conditions (project_id, key, description, enabled, conditions, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+conditionColumns,
		condition.ProjectID,
		condition.Key,
		condition.Description,
		condition.Enabled,
		ensureJSON(condition.Conditions, "{}"),
		ensureJSON(condition.Config, "{}"),
	))
	if err != nil {
		return Condition{}, fmt.Errorf("create condition: %w", err)
	}
	return created, nil
}

// UpdateCondition replaces a condition identified by project and key.
// Returns pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) UpdateCondition(ctx context.Context, condition Condition) (Condition, error) {
	updated, err := scanCondition(r.pool.QueryRow(ctx, `
		UPDATE conditions
		SET description = $3,
		    enabled = $4,
		    conditions = $5,
		    config = $6,
		    updated_at = NOW()
		WHERE project_id = $1 AND key = $2
		RETURNING `+conditionColumns,
		condition.ProjectID,
		condition.Key,
		condition.Description,
		condition.Enabled,
		ensureJSON(condition.Conditions, "{}"),
		ensureJSON(condition.Config, "{}"),
	))
	if err != nil {
		return Condition{}, fmt.Errorf("update condition: %w", err)
	}
	return updated, nil
}

// GetCondition returns pgx.ErrNoRows (wrapped) if the condition does not
// exist.
func (r *PostgresRepository) GetCondition(ctx context.Context, projectID, key string) (Condition, error) {
	c, err := scanCondition(r.pool.QueryRow(ctx, `
		SELECT `+conditionColumns+`
		FROM conditions
		WHERE project_id = $1 AND key = $2
	`, projectID, key))
	if err != nil {
		return Condition{}, fmt.Errorf("get condition: %w", err)
	}
	return c, nil
}

// ListConditions returns every condition across projects ordered by project
// and key. The service cache loads from it.
func (r *PostgresRepository) ListConditions(ctx context.Context) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conditionColumns+`
		FROM conditions
		ORDER BY project_id, key
	`)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	conditions := make([]Condition, 0)
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan condition: %w", err)
		}
		conditions = append(conditions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conditions rows: %w", err)
	}

	return conditions, nil
}

// DeleteCondition returns pgx.ErrNoRows (wrapped) if the condition does not
// exist.
func (r *PostgresRepository) DeleteCondition(ctx context.Context, projectID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM conditions WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete condition: %w", err)
	}
	return requireRow(commandTag, "delete condition")
}
