package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const environmentColumns = `project_id, site_id, snapshot, created_at, updated_at`

func scanEnvironment(row pgx.Row) (Environment, error) {
	var e Environment
	err := row.Scan(&e.ProjectID, &e.SiteID, &e.Snapshot, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// PutEnvironment inserts or replaces a site's snapshot and notifies
// listeners in the same transaction.
func (r *PostgresRepository) PutEnvironment(ctx context.Context, env Environment) (Environment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Environment{}, fmt.Errorf("begin put environment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := scanEnvironment(tx.QueryRow(ctx, `
		INSERT INTO environments (project_id, site_id, snapshot)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, site_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()
		RETURNING `+environmentColumns,
		env.ProjectID,
		env.SiteID,
		ensureJSON(env.Snapshot, "{}"),
	))
	if err != nil {
		return Environment{}, fmt.Errorf("put environment: %w", err)
	}

	if err := r.notify(ctx, tx, notifyMessage{Kind: "environment", ProjectID: env.ProjectID, Key: env.SiteID}); err != nil {
		return Environment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Environment{}, fmt.Errorf("commit put environment tx: %w", err)
	}

	return stored, nil
}

// GetEnvironment returns pgx.ErrNoRows (wrapped) if the site has no
// snapshot.
func (r *PostgresRepository) GetEnvironment(ctx context.Context, projectID, siteID string) (Environment, error) {
	e, err := scanEnvironment(r.pool.QueryRow(ctx, `
		SELECT `+environmentColumns+`
		FROM environments
		WHERE project_id = $1 AND site_id = $2
	`, projectID, siteID))
	if err != nil {
		return Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

// ListEnvironments returns every stored snapshot.
func (r *PostgresRepository) ListEnvironments(ctx context.Context) ([]Environment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+environmentColumns+`
		FROM environments
		ORDER BY project_id, site_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	envs := make([]Environment, 0)
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments rows: %w", err)
	}

	return envs, nil
}

// DeleteEnvironment returns pgx.ErrNoRows (wrapped) if the site has no
// snapshot.
func (r *PostgresRepository) DeleteEnvironment(ctx context.Context, projectID, siteID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete environment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	commandTag, err := tx.Exec(ctx, `DELETE FROM environments WHERE project_id = $1 AND site_id = $2`, projectID, siteID)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	if err := requireRow(commandTag, "delete environment"); err != nil {
		return err
	}
	if err := r.notify(ctx, tx, notifyMessage{Kind: "environment", ProjectID: projectID, Key: siteID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete environment tx: %w", err)
	}
	return nil
}
