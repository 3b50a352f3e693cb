package store

import (
	"context"
	"fmt"
)

// Conditional updates for versioned entities. Every statement bumps version by
// exactly one and matches on the caller's last-observed version; the returned
// count is zero when that version is stale. Callers must treat zero as a
// conflict, never as success. There are deliberately no unconditional update
// paths for these tables.

// MoveTask sets a task's list and position conditioned on expectedVersion.
func (s *PostgresStore) MoveTask(ctx context.Context, tx DBTX, taskID string, expectedVersion int64, toListID, position string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET list_id=$3, position=$4, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, taskID, expectedVersion, toListID, position)
	if err != nil {
		return 0, fmt.Errorf("move task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("move task rows: %w", err)
	}
	return affected, nil
}

// UpdateTaskFields sets title and notes conditioned on expectedVersion.
func (s *PostgresStore) UpdateTaskFields(ctx context.Context, tx DBTX, taskID string, expectedVersion int64, title, notes string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET title=$3, notes=$4, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, taskID, expectedVersion, title, notes)
	if err != nil {
		return 0, fmt.Errorf("update task fields: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update task fields rows: %w", err)
	}
	return affected, nil
}

// UpdateTaskStatus sets a task's status conditioned on expectedVersion.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, tx DBTX, taskID string, expectedVersion int64, status string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, taskID, expectedVersion, status)
	if err != nil {
		return 0, fmt.Errorf("update task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update task status rows: %w", err)
	}
	return affected, nil
}

// SetProjectStatus archives or reactivates a project conditioned on expectedVersion.
func (s *PostgresStore) SetProjectStatus(ctx context.Context, tx DBTX, projectID string, expectedVersion int64, status string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, projectID, expectedVersion, status)
	if err != nil {
		return 0, fmt.Errorf("set project status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set project status rows: %w", err)
	}
	return affected, nil
}

// SetBoardStatus archives or reactivates a board conditioned on expectedVersion.
func (s *PostgresStore) SetBoardStatus(ctx context.Context, tx DBTX, boardID string, expectedVersion int64, status string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE boards
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, boardID, expectedVersion, status)
	if err != nil {
		return 0, fmt.Errorf("set board status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set board status rows: %w", err)
	}
	return affected, nil
}

// SetListStatus archives or reactivates a list conditioned on expectedVersion.
func (s *PostgresStore) SetListStatus(ctx context.Context, tx DBTX, listID string, expectedVersion int64, status string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE lists
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
	`, listID, expectedVersion, status)
	if err != nil {
		return 0, fmt.Errorf("set list status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set list status rows: %w", err)
	}
	return affected, nil
}

// UpdateMembershipRole changes a member's role conditioned on expectedVersion.
func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, tx DBTX, projectID, userID string, expectedVersion int64, role string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE memberships
		SET role=$4, version=version+1, updated_at=NOW()
		WHERE project_id=$1 AND user_id=$2 AND version=$3
	`, projectID, userID, expectedVersion, role)
	if err != nil {
		return 0, fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update membership role rows: %w", err)
	}
	return affected, nil
}
