package store

import (
	"context"
	"database/sql"
	"fmt"

	"taskboard/api/internal/position"
)

// RebalanceList re-keys every task in a list to evenly spaced positions
// across the full key space. The rewrite happens in two passes inside one
// transaction: first every task moves to a placeholder outside the normal key
// format ('!' sorts below the alphabet and cannot collide with a real key),
// then each task gets its final key. The intermediate pass keeps the
// (list_id, position) uniqueness constraint satisfied throughout.
func (s *PostgresStore) RebalanceList(ctx context.Context, listID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE list_id=$1
			ORDER BY position ASC, id ASC
			FOR UPDATE
		`, listID)
		if err != nil {
			return fmt.Errorf("lock list tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate task ids: %w", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		step := position.MaxValue / uint64(len(ids)+1)
		if step == 0 {
			return nil
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET position=$2 WHERE id=$1
			`, id, "!"+id); err != nil {
				return fmt.Errorf("stage task position: %w", err)
			}
		}

		for i, id := range ids {
			key := position.Encode(step * uint64(i+1))
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET position=$2 WHERE id=$1
			`, id, key); err != nil {
				return fmt.Errorf("assign task position: %w", err)
			}
		}
		return nil
	})
}
