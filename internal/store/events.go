package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent inserts the next event for a project inside the caller's
// transaction, so the event commits or rolls back together with the mutation
// it describes. A per-project advisory lock scoped to the transaction
// serializes concurrent appenders, keeping seq strictly increasing and
// gapless; the (project_id, seq) primary key is the backstop.
func (s *PostgresStore) AppendEvent(ctx context.Context, tx DBTX, event Event) (Event, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('project_events'), hashtext($1))`, event.ProjectID); err != nil {
		return Event{}, fmt.Errorf("lock event seq: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM project_events WHERE project_id=$1
	`, event.ProjectID).Scan(&next); err != nil {
		return Event{}, fmt.Errorf("next event seq: %w", err)
	}

	ts := event.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := event.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_events (project_id, seq, id, type, payload, ts)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, event.ProjectID, next, event.ID, event.Type, string(payload), ts); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	event.Seq = next
	event.TS = ts
	event.Payload = payload
	return event, nil
}

// ListEventsSince returns events with seq > sinceSeq in ascending order,
// bounded by limit.
func (s *PostgresStore) ListEventsSince(ctx context.Context, projectID string, sinceSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, seq, id, type, payload, ts
		FROM project_events
		WHERE project_id=$1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, projectID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var item Event
		var payload []byte
		if err := rows.Scan(&item.ProjectID, &item.Seq, &item.ID, &item.Type, &payload, &item.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

// LatestSeq returns the current high-water mark for a project, 0 if the
// project has no events yet.
func (s *PostgresStore) LatestSeq(ctx context.Context, projectID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM project_events WHERE project_id=$1
	`, projectID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
