package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is satisfied by *sql.DB and *sql.Tx so read and write helpers can run
// either standalone or inside a caller-owned transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateProject inserts a project and its owner membership inside the
// caller's transaction.
func (s *PostgresStore) CreateProject(ctx context.Context, tx DBTX, project Project, ownerID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, version)
		VALUES ($1, $2, 'active', 1)
	`, project.ID, project.Name); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (project_id, user_id, role, version)
		VALUES ($1, $2, 'owner', 1)
	`, project.ID, ownerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, version, created_at, updated_at
		FROM projects WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.Status, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateBoard(ctx context.Context, tx DBTX, board Board) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO boards (id, project_id, name, status, version)
		VALUES ($1, $2, $3, 'active', 1)
	`, board.ID, board.ProjectID, board.Name)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var item Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, status, version, created_at, updated_at
		FROM boards WHERE id=$1
	`, boardID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.Status, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateList(ctx context.Context, tx DBTX, list List) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lists (id, board_id, project_id, name, status, wip_limited, wip_limit, version)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, 1)
	`, list.ID, list.BoardID, list.ProjectID, list.Name, list.WIPLimited, list.WIPLimit)
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetList(ctx context.Context, listID string) (List, error) {
	var item List
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, project_id, name, status, wip_limited, wip_limit, version, created_at, updated_at
		FROM lists WHERE id=$1
	`, listID).Scan(&item.ID, &item.BoardID, &item.ProjectID, &item.Name, &item.Status, &item.WIPLimited, &item.WIPLimit, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return List{}, err
	}
	return item, nil
}

// GetListScope loads a list together with the archived status of its board
// and project in one round trip.
func (s *PostgresStore) GetListScope(ctx context.Context, listID string) (ListScope, error) {
	var scope ListScope
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.board_id, l.project_id, l.name, l.status, l.wip_limited, l.wip_limit, l.version, l.created_at, l.updated_at,
			b.status = 'archived', p.status = 'archived'
		FROM lists l
		JOIN boards b ON b.id = l.board_id
		JOIN projects p ON p.id = l.project_id
		WHERE l.id=$1
	`, listID).Scan(
		&scope.List.ID, &scope.List.BoardID, &scope.List.ProjectID, &scope.List.Name, &scope.List.Status,
		&scope.List.WIPLimited, &scope.List.WIPLimit, &scope.List.Version, &scope.List.CreatedAt, &scope.List.UpdatedAt,
		&scope.BoardArchived, &scope.ProjectArchived,
	)
	if err != nil {
		return ListScope{}, err
	}
	return scope, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, tx DBTX, task Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, list_id, project_id, title, notes, status, position, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`, task.ID, task.ListID, task.ProjectID, task.Title, task.Notes, task.Status, task.Position)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return getTask(ctx, s.db, taskID)
}

// GetTaskTx reads a task inside a caller-owned transaction.
func (s *PostgresStore) GetTaskTx(ctx context.Context, tx DBTX, taskID string) (Task, error) {
	return getTask(ctx, tx, taskID)
}

func getTask(ctx context.Context, q DBTX, taskID string) (Task, error) {
	var item Task
	err := q.QueryRowContext(ctx, `
		SELECT id, list_id, project_id, title, notes, status, position, version, created_at, updated_at
		FROM tasks WHERE id=$1
	`, taskID).Scan(&item.ID, &item.ListID, &item.ProjectID, &item.Title, &item.Notes, &item.Status, &item.Position, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

// GetTaskScope loads a task together with the archived status of every
// ancestor level in one round trip.
func (s *PostgresStore) GetTaskScope(ctx context.Context, taskID string) (TaskScope, error) {
	var scope TaskScope
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.list_id, t.project_id, t.title, t.notes, t.status, t.position, t.version, t.created_at, t.updated_at,
			l.status = 'archived', b.status = 'archived', p.status = 'archived'
		FROM tasks t
		JOIN lists l ON l.id = t.list_id
		JOIN boards b ON b.id = l.board_id
		JOIN projects p ON p.id = t.project_id
		WHERE t.id=$1
	`, taskID).Scan(
		&scope.Task.ID, &scope.Task.ListID, &scope.Task.ProjectID, &scope.Task.Title, &scope.Task.Notes,
		&scope.Task.Status, &scope.Task.Position, &scope.Task.Version, &scope.Task.CreatedAt, &scope.Task.UpdatedAt,
		&scope.ListArchived, &scope.BoardArchived, &scope.ProjectArchived,
	)
	if err != nil {
		return TaskScope{}, err
	}
	return scope, nil
}

// ListTasksByList returns every task in a list ordered by (position, id).
func (s *PostgresStore) ListTasksByList(ctx context.Context, listID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, project_id, title, notes, status, position, version, created_at, updated_at
		FROM tasks
		WHERE list_id=$1
		ORDER BY position ASC, id ASC
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		if err := rows.Scan(&item.ID, &item.ListID, &item.ProjectID, &item.Title, &item.Notes, &item.Status, &item.Position, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// CountActiveTasks counts the non-archived tasks in a list, the figure WIP
// limits are evaluated against.
func (s *PostgresStore) CountActiveTasks(ctx context.Context, listID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE list_id=$1 AND status <> 'archived'
	`, listID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return count, nil
}

// ListProjectsForUser returns every project the user is a member of.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.status, p.version, p.created_at, p.updated_at
		FROM projects p
		JOIN memberships m ON m.project_id = p.id
		WHERE m.user_id=$1
		ORDER BY p.created_at ASC, p.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Status, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMembershipRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM memberships WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, projectID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role, version
		FROM memberships WHERE project_id=$1
		ORDER BY user_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.Version); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

// LoadSnapshot assembles the full current state of a project plus the event
// log high-water mark.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, projectID string) (Snapshot, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{Project: project, Boards: []Board{}, Lists: []List{}, Tasks: []Task{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, status, version, created_at, updated_at
		FROM boards WHERE project_id=$1 ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot boards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item Board
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Status, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot board: %w", err)
		}
		snapshot.Boards = append(snapshot.Boards, item)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot boards: %w", err)
	}

	listRows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, project_id, name, status, wip_limited, wip_limit, version, created_at, updated_at
		FROM lists WHERE project_id=$1 ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot lists: %w", err)
	}
	defer listRows.Close()
	for listRows.Next() {
		var item List
		if err := listRows.Scan(&item.ID, &item.BoardID, &item.ProjectID, &item.Name, &item.Status, &item.WIPLimited, &item.WIPLimit, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot list: %w", err)
		}
		snapshot.Lists = append(snapshot.Lists, item)
	}
	if err := listRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot lists: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, project_id, title, notes, status, position, version, created_at, updated_at
		FROM tasks WHERE project_id=$1 ORDER BY list_id ASC, position ASC, id ASC
	`, projectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var item Task
		if err := taskRows.Scan(&item.ID, &item.ListID, &item.ProjectID, &item.Title, &item.Notes, &item.Status, &item.Position, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot task: %w", err)
		}
		snapshot.Tasks = append(snapshot.Tasks, item)
	}
	if err := taskRows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot tasks: %w", err)
	}

	memberships, err := s.ListMemberships(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.Memberships = memberships

	seq, err := s.LatestSeq(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.Seq = seq

	return snapshot, nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, tx DBTX, entry Activity) error {
	detail := entry.Detail
	if detail == nil {
		detail = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity (id, project_id, task_id, actor_id, kind, detail)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::jsonb)
	`, entry.ID, entry.ProjectID, entry.TaskID, entry.ActorID, entry.Kind, string(detail))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest activity entries for a project.
func (s *PostgresStore) ListActivity(ctx context.Context, projectID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, COALESCE(task_id, ''), actor_id, kind, detail, created_at
		FROM activity
		WHERE project_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var item Activity
		var detail []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.TaskID, &item.ActorID, &item.Kind, &detail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Detail = detail
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}
