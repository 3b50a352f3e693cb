package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskboard/api/internal/policy"
	"taskboard/api/internal/position"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type CreateTaskInput struct {
	Title    string              `json:"title"`
	Notes    string              `json:"notes"`
	Override *policy.WIPOverride `json:"wipOverride,omitempty"`
}

type UpdateTaskInput struct {
	Title           *string `json:"title,omitempty"`
	Notes           *string `json:"notes,omitempty"`
	ExpectedVersion int64   `json:"expectedVersion"`
}

type ChangeStatusInput struct {
	Status          string `json:"status"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// listScopePolicy converts a loaded list scope into the policy view.
func listScopePolicy(scope store.ListScope) policy.Scope {
	return policy.Scope{
		ProjectArchived: scope.ProjectArchived,
		BoardArchived:   boolPtr(scope.BoardArchived),
		ListArchived:    boolPtr(scope.List.Status == store.StatusArchived),
	}
}

// taskScopePolicy covers the task's ancestors; the task's own lifecycle is
// governed by the status machine, not the archive cascade.
func taskScopePolicy(scope store.TaskScope) policy.Scope {
	return policy.Scope{
		ProjectArchived: scope.ProjectArchived,
		BoardArchived:   boolPtr(scope.BoardArchived),
		ListArchived:    boolPtr(scope.ListArchived),
	}
}

// checkWIPAdmission enforces the WIP limit for a task entering a list. An
// enabled override is honored only for roles allowed to override.
func (s *Service) checkWIPAdmission(ctx context.Context, role rbac.Role, list store.List, override *policy.WIPOverride) error {
	if override != nil && override.Enabled && !rbac.Can(role, rbac.ActionOverrideWIP) {
		return forbidden()
	}
	active, err := s.store.CountActiveTasks(ctx, list.ID)
	if err != nil {
		return err
	}
	return policy.AssertAllowsAdd(list.WIPLimited, list.WIPLimit, active, override)
}

// CreateTask appends a task at the end of a list. Position collisions with
// concurrent creators are retried with a fresh end-of-list key.
func (s *Service) CreateTask(ctx context.Context, actor Session, listID string, input CreateTaskInput) (store.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Task{}, validationError("title is required")
	}

	scope, err := s.store.GetListScope(ctx, listID)
	if err != nil {
		return store.Task{}, err
	}
	role, err := s.requireAction(ctx, scope.List.ProjectID, actor.UserID, rbac.ActionWrite)
	if err != nil {
		return store.Task{}, err
	}
	if err := policy.AssertWritable(listScopePolicy(scope)); err != nil {
		return store.Task{}, err
	}
	if err := s.checkWIPAdmission(ctx, role, scope.List, input.Override); err != nil {
		return store.Task{}, err
	}

	task := store.Task{
		ID:        util.NewID("tsk"),
		ListID:    listID,
		ProjectID: scope.List.ProjectID,
		Title:     title,
		Notes:     input.Notes,
		Status:    string(policy.StatusOpen),
	}

	var created store.Event
	for attempt := 1; ; attempt++ {
		key, err := s.endOfListKey(ctx, listID)
		if errors.Is(err, position.ErrNoSpace) {
			if err := s.store.RebalanceList(ctx, listID); err != nil {
				return store.Task{}, err
			}
			continue
		}
		if err != nil {
			return store.Task{}, err
		}
		task.Position = key

		txErr := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := s.store.CreateTask(ctx, tx, task); err != nil {
				return err
			}
			event, err := s.recordEvent(ctx, tx, task.ProjectID, "task.created", task.ID, actor.UserID, map[string]any{
				"taskId":   task.ID,
				"listId":   listID,
				"title":    task.Title,
				"position": task.Position,
			})
			if err != nil {
				return err
			}
			created = event
			return nil
		})
		if txErr == nil {
			break
		}
		if store.IsUniqueViolation(txErr) && attempt < s.cfg.MoveMaxAttempts {
			continue
		}
		return store.Task{}, txErr
	}

	s.broadcast(created)
	full, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(full)
	return full, nil
}

// endOfListKey returns a key sorting after every task currently in the list.
func (s *Service) endOfListKey(ctx context.Context, listID string) (string, error) {
	tasks, err := s.store.ListTasksByList(ctx, listID)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return position.GenerateBetween(nil, nil)
	}
	last := tasks[len(tasks)-1].Position
	return position.GenerateBetween(&last, nil)
}

func (s *Service) UpdateTask(ctx context.Context, actor Session, taskID string, input UpdateTaskInput) (store.Task, error) {
	scope, err := s.store.GetTaskScope(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.requireAction(ctx, scope.Task.ProjectID, actor.UserID, rbac.ActionWrite); err != nil {
		return store.Task{}, err
	}
	archivedScope := taskScopePolicy(scope)
	archivedScope.TaskArchived = boolPtr(scope.Task.Status == string(policy.StatusArchived))
	if err := policy.AssertWritable(archivedScope); err != nil {
		return store.Task{}, err
	}

	title := scope.Task.Title
	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
	}
	if title == "" {
		return store.Task{}, validationError("title is required")
	}
	notes := scope.Task.Notes
	if input.Notes != nil {
		notes = *input.Notes
	}

	var updated store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.UpdateTaskFields(ctx, tx, taskID, input.ExpectedVersion, title, notes)
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("task")
		}
		event, err := s.recordEvent(ctx, tx, scope.Task.ProjectID, "task.updated", taskID, actor.UserID, map[string]any{
			"taskId": taskID,
			"title":  title,
		})
		if err != nil {
			return err
		}
		updated = event
		return nil
	})
	if err != nil {
		return store.Task{}, err
	}

	s.broadcast(updated)
	full, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(full)
	return full, nil
}

// ChangeTaskStatus moves a task through its status machine. Same-status
// changes are idempotent and still bump the version.
func (s *Service) ChangeTaskStatus(ctx context.Context, actor Session, taskID string, input ChangeStatusInput) (store.Task, error) {
	next := policy.Status(input.Status)
	if !policy.ValidStatus(next) {
		return store.Task{}, validationError("unknown task status")
	}

	scope, err := s.store.GetTaskScope(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.requireAction(ctx, scope.Task.ProjectID, actor.UserID, rbac.ActionWrite); err != nil {
		return store.Task{}, err
	}
	if err := policy.AssertWritable(taskScopePolicy(scope)); err != nil {
		return store.Task{}, err
	}
	if err := policy.AssertTransition(policy.Status(scope.Task.Status), next); err != nil {
		return store.Task{}, err
	}

	eventType := "task.status_changed"
	if next == policy.StatusArchived {
		eventType = "task.archived"
	}

	var changed store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.UpdateTaskStatus(ctx, tx, taskID, input.ExpectedVersion, string(next))
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("task")
		}
		event, err := s.recordEvent(ctx, tx, scope.Task.ProjectID, eventType, taskID, actor.UserID, map[string]any{
			"taskId": taskID,
			"from":   scope.Task.Status,
			"to":     string(next),
		})
		if err != nil {
			return err
		}
		changed = event
		return nil
	})
	if err != nil {
		return store.Task{}, err
	}

	s.broadcast(changed)
	full, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(full)
	return full, nil
}
