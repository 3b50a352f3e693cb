package app

import (
	"context"
	"database/sql"
	"errors"

	"taskboard/api/internal/policy"
	"taskboard/api/internal/position"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
)

type MoveTaskInput struct {
	ToListID        string              `json:"toListId"`
	AfterTaskID     string              `json:"afterTaskId,omitempty"`
	BeforeTaskID    string              `json:"beforeTaskId,omitempty"`
	ExpectedVersion int64               `json:"expectedVersion"`
	Override        *policy.WIPOverride `json:"wipOverride,omitempty"`
}

// MoveResult carries the updated task plus the authoritative order of the
// destination list after the move.
type MoveResult struct {
	Task  store.Task   `json:"task"`
	Order []store.Task `json:"order"`
}

// MoveTask places a task at a requested spot in a list. Placement runs as a
// bounded retry loop over (lowerBound, upperBound):
//
//   - a unique-violation on the generated key means a concurrent writer took
//     that spot; the lower bound narrows to the taken key and the next attempt
//     probes the upper half of the remaining gap
//   - ErrNoSpace means the gap is exhausted; the destination list is
//     rebalanced and the bounds recomputed
//   - a zero-row conditional update is a stale expectedVersion and fails
//     immediately, no retry can fix it
//
// When all attempts are spent, one final rebalance-then-retry runs before
// giving up.
func (s *Service) MoveTask(ctx context.Context, actor Session, taskID string, input MoveTaskInput) (MoveResult, error) {
	if input.ToListID == "" {
		return MoveResult{}, validationError("toListId is required")
	}

	scope, err := s.store.GetTaskScope(ctx, taskID)
	if err != nil {
		return MoveResult{}, err
	}
	role, err := s.requireAction(ctx, scope.Task.ProjectID, actor.UserID, rbac.ActionWrite)
	if err != nil {
		return MoveResult{}, err
	}
	sourceScope := taskScopePolicy(scope)
	sourceScope.TaskArchived = boolPtr(scope.Task.Status == string(policy.StatusArchived))
	if err := policy.AssertWritable(sourceScope); err != nil {
		return MoveResult{}, err
	}

	dest, err := s.store.GetListScope(ctx, input.ToListID)
	if err != nil {
		return MoveResult{}, err
	}
	if dest.List.ProjectID != scope.Task.ProjectID {
		return MoveResult{}, validationError("cannot move a task across projects")
	}
	if err := policy.AssertWritable(listScopePolicy(dest)); err != nil {
		return MoveResult{}, err
	}
	if dest.List.ID != scope.Task.ListID {
		if err := s.checkWIPAdmission(ctx, role, dest.List, input.Override); err != nil {
			return MoveResult{}, err
		}
	}

	apply := func(key string) (store.Event, store.Task, error) {
		var event store.Event
		var updated store.Task
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			affected, err := s.store.MoveTask(ctx, tx, taskID, input.ExpectedVersion, input.ToListID, key)
			if err != nil {
				return err
			}
			if affected == 0 {
				return versionConflict("task")
			}
			updated, err = s.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			event, err = s.recordEvent(ctx, tx, scope.Task.ProjectID, "task.moved", taskID, actor.UserID, map[string]any{
				"taskId":     taskID,
				"fromListId": scope.Task.ListID,
				"toListId":   input.ToListID,
				"position":   key,
				"version":    updated.Version,
			})
			return err
		})
		return event, updated, err
	}

	finish := func(event store.Event, task store.Task) (MoveResult, error) {
		s.broadcast(event)
		s.indexTask(task)
		order, err := s.store.ListTasksByList(ctx, input.ToListID)
		if err != nil {
			return MoveResult{}, err
		}
		return MoveResult{Task: task, Order: order}, nil
	}

	lower, upper, err := s.moveBounds(ctx, taskID, input)
	if err != nil {
		return MoveResult{}, err
	}

	for attempt := 1; attempt <= s.cfg.MoveMaxAttempts; attempt++ {
		key, err := position.GenerateBetween(lower, upper)
		if errors.Is(err, position.ErrNoSpace) {
			if err := s.store.RebalanceList(ctx, input.ToListID); err != nil {
				return MoveResult{}, err
			}
			lower, upper, err = s.moveBounds(ctx, taskID, input)
			if err != nil {
				return MoveResult{}, err
			}
			continue
		}
		if err != nil {
			return MoveResult{}, err
		}

		event, task, txErr := apply(key)
		if txErr == nil {
			return finish(event, task)
		}
		if store.IsUniqueViolation(txErr) {
			taken := key
			lower = &taken
			continue
		}
		return MoveResult{}, txErr
	}

	// Attempts exhausted under contention. Rebalance once more, recompute the
	// neighbourhood and try a single last time.
	if err := s.store.RebalanceList(ctx, input.ToListID); err != nil {
		return MoveResult{}, err
	}
	lower, upper, err = s.moveBounds(ctx, taskID, input)
	if err != nil {
		return MoveResult{}, err
	}
	key, err := position.GenerateBetween(lower, upper)
	if err != nil {
		return MoveResult{}, err
	}
	event, task, txErr := apply(key)
	if txErr != nil {
		if store.IsUniqueViolation(txErr) {
			return MoveResult{}, domainError(409, "MOVE_CONTENTION", "Could not place the task after repeated attempts", nil)
		}
		return MoveResult{}, txErr
	}
	return finish(event, task)
}

// moveBounds resolves the requested anchors into position-key bounds against
// the current destination order. The moving task itself is excluded so a
// same-list reorder never anchors on its own old position.
func (s *Service) moveBounds(ctx context.Context, taskID string, input MoveTaskInput) (*string, *string, error) {
	all, err := s.store.ListTasksByList(ctx, input.ToListID)
	if err != nil {
		return nil, nil, err
	}
	tasks := make([]store.Task, 0, len(all))
	for _, task := range all {
		if task.ID == taskID {
			continue
		}
		tasks = append(tasks, task)
	}

	find := func(id string) int {
		for i, task := range tasks {
			if task.ID == id {
				return i
			}
		}
		return -1
	}

	var lower, upper *string
	switch {
	case input.AfterTaskID != "" && input.BeforeTaskID != "":
		i := find(input.AfterTaskID)
		if i < 0 {
			return nil, nil, validationError("afterTaskId is not in the destination list")
		}
		j := find(input.BeforeTaskID)
		if j < 0 {
			return nil, nil, validationError("beforeTaskId is not in the destination list")
		}
		// Keys are fixed width, so string order is numeric order.
		if tasks[i].Position >= tasks[j].Position {
			return nil, nil, validationError("afterTaskId must sort before beforeTaskId")
		}
		lower = &tasks[i].Position
		upper = &tasks[j].Position
	case input.BeforeTaskID != "":
		i := find(input.BeforeTaskID)
		if i < 0 {
			return nil, nil, validationError("beforeTaskId is not in the destination list")
		}
		upper = &tasks[i].Position
		if i > 0 {
			lower = &tasks[i-1].Position
		}
	case input.AfterTaskID != "":
		i := find(input.AfterTaskID)
		if i < 0 {
			return nil, nil, validationError("afterTaskId is not in the destination list")
		}
		lower = &tasks[i].Position
		if i+1 < len(tasks) {
			upper = &tasks[i+1].Position
		}
	default:
		if len(tasks) > 0 {
			lower = &tasks[len(tasks)-1].Position
		}
	}
	return lower, upper, nil
}
