// Package policy holds the pure write-admission rules for the board hierarchy:
// archived-scope checks, the task status state machine, and WIP limits.
package policy

import "fmt"

// Status values for task lifecycle.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusArchived   Status = "archived"
)

// ArchivedError reports the single topmost archived scope that blocks a write.
type ArchivedError struct {
	Scope string // "project", "board", "list" or "task"
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("%s is archived and read-only", e.Scope)
}

// TransitionError reports a disallowed task status transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

// WIPLimitError reports a rejected add to a WIP-limited list.
type WIPLimitError struct {
	Limit  int
	Active int
}

func (e *WIPLimitError) Error() string {
	return fmt.Sprintf("wip limit %d reached (%d active tasks)", e.Limit, e.Active)
}

// Scope carries the archived/active status of as many hierarchy levels as the
// caller knows. Project is always required; the rest are optional.
type Scope struct {
	ProjectArchived bool
	BoardArchived   *bool
	ListArchived    *bool
	TaskArchived    *bool
}

// AssertWritable checks the hierarchy top-down and returns an ArchivedError
// naming only the first archived level found.
func AssertWritable(scope Scope) error {
	if scope.ProjectArchived {
		return &ArchivedError{Scope: "project"}
	}
	if scope.BoardArchived != nil && *scope.BoardArchived {
		return &ArchivedError{Scope: "board"}
	}
	if scope.ListArchived != nil && *scope.ListArchived {
		return &ArchivedError{Scope: "list"}
	}
	if scope.TaskArchived != nil && *scope.TaskArchived {
		return &ArchivedError{Scope: "task"}
	}
	return nil
}

// transitions is the directed edge set of the task status machine. Terminal
// states have no outgoing edges; X -> X is always allowed and not listed.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusBlocked, StatusDone, StatusArchived},
	StatusInProgress: {StatusBlocked, StatusDone, StatusArchived},
	StatusBlocked:    {StatusInProgress, StatusDone, StatusArchived},
	StatusDone:       {StatusArchived},
	StatusArchived:   {},
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// AssertTransition validates a status change. Same-state changes are
// idempotent no-ops and always allowed.
func AssertTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// WIPOverride lets a privileged caller push a task into a full list. Role
// gating happens before this policy is consulted.
type WIPOverride struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// AssertAllowsAdd checks whether one more active task may enter a list.
// Lists without a limit always admit. An enabled override bypasses the limit.
func AssertAllowsAdd(wipLimited bool, limit *int, activeCount int, override *WIPOverride) error {
	if !wipLimited || limit == nil {
		return nil
	}
	if activeCount < *limit {
		return nil
	}
	if override != nil && override.Enabled {
		return nil
	}
	return &WIPLimitError{Limit: *limit, Active: activeCount}
}
