package app

import (
	"context"
	"database/sql"
	"strings"

	"taskboard/api/internal/policy"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

func archiveStatus(archived bool) string {
	if archived {
		return store.StatusArchived
	}
	return store.StatusActive
}

func archiveEvent(entity string, archived bool) string {
	if archived {
		return entity + ".archived"
	}
	return entity + ".unarchived"
}

func boolPtr(v bool) *bool { return &v }

func (s *Service) CreateProject(ctx context.Context, actor Session, name string) (store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, validationError("name is required")
	}

	project := store.Project{ID: util.NewID("prj"), Name: name}
	var created store.Event
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateProject(ctx, tx, project, actor.UserID); err != nil {
			return err
		}
		event, err := s.recordEvent(ctx, tx, project.ID, "project.created", "", actor.UserID, map[string]any{
			"projectId": project.ID,
			"name":      project.Name,
			"ownerId":   actor.UserID,
		})
		if err != nil {
			return err
		}
		created = event
		return nil
	})
	if err != nil {
		return store.Project{}, err
	}

	s.broadcast(created)
	full, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(full)
	return full, nil
}

func (s *Service) CreateBoard(ctx context.Context, actor Session, projectID, name string) (store.Board, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Board{}, validationError("name is required")
	}
	if _, err := s.requireAction(ctx, projectID, actor.UserID, rbac.ActionWrite); err != nil {
		return store.Board{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Board{}, err
	}
	if err := policy.AssertWritable(policy.Scope{ProjectArchived: project.Status == store.StatusArchived}); err != nil {
		return store.Board{}, err
	}

	board := store.Board{ID: util.NewID("brd"), ProjectID: projectID, Name: name}
	var created store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateBoard(ctx, tx, board); err != nil {
			return err
		}
		event, err := s.recordEvent(ctx, tx, projectID, "board.created", "", actor.UserID, map[string]any{
			"boardId": board.ID,
			"name":    board.Name,
		})
		if err != nil {
			return err
		}
		created = event
		return nil
	})
	if err != nil {
		return store.Board{}, err
	}

	s.broadcast(created)
	return s.store.GetBoard(ctx, board.ID)
}

func (s *Service) CreateList(ctx context.Context, actor Session, boardID, name string, wipLimited bool, wipLimit *int) (store.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.List{}, validationError("name is required")
	}
	if wipLimited && (wipLimit == nil || *wipLimit < 0) {
		return store.List{}, validationError("wipLimit must be a non-negative integer when the list is WIP limited")
	}
	if !wipLimited {
		wipLimit = nil
	}

	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.List{}, err
	}
	if _, err := s.requireAction(ctx, board.ProjectID, actor.UserID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}
	project, err := s.store.GetProject(ctx, board.ProjectID)
	if err != nil {
		return store.List{}, err
	}
	if err := policy.AssertWritable(policy.Scope{
		ProjectArchived: project.Status == store.StatusArchived,
		BoardArchived:   boolPtr(board.Status == store.StatusArchived),
	}); err != nil {
		return store.List{}, err
	}

	list := store.List{
		ID:         util.NewID("lst"),
		BoardID:    boardID,
		ProjectID:  board.ProjectID,
		Name:       name,
		WIPLimited: wipLimited,
		WIPLimit:   wipLimit,
	}
	var created store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateList(ctx, tx, list); err != nil {
			return err
		}
		event, err := s.recordEvent(ctx, tx, board.ProjectID, "list.created", "", actor.UserID, map[string]any{
			"listId":       list.ID,
			"boardId":      boardID,
			"name":         list.Name,
			"isWipLimited": wipLimited,
			"wipLimit":     wipLimit,
		})
		if err != nil {
			return err
		}
		created = event
		return nil
	})
	if err != nil {
		return store.List{}, err
	}

	s.broadcast(created)
	scope, err := s.store.GetListScope(ctx, list.ID)
	if err != nil {
		return store.List{}, err
	}
	return scope.List, nil
}

// SetProjectArchived archives or reactivates a project. Archiving cascades by
// policy, not by data: children keep their own status and become read-only
// because every write checks the ancestor chain.
func (s *Service) SetProjectArchived(ctx context.Context, actor Session, projectID string, expectedVersion int64, archived bool) (store.Project, error) {
	if _, err := s.requireAction(ctx, projectID, actor.UserID, rbac.ActionAdmin); err != nil {
		return store.Project{}, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Project{}, err
	}

	var changed store.Event
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.SetProjectStatus(ctx, tx, projectID, expectedVersion, archiveStatus(archived))
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("project")
		}
		event, err := s.recordEvent(ctx, tx, projectID, archiveEvent("project", archived), "", actor.UserID, map[string]any{
			"projectId": projectID,
		})
		if err != nil {
			return err
		}
		changed = event
		return nil
	})
	if err != nil {
		return store.Project{}, err
	}

	s.broadcast(changed)
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(project)
	return project, nil
}

// SetBoardArchived archives or reactivates a board. Either direction is a
// write on the board and requires the project itself to be active.
func (s *Service) SetBoardArchived(ctx context.Context, actor Session, boardID string, expectedVersion int64, archived bool) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}
	if _, err := s.requireAction(ctx, board.ProjectID, actor.UserID, rbac.ActionAdmin); err != nil {
		return store.Board{}, err
	}
	project, err := s.store.GetProject(ctx, board.ProjectID)
	if err != nil {
		return store.Board{}, err
	}
	if err := policy.AssertWritable(policy.Scope{ProjectArchived: project.Status == store.StatusArchived}); err != nil {
		return store.Board{}, err
	}

	var changed store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.SetBoardStatus(ctx, tx, boardID, expectedVersion, archiveStatus(archived))
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("board")
		}
		event, err := s.recordEvent(ctx, tx, board.ProjectID, archiveEvent("board", archived), "", actor.UserID, map[string]any{
			"boardId": boardID,
		})
		if err != nil {
			return err
		}
		changed = event
		return nil
	})
	if err != nil {
		return store.Board{}, err
	}

	s.broadcast(changed)
	return s.store.GetBoard(ctx, boardID)
}

// SetListArchived archives or reactivates a list; the board and project above
// it must be active.
func (s *Service) SetListArchived(ctx context.Context, actor Session, listID string, expectedVersion int64, archived bool) (store.List, error) {
	scope, err := s.store.GetListScope(ctx, listID)
	if err != nil {
		return store.List{}, err
	}
	if _, err := s.requireAction(ctx, scope.List.ProjectID, actor.UserID, rbac.ActionAdmin); err != nil {
		return store.List{}, err
	}
	if err := policy.AssertWritable(policy.Scope{
		ProjectArchived: scope.ProjectArchived,
		BoardArchived:   boolPtr(scope.BoardArchived),
	}); err != nil {
		return store.List{}, err
	}

	var changed store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.SetListStatus(ctx, tx, listID, expectedVersion, archiveStatus(archived))
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("list")
		}
		event, err := s.recordEvent(ctx, tx, scope.List.ProjectID, archiveEvent("list", archived), "", actor.UserID, map[string]any{
			"listId": listID,
		})
		if err != nil {
			return err
		}
		changed = event
		return nil
	})
	if err != nil {
		return store.List{}, err
	}

	s.broadcast(changed)
	fresh, err := s.store.GetListScope(ctx, listID)
	if err != nil {
		return store.List{}, err
	}
	return fresh.List, nil
}

// UpdateMemberRole changes another member's role. Only an owner may grant or
// revoke ownership.
func (s *Service) UpdateMemberRole(ctx context.Context, actor Session, projectID, userID string, expectedVersion int64, role string) error {
	normalized := rbac.Role(role)
	switch normalized {
	case rbac.RoleViewer, rbac.RoleMember, rbac.RoleAdmin, rbac.RoleOwner:
	default:
		return validationError("role must be one of viewer, member, admin, owner")
	}

	actorRole, err := s.requireAction(ctx, projectID, actor.UserID, rbac.ActionAdmin)
	if err != nil {
		return err
	}
	currentRole, err := s.store.GetMembershipRole(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if (normalized == rbac.RoleOwner || rbac.Normalize(currentRole) == rbac.RoleOwner) && actorRole != rbac.RoleOwner {
		return forbidden()
	}

	var changed store.Event
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		affected, err := s.store.UpdateMembershipRole(ctx, tx, projectID, userID, expectedVersion, string(normalized))
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionConflict("membership")
		}
		event, err := s.recordEvent(ctx, tx, projectID, "member.role_changed", "", actor.UserID, map[string]any{
			"userId": userID,
			"role":   string(normalized),
		})
		if err != nil {
			return err
		}
		changed = event
		return nil
	})
	if err != nil {
		return err
	}

	s.broadcast(changed)
	return nil
}
