package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authpw"
	"taskboard/api/internal/config"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is everything the service needs from persistent storage. It is
// satisfied by *store.PostgresStore and by the test fake.
type dataStore interface {
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	CreateProject(ctx context.Context, tx store.DBTX, project store.Project, ownerID string) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]store.Project, error)
	SetProjectStatus(ctx context.Context, tx store.DBTX, projectID string, expectedVersion int64, status string) (int64, error)

	CreateBoard(ctx context.Context, tx store.DBTX, board store.Board) error
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	SetBoardStatus(ctx context.Context, tx store.DBTX, boardID string, expectedVersion int64, status string) (int64, error)

	CreateList(ctx context.Context, tx store.DBTX, list store.List) error
	GetListScope(ctx context.Context, listID string) (store.ListScope, error)
	SetListStatus(ctx context.Context, tx store.DBTX, listID string, expectedVersion int64, status string) (int64, error)

	CreateTask(ctx context.Context, tx store.DBTX, task store.Task) error
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	GetTaskTx(ctx context.Context, tx store.DBTX, taskID string) (store.Task, error)
	GetTaskScope(ctx context.Context, taskID string) (store.TaskScope, error)
	ListTasksByList(ctx context.Context, listID string) ([]store.Task, error)
	CountActiveTasks(ctx context.Context, listID string) (int, error)
	MoveTask(ctx context.Context, tx store.DBTX, taskID string, expectedVersion int64, toListID, position string) (int64, error)
	UpdateTaskFields(ctx context.Context, tx store.DBTX, taskID string, expectedVersion int64, title, notes string) (int64, error)
	UpdateTaskStatus(ctx context.Context, tx store.DBTX, taskID string, expectedVersion int64, status string) (int64, error)
	RebalanceList(ctx context.Context, listID string) error

	GetMembershipRole(ctx context.Context, projectID, userID string) (string, error)
	ListMemberships(ctx context.Context, projectID string) ([]store.Membership, error)
	UpdateMembershipRole(ctx context.Context, tx store.DBTX, projectID, userID string, expectedVersion int64, role string) (int64, error)

	AppendEvent(ctx context.Context, tx store.DBTX, event store.Event) (store.Event, error)
	ListEventsSince(ctx context.Context, projectID string, sinceSeq int64, limit int) ([]store.Event, error)
	LatestSeq(ctx context.Context, projectID string) (int64, error)
	LoadSnapshot(ctx context.Context, projectID string) (store.Snapshot, error)

	InsertActivity(ctx context.Context, tx store.DBTX, entry store.Activity) error
	ListActivity(ctx context.Context, projectID string, limit int) ([]store.Activity, error)
}

// sessionStore holds refresh tokens, keyed by token hash.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	hub      *realtime.Hub
	search   *search.Service
}

// New wires the service. searchService may be nil when search is not
// configured.
func New(cfg config.Config, dataStore dataStore, sessions sessionStore, hub *realtime.Hub, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   authpw.NewService(dataStore),
		hub:      hub,
		search:   searchService,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// MemberRole implements realtime.Backend. Non-members get
// realtime.ErrNotMember instead of sql.ErrNoRows so the session protocol can
// close with a policy violation rather than a generic not-found.
func (s *Service) MemberRole(ctx context.Context, projectID, userID string) (string, error) {
	role, err := s.store.GetMembershipRole(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", realtime.ErrNotMember
	}
	return role, err
}

// Snapshot implements realtime.Backend.
func (s *Service) Snapshot(ctx context.Context, projectID string) (store.Snapshot, error) {
	return s.store.LoadSnapshot(ctx, projectID)
}

// EventsSince implements realtime.Backend.
func (s *Service) EventsSince(ctx context.Context, projectID string, sinceSeq int64, limit int) ([]store.Event, error) {
	return s.store.ListEventsSince(ctx, projectID, sinceSeq, limit)
}

// requireAction loads the caller's role in a project and checks it covers the
// action. Non-members and under-privileged members both get FORBIDDEN.
func (s *Service) requireAction(ctx context.Context, projectID, userID string, action rbac.Action) (rbac.Role, error) {
	roleText, err := s.MemberRole(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, realtime.ErrNotMember) {
			return "", forbidden()
		}
		return "", err
	}
	role := rbac.Normalize(roleText)
	if !rbac.Can(role, action) {
		return "", forbidden()
	}
	return role, nil
}

func (s *Service) Projects(ctx context.Context, userID string) ([]store.Project, error) {
	return s.store.ListProjectsForUser(ctx, userID)
}

func (s *Service) ProjectSnapshot(ctx context.Context, projectID, userID string) (store.Snapshot, error) {
	if _, err := s.requireAction(ctx, projectID, userID, rbac.ActionRead); err != nil {
		return store.Snapshot{}, err
	}
	return s.store.LoadSnapshot(ctx, projectID)
}

func (s *Service) Events(ctx context.Context, projectID, userID string, sinceSeq int64, limit int) ([]store.Event, error) {
	if _, err := s.requireAction(ctx, projectID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.ReplayBatchLimit {
		limit = s.cfg.ReplayBatchLimit
	}
	return s.store.ListEventsSince(ctx, projectID, sinceSeq, limit)
}

func (s *Service) Members(ctx context.Context, projectID, userID string) ([]store.Membership, error) {
	if _, err := s.requireAction(ctx, projectID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListMemberships(ctx, projectID)
}

// ListTasks returns the ordered projection of one list.
func (s *Service) ListTasks(ctx context.Context, listID, userID string) ([]store.Task, error) {
	scope, err := s.store.GetListScope(ctx, listID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAction(ctx, scope.List.ProjectID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTasksByList(ctx, listID)
}

func (s *Service) GetTask(ctx context.Context, taskID, userID string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.requireAction(ctx, task.ProjectID, userID, rbac.ActionRead); err != nil {
		return store.Task{}, err
	}
	return task, nil
}

func (s *Service) Activity(ctx context.Context, projectID, userID string, limit int) ([]store.Activity, error) {
	if _, err := s.requireAction(ctx, projectID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, projectID, limit)
}

// Search runs a scoped full-text search. The caller must be a member of the
// project it filters on.
func (s *Service) Search(ctx context.Context, userID, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(projectID) == "" {
		return search.Response{}, validationError("projectId is required")
	}
	if _, err := s.requireAction(ctx, projectID, userID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// recordEvent appends an event and a matching activity entry inside the
// caller's transaction, so the log commits atomically with the mutation.
func (s *Service) recordEvent(ctx context.Context, tx store.DBTX, projectID, eventType, taskID, actorID string, payload map[string]any) (store.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return store.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	event, err := s.store.AppendEvent(ctx, tx, store.Event{
		ID:        util.NewID("evt"),
		ProjectID: projectID,
		Type:      eventType,
		Payload:   raw,
	})
	if err != nil {
		return store.Event{}, err
	}
	if err := s.store.InsertActivity(ctx, tx, store.Activity{
		ID:        util.NewID("act"),
		ProjectID: projectID,
		TaskID:    taskID,
		ActorID:   actorID,
		Kind:      eventType,
		Detail:    raw,
	}); err != nil {
		return store.Event{}, err
	}
	return event, nil
}

// broadcast fans a committed event out to live subscribers. Called only after
// the owning transaction commits.
func (s *Service) broadcast(event store.Event) {
	if s.hub == nil {
		return
	}
	message, err := realtime.EncodeEvent(event)
	if err != nil {
		log.Printf("app: encode event %s: %v", event.ID, err)
		return
	}
	s.hub.Broadcast(event.ProjectID, message)
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:        task.ID,
		Title:     task.Title,
		Notes:     task.Notes,
		ProjectID: task.ProjectID,
		ListID:    task.ListID,
		Status:    task.Status,
	})
}

func (s *Service) indexProject(project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:     project.ID,
		Name:   project.Name,
		Status: project.Status,
	})
}
