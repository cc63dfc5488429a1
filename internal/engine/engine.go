package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/logging"
	"signoff/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Ledger
	Events events.Writer
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Ledger{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Logger: logging.OrNop(logger),
		Now:    time.Now,
		locks:  newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) event(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload)
}

func projectRef(id string) domain.ArtifactRef {
	return domain.ArtifactRef{Kind: "project", ID: id}
}

type UserCreateOptions struct {
	ID      string
	Name    string
	Role    string
	ActorID string
}

var knownRoles = []string{
	domain.RoleSecretary, domain.RoleWorker, domain.RoleSponsor, domain.RoleApprovalLeader,
	domain.RoleAdmin, domain.RoleDev, domain.RoleLeader,
}

func validRole(role string) bool {
	for _, r := range knownRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.User{}, ValidationError{Field: "name", Msg: "is required"}
	}
	if opts.Role == "" {
		opts.Role = domain.RoleWorker
	}
	if !validRole(opts.Role) {
		return domain.User{}, ValidationError{Field: "role", Msg: fmt.Sprintf("unknown role %q", opts.Role)}
	}
	u := domain.User{ID: opts.ID, Name: opts.Name, Role: opts.Role, CreatedAt: e.stamp()}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	actor := opts.ActorID
	if actor == "" {
		actor = u.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.event(ctx, tx, events.UserCreated, "user", u.ID, actor, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

type ProjectCreateOptions struct {
	ID        string
	Title     string
	IssuerID  string
	Members   []string
	Sponsors  []string
	Approvers []string
}

// CreateProject inserts a project with its membership. Every member, sponsor
// and approver, and the issuer, can view the project.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Project{}, ValidationError{Field: "title", Msg: "is required"}
	}
	if opts.IssuerID == "" {
		return domain.Project{}, ValidationError{Field: "issuer_id", Msg: "is required"}
	}
	p := domain.Project{
		ID:        opts.ID,
		Title:     opts.Title,
		Status:    domain.ProjectNew,
		IssuerID:  opts.IssuerID,
		CreatedAt: e.stamp(),
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUser(ctx, tx, p.IssuerID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	ref := projectRef(p.ID)
	if err := e.Auth.Assign(ctx, tx, domain.PermView, p.IssuerID, ref); err != nil {
		return domain.Project{}, err
	}
	groups := []struct {
		kind string
		ids  []string
	}{
		{domain.MemberWorker, opts.Members},
		{domain.MemberSponsor, opts.Sponsors},
		{domain.MemberApprover, opts.Approvers},
	}
	for _, g := range groups {
		for _, id := range g.ids {
			if err := e.addMember(ctx, tx, p.ID, id, g.kind); err != nil {
				return domain.Project{}, err
			}
		}
	}
	if err := e.event(ctx, tx, events.ProjectCreated, "project", p.ID, p.IssuerID, events.EventPayload{"title": p.Title}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, nil, p.ID)
}

func (e Engine) addMember(ctx context.Context, tx *sql.Tx, projectID, userID, kind string) error {
	switch kind {
	case domain.MemberWorker, domain.MemberSponsor, domain.MemberApprover:
	default:
		return ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown membership kind %q", kind)}
	}
	if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
		return err
	}
	if err := e.Repo.AddProjectMember(ctx, tx, projectID, userID, kind); err != nil {
		return fmt.Errorf("add %s %s: %w", kind, userID, err)
	}
	return e.Auth.Assign(ctx, tx, domain.PermView, userID, projectRef(projectID))
}

// AddProjectMember adds a user to a project after creation.
func (e Engine) AddProjectMember(ctx context.Context, projectID, userID, kind, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return domain.Project{}, err
	}
	if err := e.addMember(ctx, tx, projectID, userID, kind); err != nil {
		return domain.Project{}, err
	}
	if err := e.event(ctx, tx, events.MemberAdded, "project", projectID, actorID, events.EventPayload{"user_id": userID, "kind": kind}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, nil, projectID)
}

func (e Engine) SetProjectStatus(ctx context.Context, projectID, status, actorID string) (domain.Project, error) {
	switch status {
	case domain.ProjectNew, domain.ProjectStart, domain.ProjectEnd, domain.ProjectLock:
	default:
		return domain.Project{}, ValidationError{Field: "status", Msg: fmt.Sprintf("unknown project status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProject(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, status); err != nil {
		return domain.Project{}, err
	}
	if err := e.event(ctx, tx, events.ProjectStatus, "project", projectID, actorID, events.EventPayload{
		"from_status": p.Status,
		"to_status":   status,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = status
	return p, nil
}

type ArtifactCreateOptions struct {
	ID        string
	Kind      string
	ProjectID string
	CreatorID string
	Name      string
}

// CreateArtifact registers an artifact in a NEW or START project and seeds its
// permissions: the creator may change, submit and delete it, project members
// may view it and finalizers may perform the final review.
func (e Engine) CreateArtifact(ctx context.Context, opts ArtifactCreateOptions) (domain.Artifact, error) {
	if opts.Kind == "" {
		return domain.Artifact{}, ValidationError{Field: "kind", Msg: "is required"}
	}
	if opts.Kind == "project" {
		return domain.Artifact{}, ValidationError{Field: "kind", Msg: "project is reserved"}
	}
	if !e.config().KindAllowed(opts.Kind) {
		return domain.Artifact{}, ValidationError{Field: "kind", Msg: fmt.Sprintf("kind %q is not enabled", opts.Kind)}
	}
	if opts.ProjectID == "" || opts.CreatorID == "" {
		return domain.Artifact{}, ValidationError{Msg: "project_id and creator_id are required"}
	}
	now := e.stamp()
	a := domain.Artifact{
		ID:        opts.ID,
		Kind:      opts.Kind,
		ProjectID: opts.ProjectID,
		CreatorID: opts.CreatorID,
		Name:      opts.Name,
		State:     domain.StateNew,
		Status1:   domain.StatusNew,
		Status2:   domain.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProject(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if p.Status != domain.ProjectNew && p.Status != domain.ProjectStart {
		return domain.Artifact{}, ValidationError{Field: "project_id", Msg: fmt.Sprintf("project %s is %s", p.ID, p.Status)}
	}
	if _, err := e.Repo.GetUser(ctx, tx, opts.CreatorID); err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	ref := a.Ref()
	if err := e.Auth.AssignAll(ctx, tx, a.CreatorID, ref, domain.PermChange, domain.PermSubmit, domain.PermDelete, domain.PermView); err != nil {
		return domain.Artifact{}, err
	}
	for _, ids := range [][]string{p.Members, p.Sponsors, p.Approvers} {
		for _, id := range ids {
			if err := e.Auth.Assign(ctx, tx, domain.PermView, id, ref); err != nil {
				return domain.Artifact{}, err
			}
		}
	}
	users, err := e.Repo.ListUsers(ctx, tx)
	if err != nil {
		return domain.Artifact{}, err
	}
	var finalizers []domain.User
	for _, u := range users {
		if e.CanFinalizeReview(u) {
			finalizers = append(finalizers, u)
		}
	}
	if len(finalizers) == 0 {
		e.log().Warn("no final reviewers for artifact", zap.String("artifact", ref.String()))
	}
	for _, u := range finalizers {
		if err := e.Auth.Assign(ctx, tx, domain.PermFinalReview, u.ID, ref); err != nil {
			return domain.Artifact{}, err
		}
	}
	if err := e.event(ctx, tx, events.ArtifactCreated, a.Kind, a.ID, a.CreatorID, events.EventPayload{
		"project_id": a.ProjectID,
		"name":       a.Name,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// CanFinalizeReview reports whether u may perform the final review of
// finished artifacts.
func (e Engine) CanFinalizeReview(u domain.User) bool {
	return e.config().CanFinalizeReview(u.Role)
}

// CreateAPIKey issues a key for a user. The plain key is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	plain := "so_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.event(ctx, tx, events.APIKeyCreated, "user", userID, userID, events.EventPayload{"key_id": key.ID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ProcessesFor returns the approval history of an artifact, newest first.
func (e Engine) ProcessesFor(ctx context.Context, ref domain.ArtifactRef) ([]domain.Process, error) {
	if _, err := e.Repo.GetArtifact(ctx, nil, ref); err != nil {
		return nil, err
	}
	return e.Repo.ListProcesses(ctx, nil, repo.ProcessFilters{Artifact: ref})
}

// TasksFor returns the tasks of an artifact, optionally limited to one process.
func (e Engine) TasksFor(ctx context.Context, ref domain.ArtifactRef, processID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetArtifact(ctx, nil, ref); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, nil, repo.TaskFilters{Artifact: ref, ProcessID: processID})
}

// PendingTasks lists the tasks assigned to a user and not yet acted on.
func (e Engine) PendingTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, repo.TaskFilters{OwnerID: userID, Status: domain.StatusAssigned})
}

func (e Engine) HasMissions(ctx context.Context, userID string) (bool, error) {
	return e.Repo.HasPendingTasks(ctx, nil, userID)
}

// Permissions lists what a user may do on an artifact.
func (e Engine) Permissions(ctx context.Context, userID string, ref domain.ArtifactRef) ([]string, error) {
	return e.Auth.List(ctx, nil, userID, ref)
}
