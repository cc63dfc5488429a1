package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/logging"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

// Options selects the workspace and overrides parts of its config.
type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	// Logger, when set, is used instead of building one from config.
	Logger *zap.Logger
}

// Runtime is an engine bound to an opened and migrated workspace database.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	Logger *zap.Logger

	conn *sql.DB
}

// Open loads signoff.yml (falling back to defaults), builds the logger, opens
// the workspace database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = logging.New(cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("migrations", applied))
	}
	return &Runtime{
		Engine: engine.New(conn, cfg, logger),
		Config: cfg,
		Logger: logger,
		conn:   conn,
	}, nil
}

func (rt *Runtime) Close() error {
	_ = rt.Logger.Sync()
	return rt.conn.Close()
}

// ResolveActor loads the acting user, pointing at user creation when the id is
// unknown.
func (rt *Runtime) ResolveActor(ctx context.Context, actorID string) (domain.User, error) {
	if actorID == "" {
		return domain.User{}, fmt.Errorf("actor not specified; use --actor-id or SIGNOFF_ACTOR_ID")
	}
	u, err := rt.Engine.Repo.GetUser(ctx, nil, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, fmt.Errorf("unknown actor %q; create it with signoff user create: %w", actorID, err)
	}
	return u, err
}

// RequireManager resolves actorID and fails unless it holds a manager role.
// An empty user table lets the first user bootstrap itself.
func (rt *Runtime) RequireManager(ctx context.Context, actorID string) (domain.User, error) {
	users, err := rt.Engine.Repo.ListUsers(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	if len(users) == 0 {
		return domain.User{ID: actorID}, nil
	}
	u, err := rt.ResolveActor(ctx, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if !domain.IsManager(u.Role) {
		return domain.User{}, fmt.Errorf("actor %q has role %s; one of %v is required", u.ID, u.Role, domain.ManagerRoles)
	}
	return u, nil
}
