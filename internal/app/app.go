// Package app wires configuration, storage and the coordination services into one
// runtime. Nothing here is global: every command and server builds its own Runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"crewline/internal/collab"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/defect"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/versioning"
)

type Options struct {
	Workspace string
	// Config overrides the workspace config file. Nil loads it, falling back to defaults.
	Config *config.Config
	// Logger overrides the logger built from config.
	Logger    *log.Logger
	LogOutput io.Writer
	// Fs backs the files storage driver. Nil means the OS filesystem.
	Fs  afero.Fs
	Now func() time.Time
}

type Runtime struct {
	Workspace  string
	Config     *config.Config
	ConfigPath string
	Log        *log.Logger

	Store    repo.Store
	Events   events.Writer
	Hub      *events.Hub
	Bus      *collab.Bus
	Gate     *collab.Gate
	Board    *engine.Engine
	Defects  *defect.Coordinator
	Versions *versioning.Store
}

// Open builds a Runtime for a workspace.
func Open(opts Options) (*Runtime, error) {
	cfg, path := opts.Config, ""
	if cfg == nil {
		loaded, p, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg, path = loaded, p
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(opts.LogOutput, logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return nil, err
		}
		logger = l
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store, err := openStore(opts.Workspace, cfg.Storage.Driver, opts.Fs)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Workspace:  opts.Workspace,
		Config:     cfg,
		ConfigPath: path,
		Log:        logger,
		Store:      store,
		Events:     events.Writer{Store: store, Now: now},
	}
	rt.Hub = events.NewHub(events.HubOptions{Writer: &rt.Events, Logger: logger.WithPrefix("events")})
	rt.Bus = collab.NewBus(collab.Options{
		Actors: cfg.Actors,
		Store:  store,
		Events: rt.Hub,
		Logger: logger.WithPrefix("bus"),
		Now:    now,
	})
	rt.Gate = collab.NewGate(rt.Bus, collab.GateOptions{
		AutoApprove:  cfg.Approval.AutoApprove,
		TimeoutHours: cfg.Approval.TimeoutHours,
		Events:       rt.Hub,
		Logger:       logger.WithPrefix("gate"),
		Now:          now,
	})
	rt.Board = engine.New(engine.Options{
		Store:              store,
		Events:             rt.Hub,
		Logger:             logger.WithPrefix("board"),
		Now:                now,
		Velocity:           cfg.Board.Velocity,
		SprintDays:         cfg.Board.SprintDays,
		FoundationKeywords: cfg.Board.FoundationKeywords,
	})
	rt.Defects = defect.New(defect.Options{
		Store:     store,
		Events:    rt.Hub,
		Messenger: rt.Bus,
		Assignees: defect.Assignees{
			Design:         cfg.Defects.Assignees.Design,
			Requirements:   cfg.Defects.Assignees.Requirements,
			Implementation: cfg.Defects.Assignees.Implementation,
		},
		MaxRetries: cfg.Defects.MaxRetries,
		EscalateTo: cfg.Defects.EscalateTo,
		Logger:     logger.WithPrefix("defects"),
		Now:        now,
	})
	rt.Versions = versioning.New(versioning.Options{
		Store:     store,
		Events:    rt.Hub,
		Messenger: rt.Bus,
		Logger:    logger.WithPrefix("versions"),
		Now:       now,
	})
	if err := rt.loadMessaging(context.Background()); err != nil {
		rt.Close()
		return nil, err
	}
	logger.Debug("runtime ready", "workspace", opts.Workspace, "storage", cfg.Storage.Driver, "actors", len(cfg.Actors))
	return rt, nil
}

func openStore(workspace, driver string, fs afero.Fs) (repo.Store, error) {
	switch driver {
	case "", "sqlite":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.NewSQLStore(conn), nil
	case "files":
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return repo.NewFileStore(fs, db.StateDir(workspace)), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// ApplyConfig pushes the live-reloadable settings of cfg into the running services.
func (r *Runtime) ApplyConfig(cfg *config.Config) {
	if cfg.Approval.AutoApprove != r.Gate.AutoApprove() {
		r.Gate.SetAutoApprove(cfg.Approval.AutoApprove)
	}
	if cfg.Approval.TimeoutHours != r.Gate.TimeoutHours() {
		r.Gate.SetTimeout(cfg.Approval.TimeoutHours)
	}
	r.Config = cfg
}

// Warm loads persisted board, backlog and bug state for a project so reads after a
// restart see it.
func (r *Runtime) Warm(ctx context.Context, projectID string) error {
	if _, err := r.Board.LoadBoard(ctx, projectID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if _, err := r.Board.LoadBacklog(ctx, projectID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if _, err := r.Defects.LoadBugs(ctx, projectID); err != nil {
		return err
	}
	return nil
}

// loadMessaging restores threads, inboxes and approvals. They are workspace wide, so
// this runs once per runtime rather than per project.
func (r *Runtime) loadMessaging(ctx context.Context) error {
	if _, err := r.Bus.Load(ctx); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if _, err := r.Gate.Load(ctx); err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	return nil
}

// Close stops event delivery, then releases storage.
func (r *Runtime) Close() error {
	r.Hub.Close()
	return r.Store.Close()
}
