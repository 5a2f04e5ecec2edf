// Package engine owns the board and backlog of every project: tasks, stories and epics,
// the six-column board with dependency gating, task history, metrics and sprint plans.
//
// Each project has a single in-process authority. State is cached in memory after the
// first read and every mutation replaces the affected document in the repo.Store
// before it returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/repo"
)

const (
	kindBoard         = "board"
	kindBacklog       = "backlog"
	kindSprints       = "sprints"
	kindSprintPointer = "sprint_pointer"
	streamHistory     = "task_history"

	DefaultVelocity   = 20
	DefaultSprintDays = 7
)

var DefaultFoundationKeywords = []string{"setup", "structure", "init"}

var (
	ErrProjectNotFound = fmt.Errorf("project %w", repo.ErrNotFound)
	ErrTaskNotFound    = fmt.Errorf("task %w", repo.ErrNotFound)
	ErrStoryNotFound   = fmt.Errorf("story %w", repo.ErrNotFound)
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidTask     = errors.New("invalid task")
)

type Options struct {
	Store              repo.Store
	Events             events.Publisher
	Logger             *log.Logger
	Now                func() time.Time
	Velocity           int
	SprintDays         int
	FoundationKeywords []string
}

type Engine struct {
	Store  repo.Store
	Events events.Publisher
	Log    *log.Logger
	Now    func() time.Time

	Planner Planner

	mu       sync.Mutex
	projects map[string]*project
}

// project is the in-memory authority for one project id.
type project struct {
	mu      sync.Mutex
	id      string
	board   *domain.BoardState
	tasks   map[string]*domain.Task
	backlog *domain.Backlog
}

// boardDoc is the persisted board document: column layout plus the tasks it places.
type boardDoc struct {
	Board domain.BoardState      `json:"board"`
	Tasks map[string]domain.Task `json:"tasks"`
}

func New(opts Options) *Engine {
	e := &Engine{
		Store:    opts.Store,
		Events:   opts.Events,
		Log:      logging.OrDiscard(opts.Logger),
		Now:      opts.Now,
		projects: make(map[string]*project),
		Planner: Planner{
			Velocity:           opts.Velocity,
			SprintDays:         opts.SprintDays,
			FoundationKeywords: opts.FoundationKeywords,
		},
	}
	if e.Events == nil {
		e.Events = events.Nop{}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) project(id string) *project {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.projects[id]
	if !ok {
		p = &project{id: id}
		e.projects[id] = p
	}
	return p
}

// loadBoardLocked fills p.board from storage on first use. Corrupt documents count as
// absent.
func (e *Engine) loadBoardLocked(ctx context.Context, p *project) error {
	if p.board != nil {
		return nil
	}
	var doc boardDoc
	if err := e.Store.Get(ctx, p.id, kindBoard, "state", &doc); err != nil {
		if errors.Is(err, repo.ErrCorrupt) {
			e.Log.Warn("board document unreadable, treating as absent", "project", p.id, "err", err)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, p.id)
		}
		return err
	}
	if doc.Board.Columns == nil || doc.Tasks == nil {
		e.Log.Warn("board document missing fields, treating as absent", "project", p.id)
		return fmt.Errorf("%w: %s", ErrProjectNotFound, p.id)
	}
	board := domain.NewBoardState(p.id)
	for _, c := range domain.Columns {
		board.Columns[c] = append(board.Columns[c], doc.Board.Columns[c]...)
	}
	p.board = &board
	p.tasks = make(map[string]*domain.Task, len(doc.Tasks))
	for id, t := range doc.Tasks {
		t := t
		p.tasks[id] = &t
	}
	return nil
}

// putBoard writes a board document. changed, when set, replaces its task in tasks.
func (e *Engine) putBoard(ctx context.Context, projectID string, board domain.BoardState, tasks map[string]*domain.Task, changed *domain.Task) error {
	doc := boardDoc{Board: board, Tasks: make(map[string]domain.Task, len(tasks))}
	for id, t := range tasks {
		doc.Tasks[id] = *t
	}
	if changed != nil {
		doc.Tasks[changed.ID] = *changed
	}
	if err := e.Store.Put(ctx, projectID, kindBoard, "state", doc); err != nil {
		return fmt.Errorf("save board %s: %w", projectID, err)
	}
	return nil
}

func (e *Engine) loadBacklogLocked(ctx context.Context, p *project) error {
	if p.backlog != nil {
		return nil
	}
	var b domain.Backlog
	if err := e.Store.Get(ctx, p.id, kindBacklog, "backlog", &b); err != nil {
		if errors.Is(err, repo.ErrCorrupt) {
			e.Log.Warn("backlog document unreadable, treating as absent", "project", p.id, "err", err)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: no backlog for %s", ErrProjectNotFound, p.id)
		}
		return err
	}
	if b.ProjectID == "" {
		e.Log.Warn("backlog document missing project id, treating as absent", "project", p.id)
		return fmt.Errorf("%w: no backlog for %s", ErrProjectNotFound, p.id)
	}
	if b.Epics == nil {
		b.Epics = map[string]domain.Epic{}
	}
	if b.Stories == nil {
		b.Stories = map[string]domain.Story{}
	}
	if b.Tasks == nil {
		b.Tasks = map[string]domain.Task{}
	}
	p.backlog = &b
	return nil
}

func (e *Engine) saveBacklogLocked(ctx context.Context, p *project) error {
	if err := e.Store.Put(ctx, p.id, kindBacklog, "backlog", p.backlog); err != nil {
		return fmt.Errorf("save backlog %s: %w", p.id, err)
	}
	return nil
}

// normalizeTask applies defaults and validates enum fields.
func normalizeTask(t domain.Task, now time.Time) (domain.Task, error) {
	if t.ID == "" {
		return t, fmt.Errorf("%w: id required", ErrInvalidTask)
	}
	if t.Type == "" {
		t.Type = domain.TypeTask
	}
	if !t.Type.Valid() {
		return t, fmt.Errorf("%w: task %s has unknown type %q", ErrInvalidTask, t.ID, t.Type)
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if !t.Status.Valid() {
		return t, fmt.Errorf("%w: task %s: %q", ErrInvalidStatus, t.ID, t.Status)
	}
	if t.StoryPoints == 0 {
		t.StoryPoints = 2
	}
	if !domain.ValidStoryPoints(t.StoryPoints) {
		return t, fmt.Errorf("%w: task %s has story points %d", ErrInvalidTask, t.ID, t.StoryPoints)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	return t, nil
}

// ensureNoCycle walks depends_on edges between known tasks and rejects any loop.
// Unknown dependency ids are ignored.
func ensureNoCycle(tasks map[string]domain.Task) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(tasks))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, id))
		case visited:
			return nil
		}
		state[id] = visiting
		for _, dep := range tasks[id].DependsOn {
			if _, ok := tasks[dep]; !ok {
				continue
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = visited
		return nil
	}
	for id := range tasks {
		if state[id] == unvisited {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
