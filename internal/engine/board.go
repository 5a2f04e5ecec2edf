package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// InitializeBoard replaces the project's board with tasks. Each task lands in the column
// of its status, except that a task that is not done and has an unfinished dependency
// starts in blocked. Cyclic dependencies are rejected.
func (e *Engine) InitializeBoard(ctx context.Context, projectID string, tasks []domain.Task) (domain.BoardState, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.BoardState{}, fmt.Errorf("%w: project id required", ErrInvalidTask)
	}
	now := e.now()
	byID := make(map[string]domain.Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t, err := normalizeTask(t, now)
		if err != nil {
			return domain.BoardState{}, err
		}
		if _, dup := byID[t.ID]; dup {
			return domain.BoardState{}, fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, t.ID)
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}
	if err := ensureNoCycle(byID); err != nil {
		return domain.BoardState{}, err
	}

	board := domain.NewBoardState(projectID)
	live := make(map[string]*domain.Task, len(byID))
	for _, id := range order {
		t := byID[id]
		if t.Status != domain.StatusDone && t.Status != domain.StatusBlocked {
			if dep := unfinishedDependency(t, byID); dep != "" {
				e.Log.Info("task starts blocked", "project", projectID, "task", t.ID, "dependency", dep)
				t.Status = domain.StatusBlocked
			}
		}
		board.Place(t.ID, t.Status)
		live[t.ID] = &t
	}

	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.putBoard(ctx, projectID, board, live, nil); err != nil {
		return domain.BoardState{}, err
	}
	p.board = &board
	p.tasks = live
	e.Events.Publish(ctx, domain.Event{
		Type:       events.TypeBoardInitialized,
		ProjectID:  projectID,
		EntityKind: "board",
		EntityID:   projectID,
		Payload:    map[string]any{"tasks": len(live)},
	})
	e.Log.Info("board initialized", "project", projectID, "tasks", len(live))
	return copyBoard(board), nil
}

// LoadBoard reloads the project's board from storage, discarding the cached copy.
func (e *Engine) LoadBoard(ctx context.Context, projectID string) (domain.BoardState, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.board, p.tasks = nil, nil
	if err := e.loadBoardLocked(ctx, p); err != nil {
		return domain.BoardState{}, err
	}
	return copyBoard(*p.board), nil
}

// MoveTask moves a task to status. A request for any status other than blocked is
// overridden to blocked while a dependency is unfinished. Completing a task moves every
// blocked dependent whose dependencies are now all done back to todo before returning.
func (e *Engine) MoveTask(ctx context.Context, projectID, taskID string, status domain.TaskStatus) (domain.MoveResult, error) {
	if !status.Valid() {
		return domain.MoveResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBoardLocked(ctx, p); err != nil {
		return domain.MoveResult{}, err
	}
	if _, ok := p.tasks[taskID]; !ok {
		return domain.MoveResult{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e.moveLocked(ctx, p, taskID, status)
}

func (e *Engine) moveLocked(ctx context.Context, p *project, taskID string, requested domain.TaskStatus) (domain.MoveResult, error) {
	task := p.tasks[taskID]
	res := domain.MoveResult{Requested: requested}
	status := requested
	if status != domain.StatusBlocked {
		if dep := unfinishedDependencyLive(*task, p.tasks); dep != "" {
			e.Log.Info("task blocked by dependency", "project", p.id, "task", taskID, "dependency", dep)
			status = domain.StatusBlocked
			res.Blocked = true
			res.BlockedBy = dep
		}
	}

	old := task.Status
	now := e.now()
	board := copyBoard(*p.board)
	board.Place(taskID, status)
	next := copyTask(*task)
	next.Status = status
	next.UpdatedAt = now
	if status == domain.StatusDone {
		next.CompletedAt = &now
	}
	if err := e.putBoard(ctx, p.id, board, p.tasks, &next); err != nil {
		return res, err
	}
	*p.board = board
	*task = next

	move := domain.TaskMove{Timestamp: now, TaskID: taskID, OldStatus: old, NewStatus: status}
	if status != requested {
		move.Requested = requested
	}
	if _, err := e.Store.Append(ctx, p.id, streamHistory, move); err != nil {
		return res, fmt.Errorf("record move: %w", err)
	}
	if err := e.syncBacklogLocked(ctx, p, *task); err != nil {
		return res, err
	}
	e.Events.Publish(ctx, domain.Event{
		Type:       events.TypeTaskMoved,
		ProjectID:  p.id,
		EntityKind: "task",
		EntityID:   taskID,
		Payload: map[string]any{
			"task_id":    taskID,
			"task_title": task.Title,
			"old_status": old,
			"new_status": status,
		},
	})
	e.Log.Info("task moved", "project", p.id, "task", taskID, "from", old, "to", status)

	if status == domain.StatusDone {
		for _, id := range e.unblockable(p, taskID) {
			if _, err := e.moveLocked(ctx, p, id, domain.StatusTodo); err != nil {
				return res, err
			}
			e.Log.Info("task unblocked", "project", p.id, "task", id)
			res.Unblocked = append(res.Unblocked, id)
		}
	}
	res.Task = copyTask(*task)
	return res, nil
}

// unblockable lists blocked tasks depending on doneID whose known dependencies are all
// done, in board order.
func (e *Engine) unblockable(p *project, doneID string) []string {
	var out []string
	for _, id := range p.board.Column(domain.StatusBlocked) {
		t := p.tasks[id]
		if t == nil || !dependsOn(*t, doneID) {
			continue
		}
		if unfinishedDependencyLive(*t, p.tasks) == "" {
			out = append(out, id)
		}
	}
	return out
}

// syncBacklogLocked mirrors a board status change into the backlog when the project has
// one that holds the task.
func (e *Engine) syncBacklogLocked(ctx context.Context, p *project, t domain.Task) error {
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, ok := p.backlog.Tasks[t.ID]; !ok {
		return nil
	}
	applyTaskStatus(p.backlog, t.ID, t.Status, t.UpdatedAt)
	return e.saveBacklogLocked(ctx, p)
}

func (e *Engine) GetBoard(ctx context.Context, projectID string) (domain.BoardState, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBoardLocked(ctx, p); err != nil {
		return domain.BoardState{}, err
	}
	return copyBoard(*p.board), nil
}

// GetTasks returns the project's board tasks ordered by column, then board position.
func (e *Engine) GetTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBoardLocked(ctx, p); err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(p.tasks))
	for _, c := range domain.Columns {
		for _, id := range p.board.Columns[c] {
			if t, ok := p.tasks[id]; ok {
				out = append(out, copyTask(*t))
			}
		}
	}
	return out, nil
}

func (e *Engine) GetBoardTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBoardLocked(ctx, p); err != nil {
		return domain.Task{}, err
	}
	t, ok := p.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return copyTask(*t), nil
}

// SearchTasks fuzzy-matches query against task titles, best match first.
func (e *Engine) SearchTasks(ctx context.Context, projectID, query string, limit int) ([]domain.Task, error) {
	tasks, err := e.GetTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	titles := make([]string, len(tasks))
	for i, t := range tasks {
		titles[i] = t.Title
	}
	matches := fuzzy.Find(query, titles)
	out := make([]domain.Task, 0, len(matches))
	for _, m := range matches {
		out = append(out, tasks[m.Index])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetHistory lists recorded moves with a history sequence greater than after, oldest
// first. The returned cursor is the sequence of the last record read.
func (e *Engine) GetHistory(ctx context.Context, projectID string, after int64, limit int) ([]domain.TaskMove, int64, error) {
	records, err := e.Store.Read(ctx, projectID, streamHistory, after, limit)
	if err != nil {
		return nil, after, err
	}
	out := make([]domain.TaskMove, 0, len(records))
	cursor := after
	for _, rec := range records {
		cursor = rec.Seq
		var m domain.TaskMove
		if err := rec.Decode(&m); err != nil {
			e.Log.Warn("skipping unreadable history record", "project", projectID, "seq", rec.Seq, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, cursor, nil
}

// GetMetrics reports progress as done story points over total story points on the board.
func (e *Engine) GetMetrics(ctx context.Context, projectID string) (domain.ProjectMetrics, error) {
	p := e.project(projectID)
	p.mu.Lock()
	if err := e.loadBoardLocked(ctx, p); err != nil {
		p.mu.Unlock()
		return domain.ProjectMetrics{}, err
	}
	total, done := 0, 0
	for _, t := range p.tasks {
		total += t.StoryPoints
		if t.Status == domain.StatusDone {
			done += t.StoryPoints
		}
	}
	blocked := len(p.board.Columns[domain.StatusBlocked])
	p.mu.Unlock()

	m := domain.ProjectMetrics{
		ProjectID:       projectID,
		CurrentSprint:   1,
		Velocity:        done,
		PointsCompleted: done,
		PointsRemaining: total - done,
		BlockedCount:    blocked,
	}
	if total > 0 {
		m.ProgressPercent = done * 100 / total
	}
	sprints, err := e.LoadSprints(ctx, projectID)
	if err != nil {
		return m, err
	}
	m.TotalSprints = len(sprints)
	current, err := e.CurrentSprint(ctx, projectID)
	if err != nil {
		return m, err
	}
	m.CurrentSprint = current
	return m, nil
}

func unfinishedDependency(t domain.Task, tasks map[string]domain.Task) string {
	for _, dep := range t.DependsOn {
		if d, ok := tasks[dep]; ok && d.Status != domain.StatusDone {
			return dep
		}
	}
	return ""
}

func unfinishedDependencyLive(t domain.Task, tasks map[string]*domain.Task) string {
	for _, dep := range t.DependsOn {
		if d, ok := tasks[dep]; ok && d.Status != domain.StatusDone {
			return dep
		}
	}
	return ""
}

func dependsOn(t domain.Task, id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

func copyTask(t domain.Task) domain.Task {
	t.DependsOn = append([]string{}, t.DependsOn...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func copyBoard(b domain.BoardState) domain.BoardState {
	out := domain.NewBoardState(b.ProjectID)
	for _, c := range domain.Columns {
		out.Columns[c] = append(out.Columns[c], b.Columns[c]...)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
