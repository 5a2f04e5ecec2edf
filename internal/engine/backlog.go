package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crewline/internal/domain"
	"crewline/internal/events"
)

// InitializeBacklog replaces the project's backlog and recomputes the story priority
// order. The order is not maintained on later mutations; use ReprioritizeStory.
func (e *Engine) InitializeBacklog(ctx context.Context, projectID string, epics []domain.Epic, stories []domain.Story, tasks []domain.Task) (domain.Backlog, error) {
	now := e.now()
	b := domain.Backlog{
		ProjectID: projectID,
		Epics:     make(map[string]domain.Epic, len(epics)),
		Stories:   make(map[string]domain.Story, len(stories)),
		Tasks:     make(map[string]domain.Task, len(tasks)),
	}
	for _, ep := range epics {
		if ep.ID == "" {
			return domain.Backlog{}, fmt.Errorf("%w: epic id required", ErrInvalidTask)
		}
		if ep.CreatedAt.IsZero() {
			ep.CreatedAt = now
		}
		if ep.Stories == nil {
			ep.Stories = []string{}
		}
		b.Epics[ep.ID] = ep
	}
	for _, s := range stories {
		s, err := normalizeStory(s, now)
		if err != nil {
			return domain.Backlog{}, err
		}
		b.Stories[s.ID] = s
	}
	for _, t := range tasks {
		t, err := normalizeTask(t, now)
		if err != nil {
			return domain.Backlog{}, err
		}
		if _, dup := b.Tasks[t.ID]; dup {
			return domain.Backlog{}, fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, t.ID)
		}
		b.Tasks[t.ID] = t
	}
	if err := ensureNoCycle(b.Tasks); err != nil {
		return domain.Backlog{}, err
	}
	b.PriorityOrder = PriorityOrder(b.Stories)

	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = &b
	if err := e.saveBacklogLocked(ctx, p); err != nil {
		return domain.Backlog{}, err
	}
	e.publishBacklog(ctx, p)
	e.Log.Info("backlog initialized", "project", projectID, "epics", len(b.Epics), "stories", len(b.Stories), "tasks", len(b.Tasks))
	return copyBacklog(b), nil
}

// SaveBacklog persists the cached backlog.
func (e *Engine) SaveBacklog(ctx context.Context, projectID string) error {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return err
	}
	if err := e.saveBacklogLocked(ctx, p); err != nil {
		return err
	}
	e.publishBacklog(ctx, p)
	return nil
}

// LoadBacklog reloads the backlog from storage, discarding the cached copy.
func (e *Engine) LoadBacklog(ctx context.Context, projectID string) (domain.Backlog, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = nil
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return domain.Backlog{}, err
	}
	return copyBacklog(*p.backlog), nil
}

func (e *Engine) GetBacklog(ctx context.Context, projectID string) (domain.Backlog, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return domain.Backlog{}, err
	}
	return copyBacklog(*p.backlog), nil
}

func (e *Engine) GetTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return domain.Task{}, err
	}
	t, ok := p.backlog.Tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return copyTask(t), nil
}

// Stories returns the backlog stories in priority order. Stories missing from the order
// follow, sorted by id.
func (e *Engine) Stories(ctx context.Context, projectID string) ([]domain.Story, error) {
	b, err := e.GetBacklog(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Story, 0, len(b.Stories))
	seen := make(map[string]bool, len(b.Stories))
	for _, id := range b.PriorityOrder {
		if s, ok := b.Stories[id]; ok && !seen[id] {
			out = append(out, s)
			seen[id] = true
		}
	}
	for _, id := range sortedKeys(b.Stories) {
		if !seen[id] {
			out = append(out, b.Stories[id])
		}
	}
	return out, nil
}

// UpdateTaskStatus sets a backlog task's status. The parent story becomes done once all
// of its known tasks are done. The board is not touched; use MoveTask for that.
func (e *Engine) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status domain.TaskStatus) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return domain.Task{}, err
	}
	if _, ok := p.backlog.Tasks[taskID]; !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	applyTaskStatus(p.backlog, taskID, status, e.now())
	if err := e.saveBacklogLocked(ctx, p); err != nil {
		return domain.Task{}, err
	}
	e.publishBacklog(ctx, p)
	return copyTask(p.backlog.Tasks[taskID]), nil
}

// ReprioritizeStory moves a story to index in the priority order. Out of range indexes
// are clamped to the ends.
func (e *Engine) ReprioritizeStory(ctx context.Context, projectID, storyID string, index int) ([]string, error) {
	p := e.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := e.loadBacklogLocked(ctx, p); err != nil {
		return nil, err
	}
	order := p.backlog.PriorityOrder
	at := -1
	for i, id := range order {
		if id == storyID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, storyID)
	}
	order = append(order[:at:at], order[at+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(order) {
		index = len(order)
	}
	order = append(order[:index:index], append([]string{storyID}, order[index:]...)...)
	p.backlog.PriorityOrder = order
	if err := e.saveBacklogLocked(ctx, p); err != nil {
		return nil, err
	}
	e.publishBacklog(ctx, p)
	e.Log.Info("story reprioritized", "project", projectID, "story", storyID, "index", index)
	return append([]string{}, order...), nil
}

// PriorityOrder sorts story ids by priority rank, then by descending story points.
func PriorityOrder(stories map[string]domain.Story) []string {
	list := make([]domain.Story, 0, len(stories))
	for _, s := range stories {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.StoryPoints != b.StoryPoints {
			return a.StoryPoints > b.StoryPoints
		}
		return a.ID < b.ID
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func applyTaskStatus(b *domain.Backlog, taskID string, status domain.TaskStatus, at time.Time) {
	t := b.Tasks[taskID]
	t.Status = status
	t.UpdatedAt = at
	if status == domain.StatusDone {
		done := at
		t.CompletedAt = &done
	}
	b.Tasks[taskID] = t

	story, ok := b.Stories[t.ParentStory]
	if t.ParentStory == "" || !ok {
		return
	}
	for _, id := range story.Tasks {
		if st, ok := b.Tasks[id]; ok && st.Status != domain.StatusDone {
			return
		}
	}
	story.Status = domain.StatusDone
	b.Stories[story.ID] = story
}

func normalizeStory(s domain.Story, now time.Time) (domain.Story, error) {
	if s.ID == "" {
		return s, fmt.Errorf("%w: story id required", ErrInvalidTask)
	}
	if s.Priority == "" {
		s.Priority = domain.PriorityMedium
	}
	if !s.Priority.Valid() {
		return s, fmt.Errorf("%w: story %s has unknown priority %q", ErrInvalidTask, s.ID, s.Priority)
	}
	if s.StoryPoints == 0 {
		s.StoryPoints = 5
	}
	if s.Status == "" {
		s.Status = domain.StatusTodo
	}
	if !s.Status.Valid() {
		return s, fmt.Errorf("%w: story %s: %q", ErrInvalidStatus, s.ID, s.Status)
	}
	if s.Tasks == nil {
		s.Tasks = []string{}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	return s, nil
}

func (e *Engine) publishBacklog(ctx context.Context, p *project) {
	e.Events.Publish(ctx, domain.Event{
		Type:       events.TypeBacklogSaved,
		ProjectID:  p.id,
		EntityKind: "backlog",
		EntityID:   p.id,
		Payload: map[string]any{
			"stories":          len(p.backlog.Stories),
			"tasks":            len(p.backlog.Tasks),
			"total_points":     p.backlog.TotalPoints(),
			"completed_points": p.backlog.CompletedPoints(),
		},
	})
}

func copyBacklog(b domain.Backlog) domain.Backlog {
	out := domain.Backlog{
		ProjectID:     b.ProjectID,
		Epics:         make(map[string]domain.Epic, len(b.Epics)),
		Stories:       make(map[string]domain.Story, len(b.Stories)),
		Tasks:         make(map[string]domain.Task, len(b.Tasks)),
		PriorityOrder: append([]string{}, b.PriorityOrder...),
	}
	for k, v := range b.Epics {
		v.Stories = append([]string{}, v.Stories...)
		out.Epics[k] = v
	}
	for k, v := range b.Stories {
		v.Tasks = append([]string{}, v.Tasks...)
		v.AcceptanceCriteria = append([]string(nil), v.AcceptanceCriteria...)
		out.Stories[k] = v
	}
	for k, v := range b.Tasks {
		out.Tasks[k] = copyTask(v)
	}
	return out
}
