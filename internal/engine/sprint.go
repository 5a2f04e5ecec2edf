package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// Planner buckets tasks into fixed-length sprints capped by velocity.
type Planner struct {
	Velocity           int
	SprintDays         int
	FoundationKeywords []string
}

func (pl Planner) velocity() int {
	if pl.Velocity > 0 {
		return pl.Velocity
	}
	return DefaultVelocity
}

func (pl Planner) sprintDays() int {
	if pl.SprintDays > 0 {
		return pl.SprintDays
	}
	return DefaultSprintDays
}

func (pl Planner) keywords() []string {
	if len(pl.FoundationKeywords) > 0 {
		return pl.FoundationKeywords
	}
	return DefaultFoundationKeywords
}

// CreateSprints orders tasks foundation work first, then tasks without dependencies,
// then by parent story priority and story points, and packs them greedily. A sprint is
// closed when the next task would push it past the velocity; a task larger than the
// velocity on its own gets a sprint of its own.
func (pl Planner) CreateSprints(tasks []domain.Task, stories map[string]domain.Story, start time.Time) []domain.Sprint {
	sorted := pl.sortTasks(tasks, stories)
	days := pl.sprintDays()
	var (
		sprints []domain.Sprint
		current []domain.Task
		points  int
	)
	flush := func() {
		n := len(sprints) + 1
		sprints = append(sprints, pl.newSprint(n, current, start.AddDate(0, 0, (n-1)*days)))
		current, points = nil, 0
	}
	for _, t := range sorted {
		if len(current) > 0 && points+t.StoryPoints > pl.velocity() {
			flush()
		}
		current = append(current, t)
		points += t.StoryPoints
	}
	if len(current) > 0 {
		flush()
	}
	return sprints
}

func (pl Planner) sortTasks(tasks []domain.Task, stories map[string]domain.Story) []domain.Task {
	type keyed struct {
		task       domain.Task
		foundation bool
		hasDeps    bool
		rank       int
	}
	list := make([]keyed, len(tasks))
	for i, t := range tasks {
		rank := domain.PriorityMedium.Rank()
		if s, ok := stories[t.ParentStory]; ok && t.ParentStory != "" {
			rank = s.Priority.Rank()
		}
		list[i] = keyed{task: t, foundation: pl.isFoundation(t.Title), hasDeps: len(t.DependsOn) > 0, rank: rank}
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.foundation != b.foundation {
			return a.foundation
		}
		if a.hasDeps != b.hasDeps {
			return !a.hasDeps
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.task.StoryPoints < b.task.StoryPoints
	})
	out := make([]domain.Task, len(list))
	for i, k := range list {
		out[i] = k.task
	}
	return out
}

func (pl Planner) isFoundation(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range pl.keywords() {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (pl Planner) newSprint(number int, tasks []domain.Task, start time.Time) domain.Sprint {
	name := fmt.Sprintf("Sprint %d: Feature Development", number)
	if number == 1 {
		name = "Sprint 1: Foundation"
	}
	s := domain.Sprint{
		Number:       number,
		Name:         name,
		DurationDays: pl.sprintDays(),
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, pl.sprintDays()),
		Goals:        []string{},
		Tasks:        make([]string, 0, len(tasks)),
	}
	for i, t := range tasks {
		if i < 3 {
			s.Goals = append(s.Goals, "Complete: "+t.Title)
		}
		s.Tasks = append(s.Tasks, t.ID)
		s.TotalPoints += t.StoryPoints
	}
	return s
}

// PlanSprints buckets the project's backlog tasks, or its board tasks when there is no
// backlog, persists the plan and resets the current sprint to 1. A zero start means now.
func (e *Engine) PlanSprints(ctx context.Context, projectID string, start time.Time) ([]domain.Sprint, error) {
	if start.IsZero() {
		start = e.now()
	}
	var (
		tasks   []domain.Task
		stories map[string]domain.Story
	)
	b, err := e.GetBacklog(ctx, projectID)
	switch {
	case err == nil:
		for _, id := range sortedKeys(b.Tasks) {
			tasks = append(tasks, b.Tasks[id])
		}
		stories = b.Stories
	case errors.Is(err, repo.ErrNotFound):
		if tasks, err = e.GetTasks(ctx, projectID); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	sprints := e.Planner.CreateSprints(tasks, stories, start)
	if err := e.SaveSprints(ctx, projectID, sprints); err != nil {
		return nil, err
	}
	e.Log.Info("sprints planned", "project", projectID, "sprints", len(sprints), "tasks", len(tasks))
	return sprints, nil
}

// SaveSprints replaces the stored sprint plan and resets the current sprint to 1.
func (e *Engine) SaveSprints(ctx context.Context, projectID string, sprints []domain.Sprint) error {
	keys, err := e.Store.Keys(ctx, projectID, kindSprints)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(sprints))
	for _, s := range sprints {
		key := sprintKey(s.Number)
		keep[key] = true
		if err := e.Store.Put(ctx, projectID, kindSprints, key, s); err != nil {
			return fmt.Errorf("save sprint %d: %w", s.Number, err)
		}
	}
	for _, k := range keys {
		if !keep[k] {
			// Stale sprints from an earlier, longer plan are emptied rather than deleted.
			if err := e.Store.Put(ctx, projectID, kindSprints, k, domain.Sprint{}); err != nil {
				return err
			}
		}
	}
	if err := e.SetCurrentSprint(ctx, projectID, 1); err != nil {
		return err
	}
	e.Events.Publish(ctx, domain.Event{
		Type:       events.TypeSprintsPlanned,
		ProjectID:  projectID,
		EntityKind: "sprint",
		EntityID:   projectID,
		Payload:    map[string]any{"sprints": len(sprints)},
	})
	return nil
}

// LoadSprints returns the stored sprints ordered by number. Unreadable sprint documents
// are skipped.
func (e *Engine) LoadSprints(ctx context.Context, projectID string) ([]domain.Sprint, error) {
	keys, err := e.Store.Keys(ctx, projectID, kindSprints)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sprint, 0, len(keys))
	for _, k := range keys {
		var s domain.Sprint
		if err := e.Store.Get(ctx, projectID, kindSprints, k, &s); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				e.Log.Warn("skipping unreadable sprint", "project", projectID, "key", k, "err", err)
				continue
			}
			return nil, err
		}
		if s.Number == 0 {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// CurrentSprint returns the current sprint number, 1 when none was recorded.
func (e *Engine) CurrentSprint(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := e.Store.Get(ctx, projectID, kindSprintPointer, "current", &n); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	if n < 1 {
		return 1, nil
	}
	return n, nil
}

func (e *Engine) SetCurrentSprint(ctx context.Context, projectID string, n int) error {
	if n < 1 {
		return fmt.Errorf("sprint number must be positive, got %d", n)
	}
	return e.Store.Put(ctx, projectID, kindSprintPointer, "current", n)
}

func sprintKey(n int) string {
	return fmt.Sprintf("sprint_%04d", n)
}
