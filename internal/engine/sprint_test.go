package engine_test

import (
	"testing"
	"time"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

func TestCreateSprintsOrdersAndPacks(t *testing.T) {
	pl := engine.Planner{}
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	stories := map[string]domain.Story{
		"crit": {ID: "crit", Priority: domain.PriorityCritical},
		"low":  {ID: "low", Priority: domain.PriorityLow},
	}
	tasks := []domain.Task{
		{ID: "feature-low", Title: "polish", StoryPoints: 8, ParentStory: "low"},
		{ID: "feature-crit", Title: "payments", StoryPoints: 13, ParentStory: "crit"},
		{ID: "dep", Title: "reports", StoryPoints: 3, DependsOn: []string{"x"}},
		{ID: "found", Title: "Project Setup", StoryPoints: 5},
	}
	sprints := pl.CreateSprints(tasks, stories, start)
	if len(sprints) != 2 {
		t.Fatalf("sprints = %d, want 2: %+v", len(sprints), sprints)
	}
	first := sprints[0]
	if first.Name != "Sprint 1: Foundation" || first.TotalPoints != 18 {
		t.Fatalf("sprint 1 = %+v", first)
	}
	if first.Tasks[0] != "found" || first.Tasks[1] != "feature-crit" {
		t.Fatalf("sprint 1 tasks = %v", first.Tasks)
	}
	if first.Goals[0] != "Complete: Project Setup" {
		t.Fatalf("goals = %v", first.Goals)
	}
	second := sprints[1]
	if second.Name != "Sprint 2: Feature Development" || second.TotalPoints != 11 {
		t.Fatalf("sprint 2 = %+v", second)
	}
	if second.Tasks[0] != "feature-low" || second.Tasks[1] != "dep" {
		t.Fatalf("sprint 2 tasks = %v", second.Tasks)
	}
	if !second.StartDate.Equal(start.AddDate(0, 0, 7)) || !second.EndDate.Equal(start.AddDate(0, 0, 14)) {
		t.Fatalf("sprint 2 dates = %s..%s", second.StartDate, second.EndDate)
	}
}

func TestOversizedTaskGetsOwnSprint(t *testing.T) {
	pl := engine.Planner{Velocity: 10}
	sprints := pl.CreateSprints([]domain.Task{
		{ID: "a", Title: "a", StoryPoints: 3},
		{ID: "big", Title: "big", StoryPoints: 21},
		{ID: "b", Title: "b", StoryPoints: 5},
	}, nil, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(sprints) != 2 {
		t.Fatalf("sprints = %+v", sprints)
	}
	if sprints[0].TotalPoints != 8 || sprints[1].TotalPoints != 21 || len(sprints[1].Tasks) != 1 {
		t.Fatalf("packing = %+v", sprints)
	}
	for _, s := range sprints {
		if s.TotalPoints > 10 && len(s.Tasks) != 1 {
			t.Fatalf("sprint %d over velocity with %d tasks", s.Number, len(s.Tasks))
		}
	}
}

func TestPlanSprintsPersists(t *testing.T) {
	env := newTestEnv(t)
	seedBacklog(t, env)
	sprints, err := env.Engine.PlanSprints(env.Ctx, "p1", time.Time{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	loaded, err := env.Engine.LoadSprints(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != len(sprints) || loaded[0].Number != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !loaded[0].StartDate.Equal(fixedNow()) {
		t.Fatalf("start = %s", loaded[0].StartDate)
	}
	if err := env.Engine.SetCurrentSprint(env.Ctx, "p1", 2); err != nil {
		t.Fatalf("set current: %v", err)
	}
	if n, _ := env.Engine.CurrentSprint(env.Ctx, "p1"); n != 2 {
		t.Fatalf("current = %d", n)
	}
	if err := env.Engine.SetCurrentSprint(env.Ctx, "p1", 0); err == nil {
		t.Fatalf("expected error for sprint 0")
	}
}
