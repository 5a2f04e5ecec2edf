package defect_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"crewline/internal/collab"
	"crewline/internal/defect"
	"crewline/internal/domain"
	"crewline/internal/repo"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

type testEnv struct {
	Coord *defect.Coordinator
	Bus   *collab.Bus
	Gate  *collab.Gate
	Store repo.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T, classifier defect.Classifier) testEnv {
	t.Helper()
	store := repo.NewFileStore(afero.NewMemMapFs(), "/ws")
	bus := collab.NewBus(collab.Options{Actors: []string{"Alice", "Bob", "Alex"}, Now: fixedNow})
	gate := collab.NewGate(bus, collab.GateOptions{Now: fixedNow})
	coord := defect.New(defect.Options{
		Store:      store,
		Messenger:  bus,
		Classifier: classifier,
		Now:        fixedNow,
	})
	return testEnv{Coord: coord, Bus: bus, Gate: gate, Store: store, Ctx: context.Background()}
}

func TestRuleSeverity(t *testing.T) {
	cases := []struct {
		name string
		bug  domain.Bug
		want domain.BugSeverity
	}{
		{"null pointer", domain.Bug{Title: "login", ErrorTrace: "NullPointerException: cannot read X"}, domain.SeverityHigh},
		{"crash wins over error", domain.Bug{Title: "server crash", ErrorTrace: "fatal error"}, domain.SeverityCritical},
		{"sql injection", domain.Bug{Title: "SQL Injection in search"}, domain.SeverityCritical},
		{"typo", domain.Bug{Title: "Typo on landing page"}, domain.SeverityLow},
		{"plain", domain.Bug{Title: "Button misaligned"}, domain.SeverityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := defect.RuleSeverity(tc.bug); got != tc.want {
				t.Fatalf("severity = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAssigneeHeuristics(t *testing.T) {
	a := defect.Assignees{}
	cases := []struct {
		bug  domain.Bug
		want string
	}{
		{domain.Bug{FilePath: "src/models/user.py"}, "Bob"},
		{domain.Bug{Description: "the architecture forbids this"}, "Bob"},
		{domain.Bug{Description: "missing requirement for export"}, "Alice"},
		{domain.Bug{FilePath: "src/api/handler.go", ErrorTrace: "panic"}, "Alex"},
	}
	for _, tc := range cases {
		if got := a.Pick(tc.bug); got != tc.want {
			t.Fatalf("Pick(%+v) = %s, want %s", tc.bug, got, tc.want)
		}
	}
	custom := defect.Assignees{Implementation: "Dana"}
	if got := custom.Pick(domain.Bug{}); got != "Dana" {
		t.Fatalf("custom implementation actor = %s", got)
	}
}

func TestProcessNewBugClassifiesAssignsAndNotifies(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, err := env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{
		Title:      "Login fails",
		ErrorTrace: "NullPointerException: cannot read X",
		FilePath:   "src/auth/login.go",
		Source:     domain.SourceAutoTest,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if bug.Severity != domain.SeverityHigh || bug.Priority != domain.P1 {
		t.Fatalf("severity/priority = %s/%s", bug.Severity, bug.Priority)
	}
	if bug.AssignedTo != "Alex" || bug.Status != domain.BugAssigned || bug.MaxRetries != 3 {
		t.Fatalf("bug = %+v", bug)
	}
	if !strings.HasPrefix(bug.ID, "BUG-") {
		t.Fatalf("id = %s", bug.ID)
	}
	inbox := env.Bus.GetInbox("Alex")
	if len(inbox.Messages) != 1 {
		t.Fatalf("inbox = %+v", inbox.Messages)
	}
	msg := inbox.Messages[0]
	if msg.FromAgent != "BugTracker" || msg.MessageType != domain.MessageNotification || !strings.Contains(msg.Content, bug.ID) {
		t.Fatalf("notification = %+v", msg)
	}
	history, err := env.Coord.History(env.Ctx, "p1", bug.ID)
	if err != nil || len(history) != 1 || history[0].Action != "created" {
		t.Fatalf("history = %+v err = %v", history, err)
	}
}

func TestClassifierFallback(t *testing.T) {
	failing := defect.ClassifierFunc(func(context.Context, domain.Bug) (domain.BugSeverity, error) {
		return "", errors.New("backend down")
	})
	env := newTestEnv(t, failing)
	bug, err := env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{Title: "segfault on start"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if bug.Severity != domain.SeverityCritical || bug.Priority != domain.P0 {
		t.Fatalf("fallback severity = %s/%s", bug.Severity, bug.Priority)
	}

	model := defect.ClassifierFunc(func(context.Context, domain.Bug) (domain.BugSeverity, error) {
		return " LOW\n", nil
	})
	env = newTestEnv(t, model)
	bug, err = env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{Title: "segfault on start"})
	if err != nil || bug.Severity != domain.SeverityLow {
		t.Fatalf("model severity = %s err = %v", bug.Severity, err)
	}
}

func TestRetryThenEscalateOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, err := env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{Title: "flaky checkout", ErrorTrace: "error 500"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, nil, "Alex")
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if out.Result != defect.FixRetrying || out.Bug.Status != domain.BugAssigned || out.Bug.RetryCount != attempt {
			t.Fatalf("attempt %d outcome = %+v", attempt, out)
		}
	}
	out, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, nil, "Alex")
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if out.Result != defect.FixEscalated || !out.Bug.Escalated || out.Bug.RetryCount != 3 {
		t.Fatalf("third outcome = %+v", out)
	}
	statusAfterEscalation := out.Bug.Status

	pending := env.Gate.GetPending("Alice")
	if len(pending) != 1 || !strings.HasPrefix(pending[0].Description, "ESCALATION: Bug "+bug.ID) {
		t.Fatalf("escalation approvals = %+v", pending)
	}

	out, err = env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, nil, "Alex")
	if err != nil {
		t.Fatalf("fourth attempt: %v", err)
	}
	if out.Result != defect.FixAwaitingReview || out.Bug.RetryCount != 4 || out.Bug.Status != statusAfterEscalation {
		t.Fatalf("fourth outcome = %+v", out)
	}
	if n := len(env.Gate.GetPending("Alice")); n != 1 {
		t.Fatalf("escalations = %d, want 1", n)
	}
	notifications := 0
	for _, m := range env.Bus.GetInbox("Alex").Messages {
		if m.MessageType == domain.MessageNotification {
			notifications++
		}
	}
	if notifications != 3 {
		t.Fatalf("assignee notifications = %d, want 3", notifications)
	}
}

func TestPassingFixVerifiesAndResets(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, _ := env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{Title: "broken link"})
	if _, err := env.Coord.StartFix(env.Ctx, "p1", bug.ID, "Alex"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, nil, "Alex"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	out, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, true, []string{"web/link.go"}, "Alex")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if out.Result != defect.FixVerified || out.Bug.Status != domain.BugVerified || out.Bug.RetryCount != 0 || out.Bug.FixedAt == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Bug.FilesChanged) != 1 {
		t.Fatalf("files changed = %v", out.Bug.FilesChanged)
	}
	if n, _ := env.Coord.RetryCount(env.Ctx, "p1", bug.ID); n != 0 {
		t.Fatalf("retry count = %d", n)
	}
}

func TestCompleteFixOnFinishedBugChangesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, err := env.Coord.Create(env.Ctx, "p1", domain.Bug{Title: "old crash", AssignedTo: "Alex"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Coord.UpdateStatus(env.Ctx, "p1", bug.ID, domain.BugWontFix, "", "Alice"); err != nil {
		t.Fatalf("wont_fix: %v", err)
	}
	for attempt := 1; attempt <= 4; attempt++ {
		_, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, []string{"x.go"}, "Alex")
		if !errors.Is(err, defect.ErrInvalidTransition) {
			t.Fatalf("attempt %d err = %v, want invalid transition", attempt, err)
		}
	}
	if _, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, true, nil, "Alex"); !errors.Is(err, defect.ErrInvalidTransition) {
		t.Fatalf("passing fix on wont_fix err = %v", err)
	}
	got, err := env.Coord.Get(env.Ctx, "p1", bug.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.BugWontFix || got.RetryCount != 0 || got.Escalated || len(got.FilesChanged) != 0 {
		t.Fatalf("bug changed by rejected fixes: %+v", got)
	}
	if n := len(env.Gate.GetPending("Alice")); n != 0 {
		t.Fatalf("escalations = %d, want 0", n)
	}

	fresh := defect.New(defect.Options{Store: env.Store, Now: fixedNow})
	stored, err := fresh.Get(env.Ctx, "p1", bug.ID)
	if err != nil || stored.RetryCount != 0 || len(stored.FilesChanged) != 0 {
		t.Fatalf("stored bug = %+v err = %v", stored, err)
	}
}

func TestEscalationKeepsAssignedStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, _ := env.Coord.ProcessNewBug(env.Ctx, "p1", domain.Bug{Title: "flaky upload", MaxRetries: 1})
	out, err := env.Coord.CompleteFix(env.Ctx, "p1", bug.ID, false, nil, "Alex")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Result != defect.FixEscalated || out.Bug.Status != domain.BugAssigned {
		t.Fatalf("outcome = %+v, want escalated with status assigned", out)
	}
	history, _ := env.Coord.History(env.Ctx, "p1", bug.ID)
	for _, h := range history {
		if h.Action == "status_change" {
			t.Fatalf("escalating fix changed status: %+v", h)
		}
	}
}

func TestTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	bug, err := env.Coord.Create(env.Ctx, "p1", domain.Bug{Title: "slow page"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if bug.Status != domain.BugOpen || bug.Priority != domain.P2 {
		t.Fatalf("defaults = %+v", bug)
	}
	_, err = env.Coord.UpdateStatus(env.Ctx, "p1", bug.ID, domain.BugClosed, "", "Alice")
	var terr *defect.TransitionError
	if !errors.As(err, &terr) || !errors.Is(err, defect.ErrInvalidTransition) {
		t.Fatalf("open -> closed err = %v", err)
	}
	if _, err := env.Coord.UpdateStatus(env.Ctx, "p1", bug.ID, domain.BugWontFix, "by design", "Alice"); err != nil {
		t.Fatalf("wont_fix from open: %v", err)
	}
	if !defect.CanTransition(domain.BugVerified, domain.BugClosed) || defect.CanTransition(domain.BugWontFix, domain.BugWontFix) {
		t.Fatalf("transition table mismatch")
	}
	if _, err := env.Coord.Assign(env.Ctx, "p1", "BUG-NOPE", "Bob", "Alice"); !errors.Is(err, defect.ErrBugNotFound) || !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing bug err = %v", err)
	}
}

func TestMetricsAndReload(t *testing.T) {
	clock := fixedNow()
	now := func() time.Time { return clock }
	store := repo.NewFileStore(afero.NewMemMapFs(), "/ws")
	coord := defect.New(defect.Options{Store: store, Now: now})
	ctx := context.Background()

	a, _ := coord.Create(ctx, "p1", domain.Bug{Title: "a", Severity: domain.SeverityHigh, Sprint: 1})
	b, _ := coord.Create(ctx, "p1", domain.Bug{Title: "b", Severity: domain.SeverityHigh})
	if _, err := coord.Create(ctx, "p1", domain.Bug{Title: "c", Severity: domain.SeverityLow}); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock = clock.Add(90 * time.Minute)
	if _, err := coord.StartFix(ctx, "p1", a.ID, "Alex"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.UpdateStatus(ctx, "p1", a.ID, domain.BugFixed, "", "Alex"); err != nil {
		t.Fatalf("fixed: %v", err)
	}
	if _, err := coord.Assign(ctx, "p1", b.ID, "Bob", "Alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	fresh := defect.New(defect.Options{Store: store, Now: now})
	if n, err := fresh.LoadBugs(ctx, "p1"); err != nil || n != 3 {
		t.Fatalf("load = %d, %v", n, err)
	}
	m, err := fresh.Metrics(ctx, "p1")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalBugs != 3 || m.Open != 2 || m.Fixed != 1 || m.AvgFixTimeHours != 1.5 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.BySeverity["high"] != 2 || m.BySeverity["low"] != 1 {
		t.Fatalf("by severity = %v", m.BySeverity)
	}
	if m.BySprint["sprint_1"] != 1 || m.BySprint["backlog"] != 2 {
		t.Fatalf("by sprint = %v", m.BySprint)
	}
	open, _ := fresh.ListOpen(ctx, "p1")
	if len(open) != 3 {
		t.Fatalf("open list = %d (fixed bugs stay open until verified)", len(open))
	}
	list, _ := fresh.List(ctx, "p1", "")
	if list[len(list)-1].Severity != domain.SeverityLow {
		t.Fatalf("list not ordered by priority: %+v", list)
	}
}
