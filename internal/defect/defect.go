// Package defect tracks bugs per project: severity classification, priority, routing to
// an actor, the fix workflow with bounded retries, and escalation once retries run out.
package defect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"crewline/internal/collab"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/repo"
)

const (
	kindBugs      = "bugs"
	streamHistory = "bug_history"

	DefaultMaxRetries = 3
	trackerActor      = "BugTracker"
)

var ErrBugNotFound = fmt.Errorf("bug %w", repo.ErrNotFound)

// Messenger delivers notifications and escalations. *collab.Bus satisfies it.
type Messenger interface {
	Send(ctx context.Context, req collab.SendRequest) (string, string, error)
}

type Options struct {
	Store      repo.Store
	Events     events.Publisher
	Messenger  Messenger
	Classifier Classifier
	Assignees  Assignees
	MaxRetries int
	EscalateTo string
	Logger     *log.Logger
	Now        func() time.Time
}

type Coordinator struct {
	store      repo.Store
	events     events.Publisher
	messenger  Messenger
	classifier Classifier
	assignees  Assignees
	maxRetries int
	escalateTo string
	log        *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	projects map[string]*project
}

type project struct {
	mu     sync.Mutex
	id     string
	loaded bool
	bugs   map[string]*domain.Bug
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:      opts.Store,
		events:     opts.Events,
		messenger:  opts.Messenger,
		classifier: opts.Classifier,
		assignees:  opts.Assignees.withDefaults(),
		maxRetries: opts.MaxRetries,
		escalateTo: opts.EscalateTo,
		log:        logging.OrDiscard(opts.Logger),
		now:        opts.Now,
		projects:   make(map[string]*project),
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.escalateTo == "" {
		c.escalateTo = "Alice"
	}
	return c
}

func (c *Coordinator) project(id string) *project {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.projects[id]
	if !ok {
		p = &project{id: id, bugs: make(map[string]*domain.Bug)}
		c.projects[id] = p
	}
	return p
}

// LoadBugs reads every stored bug of the project into memory, replacing the cached set.
// Unreadable bug documents are skipped. It returns the number loaded.
func (c *Coordinator) LoadBugs(ctx context.Context, projectID string) (int, error) {
	p := c.project(projectID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.bugs = make(map[string]*domain.Bug)
	if err := c.loadLocked(ctx, p); err != nil {
		return 0, err
	}
	return len(p.bugs), nil
}

func (c *Coordinator) loadLocked(ctx context.Context, p *project) error {
	if p.loaded {
		return nil
	}
	keys, err := c.store.Keys(ctx, p.id, kindBugs)
	if err != nil {
		return err
	}
	for _, k := range keys {
		var b domain.Bug
		if err := c.store.Get(ctx, p.id, kindBugs, k, &b); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				c.log.Warn("skipping unreadable bug", "project", p.id, "bug", k, "err", err)
				continue
			}
			return err
		}
		if b.ID == "" || !b.Status.Valid() {
			c.log.Warn("skipping invalid bug", "project", p.id, "bug", k)
			continue
		}
		p.bugs[b.ID] = &b
	}
	p.loaded = true
	return nil
}

func (c *Coordinator) lockProject(ctx context.Context, projectID string) (*project, error) {
	p := c.project(projectID)
	p.mu.Lock()
	if err := c.loadLocked(ctx, p); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	return p, nil
}

func (c *Coordinator) saveLocked(ctx context.Context, p *project, b *domain.Bug) error {
	if err := c.store.Put(ctx, p.id, kindBugs, b.ID, b); err != nil {
		return fmt.Errorf("save bug %s: %w", b.ID, err)
	}
	return nil
}

func (c *Coordinator) history(ctx context.Context, projectID, bugID, action, oldValue, newValue, by string) error {
	_, err := c.store.Append(ctx, projectID, streamHistory, domain.BugHistory{
		BugID:     bugID,
		Timestamp: c.now().UTC(),
		Action:    action,
		OldValue:  oldValue,
		NewValue:  newValue,
		By:        by,
	})
	return err
}

// Create stores a new bug. Missing fields get defaults: a BUG- id, status open, source
// manual, medium severity, the priority of its severity, and the configured retry cap.
func (c *Coordinator) Create(ctx context.Context, projectID string, bug domain.Bug) (domain.Bug, error) {
	bug, err := c.prepare(bug)
	if err != nil {
		return domain.Bug{}, err
	}
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return domain.Bug{}, err
	}
	defer p.mu.Unlock()
	if _, dup := p.bugs[bug.ID]; dup {
		return domain.Bug{}, fmt.Errorf("bug %s already exists", bug.ID)
	}
	return c.createLocked(ctx, p, bug)
}

func (c *Coordinator) prepare(bug domain.Bug) (domain.Bug, error) {
	if strings.TrimSpace(bug.Title) == "" {
		return bug, errors.New("bug title required")
	}
	now := c.now().UTC()
	if bug.ID == "" {
		bug.ID = domain.NewTicketID("BUG")
	}
	if bug.Status == "" {
		bug.Status = domain.BugOpen
	}
	if !bug.Status.Valid() {
		return bug, fmt.Errorf("unknown bug status %q", bug.Status)
	}
	if bug.Source == "" {
		bug.Source = domain.SourceManual
	}
	if !bug.Source.Valid() {
		return bug, fmt.Errorf("unknown bug source %q", bug.Source)
	}
	if bug.Severity == "" {
		bug.Severity = domain.SeverityMedium
	}
	if !bug.Severity.Valid() {
		return bug, fmt.Errorf("unknown severity %q", bug.Severity)
	}
	if bug.Priority == "" {
		bug.Priority = PriorityFor(bug.Severity)
	}
	if !bug.Priority.Valid() {
		return bug, fmt.Errorf("unknown priority %q", bug.Priority)
	}
	if bug.MaxRetries <= 0 {
		bug.MaxRetries = c.maxRetries
	}
	if bug.CreatedBy == "" {
		bug.CreatedBy = trackerActor
	}
	bug.CreatedAt = now
	bug.UpdatedAt = now
	return bug, nil
}

func (c *Coordinator) createLocked(ctx context.Context, p *project, bug domain.Bug) (domain.Bug, error) {
	if err := c.saveLocked(ctx, p, &bug); err != nil {
		return domain.Bug{}, err
	}
	p.bugs[bug.ID] = &bug
	if err := c.history(ctx, p.id, bug.ID, "created", "", string(bug.Status), bug.CreatedBy); err != nil {
		return domain.Bug{}, err
	}
	c.events.Publish(ctx, domain.Event{
		Type:       events.TypeBugCreated,
		ProjectID:  p.id,
		EntityKind: "bug",
		EntityID:   bug.ID,
		ActorID:    bug.CreatedBy,
		Payload: map[string]any{
			"bug_id":   bug.ID,
			"title":    bug.Title,
			"severity": bug.Severity,
			"priority": bug.Priority,
		},
	})
	c.log.Info("bug created", "project", p.id, "bug", bug.ID, "severity", bug.Severity, "priority", bug.Priority)
	return copyBug(bug), nil
}

func (c *Coordinator) Get(ctx context.Context, projectID, bugID string) (domain.Bug, error) {
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return domain.Bug{}, err
	}
	defer p.mu.Unlock()
	b, ok := p.bugs[bugID]
	if !ok {
		return domain.Bug{}, fmt.Errorf("%w: %s", ErrBugNotFound, bugID)
	}
	return copyBug(*b), nil
}

// List returns the project's bugs ordered by priority, then creation time. An empty
// status lists all.
func (c *Coordinator) List(ctx context.Context, projectID string, status domain.BugStatus) ([]domain.Bug, error) {
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Bug, 0, len(p.bugs))
	for _, b := range p.bugs {
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, copyBug(*b))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListOpen returns bugs that are neither verified, closed nor won't fix.
func (c *Coordinator) ListOpen(ctx context.Context, projectID string) ([]domain.Bug, error) {
	all, err := c.List(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		switch b.Status {
		case domain.BugVerified, domain.BugClosed, domain.BugWontFix:
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// History returns a bug's audit trail, oldest first.
func (c *Coordinator) History(ctx context.Context, projectID, bugID string) ([]domain.BugHistory, error) {
	if _, err := c.Get(ctx, projectID, bugID); err != nil {
		return nil, err
	}
	all, err := repo.ReadAll[domain.BugHistory](ctx, c.store, projectID, streamHistory)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BugHistory, 0)
	for _, h := range all {
		if h.BugID == bugID {
			out = append(out, h)
		}
	}
	return out, nil
}

// Metrics summarizes the project's bugs. Average fix time covers fixed, verified and
// closed bugs with a recorded fix time, in hours rounded to two decimals.
func (c *Coordinator) Metrics(ctx context.Context, projectID string) (domain.BugMetrics, error) {
	bugs, err := c.List(ctx, projectID, "")
	if err != nil {
		return domain.BugMetrics{}, err
	}
	m := domain.BugMetrics{BySeverity: map[string]int{}, BySprint: map[string]int{}}
	var fixHours []float64
	for _, b := range bugs {
		m.TotalBugs++
		if b.Status.Active() {
			m.Open++
		}
		switch b.Status {
		case domain.BugFixed, domain.BugVerified, domain.BugClosed:
			m.Fixed++
			if b.FixedAt != nil {
				fixHours = append(fixHours, b.FixedAt.Sub(b.CreatedAt).Hours())
			}
		}
		m.BySeverity[string(b.Severity)]++
		key := "backlog"
		if b.Sprint > 0 {
			key = fmt.Sprintf("sprint_%d", b.Sprint)
		}
		m.BySprint[key]++
	}
	if len(fixHours) > 0 {
		sum := 0.0
		for _, h := range fixHours {
			sum += h
		}
		m.AvgFixTimeHours = math.Round(sum/float64(len(fixHours))*100) / 100
	}
	return m, nil
}

func copyBug(b domain.Bug) domain.Bug {
	b.FilesChanged = append([]string(nil), b.FilesChanged...)
	if b.FixedAt != nil {
		at := *b.FixedAt
		b.FixedAt = &at
	}
	return b
}
