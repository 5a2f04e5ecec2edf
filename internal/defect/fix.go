package defect

import (
	"context"
	"fmt"
	"strings"

	"crewline/internal/collab"
	"crewline/internal/domain"
	"crewline/internal/events"
)

// FixResult names what CompleteFix did with a fix attempt.
type FixResult string

const (
	FixVerified FixResult = "verified"
	FixRetrying FixResult = "retrying"
	// FixEscalated is reported for the failure that exhausts the retries.
	FixEscalated FixResult = "escalated"
	// FixAwaitingReview is reported for failures after escalation; nothing is sent.
	FixAwaitingReview FixResult = "awaiting_review"
)

type FixOutcome struct {
	Bug    domain.Bug `json:"bug"`
	Result FixResult  `json:"result" enum:"verified,retrying,escalated,awaiting_review"`
}

// ProcessNewBug classifies the bug, derives its priority, routes it to an actor, stores
// it as assigned and notifies the assignee.
func (c *Coordinator) ProcessNewBug(ctx context.Context, projectID string, bug domain.Bug) (domain.Bug, error) {
	bug.Severity = c.classify(ctx, bug)
	bug.Priority = PriorityFor(bug.Severity)
	bug.AssignedTo = c.assignees.Pick(bug)
	bug.Status = domain.BugAssigned
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
	created, err := c.createLocked(ctx, p, bug)
	if err != nil {
		return domain.Bug{}, err
	}
	c.notify(ctx, projectID, created)
	c.log.Info("bug routed", "project", projectID, "bug", created.ID, "severity", created.Severity, "assignee", created.AssignedTo)
	return created, nil
}

func (c *Coordinator) classify(ctx context.Context, bug domain.Bug) domain.BugSeverity {
	if c.classifier == nil {
		return RuleSeverity(bug)
	}
	sev, err := c.classifier.Classify(ctx, bug)
	if err != nil {
		c.log.Warn("severity classification failed, using keyword rules", "bug", bug.ID, "err", err)
		return RuleSeverity(bug)
	}
	sev = domain.BugSeverity(strings.ToLower(strings.TrimSpace(string(sev))))
	if !sev.Valid() {
		return domain.SeverityMedium
	}
	return sev
}

// Assign hands the bug to agent and moves it to assigned.
func (c *Coordinator) Assign(ctx context.Context, projectID, bugID, agent, by string) (domain.Bug, error) {
	if strings.TrimSpace(agent) == "" {
		return domain.Bug{}, fmt.Errorf("assignee required")
	}
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return domain.Bug{}, err
	}
	defer p.mu.Unlock()
	b, ok := p.bugs[bugID]
	if !ok {
		return domain.Bug{}, fmt.Errorf("%w: %s", ErrBugNotFound, bugID)
	}
	if !CanTransition(b.Status, domain.BugAssigned) {
		return domain.Bug{}, &TransitionError{BugID: bugID, From: b.Status, To: domain.BugAssigned}
	}
	old := b.AssignedTo
	if old == "" {
		old = "none"
	}
	next := *b
	next.AssignedTo = agent
	next.Status = domain.BugAssigned
	next.UpdatedAt = c.now().UTC()
	if err := c.saveLocked(ctx, p, &next); err != nil {
		return domain.Bug{}, err
	}
	*b = next
	if err := c.history(ctx, projectID, bugID, "assigned", old, agent, by); err != nil {
		return domain.Bug{}, err
	}
	c.events.Publish(ctx, domain.Event{
		Type:       events.TypeBugAssigned,
		ProjectID:  projectID,
		EntityKind: "bug",
		EntityID:   bugID,
		ActorID:    by,
		Payload:    map[string]any{"bug_id": bugID, "agent": agent},
	})
	c.log.Info("bug assigned", "project", projectID, "bug", bugID, "agent", agent)
	return copyBug(*b), nil
}

// UpdateStatus moves the bug along its workflow. notes, when set, replace the
// verification notes.
func (c *Coordinator) UpdateStatus(ctx context.Context, projectID, bugID string, status domain.BugStatus, notes, by string) (domain.Bug, error) {
	if !status.Valid() {
		return domain.Bug{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return domain.Bug{}, err
	}
	defer p.mu.Unlock()
	b, ok := p.bugs[bugID]
	if !ok {
		return domain.Bug{}, fmt.Errorf("%w: %s", ErrBugNotFound, bugID)
	}
	if err := c.setStatusLocked(ctx, p, b, status, notes, by); err != nil {
		return domain.Bug{}, err
	}
	return copyBug(*b), nil
}

func (c *Coordinator) setStatusLocked(ctx context.Context, p *project, b *domain.Bug, status domain.BugStatus, notes, by string) error {
	if !CanTransition(b.Status, status) {
		return &TransitionError{BugID: b.ID, From: b.Status, To: status}
	}
	next := copyBug(*b)
	next.Status = status
	if notes != "" {
		next.VerificationNotes = notes
	}
	return c.commitLocked(ctx, p, b, next, by)
}

// commitLocked saves next and only then replaces *b with it. A status change is recorded
// in the bug history and published.
func (c *Coordinator) commitLocked(ctx context.Context, p *project, b *domain.Bug, next domain.Bug, by string) error {
	old := b.Status
	now := c.now().UTC()
	next.UpdatedAt = now
	if (next.Status == domain.BugFixed || next.Status == domain.BugVerified) && next.FixedAt == nil {
		next.FixedAt = &now
	}
	if err := c.saveLocked(ctx, p, &next); err != nil {
		return err
	}
	*b = next
	if old == next.Status {
		return nil
	}
	if err := c.history(ctx, p.id, b.ID, "status_change", string(old), string(next.Status), by); err != nil {
		return err
	}
	c.events.Publish(ctx, domain.Event{
		Type:       events.BugStatusType(next.Status),
		ProjectID:  p.id,
		EntityKind: "bug",
		EntityID:   b.ID,
		ActorID:    by,
		Payload:    map[string]any{"bug_id": b.ID, "old_status": old, "new_status": next.Status},
	})
	c.log.Info("bug status changed", "project", p.id, "bug", b.ID, "from", old, "to", next.Status)
	return nil
}

// StartFix marks the bug in progress.
func (c *Coordinator) StartFix(ctx context.Context, projectID, bugID, by string) (domain.Bug, error) {
	return c.UpdateStatus(ctx, projectID, bugID, domain.BugInProgress, "", by)
}

// acceptsFix reports whether a fix result can be recorded for a bug in status. Closed,
// verified and won't-fix bugs take no more fix attempts.
func acceptsFix(status domain.BugStatus) bool {
	switch status {
	case domain.BugOpen, domain.BugAssigned, domain.BugInProgress, domain.BugFixed:
		return true
	}
	return false
}

// CompleteFix records the outcome of a fix attempt on an open, assigned, in-progress or
// fixed bug. A passing fix verifies the bug and clears its retry state. A failing fix
// counts a retry and sends the bug back to its assignee until the retry cap is reached;
// the failure that reaches the cap sends one escalation approval request and leaves the
// status alone. Nothing changes when the bug cannot take a fix result or the save fails.
func (c *Coordinator) CompleteFix(ctx context.Context, projectID, bugID string, passed bool, filesChanged []string, by string) (FixOutcome, error) {
	p, err := c.lockProject(ctx, projectID)
	if err != nil {
		return FixOutcome{}, err
	}
	defer p.mu.Unlock()
	b, ok := p.bugs[bugID]
	if !ok {
		return FixOutcome{}, fmt.Errorf("%w: %s", ErrBugNotFound, bugID)
	}
	target := domain.BugAssigned
	if passed {
		target = domain.BugVerified
	}
	if !acceptsFix(b.Status) {
		return FixOutcome{}, &TransitionError{BugID: bugID, From: b.Status, To: target}
	}

	next := copyBug(*b)
	next.FilesChanged = append(next.FilesChanged, filesChanged...)
	if passed {
		next.RetryCount = 0
		next.Escalated = false
		next.Status = domain.BugVerified
		if err := c.commitLocked(ctx, p, b, next, by); err != nil {
			return FixOutcome{}, err
		}
		c.log.Info("bug fix verified", "project", projectID, "bug", bugID)
		return FixOutcome{Bug: copyBug(*b), Result: FixVerified}, nil
	}

	next.RetryCount++
	if next.RetryCount >= next.MaxRetries {
		result := FixAwaitingReview
		if !next.Escalated {
			next.Escalated = true
			result = FixEscalated
		}
		if err := c.commitLocked(ctx, p, b, next, by); err != nil {
			return FixOutcome{}, err
		}
		if result == FixEscalated {
			c.log.Warn("bug fix retries exhausted, escalating", "project", projectID, "bug", bugID, "retries", b.RetryCount)
			c.escalate(ctx, projectID, *b)
		}
		return FixOutcome{Bug: copyBug(*b), Result: result}, nil
	}

	next.Status = domain.BugAssigned
	next.VerificationNotes = fmt.Sprintf("Fix attempt %d failed, retrying", next.RetryCount)
	if err := c.commitLocked(ctx, p, b, next, by); err != nil {
		return FixOutcome{}, err
	}
	c.notify(ctx, projectID, *b)
	c.log.Info("bug fix retry", "project", projectID, "bug", bugID, "attempt", b.RetryCount, "max", b.MaxRetries)
	return FixOutcome{Bug: copyBug(*b), Result: FixRetrying}, nil
}

// RetryCount returns the failed fix attempts recorded for a bug.
func (c *Coordinator) RetryCount(ctx context.Context, projectID, bugID string) (int, error) {
	b, err := c.Get(ctx, projectID, bugID)
	if err != nil {
		return 0, err
	}
	return b.RetryCount, nil
}

func (c *Coordinator) notify(ctx context.Context, projectID string, b domain.Bug) {
	if c.messenger == nil || b.AssignedTo == "" {
		return
	}
	trace := b.ErrorTrace
	if r := []rune(trace); len(r) > 200 {
		trace = string(r[:200])
	}
	content := fmt.Sprintf("[%s] BUG ASSIGNED: %s\nID: %s\nSeverity: %s\nFile: %s\nError: %s",
		b.Priority, b.Title, b.ID, b.Severity, b.FilePath, trace)
	if _, _, err := c.messenger.Send(ctx, collab.SendRequest{
		From:    trackerActor,
		To:      b.AssignedTo,
		Content: content,
		Type:    domain.MessageNotification,
		Context: map[string]any{"bug_id": b.ID, "project_id": projectID},
	}); err != nil {
		c.log.Warn("bug notification not sent", "bug", b.ID, "err", err)
	}
}

func (c *Coordinator) escalate(ctx context.Context, projectID string, b domain.Bug) {
	if c.messenger != nil {
		content := fmt.Sprintf("ESCALATION: Bug %s failed to fix after %d attempts.\nTitle: %s\nAssigned to: %s\nPlease review and reassign or mark as won't fix.",
			b.ID, b.MaxRetries, b.Title, b.AssignedTo)
		if _, _, err := c.messenger.Send(ctx, collab.SendRequest{
			From:             trackerActor,
			To:               c.escalateTo,
			Content:          content,
			Type:             domain.MessageApprovalRequest,
			RequiresResponse: true,
			Context:          map[string]any{"bug_id": b.ID, "project_id": projectID},
		}); err != nil {
			c.log.Warn("bug escalation not sent", "bug", b.ID, "err", err)
		}
	}
	c.events.Publish(ctx, domain.Event{
		Type:       events.TypeBugEscalated,
		ProjectID:  projectID,
		EntityKind: "bug",
		EntityID:   b.ID,
		ActorID:    trackerActor,
		Payload:    map[string]any{"bug_id": b.ID, "retry_count": b.RetryCount, "escalated_to": c.escalateTo},
	})
}
