// Package events carries state-change notifications from the coordination services to
// observers. Every published event is appended to the durable event log first and then
// fanned out, in publish order, to the observers subscribed to its project.
package events

import (
	"context"

	"crewline/internal/domain"
)

const (
	TypeBoardInitialized = "board_initialized"
	TypeTaskMoved        = "task_moved"
	TypeBacklogSaved     = "backlog_saved"
	TypeSprintsPlanned   = "sprints_planned"
	TypeNewMessage       = "new_message"
	TypeThreadResolved   = "thread_resolved"
	TypeApprovalRequest  = "approval_requested"
	TypeApprovalResolved = "approval_resolved"
	TypeBugCreated       = "bug_created"
	TypeBugAssigned      = "bug_assigned"
	TypeBugEscalated     = "bug_escalated"
	TypeVersionCreated   = "version_created"
	TypeVersionLocked    = "version_locked"
)

// BugStatusType names the event emitted when a bug enters status.
func BugStatusType(status domain.BugStatus) string {
	return "bug_" + string(status)
}

// Publisher is the best-effort notify side of the hub. Publish never fails the caller:
// log and delivery errors are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) {}
