package server

import (
	"time"

	"crewline/internal/domain"
)

// Request payloads

// TaskInput is a task as clients submit it; everything but id and title defaults.
type TaskInput struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Type        domain.TaskType   `json:"type,omitempty" enum:"epic,story,task,bug"`
	StoryPoints int               `json:"story_points,omitempty"`
	Status      domain.TaskStatus `json:"status,omitempty" enum:"todo,in_progress,review,testing,done,blocked"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	ParentStory string            `json:"parent_story,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

type StoryInput struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Priority           domain.Priority   `json:"priority,omitempty" enum:"critical,high,medium,low"`
	StoryPoints        int               `json:"story_points,omitempty"`
	Status             domain.TaskStatus `json:"status,omitempty" enum:"todo,in_progress,review,testing,done,blocked"`
	Tasks              []string          `json:"tasks,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
}

type EpicInput struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Stories     []string `json:"stories,omitempty"`
}

type InitBoardRequest struct {
	Tasks []TaskInput `json:"tasks"`
}

type MoveTaskRequest struct {
	Status domain.TaskStatus `json:"status" enum:"todo,in_progress,review,testing,done,blocked"`
}

type BacklogRequest struct {
	Epics   []EpicInput  `json:"epics,omitempty"`
	Stories []StoryInput `json:"stories,omitempty"`
	Tasks   []TaskInput  `json:"tasks,omitempty"`
}

type TaskStatusRequest struct {
	Status domain.TaskStatus `json:"status" enum:"todo,in_progress,review,testing,done,blocked"`
}

type ReprioritizeRequest struct {
	Index int `json:"index"`
}

type PlanSprintsRequest struct {
	Start *time.Time `json:"start,omitempty" format:"date-time"`
}

type CurrentSprintRequest struct {
	Number int `json:"number" minimum:"1"`
}

type SendMessageRequest struct {
	From             string             `json:"from"`
	To               string             `json:"to"`
	Content          string             `json:"content"`
	Type             domain.MessageType `json:"type,omitempty" enum:"question,answer,approval_request,approval_response,clarification,handoff,notification,client_message"`
	RequiresResponse bool               `json:"requires_response,omitempty"`
	Context          map[string]any     `json:"context,omitempty"`
	ThreadID         string             `json:"thread_id,omitempty"`
}

type ReplyRequest struct {
	From    string             `json:"from"`
	Content string             `json:"content"`
	Type    domain.MessageType `json:"type,omitempty" enum:"question,answer,approval_request,approval_response,clarification,handoff,notification,client_message"`
}

type ApprovalRequestBody struct {
	From        string         `json:"from"`
	To          string         `json:"to"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

type ResolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

type ReportBugRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Source      domain.BugSource `json:"source,omitempty" enum:"auto_test,manual,code_review,client"`
	FilePath    string           `json:"file_path,omitempty"`
	ErrorTrace  string           `json:"error_trace,omitempty"`
	TestName    string           `json:"test_name,omitempty"`
	LineNumber  int              `json:"line_number,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	Sprint      int              `json:"sprint,omitempty"`
	RelatedTask string           `json:"related_task,omitempty"`
}

type DetectBugsRequest struct {
	Output string `json:"output" doc:"Raw test runner output"`
}

type DetectBugsResponse struct {
	Detected int      `json:"detected"`
	BugIDs   []string `json:"bug_ids"`
}

type AssignBugRequest struct {
	Agent string `json:"agent"`
	By    string `json:"by,omitempty"`
}

type BugStatusRequest struct {
	Status domain.BugStatus `json:"status" enum:"open,assigned,in_progress,fixed,verified,closed,wont_fix"`
	Notes  string           `json:"notes,omitempty"`
	By     string           `json:"by,omitempty"`
}

type StartFixRequest struct {
	By string `json:"by,omitempty"`
}

type CompleteFixRequest struct {
	Passed       bool     `json:"passed"`
	FilesChanged []string `json:"files_changed,omitempty"`
	By           string   `json:"by,omitempty"`
}

type SnapshotRequest struct {
	DocumentType   string   `json:"document_type,omitempty"`
	Content        any      `json:"content"`
	ChangedBy      string   `json:"changed_by,omitempty"`
	ChangeReason   string   `json:"change_reason,omitempty"`
	ChangesSummary []string `json:"changes_summary,omitempty"`
}

type RollbackRequest struct {
	Target int    `json:"target" minimum:"1"`
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

// Responses

type BoardView struct {
	Board domain.BoardState `json:"board"`
	Tasks []domain.Task     `json:"tasks"`
}

type HistoryPage struct {
	Items      []domain.TaskMove `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type CurrentSprintResponse struct {
	Number int            `json:"number"`
	Sprint *domain.Sprint `json:"sprint,omitempty"`
}

type PriorityOrderResponse struct {
	PriorityOrder []string `json:"priority_order"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id"`
}

type InboxResponse struct {
	AgentName   string                `json:"agent_name"`
	UnreadCount int                   `json:"unread_count"`
	Messages    []domain.AgentMessage `json:"messages"`
}

type MarkReadResponse struct {
	Updated bool `json:"updated"`
}

type ResolveApprovalResponse struct {
	Approved bool                   `json:"approved"`
	Request  domain.ApprovalRequest `json:"request"`
}

type ResolveByMessageResponse struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

type WaitApprovalResponse struct {
	Proceed bool                   `json:"proceed"`
	Request domain.ApprovalRequest `json:"request"`
}

type DiffResponse struct {
	Diff    domain.DiffResult `json:"diff"`
	Summary string            `json:"summary"`
}

type RollbackCheckResponse struct {
	CanRollback bool `json:"can_rollback"`
}

func inboxResponse(in domain.AgentInbox) InboxResponse {
	msgs := in.Messages
	if msgs == nil {
		msgs = []domain.AgentMessage{}
	}
	return InboxResponse{AgentName: in.AgentName, UnreadCount: in.UnreadCount(), Messages: msgs}
}

func toTasks(in []TaskInput) []domain.Task {
	out := make([]domain.Task, 0, len(in))
	for _, t := range in {
		out = append(out, domain.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Type:        t.Type,
			StoryPoints: t.StoryPoints,
			Status:      t.Status,
			AssignedTo:  t.AssignedTo,
			ParentStory: t.ParentStory,
			DependsOn:   t.DependsOn,
		})
	}
	return out
}

func toStories(in []StoryInput) []domain.Story {
	out := make([]domain.Story, 0, len(in))
	for _, s := range in {
		out = append(out, domain.Story{
			ID:                 s.ID,
			Title:              s.Title,
			Description:        s.Description,
			Priority:           s.Priority,
			StoryPoints:        s.StoryPoints,
			Status:             s.Status,
			Tasks:              s.Tasks,
			AcceptanceCriteria: s.AcceptanceCriteria,
		})
	}
	return out
}

func toEpics(in []EpicInput) []domain.Epic {
	out := make([]domain.Epic, 0, len(in))
	for _, e := range in {
		out = append(out, domain.Epic{ID: e.ID, Title: e.Title, Description: e.Description, Stories: e.Stories})
	}
	return out
}

func bugFromReport(r ReportBugRequest) domain.Bug {
	return domain.Bug{
		Title:       r.Title,
		Description: r.Description,
		Source:      r.Source,
		FilePath:    r.FilePath,
		ErrorTrace:  r.ErrorTrace,
		TestName:    r.TestName,
		LineNumber:  r.LineNumber,
		CreatedBy:   r.CreatedBy,
		Sprint:      r.Sprint,
		RelatedTask: r.RelatedTask,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
