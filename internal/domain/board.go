package domain

import "time"

type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusTesting    TaskStatus = "testing"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// Columns lists the board columns in display order.
var Columns = []TaskStatus{StatusTodo, StatusInProgress, StatusReview, StatusTesting, StatusDone, StatusBlocked}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusTesting, StatusDone, StatusBlocked:
		return true
	}
	return false
}

type TaskType string

const (
	TypeEpic  TaskType = "epic"
	TypeStory TaskType = "story"
	TypeTask  TaskType = "task"
	TypeBug   TaskType = "bug"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeEpic, TypeStory, TypeTask, TypeBug:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities from most to least urgent. Unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// StoryPoints is the allowed estimation scale.
var StoryPoints = []int{1, 2, 3, 5, 8, 13, 21}

func ValidStoryPoints(p int) bool {
	for _, v := range StoryPoints {
		if v == p {
			return true
		}
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        TaskType   `json:"type" enum:"epic,story,task,bug"`
	StoryPoints int        `json:"story_points"`
	Status      TaskStatus `json:"status" enum:"todo,in_progress,review,testing,done,blocked"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	ParentStory string     `json:"parent_story,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

type Story struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Priority           Priority   `json:"priority" enum:"critical,high,medium,low"`
	StoryPoints        int        `json:"story_points"`
	Status             TaskStatus `json:"status" enum:"todo,in_progress,review,testing,done,blocked"`
	Tasks              []string   `json:"tasks"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	CreatedAt          time.Time  `json:"created_at" format:"date-time"`
}

type Epic struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Stories     []string  `json:"stories"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Backlog struct {
	ProjectID     string           `json:"project_id"`
	Epics         map[string]Epic  `json:"epics"`
	Stories       map[string]Story `json:"stories"`
	Tasks         map[string]Task  `json:"tasks"`
	PriorityOrder []string         `json:"priority_order"`
}

// TotalPoints sums story points over all stories.
func (b Backlog) TotalPoints() int {
	total := 0
	for _, s := range b.Stories {
		total += s.StoryPoints
	}
	return total
}

func (b Backlog) CompletedPoints() int {
	total := 0
	for _, s := range b.Stories {
		if s.Status == StatusDone {
			total += s.StoryPoints
		}
	}
	return total
}

// BoardState holds one ordered id list per column. A task id lives in exactly one column.
type BoardState struct {
	ProjectID string                  `json:"project_id"`
	Columns   map[TaskStatus][]string `json:"columns"`
}

func NewBoardState(projectID string) BoardState {
	b := BoardState{ProjectID: projectID, Columns: make(map[TaskStatus][]string, len(Columns))}
	for _, c := range Columns {
		b.Columns[c] = []string{}
	}
	return b
}

// Column returns a copy of the ids held by the given column.
func (b BoardState) Column(status TaskStatus) []string {
	return append([]string(nil), b.Columns[status]...)
}

// Locate reports the column currently holding the task.
func (b BoardState) Locate(taskID string) (TaskStatus, bool) {
	for _, c := range Columns {
		for _, id := range b.Columns[c] {
			if id == taskID {
				return c, true
			}
		}
	}
	return "", false
}

// Place removes the task from whichever column holds it and appends it to status.
func (b *BoardState) Place(taskID string, status TaskStatus) {
	if b.Columns == nil {
		*b = NewBoardState(b.ProjectID)
	}
	for _, c := range Columns {
		ids := b.Columns[c]
		for i, id := range ids {
			if id == taskID {
				b.Columns[c] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	b.Columns[status] = append(b.Columns[status], taskID)
}

type TaskMove struct {
	Timestamp time.Time  `json:"timestamp" format:"date-time"`
	TaskID    string     `json:"task_id"`
	OldStatus TaskStatus `json:"old_status"`
	NewStatus TaskStatus `json:"new_status"`
	Requested TaskStatus `json:"requested_status,omitempty"`
}

type MoveResult struct {
	Task      Task       `json:"task"`
	Requested TaskStatus `json:"requested_status"`
	Blocked   bool       `json:"blocked_by_dependency"`
	BlockedBy string     `json:"blocked_by,omitempty"`
	Unblocked []string   `json:"unblocked,omitempty"`
}

type Sprint struct {
	Number          int       `json:"number"`
	Name            string    `json:"name"`
	DurationDays    int       `json:"duration_days"`
	StartDate       time.Time `json:"start_date" format:"date-time"`
	EndDate         time.Time `json:"end_date" format:"date-time"`
	Goals           []string  `json:"goals"`
	Tasks           []string  `json:"tasks"`
	TotalPoints     int       `json:"total_points"`
	CompletedPoints int       `json:"completed_points"`
}

func (s Sprint) ProgressPercent() int {
	if s.TotalPoints == 0 {
		return 0
	}
	return s.CompletedPoints * 100 / s.TotalPoints
}

type ProjectMetrics struct {
	ProjectID       string `json:"project_id"`
	CurrentSprint   int    `json:"current_sprint"`
	TotalSprints    int    `json:"total_sprints"`
	ProgressPercent int    `json:"progress_percent"`
	Velocity        int    `json:"velocity"`
	PointsCompleted int    `json:"points_completed"`
	PointsRemaining int    `json:"points_remaining"`
	BlockedCount    int    `json:"blocked_count"`
}
