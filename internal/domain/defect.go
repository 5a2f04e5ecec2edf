package domain

import "time"

type BugSeverity string

const (
	SeverityCritical BugSeverity = "critical"
	SeverityHigh     BugSeverity = "high"
	SeverityMedium   BugSeverity = "medium"
	SeverityLow      BugSeverity = "low"
)

var Severities = []BugSeverity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s BugSeverity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

type BugPriority string

const (
	P0 BugPriority = "P0"
	P1 BugPriority = "P1"
	P2 BugPriority = "P2"
	P3 BugPriority = "P3"
)

func (p BugPriority) Valid() bool {
	switch p {
	case P0, P1, P2, P3:
		return true
	}
	return false
}

type BugStatus string

const (
	BugOpen       BugStatus = "open"
	BugAssigned   BugStatus = "assigned"
	BugInProgress BugStatus = "in_progress"
	BugFixed      BugStatus = "fixed"
	BugVerified   BugStatus = "verified"
	BugClosed     BugStatus = "closed"
	BugWontFix    BugStatus = "wont_fix"
)

func (s BugStatus) Valid() bool {
	switch s {
	case BugOpen, BugAssigned, BugInProgress, BugFixed, BugVerified, BugClosed, BugWontFix:
		return true
	}
	return false
}

// Active reports whether work on the bug is still outstanding.
func (s BugStatus) Active() bool {
	return s == BugOpen || s == BugAssigned || s == BugInProgress
}

type BugSource string

const (
	SourceAutoTest   BugSource = "auto_test"
	SourceManual     BugSource = "manual"
	SourceCodeReview BugSource = "code_review"
	SourceClient     BugSource = "client"
)

func (s BugSource) Valid() bool {
	switch s {
	case SourceAutoTest, SourceManual, SourceCodeReview, SourceClient:
		return true
	}
	return false
}

type Bug struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	Severity          BugSeverity `json:"severity" enum:"critical,high,medium,low"`
	Priority          BugPriority `json:"priority" enum:"P0,P1,P2,P3"`
	Status            BugStatus   `json:"status" enum:"open,assigned,in_progress,fixed,verified,closed,wont_fix"`
	Source            BugSource   `json:"source" enum:"auto_test,manual,code_review,client"`
	FilePath          string      `json:"file_path,omitempty"`
	ErrorTrace        string      `json:"error_trace,omitempty"`
	TestName          string      `json:"test_name,omitempty"`
	LineNumber        int         `json:"line_number,omitempty"`
	AssignedTo        string      `json:"assigned_to,omitempty"`
	CreatedBy         string      `json:"created_by"`
	CreatedAt         time.Time   `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time   `json:"updated_at" format:"date-time"`
	FixedAt           *time.Time  `json:"fixed_at,omitempty" format:"date-time"`
	Sprint            int         `json:"sprint"`
	RelatedTask       string      `json:"related_task,omitempty"`
	FilesChanged      []string    `json:"files_changed,omitempty"`
	VerificationNotes string      `json:"verification_notes,omitempty"`
	RetryCount        int         `json:"retry_count"`
	MaxRetries        int         `json:"max_retries"`
	Escalated         bool        `json:"escalated"`
}

type BugHistory struct {
	BugID     string    `json:"bug_id"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	By        string    `json:"by"`
}

type BugMetrics struct {
	TotalBugs       int            `json:"total_bugs"`
	Open            int            `json:"open"`
	Fixed           int            `json:"fixed"`
	AvgFixTimeHours float64        `json:"avg_fix_time_hours"`
	BySeverity      map[string]int `json:"by_severity"`
	BySprint        map[string]int `json:"by_sprint"`
}
