// Package crewlinesdk is a small client for the crewline HTTP API.
package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal crewline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v0",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	StoryPoints int      `json:"story_points"`
	Status      string   `json:"status"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Board holds column membership by status.
type Board struct {
	ProjectID string              `json:"project_id"`
	Columns   map[string][]string `json:"columns"`
}

type BoardView struct {
	Board Board  `json:"board"`
	Tasks []Task `json:"tasks"`
}

// MoveResult reports what a move actually did.
type MoveResult struct {
	Task      Task     `json:"task"`
	Requested string   `json:"requested_status"`
	Blocked   bool     `json:"blocked_by_dependency"`
	BlockedBy string   `json:"blocked_by,omitempty"`
	Unblocked []string `json:"unblocked,omitempty"`
}

type Message struct {
	ID          string `json:"id"`
	FromAgent   string `json:"from_agent"`
	ToAgent     string `json:"to_agent"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	ThreadID    string `json:"thread_id"`
	Timestamp   string `json:"timestamp"`
	Read        bool   `json:"read"`
}

type Inbox struct {
	AgentName   string    `json:"agent_name"`
	UnreadCount int       `json:"unread_count"`
	Messages    []Message `json:"messages"`
}

// Approval represents an approval request (partial).
type Approval struct {
	ID              string `json:"id"`
	MessageID       string `json:"message_id"`
	FromAgent       string `json:"from_agent"`
	ToAgent         string `json:"to_agent"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

// Bug represents the API bug model (partial).
type Bug struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Severity   string `json:"severity"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to,omitempty"`
	RetryCount int    `json:"retry_count"`
	Escalated  bool   `json:"escalated"`
}

type FixOutcome struct {
	Bug    Bug    `json:"bug"`
	Result string `json:"result"`
}

// BugReport is the payload for ReportBug.
type BugReport struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	ErrorTrace  string `json:"error_trace,omitempty"`
	TestName    string `json:"test_name,omitempty"`
}

// DocumentVersion represents one stored version.
type DocumentVersion struct {
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type"`
	Version      int    `json:"version"`
	Content      any    `json:"content"`
	ContentHash  string `json:"content_hash"`
	ChangedBy    string `json:"changed_by"`
	ChangeReason string `json:"change_reason,omitempty"`
	Locked       bool   `json:"locked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Board returns the project's board.
func (c *Client) Board(ctx context.Context) (BoardView, error) {
	var resp BoardView
	err := c.do(ctx, http.MethodGet, c.projectPath("board"), nil, &resp)
	return resp, err
}

// MoveTask moves a task on the board.
func (c *Client) MoveTask(ctx context.Context, taskID, status string) (MoveResult, error) {
	var resp MoveResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/move", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// SendMessage sends a message and returns its message and thread ids.
func (c *Client) SendMessage(ctx context.Context, from, to, content, msgType string) (string, string, error) {
	body := map[string]any{
		"from":    from,
		"to":      to,
		"content": content,
	}
	if msgType != "" {
		body["type"] = msgType
	}
	var resp struct {
		MessageID string `json:"message_id"`
		ThreadID  string `json:"thread_id"`
	}
	err := c.do(ctx, http.MethodPost, c.apiPath("messages"), body, &resp)
	return resp.MessageID, resp.ThreadID, err
}

// Inbox returns an actor's inbox.
func (c *Client) Inbox(ctx context.Context, actor string, unreadOnly bool) (Inbox, error) {
	endpoint := c.apiPath(fmt.Sprintf("inboxes/%s", url.PathEscape(actor)))
	if unreadOnly {
		endpoint += "?unread_only=true"
	}
	var resp Inbox
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PendingApprovals lists pending approvals, optionally for one approver.
func (c *Client) PendingApprovals(ctx context.Context, actor string) ([]Approval, error) {
	endpoint := c.apiPath("approvals")
	if actor != "" {
		endpoint += "?actor=" + url.QueryEscape(actor)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveApproval approves or rejects a pending request.
func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool, notes string) (Approval, error) {
	var resp struct {
		Request Approval `json:"request"`
	}
	endpoint := c.apiPath(fmt.Sprintf("approvals/%s/resolve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approved": approved, "notes": notes}, &resp)
	return resp.Request, err
}

// ReportBug files a bug; the server classifies and assigns it.
func (c *Client) ReportBug(ctx context.Context, report BugReport) (Bug, error) {
	var resp Bug
	err := c.do(ctx, http.MethodPost, c.projectPath("bugs"), report, &resp)
	return resp, err
}

// CompleteFix records a fix attempt for a bug.
func (c *Client) CompleteFix(ctx context.Context, bugID string, passed bool, filesChanged []string) (FixOutcome, error) {
	body := map[string]any{"passed": passed}
	if len(filesChanged) > 0 {
		body["files_changed"] = filesChanged
	}
	var resp FixOutcome
	endpoint := c.projectPath(fmt.Sprintf("bugs/%s/complete", url.PathEscape(bugID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Snapshot stores a new version of a document.
func (c *Client) Snapshot(ctx context.Context, documentID, documentType string, content any, reason string) (DocumentVersion, error) {
	body := map[string]any{
		"content":       content,
		"document_type": documentType,
	}
	if reason != "" {
		body["change_reason"] = reason
	}
	var resp DocumentVersion
	endpoint := c.projectPath(fmt.Sprintf("documents/%s/versions", url.PathEscape(documentID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Rollback restores a document version's content as a new version.
func (c *Client) Rollback(ctx context.Context, documentID string, target int, reason string) (DocumentVersion, error) {
	var resp DocumentVersion
	endpoint := c.projectPath(fmt.Sprintf("documents/%s/rollback", url.PathEscape(documentID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"target": target, "reason": reason}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return c.apiPath(fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/")))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
