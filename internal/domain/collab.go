package domain

import "time"

// BroadcastRecipient addresses every inbox except the sender's.
const BroadcastRecipient = "all"

type MessageType string

const (
	MessageQuestion         MessageType = "question"
	MessageAnswer           MessageType = "answer"
	MessageApprovalRequest  MessageType = "approval_request"
	MessageApprovalResponse MessageType = "approval_response"
	MessageClarification    MessageType = "clarification"
	MessageHandoff          MessageType = "handoff"
	MessageNotification     MessageType = "notification"
	MessageClientMessage    MessageType = "client_message"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageQuestion, MessageAnswer, MessageApprovalRequest, MessageApprovalResponse,
		MessageClarification, MessageHandoff, MessageNotification, MessageClientMessage:
		return true
	}
	return false
}

type ThreadStatus string

const (
	ThreadActive          ThreadStatus = "active"
	ThreadWaitingResponse ThreadStatus = "waiting_response"
	ThreadResolved        ThreadStatus = "resolved"
	ThreadBlocked         ThreadStatus = "blocked"
)

func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadActive, ThreadWaitingResponse, ThreadResolved, ThreadBlocked:
		return true
	}
	return false
}

type AgentMessage struct {
	ID               string         `json:"id"`
	FromAgent        string         `json:"from_agent"`
	ToAgent          string         `json:"to_agent"`
	MessageType      MessageType    `json:"message_type" enum:"question,answer,approval_request,approval_response,clarification,handoff,notification,client_message"`
	Content          string         `json:"content"`
	RequiresResponse bool           `json:"requires_response"`
	Context          map[string]any `json:"context,omitempty"`
	ThreadID         string         `json:"thread_id"`
	Timestamp        time.Time      `json:"timestamp" format:"date-time"`
	Read             bool           `json:"read"`
}

type ConversationThread struct {
	ID           string         `json:"id"`
	Topic        string         `json:"topic"`
	Participants []string       `json:"participants"`
	Messages     []AgentMessage `json:"messages"`
	Status       ThreadStatus   `json:"status" enum:"active,waiting_response,resolved,blocked"`
	CreatedAt    time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time      `json:"updated_at" format:"date-time"`
}

type AgentInbox struct {
	AgentName string         `json:"agent_name"`
	Messages  []AgentMessage `json:"messages"`
}

// UnreadCount is derived from the message list on every call.
func (in AgentInbox) UnreadCount() int {
	n := 0
	for _, m := range in.Messages {
		if !m.Read {
			n++
		}
	}
	return n
}

// Unread returns the unread messages in arrival order.
func (in AgentInbox) Unread() []AgentMessage {
	out := make([]AgentMessage, 0, len(in.Messages))
	for _, m := range in.Messages {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalTimeout
}

type ApprovalRequest struct {
	ID              string         `json:"id"`
	MessageID       string         `json:"message_id"`
	ThreadID        string         `json:"thread_id,omitempty"`
	FromAgent       string         `json:"from_agent"`
	ToAgent         string         `json:"to_agent"`
	Description     string         `json:"description"`
	Context         map[string]any `json:"context,omitempty"`
	Status          ApprovalStatus `json:"status" enum:"pending,approved,rejected,timeout"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	TimeoutHours    int            `json:"timeout_hours"`
}

// Expired reports whether the request outlived its timeout at now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return now.After(r.CreatedAt.Add(time.Duration(r.TimeoutHours) * time.Hour))
}
