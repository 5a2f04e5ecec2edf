package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/repo"
)

const topicLimit = 50

var (
	ErrThreadNotFound = fmt.Errorf("thread %w", repo.ErrNotFound)
	ErrInvalidMessage = errors.New("invalid message")
)

// Handler consumes messages delivered to an actor by ProcessPending.
type Handler func(ctx context.Context, msg domain.AgentMessage) error

// SendRequest describes one outgoing message. ThreadID is optional.
type SendRequest struct {
	From             string
	To               string
	Content          string
	Type             domain.MessageType
	RequiresResponse bool
	Context          map[string]any
	ThreadID         string
}

type Options struct {
	// Actors get an empty inbox up front.
	Actors []string
	// Store keeps threads, inboxes, approvals and the message log. Nil keeps them in
	// memory only.
	Store  repo.Store
	Events events.Publisher
	Logger *log.Logger
	Now    func() time.Time
}

type Bus struct {
	mu       sync.Mutex
	threads  map[string]*domain.ConversationThread
	inboxes  map[string]*domain.AgentInbox
	handlers map[string]Handler

	gate   *Gate
	store  repo.Store
	events events.Publisher
	log    *log.Logger
	now    func() time.Time
}

func NewBus(opts Options) *Bus {
	b := &Bus{
		threads:  make(map[string]*domain.ConversationThread),
		inboxes:  make(map[string]*domain.AgentInbox),
		handlers: make(map[string]Handler),
		store:    opts.Store,
		events:   opts.Events,
		log:      logging.OrDiscard(opts.Logger),
		now:      opts.Now,
	}
	if b.events == nil {
		b.events = events.Nop{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	for _, actor := range opts.Actors {
		b.inboxes[actor] = &domain.AgentInbox{AgentName: actor, Messages: []domain.AgentMessage{}}
	}
	return b
}

// Send routes a message and returns its id and thread id. Without a known ThreadID a new
// thread is opened whose topic is the start of the content. Sending an approval_request
// also registers a pending approval with the attached gate.
func (b *Bus) Send(ctx context.Context, req SendRequest) (string, string, error) {
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		return "", "", fmt.Errorf("%w: from and to are required", ErrInvalidMessage)
	}
	if req.Type == "" {
		req.Type = domain.MessageQuestion
	}
	if !req.Type.Valid() {
		return "", "", fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, req.Type)
	}
	now := b.now().UTC()
	msg := domain.AgentMessage{
		ID:               domain.NewID("msg_", 12),
		FromAgent:        req.From,
		ToAgent:          req.To,
		MessageType:      req.Type,
		Content:          req.Content,
		RequiresResponse: req.RequiresResponse,
		Context:          copyContext(req.Context),
		Timestamp:        now,
	}

	b.mu.Lock()
	var thread domain.ConversationThread
	if t, ok := b.threads[req.ThreadID]; ok && req.ThreadID != "" {
		thread = copyThread(t)
	} else {
		thread = domain.ConversationThread{
			ID:           domain.NewID("thread_", 12),
			Topic:        topicFor(req.Content),
			Participants: []string{},
			Messages:     []domain.AgentMessage{},
			Status:       domain.ThreadActive,
			CreatedAt:    now,
		}
	}
	msg.ThreadID = thread.ID
	addToThread(&thread, msg, now)

	delivered := make(map[string]domain.AgentInbox)
	if msg.ToAgent == domain.BroadcastRecipient {
		for name, inbox := range b.inboxes {
			if name != msg.FromAgent {
				delivered[name] = withMessage(inbox, msg)
			}
		}
	} else {
		delivered[msg.ToAgent] = withMessage(b.inboxLocked(msg.ToAgent), msg)
	}
	if err := b.persistLocked(ctx, thread, delivered, msg); err != nil {
		b.mu.Unlock()
		return "", "", err
	}
	b.threads[thread.ID] = &thread
	for name, in := range delivered {
		b.inboxes[name] = &in
	}
	gate := b.gate
	b.mu.Unlock()

	b.events.Publish(ctx, domain.Event{
		Type:       events.TypeNewMessage,
		ProjectID:  projectOf(msg.Context),
		EntityKind: "message",
		EntityID:   msg.ID,
		ActorID:    msg.FromAgent,
		Payload:    map[string]any{"message": msg, "thread_id": thread.ID},
	})
	if msg.MessageType == domain.MessageApprovalRequest && gate != nil {
		gate.register(ctx, msg)
	}
	b.log.Info("message sent", "from", msg.FromAgent, "to", msg.ToAgent, "type", msg.MessageType, "thread", thread.ID)
	return msg.ID, thread.ID, nil
}

// Reply answers within an existing thread, addressed to the most recent other
// participant, or to everyone when nobody else has spoken.
func (b *Bus) Reply(ctx context.Context, threadID, from, content string, typ domain.MessageType) (string, error) {
	b.mu.Lock()
	thread, ok := b.threads[threadID]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	to := domain.BroadcastRecipient
	for i := len(thread.Messages) - 1; i >= 0; i-- {
		if thread.Messages[i].FromAgent != from {
			to = thread.Messages[i].FromAgent
			break
		}
	}
	b.mu.Unlock()
	if typ == "" {
		typ = domain.MessageAnswer
	}
	id, _, err := b.Send(ctx, SendRequest{From: from, To: to, Content: content, Type: typ, ThreadID: threadID})
	return id, err
}

func (b *Bus) GetThread(id string) (domain.ConversationThread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[id]
	if !ok {
		return domain.ConversationThread{}, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return copyThread(t), nil
}

// GetThreads lists threads, most recently updated first. An empty status lists all.
func (b *Bus) GetThreads(status domain.ThreadStatus) []domain.ConversationThread {
	b.mu.Lock()
	out := make([]domain.ConversationThread, 0, len(b.threads))
	for _, t := range b.threads {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, copyThread(t))
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// GetInbox returns a snapshot of the actor's inbox, creating it if needed.
func (b *Bus) GetInbox(actor string) domain.AgentInbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyInbox(b.inboxLocked(actor))
}

// Actors lists known inbox owners.
func (b *Bus) Actors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.inboxes))
	for name := range b.inboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkRead flags a message read in one actor's inbox. It reports whether the message
// was found.
func (b *Bus) MarkRead(ctx context.Context, actor, messageID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inboxes[actor]
	if !ok {
		return false, nil
	}
	for i := range in.Messages {
		if in.Messages[i].ID != messageID {
			continue
		}
		if in.Messages[i].Read {
			return true, nil
		}
		next := copyInbox(in)
		next.Messages[i].Read = true
		if err := b.saveInbox(ctx, next); err != nil {
			return false, err
		}
		b.inboxes[actor] = &next
		return true, nil
	}
	return false, nil
}

func (b *Bus) ResolveThread(ctx context.Context, id string) error {
	b.mu.Lock()
	t, ok := b.threads[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	next := copyThread(t)
	next.Status = domain.ThreadResolved
	next.UpdatedAt = b.now().UTC()
	if err := b.saveThread(ctx, next); err != nil {
		b.mu.Unlock()
		return err
	}
	b.threads[id] = &next
	project := ""
	if len(next.Messages) > 0 {
		project = projectOf(next.Messages[0].Context)
	}
	b.mu.Unlock()
	b.events.Publish(ctx, domain.Event{Type: events.TypeThreadResolved, ProjectID: project, EntityKind: "thread", EntityID: id})
	return nil
}

// RegisterHandler installs the consumer used by ProcessPending for an actor.
func (b *Bus) RegisterHandler(actor string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[actor] = h
}

// ProcessPending hands each unread inbox message to the actor's handler and marks it
// read once handled. It stops at the first handler error.
func (b *Bus) ProcessPending(ctx context.Context, actor string) (int, error) {
	b.mu.Lock()
	h := b.handlers[actor]
	var unread []domain.AgentMessage
	if in, ok := b.inboxes[actor]; ok {
		for _, m := range in.Messages {
			if !m.Read {
				unread = append(unread, m)
			}
		}
	}
	b.mu.Unlock()
	if h == nil {
		return 0, nil
	}
	handled := 0
	for _, m := range unread {
		if err := h(ctx, m); err != nil {
			return handled, fmt.Errorf("handle %s: %w", m.ID, err)
		}
		if _, err := b.MarkRead(ctx, actor, m.ID); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (b *Bus) inboxLocked(actor string) *domain.AgentInbox {
	in, ok := b.inboxes[actor]
	if !ok {
		in = &domain.AgentInbox{AgentName: actor, Messages: []domain.AgentMessage{}}
		b.inboxes[actor] = in
	}
	return in
}

func addToThread(t *domain.ConversationThread, msg domain.AgentMessage, now time.Time) {
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = now
	if !contains(t.Participants, msg.FromAgent) {
		t.Participants = append(t.Participants, msg.FromAgent)
	}
	if msg.ToAgent != domain.BroadcastRecipient && !contains(t.Participants, msg.ToAgent) {
		t.Participants = append(t.Participants, msg.ToAgent)
	}
	if t.Status == domain.ThreadResolved {
		return
	}
	if msg.RequiresResponse {
		t.Status = domain.ThreadWaitingResponse
	} else if t.Status == domain.ThreadWaitingResponse {
		t.Status = domain.ThreadActive
	}
}

func topicFor(content string) string {
	runes := []rune(content)
	if len(runes) > topicLimit {
		return string(runes[:topicLimit]) + "..."
	}
	return content
}

func projectOf(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	if p, ok := ctx["project_id"].(string); ok {
		return p
	}
	return ""
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyInbox(in *domain.AgentInbox) domain.AgentInbox {
	return domain.AgentInbox{AgentName: in.AgentName, Messages: append([]domain.AgentMessage{}, in.Messages...)}
}

func withMessage(in *domain.AgentInbox, msg domain.AgentMessage) domain.AgentInbox {
	next := copyInbox(in)
	next.Messages = append(next.Messages, msg)
	return next
}

func copyThread(t *domain.ConversationThread) domain.ConversationThread {
	c := *t
	c.Participants = append([]string{}, t.Participants...)
	c.Messages = append([]domain.AgentMessage{}, t.Messages...)
	return c
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
