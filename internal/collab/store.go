package collab

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

// Messaging state is not scoped to a project: it lives in the store's global project.
const (
	stateProject  = ""
	kindThread    = "threads"
	kindInbox     = "inboxes"
	kindApproval  = "approvals"
	messageStream = "messages"
)

// persistLocked writes the inboxes and thread touched by one message, then appends the
// message to the message log. Callers commit the in-memory copies only on success.
func (b *Bus) persistLocked(ctx context.Context, thread domain.ConversationThread, inboxes map[string]domain.AgentInbox, msg domain.AgentMessage) error {
	if b.store == nil {
		return nil
	}
	for name, in := range inboxes {
		if err := b.store.Put(ctx, stateProject, kindInbox, name, in); err != nil {
			return fmt.Errorf("save inbox %s: %w", name, err)
		}
	}
	if err := b.saveThread(ctx, thread); err != nil {
		return err
	}
	if _, err := b.store.Append(ctx, stateProject, messageStream, msg); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (b *Bus) saveThread(ctx context.Context, t domain.ConversationThread) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Put(ctx, stateProject, kindThread, t.ID, t); err != nil {
		return fmt.Errorf("save thread %s: %w", t.ID, err)
	}
	return nil
}

func (b *Bus) saveInbox(ctx context.Context, in domain.AgentInbox) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Put(ctx, stateProject, kindInbox, in.AgentName, in); err != nil {
		return fmt.Errorf("save inbox %s: %w", in.AgentName, err)
	}
	return nil
}

// Load replaces in-memory threads and inboxes with the stored ones. Inboxes that were
// never stored keep their current contents. It returns the number of threads loaded.
func (b *Bus) Load(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	threads, err := loadAll[domain.ConversationThread](ctx, b, kindThread)
	if err != nil {
		return 0, err
	}
	inboxes, err := loadAll[domain.AgentInbox](ctx, b, kindInbox)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.threads = make(map[string]*domain.ConversationThread, len(threads))
	for _, t := range threads {
		if t.Participants == nil {
			t.Participants = []string{}
		}
		if t.Messages == nil {
			t.Messages = []domain.AgentMessage{}
		}
		b.threads[t.ID] = &t
	}
	for _, in := range inboxes {
		if in.Messages == nil {
			in.Messages = []domain.AgentMessage{}
		}
		b.inboxes[in.AgentName] = &in
	}
	b.mu.Unlock()
	b.log.Info("messages loaded", "threads", len(threads), "inboxes", len(inboxes))
	return len(threads), nil
}

// MessageLog returns logged messages with a sequence number above after, oldest first.
func (b *Bus) MessageLog(ctx context.Context, after int64, limit int) ([]domain.AgentMessage, error) {
	if b.store == nil {
		return []domain.AgentMessage{}, nil
	}
	records, err := b.store.Read(ctx, stateProject, messageStream, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AgentMessage, 0, len(records))
	for _, rec := range records {
		var m domain.AgentMessage
		if err := rec.Decode(&m); err != nil {
			b.log.Warn("skipping unreadable message", "seq", rec.Seq, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// loadAll decodes every document of kind, skipping records that no longer decode.
func loadAll[T any](ctx context.Context, b *Bus, kind string) ([]T, error) {
	keys, err := b.store.Keys(ctx, stateProject, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		if err := b.store.Get(ctx, stateProject, kind, k, &v); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				b.log.Warn("skipping unreadable record", "kind", kind, "key", k, "err", err)
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (g *Gate) save(ctx context.Context, req domain.ApprovalRequest) error {
	if g.bus.store == nil {
		return nil
	}
	if err := g.bus.store.Put(ctx, stateProject, kindApproval, req.ID, req); err != nil {
		return fmt.Errorf("save approval %s: %w", req.ID, err)
	}
	return nil
}

// Load restores stored approval requests that are not already held in memory. Pending
// ones can be waited on and resolved again. It returns the number restored as pending.
func (g *Gate) Load(ctx context.Context) (int, error) {
	if g.bus.store == nil {
		return 0, nil
	}
	reqs, err := loadAll[domain.ApprovalRequest](ctx, g.bus, kindApproval)
	if err != nil {
		return 0, err
	}
	pending := 0
	g.mu.Lock()
	for _, req := range reqs {
		if _, live := g.requests[req.ID]; live {
			continue
		}
		p := &pendingApproval{req: req, done: make(chan struct{})}
		if req.Status.Terminal() {
			close(p.done)
		} else {
			pending++
		}
		g.requests[req.ID] = p
		g.byMessage[req.MessageID] = req.ID
	}
	g.mu.Unlock()
	g.log.Info("approvals loaded", "total", len(reqs), "pending", pending)
	return pending, nil
}
